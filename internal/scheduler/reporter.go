package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-scheduler/internal/metrics"
	"github.com/JakeFAU/crawl-scheduler/internal/stats"
)

// report logs progress every ReporterInterval until ctx ends.
func (s *Scheduler) report(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.ReporterInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.safeReport("crawl progress")
		}
	}
}

// safeReport never lets a reporting failure escape into the crawl.
func (s *Scheduler) safeReport(msg string) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Warn("progress reporter failed", zap.Any("panic", r))
		}
	}()
	s.logProgress(msg)
}

func (s *Scheduler) logProgress(msg string) {
	snap := s.stats.Snapshot()
	depth, inflight := s.queue.Len(), s.queue.InFlight()
	metrics.SetQueueDepth(depth)
	metrics.SetInflight(inflight)

	elapsed := s.clock.Now().Sub(snap.Started)
	s.logger.Info(msg,
		zap.Duration("elapsed", elapsed.Round(time.Second)),
		zap.Int64("processed", snap.Processed),
		zap.Int64("ok", snap.OK),
		zap.Int64("failed", snap.Failed),
		zap.Int64("retried", snap.Retried),
		zap.Int64("rejected", snap.Rejected),
		zap.Int64("filtered", snap.Filtered),
		zap.Int64("records", snap.RecordsScraped),
		zap.Int("queue_depth", depth),
		zap.Int("inflight", inflight),
		zap.Float64("pages_per_min", stats.PerMinute(snap.Processed, elapsed)),
		zap.Float64("records_per_min", stats.PerMinute(snap.RecordsScraped, elapsed)),
		zap.Any("handler_errors", snap.HandlerErrors),
		zap.Any("network_errors", snap.NetworkErrors),
	)
}
