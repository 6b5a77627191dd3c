// Package stats holds the counters for a single crawl run.
package stats

import (
	"maps"
	"sync"
	"sync/atomic"
	"time"
)

// Stats accumulates per-run counters. All methods are safe for concurrent use.
type Stats struct {
	started time.Time

	scheduled      atomic.Int64
	filtered       atomic.Int64
	processed      atomic.Int64
	ok             atomic.Int64
	failed         atomic.Int64
	retried        atomic.Int64
	rejected       atomic.Int64
	recordsScraped atomic.Int64
	recordsDropped atomic.Int64
	recordsErrored atomic.Int64

	mu            sync.Mutex
	handlerErrors map[string]int64
	networkErrors map[string]int64
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	Started        time.Time        `json:"started"`
	Scheduled      int64            `json:"scheduled"`
	Filtered       int64            `json:"filtered"`
	Processed      int64            `json:"processed"`
	OK             int64            `json:"ok"`
	Failed         int64            `json:"failed"`
	Retried        int64            `json:"retried"`
	Rejected       int64            `json:"rejected"`
	RecordsScraped int64            `json:"records_scraped"`
	RecordsDropped int64            `json:"records_dropped"`
	RecordsErrored int64            `json:"records_errored"`
	HandlerErrors  map[string]int64 `json:"handler_errors"`
	NetworkErrors  map[string]int64 `json:"network_errors"`
}

// New returns zeroed counters stamped with started.
func New(started time.Time) *Stats {
	return &Stats{
		started:       started,
		handlerErrors: map[string]int64{},
		networkErrors: map[string]int64{},
	}
}

// IncScheduled counts a WorkItem accepted into the queue.
func (s *Stats) IncScheduled() { s.scheduled.Add(1) }

// IncFiltered counts a WorkItem rejected by the dedup filter.
func (s *Stats) IncFiltered() { s.filtered.Add(1) }

// IncProcessed counts a WorkItem acknowledged by a worker.
func (s *Stats) IncProcessed() { s.processed.Add(1) }

// IncOK counts a WorkItem whose handler ran to completion.
func (s *Stats) IncOK() { s.ok.Add(1) }

// IncFailed counts a WorkItem abandoned after an error.
func (s *Stats) IncFailed() { s.failed.Add(1) }

// IncRetried counts a WorkItem rescheduled by middleware.
func (s *Stats) IncRetried() { s.retried.Add(1) }

// IncRejected counts a WorkItem whose retries were exhausted.
func (s *Stats) IncRejected() { s.rejected.Add(1) }

// IncRecordsScraped counts a record that passed every pipeline.
func (s *Stats) IncRecordsScraped() { s.recordsScraped.Add(1) }

// IncRecordsDropped counts a record a pipeline discarded.
func (s *Stats) IncRecordsDropped() { s.recordsDropped.Add(1) }

// IncRecordsErrored counts a record a pipeline failed on.
func (s *Stats) IncRecordsErrored() { s.recordsErrored.Add(1) }

// IncHandlerError counts a handler failure under tag.
func (s *Stats) IncHandlerError(tag string) {
	s.mu.Lock()
	s.handlerErrors[tag]++
	s.mu.Unlock()
}

// IncNetworkError counts a download failure under tag.
func (s *Stats) IncNetworkError(tag string) {
	s.mu.Lock()
	s.networkErrors[tag]++
	s.mu.Unlock()
}

// Snapshot copies the current values.
func (s *Stats) Snapshot() Snapshot {
	s.mu.Lock()
	handler := maps.Clone(s.handlerErrors)
	network := maps.Clone(s.networkErrors)
	s.mu.Unlock()

	return Snapshot{
		Started:        s.started,
		Scheduled:      s.scheduled.Load(),
		Filtered:       s.filtered.Load(),
		Processed:      s.processed.Load(),
		OK:             s.ok.Load(),
		Failed:         s.failed.Load(),
		Retried:        s.retried.Load(),
		Rejected:       s.rejected.Load(),
		RecordsScraped: s.recordsScraped.Load(),
		RecordsDropped: s.recordsDropped.Load(),
		RecordsErrored: s.recordsErrored.Load(),
		HandlerErrors:  handler,
		NetworkErrors:  network,
	}
}

// PerMinute returns n scaled to a per-minute rate over elapsed.
func PerMinute(n int64, elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return 0
	}
	return float64(n) / elapsed.Minutes()
}
