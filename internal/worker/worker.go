// Package worker implements the per-worker crawl loop: dequeue, request
// hooks, download, response hooks, handler dispatch and acknowledgement.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-scheduler/internal/crawler"
	"github.com/JakeFAU/crawl-scheduler/internal/metrics"
	"github.com/JakeFAU/crawl-scheduler/internal/middleware"
	"github.com/JakeFAU/crawl-scheduler/internal/queue"
	"github.com/JakeFAU/crawl-scheduler/internal/stats"
)

// Item statuses reported to metrics.
const (
	StatusOK       = "ok"
	StatusFailed   = "failed"
	StatusRetried  = "retried"
	StatusRejected = "rejected"
)

// Queue is the subset of queue.PriorityQueue a worker consumes.
type Queue interface {
	Get(ctx context.Context) (*crawler.WorkItem, error)
	TaskDone() error
	Len() int
	InFlight() int
}

// Enqueuer accepts follow-up work, applying deduplication. It reports
// whether the item was queued.
type Enqueuer interface {
	Enqueue(item *crawler.WorkItem) bool
}

// RecordProcessor receives extracted records in yield order.
type RecordProcessor interface {
	Process(ctx context.Context, record crawler.ResultRecord)
}

// Config controls Worker behavior.
type Config struct {
	Index int
	// OnHandlerError, when set, is called with every handler failure.
	OnHandlerError func(error)
}

// Worker consumes queue items and executes the download chain for each.
type Worker struct {
	queue      Queue
	chain      *middleware.Chain
	downloader crawler.Downloader
	spider     crawler.Spider
	handlers   map[string]crawler.Handler
	enqueuer   Enqueuer
	records    RecordProcessor
	stats      *stats.Stats
	cfg        Config
	logger     *zap.Logger
}

// New constructs a Worker.
func New(
	q Queue,
	chain *middleware.Chain,
	downloader crawler.Downloader,
	spider crawler.Spider,
	enqueuer Enqueuer,
	records RecordProcessor,
	st *stats.Stats,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if chain == nil {
		chain = middleware.NewChain()
	}
	metrics.Init()
	return &Worker{
		queue:      q,
		chain:      chain,
		downloader: downloader,
		spider:     spider,
		handlers:   spider.Handlers(),
		enqueuer:   enqueuer,
		records:    records,
		stats:      st,
		cfg:        cfg,
		logger:     logger.Named("worker").With(zap.Int("index", cfg.Index)),
	}
}

// Run blocks, consuming queue items until the queue closes or ctx ends.
func (w *Worker) Run(ctx context.Context) error {
	for {
		item, err := w.queue.Get(ctx)
		if err != nil {
			if errors.Is(err, queue.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("worker %d dequeue: %w", w.cfg.Index, err)
		}
		w.logger.Debug("dequeued work item", zap.String("target", item.Target))
		w.process(ctx, item)
	}
}

// process runs one iteration. The item is acknowledged on every path,
// including a panic.
func (w *Worker) process(ctx context.Context, item *crawler.WorkItem) {
	defer w.acknowledge(item)
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("work item panicked",
				zap.String("target", item.Target),
				zap.String("callback", item.CallbackName()),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
			w.stats.IncHandlerError("panic")
			w.finish(StatusFailed)
		}
	}()

	w.finish(w.handle(ctx, item))
}

func (w *Worker) acknowledge(item *crawler.WorkItem) {
	w.stats.IncProcessed()
	if err := w.queue.TaskDone(); err != nil {
		w.logger.Error("task done failed", zap.String("target", item.Target), zap.Error(err))
	}
	metrics.SetInflight(w.queue.InFlight())
	metrics.SetQueueDepth(w.queue.Len())
}

func (w *Worker) finish(status string) {
	switch status {
	case StatusOK:
		w.stats.IncOK()
	case StatusFailed:
		w.stats.IncFailed()
	case StatusRejected:
		w.stats.IncRejected()
		w.stats.IncFailed()
	case StatusRetried:
		w.stats.IncRetried()
	}
	metrics.ObserveItem(status)
}

func (w *Worker) handle(ctx context.Context, item *crawler.WorkItem) string {
	req, outcome, err := w.chain.ProcessRequest(ctx, item, w.spider)
	if err != nil {
		w.logFailure(item, "request middleware failed", err)
		return StatusFailed
	}
	if outcome == nil {
		outcome = w.fetch(ctx, req)
	}

	outcome, retry, err := w.postProcess(ctx, req, outcome)
	if err != nil {
		w.logFailure(req, "response middleware failed", err)
		return StatusFailed
	}
	if retry != nil {
		if !w.enqueuer.Enqueue(retry) {
			w.logger.Warn("retry not scheduled",
				zap.String("target", retry.Target),
				zap.Int("retries", retry.RetryCount),
			)
			return StatusFailed
		}
		return StatusRetried
	}
	if outcome.Failed() {
		return w.fail(ctx, req, outcome)
	}

	err = w.dispatch(ctx, req, outcome, req.CallbackName())
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, crawler.ErrInvalidRecord):
		return w.fail(ctx, req, crawler.Failure(err))
	default:
		w.handlerFailed(req, req.CallbackName(), err)
		return StatusFailed
	}
}

func (w *Worker) fetch(ctx context.Context, item *crawler.WorkItem) *crawler.FetchOutcome {
	start := time.Now()
	outcome, err := w.downloader.Fetch(ctx, item)
	switch {
	case err != nil:
		outcome = crawler.Failure(err)
	case outcome == nil:
		outcome = crawler.Failure(errors.New("downloader returned no outcome"))
	}
	if outcome.Duration == 0 {
		outcome.Duration = time.Since(start)
	}
	if outcome.Failed() {
		w.stats.IncNetworkError(crawler.ErrorTag(outcome.Err))
		w.logger.Debug("download failed", zap.String("target", item.Target), zap.Error(outcome.Err))
	}
	return outcome
}

// postProcess routes a failed outcome through the exception hooks and a
// successful or recovered one through the response hooks.
func (w *Worker) postProcess(
	ctx context.Context,
	item *crawler.WorkItem,
	outcome *crawler.FetchOutcome,
) (*crawler.FetchOutcome, *crawler.WorkItem, error) {
	if outcome.Failed() {
		recovered, retry, err := w.chain.ProcessException(ctx, item, outcome.Err, w.spider)
		if err != nil || retry != nil || recovered.Failed() {
			return recovered, retry, err
		}
		outcome = recovered
	}
	return w.chain.ProcessResponse(ctx, item, outcome, w.spider)
}

// fail handles a permanent failure: it is logged, counted and handed to the
// item's errback when one is set.
func (w *Worker) fail(ctx context.Context, item *crawler.WorkItem, outcome *crawler.FetchOutcome) string {
	status := StatusFailed
	if errors.Is(outcome.Err, crawler.ErrRetriesExhausted) {
		status = StatusRejected
	}
	w.logFailure(item, "work item failed", outcome.Err)

	if item.Errback == "" {
		return status
	}
	if err := w.dispatch(ctx, item, outcome, item.Errback); err != nil {
		w.handlerFailed(item, item.Errback, err)
	}
	return status
}

// dispatch drains the named handler's output sequence.
func (w *Worker) dispatch(
	ctx context.Context,
	item *crawler.WorkItem,
	outcome *crawler.FetchOutcome,
	name string,
) error {
	handler, ok := w.handlers[name]
	if !ok || handler == nil {
		return fmt.Errorf("no handler registered for %q", name)
	}
	for out, err := range handler(ctx, item, outcome) {
		if err != nil {
			return err
		}
		switch v := out.(type) {
		case *crawler.WorkItem:
			if v != nil {
				w.enqueuer.Enqueue(v)
			}
		case crawler.ResultRecord:
			w.records.Process(ctx, v)
		case nil:
		default:
			w.logger.Warn("ignoring unknown handler output", zap.String("callback", name), zap.Any("output", out))
		}
	}
	return nil
}

func (w *Worker) handlerFailed(item *crawler.WorkItem, name string, err error) {
	w.stats.IncHandlerError(crawler.ErrorTag(err))
	w.logger.Error("handler failed",
		zap.String("target", item.Target),
		zap.String("callback", name),
		zap.Error(err),
	)
	if w.cfg.OnHandlerError != nil {
		w.cfg.OnHandlerError(err)
	}
}

func (w *Worker) logFailure(item *crawler.WorkItem, msg string, err error) {
	w.logger.Error(msg,
		zap.String("target", item.Target),
		zap.String("callback", item.CallbackName()),
		zap.Int("retries", item.RetryCount),
		zap.Error(err),
	)
}
