// Package scheduler drives one crawl: it acquires the downloader and
// pipelines, seeds the queue from the spider, runs the worker pool until the
// queue drains, and releases everything on every exit path.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-scheduler/internal/clock/system"
	"github.com/JakeFAU/crawl-scheduler/internal/crawler"
	"github.com/JakeFAU/crawl-scheduler/internal/dedup"
	"github.com/JakeFAU/crawl-scheduler/internal/dispatcher"
	"github.com/JakeFAU/crawl-scheduler/internal/metrics"
	"github.com/JakeFAU/crawl-scheduler/internal/middleware"
	"github.com/JakeFAU/crawl-scheduler/internal/pipeline"
	"github.com/JakeFAU/crawl-scheduler/internal/queue"
	"github.com/JakeFAU/crawl-scheduler/internal/stats"
	"github.com/JakeFAU/crawl-scheduler/internal/worker"
)

// ErrAlreadyRun is returned when Run is called a second time.
var ErrAlreadyRun = errors.New("scheduler already run")

// State is the lifecycle phase of a Scheduler.
type State int32

// Lifecycle phases, in order.
const (
	StateCreated State = iota
	StateInitializing
	StateRunning
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateInitializing:
		return "initializing"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Config controls Scheduler behavior.
type Config struct {
	// ConcurrentRequests is the worker pool size.
	ConcurrentRequests int
	// ReporterInterval is the period of the progress log line.
	ReporterInterval time.Duration
	// StopOnHandlerError ends the run after the first handler failure.
	StopOnHandlerError bool
	// ShutdownTimeout bounds pipeline and downloader teardown.
	ShutdownTimeout time.Duration
}

const (
	defaultConcurrentRequests = 8
	defaultReporterInterval   = 60 * time.Second
	defaultShutdownTimeout    = 30 * time.Second
)

// Scheduler orchestrates a single crawl. Counters and dedup state belong to
// the instance, so several schedulers can run in one process.
type Scheduler struct {
	cfg        Config
	spider     crawler.Spider
	downloader crawler.Downloader
	chain      *middleware.Chain
	pipelines  *pipeline.Manager
	queue      *queue.PriorityQueue
	filter     *dedup.Filter
	stats      *stats.Stats
	clock      crawler.Clock
	logger     *zap.Logger

	state atomic.Int32
	ran   atomic.Bool

	handlerOnce sync.Once
	handlerErr  error
	cancelRun   context.CancelCauseFunc
}

// New constructs a Scheduler. Middleware and pipelines are fixed for the
// lifetime of the instance. A nil clock or logger falls back to the system
// clock and a no-op logger.
func New(
	spider crawler.Spider,
	downloader crawler.Downloader,
	mws []crawler.Middleware,
	pipelines []pipeline.Named,
	clock crawler.Clock,
	cfg Config,
	logger *zap.Logger,
) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = system.New()
	}
	if cfg.ConcurrentRequests <= 0 {
		cfg.ConcurrentRequests = defaultConcurrentRequests
	}
	if cfg.ReporterInterval <= 0 {
		cfg.ReporterInterval = defaultReporterInterval
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	metrics.Init()
	st := stats.New(clock.Now())
	logger = logger.With(zap.String("spider", spider.Name()))
	return &Scheduler{
		cfg:        cfg,
		spider:     spider,
		downloader: downloader,
		chain:      middleware.NewChain(mws...),
		pipelines:  pipeline.NewManager(pipelines, st, logger),
		queue:      queue.New(),
		filter:     dedup.New(),
		stats:      st,
		clock:      clock,
		logger:     logger,
	}
}

// State returns the current lifecycle phase.
func (s *Scheduler) State() State {
	return State(s.state.Load())
}

// Stats returns a snapshot of the run counters.
func (s *Scheduler) Stats() stats.Snapshot {
	return s.stats.Snapshot()
}

// QueueDepth returns the number of items waiting in the queue.
func (s *Scheduler) QueueDepth() int {
	return s.queue.Len()
}

// InFlight returns the number of items dequeued but not yet acknowledged.
func (s *Scheduler) InFlight() int {
	return s.queue.InFlight()
}

// Middleware returns the configured middleware names.
func (s *Scheduler) Middleware() []string {
	return s.chain.Names()
}

func (s *Scheduler) setState(st State) {
	s.state.Store(int32(st))
	s.logger.Debug("scheduler state", zap.Stringer("state", st))
}

// Enqueue accepts new work. Unless the item sets DontFilter, the fingerprint
// check and insert happen as one step so concurrent workers cannot both
// schedule the same request.
func (s *Scheduler) Enqueue(item *crawler.WorkItem) bool {
	if item == nil {
		return false
	}
	if !item.DontFilter && !s.filter.TryMark(item.Fingerprint()) {
		s.stats.IncFiltered()
		s.logger.Debug("filtered duplicate", zap.String("target", item.Target))
		return false
	}
	if err := s.queue.Put(item); err != nil {
		s.logger.Debug("enqueue rejected", zap.String("target", item.Target), zap.Error(err))
		return false
	}
	s.stats.IncScheduled()
	return true
}

// Run executes the crawl and blocks until it finishes. It returns nil when
// the queue drained, an error wrapping context.Canceled when ctx was
// canceled, or the first handler error when StopOnHandlerError is set.
// Startup failures abort the run before any work is dispatched.
func (s *Scheduler) Run(ctx context.Context) (err error) {
	if !s.ran.CompareAndSwap(false, true) {
		return ErrAlreadyRun
	}
	s.setState(StateInitializing)
	defer s.setState(StateStopped)

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	s.cancelRun = cancel

	if err := s.downloader.Startup(runCtx); err != nil {
		return fmt.Errorf("downloader startup: %w", err)
	}
	if err := s.pipelines.Open(runCtx, s.spider); err != nil {
		return errors.Join(fmt.Errorf("pipeline open: %w", err), s.shutdownDownloader(ctx))
	}
	defer func() {
		err = errors.Join(err, s.teardown(ctx))
	}()

	if err := s.seed(runCtx); err != nil {
		return fmt.Errorf("seed requests: %w", err)
	}

	s.setState(StateRunning)
	s.logger.Info("crawl started",
		zap.Int("workers", s.cfg.ConcurrentRequests),
		zap.Int("seeds", s.queue.Len()),
		zap.Strings("middleware", s.chain.Names()),
		zap.Strings("pipelines", s.pipelines.Names()),
	)

	workerCtx, stopWorkers := context.WithCancel(runCtx)
	defer stopWorkers()

	pool := dispatcher.New(s.workers())
	poolDone := make(chan error, 1)
	go func() { poolDone <- pool.Run(workerCtx) }()

	reporterDone := make(chan struct{})
	go func() {
		defer close(reporterDone)
		s.report(workerCtx)
	}()

	joinErr := s.queue.Join(runCtx)

	s.setState(StateDraining)
	// Idle workers wake with ErrClosed; busy ones finish their item first.
	s.queue.Close()
	poolErr := <-poolDone
	stopWorkers()
	<-reporterDone

	s.safeReport("crawl finished")

	switch {
	case s.handlerErr != nil:
		return fmt.Errorf("stopped on handler error: %w", s.handlerErr)
	case joinErr != nil:
		return fmt.Errorf("crawl interrupted: %w", joinErr)
	case poolErr != nil:
		return poolErr
	}
	return nil
}

func (s *Scheduler) seed(ctx context.Context) error {
	for item, err := range s.spider.StartRequests(ctx) {
		if err != nil {
			return err
		}
		s.Enqueue(item)
	}
	return nil
}

func (s *Scheduler) workers() []dispatcher.Runner {
	var onHandlerError func(error)
	if s.cfg.StopOnHandlerError {
		onHandlerError = s.stopOnHandlerError
	}
	runners := make([]dispatcher.Runner, 0, s.cfg.ConcurrentRequests)
	for i := range s.cfg.ConcurrentRequests {
		runners = append(runners, worker.New(
			s.queue,
			s.chain,
			s.downloader,
			s.spider,
			s,
			s.pipelines,
			s.stats,
			worker.Config{Index: i, OnHandlerError: onHandlerError},
			s.logger,
		))
	}
	return runners
}

func (s *Scheduler) stopOnHandlerError(err error) {
	s.handlerOnce.Do(func() {
		s.handlerErr = err
		s.logger.Warn("stopping crawl after handler error", zap.Error(err))
		s.cancelRun(err)
	})
}

// teardown closes the pipelines and then the downloader, even when ctx has
// been canceled.
func (s *Scheduler) teardown(ctx context.Context) error {
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err := s.pipelines.Close(closeCtx); err != nil {
		errs = append(errs, fmt.Errorf("pipeline close: %w", err))
	}
	if err := s.downloader.Shutdown(closeCtx); err != nil {
		errs = append(errs, fmt.Errorf("downloader shutdown: %w", err))
	}
	return errors.Join(errs...)
}

func (s *Scheduler) shutdownDownloader(ctx context.Context) error {
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.downloader.Shutdown(closeCtx); err != nil {
		return fmt.Errorf("downloader shutdown: %w", err)
	}
	return nil
}
