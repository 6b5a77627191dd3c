// Package app assembles a crawl from configuration: it builds the downloader,
// the download middleware and the item pipelines by name, hands them to a
// scheduler, and optionally serves the ops API alongside the run.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-scheduler/internal/api"
	"github.com/JakeFAU/crawl-scheduler/internal/clock/system"
	"github.com/JakeFAU/crawl-scheduler/internal/config"
	"github.com/JakeFAU/crawl-scheduler/internal/crawler"
	collydownloader "github.com/JakeFAU/crawl-scheduler/internal/downloader/colly"
	"github.com/JakeFAU/crawl-scheduler/internal/downloader/headless"
	"github.com/JakeFAU/crawl-scheduler/internal/id/uuid"
	"github.com/JakeFAU/crawl-scheduler/internal/logging"
	"github.com/JakeFAU/crawl-scheduler/internal/middleware"
	"github.com/JakeFAU/crawl-scheduler/internal/pipeline"
	gcspipeline "github.com/JakeFAU/crawl-scheduler/internal/pipeline/gcs"
	"github.com/JakeFAU/crawl-scheduler/internal/pipeline/jsonl"
	"github.com/JakeFAU/crawl-scheduler/internal/pipeline/memory"
	"github.com/JakeFAU/crawl-scheduler/internal/pipeline/postgres"
	pubsubpipeline "github.com/JakeFAU/crawl-scheduler/internal/pipeline/pubsub"
	"github.com/JakeFAU/crawl-scheduler/internal/pipeline/sqlite"
	"github.com/JakeFAU/crawl-scheduler/internal/scheduler"
	"github.com/JakeFAU/crawl-scheduler/internal/spiders/links"
)

// App holds one configured crawl run.
type App struct {
	cfg       config.Config
	runID     string
	logger    *zap.Logger
	scheduler *scheduler.Scheduler
	server    *api.Server
}

// New wires a crawl for spider. Collaborators are constructed here but not
// started; the scheduler acquires them in Run.
func New(cfg config.Config, spider crawler.Spider, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ids := uuid.New()
	clock := system.New()

	runID, err := ids.NewID()
	if err != nil {
		return nil, fmt.Errorf("generate run id: %w", err)
	}
	logger = logging.ForRun(logger, runID)

	downloader, err := BuildDownloader(cfg, logger)
	if err != nil {
		return nil, err
	}
	mws, err := BuildMiddleware(cfg, logger)
	if err != nil {
		return nil, err
	}
	pipelines, err := BuildPipelines(cfg, ids, clock)
	if err != nil {
		return nil, err
	}

	sched := scheduler.New(spider, downloader, mws, pipelines, clock, scheduler.Config{
		ConcurrentRequests: cfg.ConcurrentRequests,
		ReporterInterval:   cfg.ReporterInterval(),
		StopOnHandlerError: cfg.StopOnHandlerError,
		ShutdownTimeout:    cfg.ShutdownTimeout(),
	}, logger)

	a := &App{cfg: cfg, runID: runID, logger: logger, scheduler: sched}
	if cfg.Server.Port > 0 {
		a.server = api.NewServer(sched, runID, logger.Named("api"))
	}
	return a, nil
}

// RunID returns the identifier stamped on this run's log lines.
func (a *App) RunID() string { return a.runID }

// Scheduler exposes the underlying scheduler.
func (a *App) Scheduler() *scheduler.Scheduler { return a.scheduler }

// Handler returns the ops API handler, or nil when the server is disabled.
func (a *App) Handler() http.Handler {
	if a.server == nil {
		return nil
	}
	return a.server.Handler()
}

// Run executes the crawl. When the ops server is enabled it serves for the
// duration of the run; a server failure interrupts the crawl.
func (a *App) Run(ctx context.Context) error {
	if a.server == nil {
		return a.scheduler.Run(ctx)
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	serverCtx, stopServer := context.WithCancel(context.WithoutCancel(ctx))
	defer stopServer()

	srvDone := make(chan error, 1)
	go func() {
		err := a.server.ListenAndServe(serverCtx, fmt.Sprintf(":%d", a.cfg.Server.Port))
		if err != nil {
			a.logger.Error("ops server failed", zap.Error(err))
			cancelRun()
		}
		srvDone <- err
	}()

	runErr := a.scheduler.Run(runCtx)
	stopServer()
	if srvErr := <-srvDone; srvErr != nil {
		return errors.Join(srvErr, runErr)
	}
	return runErr
}

// BuildSpider constructs the bundled link-following spider.
func BuildSpider(cfg config.Config, logger *zap.Logger) (*links.Spider, error) {
	spider, err := links.New(links.Config{
		StartURLs:       cfg.Spider.StartURLs,
		AllowedDomains:  cfg.Spider.AllowedDomains,
		DeniedDomains:   cfg.Spider.DeniedDomains,
		MaxDepth:        cfg.Spider.MaxDepth,
		Priority:        cfg.Spider.Priority,
		MaxLinksPerPage: cfg.Spider.MaxLinksPerPage,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("build spider: %w", err)
	}
	return spider, nil
}

// BuildDownloader constructs the configured Downloader.
func BuildDownloader(cfg config.Config, logger *zap.Logger) (crawler.Downloader, error) {
	headers := http.Header{}
	for k, v := range cfg.Downloader.Headers {
		headers.Set(k, v)
	}
	switch cfg.Downloader.Kind {
	case config.DownloaderColly, "":
		return collydownloader.New(collydownloader.Config{
			UserAgent:   cfg.Downloader.UserAgent,
			Timeout:     cfg.FetchTimeout(),
			Headers:     headers,
			MaxParallel: cfg.Downloader.MaxParallel,
		}, logger), nil
	case config.DownloaderHeadless:
		d, err := headless.New(headless.Config{
			MaxParallel:       cfg.Downloader.MaxParallel,
			UserAgent:         cfg.Downloader.UserAgent,
			NavigationTimeout: cfg.FetchTimeout(),
			Headers:           headers,
			Settle:            time.Duration(cfg.Downloader.SettleMs) * time.Millisecond,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("build headless downloader: %w", err)
		}
		return d, nil
	default:
		return nil, fmt.Errorf("unknown downloader kind %q", cfg.Downloader.Kind)
	}
}

// BuildMiddleware constructs the enabled download middleware in the
// configured order.
func BuildMiddleware(cfg config.Config, logger *zap.Logger) ([]crawler.Middleware, error) {
	mws := make([]crawler.Middleware, 0, len(cfg.EnabledDownloadMiddleware))
	for _, name := range cfg.EnabledDownloadMiddleware {
		switch name {
		case config.MiddlewareDefaultHeaders:
			mws = append(mws, middleware.NewDefaultHeaders(cfg.Downloader.UserAgent, cfg.Downloader.Headers))
		case config.MiddlewareRateLimit:
			mws = append(mws, middleware.NewRateLimit(cfg.RateLimit.RPS, cfg.RateLimit.Burst))
		case config.MiddlewareRetry:
			mws = append(mws, middleware.NewRetry(middleware.RetryConfig{
				MaxRetries:     cfg.Retry.MaxRetries,
				HTTPCodes:      cfg.Retry.HTTPCodes,
				PriorityAdjust: cfg.Retry.PriorityAdjust,
				BackoffInitial: time.Duration(cfg.Retry.BackoffInitialMs) * time.Millisecond,
				BackoffMax:     time.Duration(cfg.Retry.BackoffMaxMs) * time.Millisecond,
			}, logger.Named("retry")))
		case config.MiddlewareStats:
			mws = append(mws, middleware.NewStats())
		default:
			return nil, fmt.Errorf("unknown download middleware %q", name)
		}
	}
	return mws, nil
}

// BuildPipelines constructs the enabled pipelines in the configured order.
// Backends connect lazily when the scheduler opens them.
func BuildPipelines(cfg config.Config, ids crawler.IDGenerator, clock crawler.Clock) ([]pipeline.Named, error) {
	out := make([]pipeline.Named, 0, len(cfg.EnabledPipeline))
	p := cfg.Pipelines
	for _, name := range cfg.EnabledPipeline {
		var (
			pl  crawler.Pipeline
			err error
		)
		switch name {
		case config.PipelineMemory:
			pl = memory.New()
		case config.PipelineRequiredFields:
			pl = pipeline.NewRequiredFields(p.RequiredFields)
		case config.PipelineJSONL:
			pl, err = jsonl.New(jsonl.Config{Dir: p.JSONL.Dir}, ids, clock)
		case config.PipelineSQLite:
			pl, err = sqlite.New(sqlite.Config{
				Dir:   p.SQLite.Dir,
				Batch: batchConfig(p.SQLite.BatchConfig),
			}, ids, clock)
		case config.PipelineGCS:
			pl, err = gcspipeline.New(nil, gcspipeline.Config{Bucket: p.GCS.Bucket, Prefix: p.GCS.Prefix}, ids, clock)
		case config.PipelinePostgres:
			pl, err = postgres.New(postgres.Config{
				DSN:      p.Postgres.DSN,
				Table:    p.Postgres.Table,
				MaxConns: p.Postgres.MaxConns,
				Batch:    batchConfig(p.Postgres.BatchConfig),
			}, ids, clock)
		case config.PipelinePubSub:
			pl, err = pubsubpipeline.New(nil, pubsubpipeline.Config{
				ProjectID: p.PubSub.ProjectID,
				TopicID:   p.PubSub.TopicID,
			}, ids, clock)
		default:
			return nil, fmt.Errorf("unknown pipeline %q", name)
		}
		if err != nil {
			return nil, fmt.Errorf("build pipeline %s: %w", name, err)
		}
		out = append(out, pipeline.Named{Name: name, Pipeline: pl})
	}
	return out, nil
}

func batchConfig(b config.BatchConfig) pipeline.BatchConfig {
	return pipeline.BatchConfig{Size: b.BatchSize, Bytes: b.BatchBytes}
}
