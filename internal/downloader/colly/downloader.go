// Package collydownloader implements crawler.Downloader using gocolly.
package collydownloader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-scheduler/internal/crawler"
)

// ErrNotStarted is returned by Fetch before Startup or after Shutdown.
var ErrNotStarted = errors.New("colly downloader not started")

const defaultTimeout = 15 * time.Second

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
	// Headers are sent with every request; WorkItem headers are added on top.
	Headers http.Header
	// MaxParallel caps concurrent requests across all domains. Zero means
	// the worker pool size is the only limit.
	MaxParallel int
}

// Downloader fetches WorkItems with a Colly collector. A fresh clone of the
// base collector is used per fetch so hooks never leak between requests.
type Downloader struct {
	cfg    Config
	logger *zap.Logger

	mu        sync.RWMutex
	transport *http.Transport
	base      *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Downloader. The collector is created in Startup.
func New(cfg Config, logger *zap.Logger) *Downloader {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Downloader{cfg: cfg, logger: logger.Named("colly")}
}

// Startup creates the pooled transport and base collector.
func (d *Downloader) Startup(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.base != nil {
		return nil
	}

	c := colly.NewCollector(colly.Async(false))
	// Dedup and retries are handled upstream; colly must fetch whatever it is given.
	c.AllowURLRevisit = true
	c.IgnoreRobotsTxt = true
	c.ParseHTTPErrorResponse = true
	if d.cfg.UserAgent != "" {
		c.UserAgent = d.cfg.UserAgent
	}
	c.SetRequestTimeout(d.cfg.Timeout)
	if d.cfg.MaxParallel > 0 {
		if err := c.Limit(&colly.LimitRule{DomainGlob: "*", Parallelism: d.cfg.MaxParallel}); err != nil {
			return fmt.Errorf("colly limit rule: %w", err)
		}
	}

	d.transport = newHTTPTransport()
	c.WithTransport(d.transport)
	d.base = c
	d.logger.Debug("collector started", zap.Duration("timeout", d.cfg.Timeout))
	return nil
}

// Shutdown releases pooled connections. Fetch fails afterwards.
func (d *Downloader) Shutdown(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.transport != nil {
		d.transport.CloseIdleConnections()
	}
	d.transport = nil
	d.base = nil
	return nil
}

// Fetch performs the request described by item. HTTP error statuses are
// returned as successful outcomes so response middleware can inspect them;
// transport failures are returned as errors.
func (d *Downloader) Fetch(ctx context.Context, item *crawler.WorkItem) (*crawler.FetchOutcome, error) {
	d.mu.RLock()
	base := d.base
	d.mu.RUnlock()
	if base == nil {
		return nil, ErrNotStarted
	}

	var (
		outcome  *crawler.FetchOutcome
		fetchErr error
	)
	start := time.Now()
	collector := base.Clone()
	d.configureHooks(collector, item, start, &outcome, &fetchErr)

	if err := d.run(ctx, collector, item, &fetchErr); err != nil {
		return nil, err
	}
	if outcome == nil {
		return nil, fmt.Errorf("colly fetch %s: no response", item.Target)
	}
	return outcome, nil
}

func (d *Downloader) configureHooks(
	hooks collectorHooks,
	item *crawler.WorkItem,
	start time.Time,
	outcome **crawler.FetchOutcome,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		copyHeaders(d.cfg.Headers, r)
		copyHeaders(item.Headers, r)
	})

	hooks.OnResponse(func(r *colly.Response) {
		var headers http.Header
		if r.Headers != nil {
			headers = r.Headers.Clone()
		}
		*outcome = &crawler.FetchOutcome{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    headers,
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

func (d *Downloader) run(ctx context.Context, collector *colly.Collector, item *crawler.WorkItem, fetchErr *error) error {
	var body io.Reader
	if len(item.Body) > 0 {
		body = bytes.NewReader(item.Body)
	}
	done := make(chan error, 1)
	go func() {
		done <- collector.Request(item.RequestMethod(), item.Target, body, nil, nil)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		return nil
	}
}

func copyHeaders(src http.Header, r *colly.Request) {
	for key, values := range src {
		r.Headers.Del(key)
		for _, v := range values {
			r.Headers.Add(key, v)
		}
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
