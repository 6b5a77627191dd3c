// Package headless implements crawler.Downloader with a headless Chrome
// driven by chromedp, for pages that need JavaScript to render.
package headless

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-scheduler/internal/crawler"
)

// ErrNotStarted is returned by Fetch before Startup or after Shutdown.
var ErrNotStarted = errors.New("headless downloader not started")

// ErrUnsupportedMethod is returned for WorkItems that are not GET requests.
var ErrUnsupportedMethod = errors.New("headless downloader supports GET only")

const defaultNavigationTimeout = 45 * time.Second

// Config controls the browser.
type Config struct {
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
	// Headers are sent with every navigation; WorkItem headers override them.
	Headers http.Header
	// Settle is how long to wait after the body is ready for scripts to finish.
	Settle time.Duration
}

// Downloader renders pages in browser tabs that share one Chrome process.
type Downloader struct {
	cfg     Config
	limiter chan struct{}
	logger  *zap.Logger

	mu            sync.RWMutex
	browser       context.Context
	browserCancel context.CancelFunc
	allocCancel   context.CancelFunc
}

// New validates cfg and returns a Downloader. Chrome is launched in Startup.
func New(cfg Config, logger *zap.Logger) (*Downloader, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavigationTimeout
	}
	if cfg.Settle < 0 {
		cfg.Settle = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}
	return &Downloader{cfg: cfg, limiter: limiter, logger: logger.Named("headless")}, nil
}

// Startup launches the browser. A missing Chrome binary fails here, before
// any work is dispatched.
func (d *Downloader) Startup(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.browser != nil {
		return nil
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	// The browser outlives the startup context; Shutdown ends it.
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.WithoutCancel(ctx), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return fmt.Errorf("launch browser: %w", err)
	}

	d.browser = browserCtx
	d.browserCancel = browserCancel
	d.allocCancel = allocCancel
	d.logger.Info("browser started", zap.Int("max_parallel", d.cfg.MaxParallel))
	return nil
}

// Shutdown closes the browser.
func (d *Downloader) Shutdown(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.browser == nil {
		return nil
	}
	d.browserCancel()
	d.allocCancel()
	d.browser = nil
	d.logger.Info("browser stopped")
	return nil
}

// Fetch navigates a new tab to item.Target and returns the rendered DOM.
func (d *Downloader) Fetch(ctx context.Context, item *crawler.WorkItem) (*crawler.FetchOutcome, error) {
	if item.RequestMethod() != http.MethodGet {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedMethod, item.RequestMethod())
	}
	d.mu.RLock()
	browser := d.browser
	d.mu.RUnlock()
	if browser == nil {
		return nil, ErrNotStarted
	}

	if err := d.acquire(ctx); err != nil {
		return nil, err
	}
	defer d.release()

	tabCtx, tabCancel := chromedp.NewContext(browser)
	defer tabCancel()
	// Tie the tab to the caller's context as well as the browser's.
	stop := context.AfterFunc(ctx, tabCancel)
	defer stop()

	tabCtx, cancel := context.WithTimeout(tabCtx, d.cfg.NavigationTimeout)
	defer cancel()

	meta := newResponseMeta()
	chromedp.ListenTarget(tabCtx, meta.captureEvent)

	start := time.Now()
	html, finalURL, err := d.render(tabCtx, item)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("headless fetch canceled: %w", ctx.Err())
		}
		return nil, err
	}

	status, headers, responseURL := meta.snapshotWithFallbacks(item.Target, finalURL)
	return &crawler.FetchOutcome{
		URL:        responseURL,
		StatusCode: status,
		Headers:    headers,
		Body:       []byte(html),
		Duration:   time.Since(start),
	}, nil
}

func (d *Downloader) render(ctx context.Context, item *crawler.WorkItem) (string, string, error) {
	var (
		html     string
		finalURL string
	)
	actions := []chromedp.Action{
		d.networkSetupAction(mergeHeaders(d.cfg.Headers, item.Headers)),
		chromedp.Navigate(item.Target),
		chromedp.WaitReady("body", chromedp.ByQuery),
	}
	if d.cfg.Settle > 0 {
		actions = append(actions, chromedp.Sleep(d.cfg.Settle))
	}
	actions = append(actions,
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err := chromedp.Run(ctx, actions...); err != nil {
		return "", "", fmt.Errorf("chromedp run: %w", err)
	}
	return html, finalURL, nil
}

func (d *Downloader) networkSetupAction(headers http.Header) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if d.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(d.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if len(headers) > 0 {
			if err := network.SetExtraHTTPHeaders(toNetworkHeaders(headers)).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		return nil
	})
}

func (d *Downloader) acquire(ctx context.Context) error {
	if d.limiter == nil {
		return nil
	}
	select {
	case d.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("headless slot wait canceled: %w", ctx.Err())
	}
}

func (d *Downloader) release() {
	if d.limiter == nil {
		return
	}
	select {
	case <-d.limiter:
	default:
	}
}

// responseMeta captures the status and headers of the main document, which
// chromedp does not expose on the navigation result.
type responseMeta struct {
	mu      sync.RWMutex
	status  int
	headers http.Header
	url     string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{headers: http.Header{}}
}

func (m *responseMeta) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		m.capture(resp)
	}
}

func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	headers := http.Header{}
	for key, value := range event.Response.Headers {
		switch v := value.(type) {
		case string:
			headers.Add(key, v)
		case []any:
			for _, entry := range v {
				headers.Add(key, fmt.Sprint(entry))
			}
		default:
			headers.Add(key, fmt.Sprint(v))
		}
	}
	m.mu.Lock()
	m.status = int(event.Response.Status)
	m.headers = headers
	m.url = event.Response.URL
	m.mu.Unlock()
}

func (m *responseMeta) snapshotWithFallbacks(requestURL, finalURL string) (int, http.Header, string) {
	m.mu.RLock()
	status, headers, url := m.status, m.headers.Clone(), m.url
	m.mu.RUnlock()

	switch {
	case url != "":
	case finalURL != "":
		url = finalURL
	default:
		url = requestURL
	}
	if status == 0 {
		status = http.StatusOK
	}
	if headers == nil {
		headers = http.Header{}
	}
	return status, headers, url
}

func mergeHeaders(base, override http.Header) http.Header {
	out := base.Clone()
	if out == nil {
		out = http.Header{}
	}
	for key, values := range override {
		out[http.CanonicalHeaderKey(key)] = append([]string(nil), values...)
	}
	return out
}

func toNetworkHeaders(h http.Header) network.Headers {
	headers := network.Headers{}
	for key, values := range h {
		switch len(values) {
		case 0:
		case 1:
			headers[key] = values[0]
		default:
			headers[key] = append([]string(nil), values...)
		}
	}
	return headers
}
