package middleware

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/crawl-scheduler/internal/crawler"
	"github.com/JakeFAU/crawl-scheduler/internal/metrics"
)

// NameRateLimit identifies RateLimit in configuration.
const NameRateLimit = "rate_limit"

// RateLimit delays requests so each domain stays under a token bucket.
type RateLimit struct {
	mu           sync.Mutex
	limiters     map[string]*rate.Limiter
	defaultRate  rate.Limit
	defaultBurst int
}

// NewRateLimit creates the middleware. A non-positive rps disables limiting.
func NewRateLimit(rps float64, burst int) *RateLimit {
	r := rate.Limit(rps)
	if rps <= 0 {
		r = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	metrics.Init()
	return &RateLimit{
		limiters:     make(map[string]*rate.Limiter),
		defaultRate:  r,
		defaultBurst: burst,
	}
}

// Name implements crawler.Middleware.
func (m *RateLimit) Name() string { return NameRateLimit }

// ProcessRequest blocks until a token for the item's domain is available.
func (m *RateLimit) ProcessRequest(
	ctx context.Context,
	item *crawler.WorkItem,
	_ crawler.Spider,
) (*crawler.WorkItem, *crawler.FetchOutcome, error) {
	if err := m.Wait(ctx, item.Target); err != nil {
		return nil, nil, err
	}
	return nil, nil, nil
}

// Wait blocks until a token is available for the target's domain, respecting the context.
func (m *RateLimit) Wait(ctx context.Context, target string) error {
	domain := "unknown"
	if u, err := url.Parse(target); err == nil && u.Hostname() != "" {
		domain = u.Hostname()
	}
	m.mu.Lock()
	limiter, exists := m.limiters[domain]
	if !exists {
		limiter = rate.NewLimiter(m.defaultRate, m.defaultBurst)
		m.limiters[domain] = limiter
	}
	m.mu.Unlock()

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	// Only record waits the bucket actually imposed.
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(domain, waited)
	}
	return nil
}
