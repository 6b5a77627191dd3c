package middleware

import (
	"context"

	"github.com/JakeFAU/crawl-scheduler/internal/crawler"
	"github.com/JakeFAU/crawl-scheduler/internal/metrics"
)

// NameStats identifies Stats in configuration.
const NameStats = "stats"

// Stats exports every raw download result to Prometheus. Listed last, it
// wraps the downloader most tightly and sees responses before retries rewrite
// them.
type Stats struct{}

// NewStats builds the middleware.
func NewStats() *Stats {
	metrics.Init()
	return &Stats{}
}

// Name implements crawler.Middleware.
func (m *Stats) Name() string { return NameStats }

// ProcessResponse records the fetch and passes the outcome through.
func (m *Stats) ProcessResponse(
	_ context.Context,
	item *crawler.WorkItem,
	outcome *crawler.FetchOutcome,
	_ crawler.Spider,
) (*crawler.FetchOutcome, *crawler.WorkItem, error) {
	target := outcome.URL
	if target == "" {
		target = item.Target
	}
	metrics.ObserveFetch(target, outcome.StatusCode, len(outcome.Body), outcome.Duration)
	return nil, nil, nil
}

// ProcessException records the failure tag and lets it propagate.
func (m *Stats) ProcessException(
	_ context.Context,
	_ *crawler.WorkItem,
	failure error,
	_ crawler.Spider,
) (*crawler.FetchOutcome, *crawler.WorkItem, error) {
	metrics.ObserveFetchError(crawler.ErrorTag(failure))
	return nil, nil, nil
}
