// Package metrics exposes Prometheus collectors for the crawl scheduler.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	crawlerItemsTotal            *prometheus.CounterVec
	crawlerFetchTotal            *prometheus.CounterVec
	crawlerFetchBytesTotal       *prometheus.CounterVec
	crawlerFetchDurationSeconds  *prometheus.HistogramVec
	crawlerFetchErrorsTotal      *prometheus.CounterVec
	crawlerRecordsTotal          *prometheus.CounterVec
	crawlerInflight              prometheus.Gauge
	crawlerQueueDepth            prometheus.Gauge
	crawlerRateLimitDelaySeconds *prometheus.HistogramVec
	httpRequestsTotal            *prometheus.CounterVec
	httpRequestDurationSeconds   *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		crawlerItemsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_items_total",
				Help: "Total number of work items finished, labeled by status.",
			},
			[]string{"status"},
		)

		crawlerFetchTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_fetch_total",
				Help: "Total number of downloads, labeled by site and status class.",
			},
			[]string{"site", "status_class"},
		)

		crawlerFetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_fetch_bytes_total",
				Help: "Total number of bytes downloaded, labeled by site.",
			},
			[]string{"site"},
		)

		crawlerFetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_fetch_duration_seconds",
				Help:    "Histogram of download latencies.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"site", "status_class"},
		)

		crawlerFetchErrorsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_fetch_errors_total",
				Help: "Total number of failed downloads, labeled by error tag.",
			},
			[]string{"tag"},
		)

		crawlerRecordsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_records_total",
				Help: "Total number of result records, labeled by pipeline outcome.",
			},
			[]string{"outcome"},
		)

		crawlerInflight = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_inflight",
				Help: "Number of work items dequeued but not yet acknowledged.",
			},
		)

		crawlerQueueDepth = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_queue_depth",
				Help: "Number of work items waiting in the queue.",
			},
		)

		crawlerRateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_rate_limit_delay_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of ops HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of ops HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// StatusClass buckets an HTTP status into "2xx", "3xx" and so on. Zero maps
// to "error".
func StatusClass(status int) string {
	if status < 100 || status > 599 {
		return "error"
	}
	return strconv.Itoa(status/100) + "xx"
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveItem increments the finished item counter for status.
func ObserveItem(status string) {
	crawlerItemsTotal.WithLabelValues(status).Inc()
}

// ObserveFetch records one download.
func ObserveFetch(target string, status int, bytesFetched int, duration time.Duration) {
	site := SanitizeSite(target)
	class := StatusClass(status)
	crawlerFetchTotal.WithLabelValues(site, class).Inc()
	crawlerFetchDurationSeconds.WithLabelValues(site, class).Observe(duration.Seconds())
	if bytesFetched > 0 {
		crawlerFetchBytesTotal.WithLabelValues(site).Add(float64(bytesFetched))
	}
}

// ObserveFetchError increments the download error counter for tag.
func ObserveFetchError(tag string) {
	crawlerFetchErrorsTotal.WithLabelValues(tag).Inc()
}

// ObserveRecord increments the record counter for outcome.
func ObserveRecord(outcome string) {
	crawlerRecordsTotal.WithLabelValues(outcome).Inc()
}

// SetInflight sets the in-flight gauge.
func SetInflight(n int) {
	crawlerInflight.Set(float64(n))
}

// SetQueueDepth sets the queue depth gauge.
func SetQueueDepth(n int) {
	crawlerQueueDepth.Set(float64(n))
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	crawlerRateLimitDelaySeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the ops HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
