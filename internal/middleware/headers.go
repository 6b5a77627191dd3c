package middleware

import (
	"context"
	"net/http"

	"github.com/JakeFAU/crawl-scheduler/internal/crawler"
)

// NameDefaultHeaders identifies DefaultHeaders in configuration.
const NameDefaultHeaders = "default_headers"

// DefaultHeaders fills in request headers the WorkItem does not already set.
type DefaultHeaders struct {
	headers http.Header
}

// NewDefaultHeaders builds the middleware. userAgent, when set, becomes the
// User-Agent default.
func NewDefaultHeaders(userAgent string, extra map[string]string) *DefaultHeaders {
	h := http.Header{}
	h.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	h.Set("Accept-Language", "en-US,en;q=0.9")
	if userAgent != "" {
		h.Set("User-Agent", userAgent)
	}
	for k, v := range extra {
		h.Set(k, v)
	}
	return &DefaultHeaders{headers: h}
}

// Name implements crawler.Middleware.
func (m *DefaultHeaders) Name() string { return NameDefaultHeaders }

// ProcessRequest returns a copy of item with the missing defaults applied.
func (m *DefaultHeaders) ProcessRequest(
	_ context.Context,
	item *crawler.WorkItem,
	_ crawler.Spider,
) (*crawler.WorkItem, *crawler.FetchOutcome, error) {
	missing := false
	for k := range m.headers {
		if item.Headers.Get(k) == "" {
			missing = true
			break
		}
	}
	if !missing {
		return nil, nil, nil
	}
	cp := item.Clone()
	if cp.Headers == nil {
		cp.Headers = http.Header{}
	}
	for k, v := range m.headers {
		if cp.Headers.Get(k) == "" {
			cp.Headers[k] = append([]string(nil), v...)
		}
	}
	return cp, nil, nil
}
