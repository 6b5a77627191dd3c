package crawler

import (
	"errors"
	"fmt"
	"maps"
	"net/http"
	"slices"
	"time"

	"github.com/JakeFAU/crawl-scheduler/internal/fingerprint"
)

// DefaultCallback names the Spider handler used when a WorkItem sets none.
const DefaultCallback = "parse"

// ErrInvalidRecord may be yielded by a handler to reject the fetched content.
// The scheduler routes the WorkItem to its failure path (errback) instead of
// treating it as a handler crash.
var ErrInvalidRecord = errors.New("invalid record")

// ErrRetriesExhausted marks a failure that persisted through every retry.
var ErrRetriesExhausted = errors.New("retries exhausted")

// Output is either a *WorkItem (follow-up work) or a ResultRecord (extracted
// data). Handlers yield a finite sequence of them.
type Output interface {
	isOutput()
}

// WorkItem is a unit of scheduled work, usually a page fetch.
type WorkItem struct {
	// Target is the URL (or opaque key understood by the Downloader).
	Target string
	// Method defaults to GET when empty.
	Method  string
	Headers http.Header
	Body    []byte
	// Priority orders the queue; lower values are dequeued first.
	Priority int
	// Callback names the Spider handler for a successful outcome.
	Callback string
	// Errback names the Spider handler for a permanent failure.
	Errback string
	// Meta is carried untouched through middleware, handlers and pipelines.
	Meta map[string]any
	// FingerprintKeys lists the Meta keys that are part of the request identity.
	FingerprintKeys []string
	// DontFilter bypasses the dedup filter.
	DontFilter bool
	// RetryCount is incremented by the retry middleware.
	RetryCount int

	fingerprint string
}

func (*WorkItem) isOutput() {}

// Option mutates a WorkItem under construction.
type Option func(*WorkItem)

// NewWorkItem builds a WorkItem for target with the supplied options.
func NewWorkItem(target string, opts ...Option) *WorkItem {
	item := &WorkItem{Target: target, Method: http.MethodGet}
	for _, opt := range opts {
		opt(item)
	}
	return item
}

// WithPriority sets the queue priority.
func WithPriority(p int) Option {
	return func(w *WorkItem) { w.Priority = p }
}

// WithCallback sets the success handler name.
func WithCallback(name string) Option {
	return func(w *WorkItem) { w.Callback = name }
}

// WithErrback sets the failure handler name.
func WithErrback(name string) Option {
	return func(w *WorkItem) { w.Errback = name }
}

// WithMethod sets the request method.
func WithMethod(method string) Option {
	return func(w *WorkItem) { w.Method = method }
}

// WithBody sets the request body.
func WithBody(body []byte) Option {
	return func(w *WorkItem) { w.Body = append([]byte(nil), body...) }
}

// WithHeader adds a request header.
func WithHeader(key, value string) Option {
	return func(w *WorkItem) {
		if w.Headers == nil {
			w.Headers = http.Header{}
		}
		w.Headers.Add(key, value)
	}
}

// WithMeta stores a metadata value.
func WithMeta(key string, value any) Option {
	return func(w *WorkItem) {
		if w.Meta == nil {
			w.Meta = map[string]any{}
		}
		w.Meta[key] = value
	}
}

// WithFingerprintKeys marks Meta keys as identity-relevant.
func WithFingerprintKeys(keys ...string) Option {
	return func(w *WorkItem) { w.FingerprintKeys = append(w.FingerprintKeys, keys...) }
}

// WithDontFilter bypasses deduplication for this item.
func WithDontFilter() Option {
	return func(w *WorkItem) { w.DontFilter = true }
}

// CallbackName returns the handler for a successful outcome.
func (w *WorkItem) CallbackName() string {
	if w.Callback == "" {
		return DefaultCallback
	}
	return w.Callback
}

// RequestMethod returns the method, defaulting to GET.
func (w *WorkItem) RequestMethod() string {
	if w.Method == "" {
		return http.MethodGet
	}
	return w.Method
}

// Fingerprint returns the dedup identity. It is computed on first use and
// cached; Clone resets the cache.
func (w *WorkItem) Fingerprint() string {
	if w.fingerprint != "" {
		return w.fingerprint
	}
	identity := make(map[string]string, len(w.FingerprintKeys))
	for _, key := range w.FingerprintKeys {
		if v, ok := w.Meta[key]; ok {
			identity[key] = fmt.Sprint(v)
		}
	}
	w.fingerprint = fingerprint.Compute(w.RequestMethod(), w.Target, w.Body, identity)
	return w.fingerprint
}

// Clone returns a copy that middleware may modify freely.
func (w *WorkItem) Clone() *WorkItem {
	cp := &WorkItem{
		Target:          w.Target,
		Method:          w.Method,
		Headers:         w.Headers.Clone(),
		Body:            append([]byte(nil), w.Body...),
		Priority:        w.Priority,
		Callback:        w.Callback,
		Errback:         w.Errback,
		Meta:            maps.Clone(w.Meta),
		FingerprintKeys: slices.Clone(w.FingerprintKeys),
		DontFilter:      w.DontFilter,
		RetryCount:      w.RetryCount,
	}
	if len(w.Body) == 0 {
		cp.Body = nil
	}
	return cp
}

// MetaInt reads an integer metadata value, returning def when absent.
func (w *WorkItem) MetaInt(key string, def int) int {
	switch v := w.Meta[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return def
	}
}

// ResultRecord is one unit of extracted output.
type ResultRecord map[string]any

func (ResultRecord) isOutput() {}

// Clone returns a shallow copy of the record.
func (r ResultRecord) Clone() ResultRecord {
	return maps.Clone(r)
}

// FetchOutcome is the result of a download attempt: a success carrying the
// payload and status, or a failure carrying Err.
type FetchOutcome struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
	Err        error
}

// Success builds a successful outcome.
func Success(url string, status int, body []byte) *FetchOutcome {
	return &FetchOutcome{URL: url, StatusCode: status, Body: body, Headers: http.Header{}}
}

// Failure builds a failed outcome.
func Failure(err error) *FetchOutcome {
	return &FetchOutcome{Err: err}
}

// Failed reports whether the outcome carries an error.
func (o *FetchOutcome) Failed() bool {
	return o == nil || o.Err != nil
}
