package crawler

import (
	"context"
	"iter"
	"time"
)

// Handler processes the outcome of one WorkItem and lazily yields follow-up
// WorkItems and ResultRecords. A non-nil error stops the sequence.
type Handler func(ctx context.Context, item *WorkItem, outcome *FetchOutcome) iter.Seq2[Output, error]

// Spider supplies the seed work and the handlers that process outcomes.
type Spider interface {
	Name() string
	StartRequests(ctx context.Context) iter.Seq2[*WorkItem, error]
	Handlers() map[string]Handler
}

// Downloader performs the byte-level fetch for a WorkItem.
type Downloader interface {
	Startup(ctx context.Context) error
	Shutdown(ctx context.Context) error
	Fetch(ctx context.Context, item *WorkItem) (*FetchOutcome, error)
}

// Pipeline consumes extracted records. Returning pipeline.ErrDropped from
// Process discards the record.
type Pipeline interface {
	Open(ctx context.Context, spider Spider) error
	Close(ctx context.Context) error
	Process(ctx context.Context, record ResultRecord, spider Spider) (ResultRecord, error)
}

// Middleware is a named download hook. It implements any subset of
// RequestProcessor, ResponseProcessor and ExceptionProcessor.
type Middleware interface {
	Name() string
}

// RequestProcessor runs before the download. Returning a non-nil outcome
// short-circuits the fetch; a non-nil item replaces the request; both nil
// passes the item through unchanged.
type RequestProcessor interface {
	ProcessRequest(ctx context.Context, item *WorkItem, spider Spider) (*WorkItem, *FetchOutcome, error)
}

// ResponseProcessor runs after a successful download. Returning a non-nil
// item reschedules it; a non-nil outcome replaces the current one.
type ResponseProcessor interface {
	ProcessResponse(ctx context.Context, item *WorkItem, outcome *FetchOutcome, spider Spider) (*FetchOutcome, *WorkItem, error)
}

// ExceptionProcessor runs when the download failed. Returning a successful
// outcome recovers; returning a failed outcome replaces the error passed to
// the remaining hooks; a non-nil item reschedules; both nil propagates.
type ExceptionProcessor interface {
	ProcessException(ctx context.Context, item *WorkItem, err error, spider Spider) (*FetchOutcome, *WorkItem, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces unique identifiers.
type IDGenerator interface {
	NewID() (string, error)
}
