// Package middleware wraps downloads in an ordered chain of hooks. Request
// hooks run in configured order; response and exception hooks run in
// reverse, so each hook sees the response after the hooks it wraps.
package middleware

import (
	"context"
	"fmt"

	"github.com/JakeFAU/crawl-scheduler/internal/crawler"
)

// Chain is an immutable ordered list of middleware.
type Chain struct {
	names      []string
	requests   []crawler.RequestProcessor
	reqNames   []string
	responses  []crawler.ResponseProcessor
	respNames  []string
	exceptions []crawler.ExceptionProcessor
	excNames   []string
}

// NewChain indexes mws by capability. Response and exception hooks are stored
// already reversed.
func NewChain(mws ...crawler.Middleware) *Chain {
	c := &Chain{}
	for _, mw := range mws {
		c.names = append(c.names, mw.Name())
		if p, ok := mw.(crawler.RequestProcessor); ok {
			c.requests = append(c.requests, p)
			c.reqNames = append(c.reqNames, mw.Name())
		}
	}
	for i := len(mws) - 1; i >= 0; i-- {
		mw := mws[i]
		if p, ok := mw.(crawler.ResponseProcessor); ok {
			c.responses = append(c.responses, p)
			c.respNames = append(c.respNames, mw.Name())
		}
		if p, ok := mw.(crawler.ExceptionProcessor); ok {
			c.exceptions = append(c.exceptions, p)
			c.excNames = append(c.excNames, mw.Name())
		}
	}
	return c
}

// Names returns the configured middleware names in order.
func (c *Chain) Names() []string {
	return append([]string(nil), c.names...)
}

// ProcessRequest runs the request hooks. A non-nil outcome means a hook
// short-circuited the download; the remaining request hooks were skipped.
func (c *Chain) ProcessRequest(
	ctx context.Context,
	item *crawler.WorkItem,
	spider crawler.Spider,
) (*crawler.WorkItem, *crawler.FetchOutcome, error) {
	for i, p := range c.requests {
		next, outcome, err := p.ProcessRequest(ctx, item, spider)
		if err != nil {
			return item, nil, fmt.Errorf("middleware %s: process request: %w", c.reqNames[i], err)
		}
		if next != nil {
			item = next
		}
		if outcome != nil {
			return item, outcome, nil
		}
	}
	return item, nil, nil
}

// ProcessResponse runs the response hooks in reverse order. A non-nil
// WorkItem means a hook asked for the work to be rescheduled.
func (c *Chain) ProcessResponse(
	ctx context.Context,
	item *crawler.WorkItem,
	outcome *crawler.FetchOutcome,
	spider crawler.Spider,
) (*crawler.FetchOutcome, *crawler.WorkItem, error) {
	for i, p := range c.responses {
		next, retry, err := p.ProcessResponse(ctx, item, outcome, spider)
		if err != nil {
			return outcome, nil, fmt.Errorf("middleware %s: process response: %w", c.respNames[i], err)
		}
		if retry != nil {
			return nil, retry, nil
		}
		if next != nil {
			outcome = next
			if outcome.Failed() {
				return outcome, nil, nil
			}
		}
	}
	return outcome, nil, nil
}

// ProcessException runs the exception hooks in reverse order. The returned
// outcome is either a recovered success, which the caller should pass through
// ProcessResponse, or the failure to propagate.
func (c *Chain) ProcessException(
	ctx context.Context,
	item *crawler.WorkItem,
	failure error,
	spider crawler.Spider,
) (*crawler.FetchOutcome, *crawler.WorkItem, error) {
	for i, p := range c.exceptions {
		next, retry, err := p.ProcessException(ctx, item, failure, spider)
		if err != nil {
			return nil, nil, fmt.Errorf("middleware %s: process exception: %w", c.excNames[i], err)
		}
		if retry != nil {
			return nil, retry, nil
		}
		if next == nil {
			continue
		}
		if !next.Failed() {
			return next, nil, nil
		}
		if next.Err != nil {
			failure = next.Err
		}
	}
	return crawler.Failure(failure), nil, nil
}
