// Package memory contains an in-memory pipeline for tests and local runs.
package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/crawl-scheduler/internal/crawler"
)

// Pipeline stores processed records for inspection.
type Pipeline struct {
	mu      sync.RWMutex
	records []crawler.ResultRecord
	opened  bool
	closed  bool
}

// New returns a memory Pipeline.
func New() *Pipeline {
	return &Pipeline{}
}

// Open implements crawler.Pipeline.
func (p *Pipeline) Open(context.Context, crawler.Spider) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.opened = true
	return nil
}

// Close implements crawler.Pipeline.
func (p *Pipeline) Close(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// Process records a copy of the record and passes it on unchanged.
func (p *Pipeline) Process(_ context.Context, record crawler.ResultRecord, _ crawler.Spider) (crawler.ResultRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.records = append(p.records, record.Clone())
	return record, nil
}

// Records returns the stored records in processing order.
func (p *Pipeline) Records() []crawler.ResultRecord {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]crawler.ResultRecord, len(p.records))
	copy(out, p.records)
	return out
}

// Lifecycle reports whether Open and Close have been called.
func (p *Pipeline) Lifecycle() (opened, closed bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.opened, p.closed
}
