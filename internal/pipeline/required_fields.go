package pipeline

import (
	"context"
	"fmt"

	"github.com/JakeFAU/crawl-scheduler/internal/crawler"
)

// RequiredFields drops records that lack any of the configured fields.
type RequiredFields struct {
	fields []string
}

// NewRequiredFields builds the validator.
func NewRequiredFields(fields []string) *RequiredFields {
	return &RequiredFields{fields: append([]string(nil), fields...)}
}

// Open implements crawler.Pipeline.
func (p *RequiredFields) Open(context.Context, crawler.Spider) error { return nil }

// Close implements crawler.Pipeline.
func (p *RequiredFields) Close(context.Context) error { return nil }

// Process returns ErrDropped when a required field is missing or nil.
func (p *RequiredFields) Process(_ context.Context, record crawler.ResultRecord, _ crawler.Spider) (crawler.ResultRecord, error) {
	for _, f := range p.fields {
		if v, ok := record[f]; !ok || v == nil {
			return nil, fmt.Errorf("%w: missing field %q", ErrDropped, f)
		}
	}
	return record, nil
}
