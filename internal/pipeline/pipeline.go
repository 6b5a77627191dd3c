// Package pipeline hands extracted records to the configured pipelines in
// order. A pipeline may transform a record, drop it by returning ErrDropped,
// or fail; the record stops at the first drop or failure.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-scheduler/internal/crawler"
	"github.com/JakeFAU/crawl-scheduler/internal/metrics"
	"github.com/JakeFAU/crawl-scheduler/internal/stats"
)

// ErrDropped is returned by a Pipeline to discard a record.
var ErrDropped = errors.New("record dropped")

// Record outcomes reported to metrics.
const (
	OutcomeScraped = "scraped"
	OutcomeDropped = "dropped"
	OutcomeErrored = "errored"
)

// Named pairs a Pipeline with its configured name.
type Named struct {
	Name     string
	Pipeline crawler.Pipeline
}

// Manager owns the ordered pipelines for one run.
type Manager struct {
	pipelines []Named
	spider    crawler.Spider
	opened    int
	stats     *stats.Stats
	logger    *zap.Logger
}

// NewManager builds a Manager. Pipelines run in the order given.
func NewManager(pipelines []Named, st *stats.Stats, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	return &Manager{
		pipelines: slices.Clone(pipelines),
		stats:     st,
		logger:    logger.Named("pipeline"),
	}
}

// Names returns the pipeline names in order.
func (m *Manager) Names() []string {
	names := make([]string, 0, len(m.pipelines))
	for _, p := range m.pipelines {
		names = append(names, p.Name)
	}
	return names
}

// Open opens every pipeline in order. If one fails, those already opened are
// closed again in reverse order.
func (m *Manager) Open(ctx context.Context, spider crawler.Spider) error {
	m.spider = spider
	for i, p := range m.pipelines {
		if err := p.Pipeline.Open(ctx, spider); err != nil {
			m.opened = i
			closeErr := m.Close(ctx)
			return errors.Join(fmt.Errorf("open pipeline %s: %w", p.Name, err), closeErr)
		}
		m.logger.Debug("pipeline opened", zap.String("pipeline", p.Name))
	}
	m.opened = len(m.pipelines)
	return nil
}

// Close closes the opened pipelines in reverse order and joins their errors.
func (m *Manager) Close(ctx context.Context) error {
	var errs []error
	for i := m.opened - 1; i >= 0; i-- {
		p := m.pipelines[i]
		if err := p.Pipeline.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close pipeline %s: %w", p.Name, err))
		}
	}
	m.opened = 0
	return errors.Join(errs...)
}

// Process passes record through the pipelines. Failures are logged and
// counted; they never propagate to the caller.
func (m *Manager) Process(ctx context.Context, record crawler.ResultRecord) {
	current := record
	for _, p := range m.pipelines {
		next, err := p.Pipeline.Process(ctx, current, m.spider)
		switch {
		case errors.Is(err, ErrDropped):
			m.logger.Debug("record dropped", zap.String("pipeline", p.Name), zap.Error(err))
			m.count(OutcomeDropped)
			return
		case err != nil:
			m.logger.Error("pipeline failed", zap.String("pipeline", p.Name), zap.Error(err))
			m.count(OutcomeErrored)
			return
		case next != nil:
			current = next
		}
	}
	m.count(OutcomeScraped)
}

func (m *Manager) count(outcome string) {
	metrics.ObserveRecord(outcome)
	if m.stats == nil {
		return
	}
	switch outcome {
	case OutcomeScraped:
		m.stats.IncRecordsScraped()
	case OutcomeDropped:
		m.stats.IncRecordsDropped()
	case OutcomeErrored:
		m.stats.IncRecordsErrored()
	}
}
