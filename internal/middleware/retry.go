package middleware

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math"
	"math/big"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-scheduler/internal/crawler"
)

// NameRetry identifies Retry in configuration.
const NameRetry = "retry"

// RetryConfig controls Retry behavior.
type RetryConfig struct {
	MaxRetries     int
	HTTPCodes      []int
	PriorityAdjust int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

// DefaultRetryConfig returns the stock retry settings.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     2,
		HTTPCodes:      []int{500, 502, 503, 504, 522, 524, 408, 429},
		PriorityAdjust: -1,
		BackoffMax:     5 * time.Second,
	}
}

// Retry reschedules failed downloads and responses with retryable status codes.
type Retry struct {
	cfg    RetryConfig
	logger *zap.Logger
}

// NewRetry builds the middleware.
func NewRetry(cfg RetryConfig, logger *zap.Logger) *Retry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retry{cfg: cfg, logger: logger}
}

// Name implements crawler.Middleware.
func (m *Retry) Name() string { return NameRetry }

// ProcessResponse retries responses whose status is in the configured list.
func (m *Retry) ProcessResponse(
	ctx context.Context,
	item *crawler.WorkItem,
	outcome *crawler.FetchOutcome,
	_ crawler.Spider,
) (*crawler.FetchOutcome, *crawler.WorkItem, error) {
	if !slices.Contains(m.cfg.HTTPCodes, outcome.StatusCode) {
		return nil, nil, nil
	}
	reason := fmt.Errorf("http status %d", outcome.StatusCode)
	retry, err := m.retry(ctx, item, reason)
	if err != nil {
		return nil, nil, err
	}
	if retry != nil {
		return nil, retry, nil
	}
	return crawler.Failure(fmt.Errorf("%w: %w", crawler.ErrRetriesExhausted, reason)), nil, nil
}

// ProcessException retries download failures.
func (m *Retry) ProcessException(
	ctx context.Context,
	item *crawler.WorkItem,
	failure error,
	_ crawler.Spider,
) (*crawler.FetchOutcome, *crawler.WorkItem, error) {
	if !m.shouldRetry(failure) {
		return nil, nil, nil
	}
	retry, err := m.retry(ctx, item, failure)
	if err != nil {
		return nil, nil, err
	}
	if retry != nil {
		return nil, retry, nil
	}
	return crawler.Failure(fmt.Errorf("%w: %w", crawler.ErrRetriesExhausted, failure)), nil, nil
}

func (m *Retry) shouldRetry(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, crawler.ErrInvalidRecord)
}

// retry returns the rescheduled copy, or nil once MaxRetries is reached.
func (m *Retry) retry(ctx context.Context, item *crawler.WorkItem, reason error) (*crawler.WorkItem, error) {
	if item.RetryCount >= m.cfg.MaxRetries {
		m.logger.Debug("gave up retrying",
			zap.String("target", item.Target),
			zap.Int("retries", item.RetryCount),
			zap.Error(reason),
		)
		return nil, nil
	}
	if delay := m.Backoff(item.RetryCount); delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("retry backoff: %w", ctx.Err())
		case <-timer.C:
		}
	}
	cp := item.Clone()
	cp.RetryCount++
	cp.Priority += m.cfg.PriorityAdjust
	cp.DontFilter = true
	m.logger.Debug("retrying",
		zap.String("target", item.Target),
		zap.Int("attempt", cp.RetryCount),
		zap.Error(reason),
	)
	return cp, nil
}

// Backoff returns the wait before the given retry attempt: exponential from
// BackoffInitial, capped at BackoffMax, with the upper half jittered.
func (m *Retry) Backoff(attempt int) time.Duration {
	if m.cfg.BackoffInitial <= 0 {
		return 0
	}
	delay := float64(m.cfg.BackoffInitial) * math.Pow(2, float64(attempt))
	if m.cfg.BackoffMax > 0 && delay > float64(m.cfg.BackoffMax) {
		delay = float64(m.cfg.BackoffMax)
	}
	return time.Duration(delay/2) + randomJitter(time.Duration(delay)/2)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
