package middleware

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-scheduler/internal/crawler"
)

func TestDefaultHeaders(t *testing.T) {
	t.Parallel()

	m := NewDefaultHeaders("crawlsched/1.0", map[string]string{"X-Env": "test"})
	require.Equal(t, NameDefaultHeaders, m.Name())

	item := crawler.NewWorkItem("https://example.com", crawler.WithHeader("User-Agent", "custom"))
	next, outcome, err := m.ProcessRequest(context.Background(), item, nil)
	require.NoError(t, err)
	require.Nil(t, outcome)
	require.NotNil(t, next)
	require.NotSame(t, item, next)
	require.Equal(t, "custom", next.Headers.Get("User-Agent"))
	require.Equal(t, "test", next.Headers.Get("X-Env"))
	require.NotEmpty(t, next.Headers.Get("Accept"))
	require.Empty(t, item.Headers.Get("X-Env"))

	again, _, err := m.ProcessRequest(context.Background(), next, nil)
	require.NoError(t, err)
	require.Nil(t, again)
}

func TestRetryResponse(t *testing.T) {
	t.Parallel()

	m := NewRetry(DefaultRetryConfig(), nil)
	item := crawler.NewWorkItem("https://example.com", crawler.WithPriority(5))

	outcome, retry, err := m.ProcessResponse(context.Background(), item, crawler.Success(item.Target, http.StatusServiceUnavailable, nil), nil)
	require.NoError(t, err)
	require.Nil(t, outcome)
	require.NotNil(t, retry)
	require.Equal(t, 1, retry.RetryCount)
	require.Equal(t, 4, retry.Priority)
	require.True(t, retry.DontFilter)
	require.Zero(t, item.RetryCount)

	outcome, retry, err = m.ProcessResponse(context.Background(), item, crawler.Success(item.Target, http.StatusOK, nil), nil)
	require.NoError(t, err)
	require.Nil(t, outcome)
	require.Nil(t, retry)
}

func TestRetryExhausted(t *testing.T) {
	t.Parallel()

	m := NewRetry(DefaultRetryConfig(), nil)
	item := crawler.NewWorkItem("https://example.com")
	item.RetryCount = 2

	outcome, retry, err := m.ProcessResponse(context.Background(), item, crawler.Success(item.Target, http.StatusBadGateway, nil), nil)
	require.NoError(t, err)
	require.Nil(t, retry)
	require.True(t, outcome.Failed())
	require.ErrorIs(t, outcome.Err, crawler.ErrRetriesExhausted)

	boom := errors.New("connection reset")
	outcome, retry, err = m.ProcessException(context.Background(), item, boom, nil)
	require.NoError(t, err)
	require.Nil(t, retry)
	require.ErrorIs(t, outcome.Err, crawler.ErrRetriesExhausted)
	require.ErrorIs(t, outcome.Err, boom)
}

func TestRetryException(t *testing.T) {
	t.Parallel()

	m := NewRetry(DefaultRetryConfig(), nil)
	item := crawler.NewWorkItem("https://example.com")

	outcome, retry, err := m.ProcessException(context.Background(), item, errors.New("boom"), nil)
	require.NoError(t, err)
	require.Nil(t, outcome)
	require.Equal(t, 1, retry.RetryCount)

	outcome, retry, err = m.ProcessException(context.Background(), item, context.Canceled, nil)
	require.NoError(t, err)
	require.Nil(t, outcome)
	require.Nil(t, retry)
}

func TestRetryBackoff(t *testing.T) {
	t.Parallel()

	cfg := DefaultRetryConfig()
	require.Zero(t, NewRetry(cfg, nil).Backoff(3))

	cfg.BackoffInitial = 100 * time.Millisecond
	cfg.BackoffMax = 300 * time.Millisecond
	m := NewRetry(cfg, nil)
	for attempt := range 5 {
		d := m.Backoff(attempt)
		require.GreaterOrEqual(t, d, 50*time.Millisecond)
		require.LessOrEqual(t, d, 300*time.Millisecond)
	}
}

func TestRetryBackoffHonorsContext(t *testing.T) {
	t.Parallel()

	cfg := DefaultRetryConfig()
	cfg.BackoffInitial = time.Hour
	cfg.BackoffMax = time.Hour
	m := NewRetry(cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := m.ProcessException(ctx, crawler.NewWorkItem("x"), errors.New("boom"), nil)
	require.ErrorIs(t, err, context.Canceled)
}

func TestRateLimitWait(t *testing.T) {
	t.Parallel()

	m := NewRateLimit(20, 1)
	require.Equal(t, NameRateLimit, m.Name())
	ctx := context.Background()

	start := time.Now()
	for range 3 {
		_, _, err := m.ProcessRequest(ctx, crawler.NewWorkItem("https://limited.test/a"), nil)
		require.NoError(t, err)
	}
	require.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)

	// A different domain has its own bucket.
	start = time.Now()
	_, _, err := m.ProcessRequest(ctx, crawler.NewWorkItem("https://other.test/a"), nil)
	require.NoError(t, err)
	require.Less(t, time.Since(start), 40*time.Millisecond)
}

func TestRateLimitCanceled(t *testing.T) {
	t.Parallel()

	m := NewRateLimit(0.001, 1)
	require.NoError(t, m.Wait(context.Background(), "https://slow.test"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.Error(t, m.Wait(ctx, "https://slow.test"))
}

func TestStatsPassThrough(t *testing.T) {
	t.Parallel()

	m := NewStats()
	require.Equal(t, NameStats, m.Name())

	item := crawler.NewWorkItem("https://stats.test/")
	outcome, retry, err := m.ProcessResponse(context.Background(), item, crawler.Success("", http.StatusOK, []byte("abc")), nil)
	require.NoError(t, err)
	require.Nil(t, outcome)
	require.Nil(t, retry)

	outcome, retry, err = m.ProcessException(context.Background(), item, context.DeadlineExceeded, nil)
	require.NoError(t, err)
	require.Nil(t, outcome)
	require.Nil(t, retry)
}
