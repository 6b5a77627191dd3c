package collydownloader

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-scheduler/internal/crawler"
)

func startDownloader(t *testing.T, cfg Config) *Downloader {
	t.Helper()
	d := New(cfg, nil)
	require.NoError(t, d.Startup(context.Background()))
	t.Cleanup(func() { _ = d.Shutdown(context.Background()) })
	return d
}

func TestFetchGet(t *testing.T) {
	t.Parallel()

	seen := make(chan *http.Request, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen <- r.Clone(context.Background())
		w.Header().Set("X-Resp", "ok")
		_, _ = io.WriteString(w, "<html>hello</html>")
	}))
	defer srv.Close()

	d := startDownloader(t, Config{
		UserAgent: "test-agent",
		Headers:   http.Header{"X-Global": {"global"}},
	})
	item := crawler.NewWorkItem(srv.URL+"/page", crawler.WithHeader("X-Trace", "yes"))

	outcome, err := d.Fetch(context.Background(), item)
	require.NoError(t, err)
	require.False(t, outcome.Failed())
	require.Equal(t, http.StatusOK, outcome.StatusCode)
	require.Equal(t, "<html>hello</html>", string(outcome.Body))
	require.Equal(t, "ok", outcome.Headers.Get("X-Resp"))
	require.Equal(t, srv.URL+"/page", outcome.URL)
	require.Positive(t, outcome.Duration)

	r := <-seen
	require.Equal(t, http.MethodGet, r.Method)
	require.Equal(t, "test-agent", r.UserAgent())
	require.Equal(t, "global", r.Header.Get("X-Global"))
	require.Equal(t, "yes", r.Header.Get("X-Trace"))
}

func TestFetchPostBody(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("X-Method", r.Method)
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	d := startDownloader(t, Config{})
	item := crawler.NewWorkItem(srv.URL, crawler.WithMethod(http.MethodPost), crawler.WithBody([]byte("q=1")))

	outcome, err := d.Fetch(context.Background(), item)
	require.NoError(t, err)
	require.Equal(t, http.MethodPost, outcome.Headers.Get("X-Method"))
	require.Equal(t, "q=1", string(outcome.Body))
}

func TestFetchErrorStatusIsAnOutcome(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	d := startDownloader(t, Config{})
	item := crawler.NewWorkItem(srv.URL)

	// Fetching twice confirms colly's visited set does not block revisits.
	for range 2 {
		outcome, err := d.Fetch(context.Background(), item)
		require.NoError(t, err)
		require.Equal(t, http.StatusServiceUnavailable, outcome.StatusCode)
	}
}

func TestFetchConnectionRefused(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	target := srv.URL
	srv.Close()

	d := startDownloader(t, Config{Timeout: time.Second})
	_, err := d.Fetch(context.Background(), crawler.NewWorkItem(target))
	require.Error(t, err)
	require.Contains(t, []string{"connection-refused", "network"}, crawler.ErrorTag(err))
}

func TestFetchCanceled(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	d := startDownloader(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := d.Fetch(ctx, crawler.NewWorkItem(srv.URL))
	require.ErrorIs(t, err, context.Canceled)
}

func TestFetchRequiresStartup(t *testing.T) {
	t.Parallel()

	d := New(Config{}, nil)
	_, err := d.Fetch(context.Background(), crawler.NewWorkItem("http://example.com"))
	require.ErrorIs(t, err, ErrNotStarted)

	require.NoError(t, d.Startup(context.Background()))
	require.NoError(t, d.Shutdown(context.Background()))
	_, err = d.Fetch(context.Background(), crawler.NewWorkItem("http://example.com"))
	require.ErrorIs(t, err, ErrNotStarted)
}

func TestConfigureHooks(t *testing.T) {
	t.Parallel()

	d := New(Config{Headers: http.Header{"X-Global": {"a"}}}, nil)
	item := crawler.NewWorkItem("https://example.com", crawler.WithHeader("X-Global", "b"))
	var (
		outcome  *crawler.FetchOutcome
		fetchErr error
	)
	hooks := &stubHooks{}
	d.configureHooks(hooks, item, time.Now(), &outcome, &fetchErr)
	require.NotNil(t, hooks.onRequest)
	require.NotNil(t, hooks.onResponse)
	require.NotNil(t, hooks.onError)

	collyReq := &colly.Request{Headers: &http.Header{}}
	hooks.onRequest(collyReq)
	require.Equal(t, []string{"b"}, collyReq.Headers.Values("X-Global"))

	u, err := url.Parse("https://example.com")
	require.NoError(t, err)
	hooks.onResponse(&colly.Response{
		StatusCode: http.StatusCreated,
		Body:       []byte("body"),
		Headers:    &http.Header{"X-Resp": {"ok"}},
		Request:    &colly.Request{URL: u},
	})
	require.NotNil(t, outcome)
	require.Equal(t, http.StatusCreated, outcome.StatusCode)
	require.Equal(t, "ok", outcome.Headers.Get("X-Resp"))

	hooks.onError(nil, errors.New("boom"))
	require.EqualError(t, fetchErr, "boom")
}

type stubHooks struct {
	onRequest  colly.RequestCallback
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnRequest(cb colly.RequestCallback)   { s.onRequest = cb }
func (s *stubHooks) OnResponse(cb colly.ResponseCallback) { s.onResponse = cb }
func (s *stubHooks) OnError(cb colly.ErrorCallback)       { s.onError = cb }
