package gcs

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"

	"github.com/JakeFAU/crawl-scheduler/internal/crawler"
)

type fixedIDs struct{}

func (fixedIDs) NewID() (string, error) { return "rec-1", nil }

type fixedClock struct{}

func (fixedClock) Now() time.Time { return time.Date(2025, 2, 3, 4, 5, 6, 0, time.UTC) }

func TestPipelineUploadsRecord(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var names []string
	var bodies []string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/upload/storage/v1/b/test-bucket/o")
		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		mu.Lock()
		names = append(names, r.URL.Query().Get("name"))
		bodies = append(bodies, string(body))
		mu.Unlock()
		fmt.Fprintln(w, `{"name": "ok", "bucket": "test-bucket"}`)
	})
	server := httptest.NewServer(handler)
	defer server.Close()

	client, err := storage.NewClient(context.Background(), option.WithEndpoint(server.URL), option.WithoutAuthentication())
	require.NoError(t, err)
	defer client.Close()

	p, err := New(client, Config{Bucket: "test-bucket", Prefix: "/crawl/"}, fixedIDs{}, fixedClock{})
	require.NoError(t, err)
	require.NoError(t, p.Open(context.Background(), nil))

	rec := crawler.ResultRecord{"title": "hello"}
	out, err := p.Process(context.Background(), rec, nil)
	require.NoError(t, err)
	require.Equal(t, rec, out)
	require.NoError(t, p.Close(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"crawl/records/2025/02/03/rec-1.json"}, names)
	require.Contains(t, bodies[0], `"title":"hello"`)
}

func TestPipelineUploadFailure(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	client, err := storage.NewClient(context.Background(), option.WithEndpoint(server.URL), option.WithoutAuthentication())
	require.NoError(t, err)
	defer client.Close()

	p, err := New(client, Config{Bucket: "test-bucket"}, fixedIDs{}, fixedClock{})
	require.NoError(t, err)
	_, err = p.Process(context.Background(), crawler.ResultRecord{"a": 1}, nil)
	require.Error(t, err)
}

func TestNewRequiresBucket(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{}, fixedIDs{}, fixedClock{})
	require.Error(t, err)
}
