package jsonl

import (
	"bufio"
	"context"
	"encoding/json"
	"iter"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-scheduler/internal/crawler"
	"github.com/JakeFAU/crawl-scheduler/internal/pipeline"
)

type stubSpider struct{ name string }

func (s stubSpider) Name() string { return s.name }
func (s stubSpider) StartRequests(context.Context) iter.Seq2[*crawler.WorkItem, error] {
	return crawler.Seeds()
}
func (s stubSpider) Handlers() map[string]crawler.Handler { return nil }

type seqIDs struct{ n int }

func (s *seqIDs) NewID() (string, error) {
	s.n++
	return "id-" + string(rune('0'+s.n)), nil
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func TestPipelineWritesLines(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "out")
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	p, err := New(Config{Dir: dir}, &seqIDs{}, fixedClock{now: now})
	require.NoError(t, err)

	spider := stubSpider{name: "books"}
	require.NoError(t, p.Open(context.Background(), spider))
	for _, title := range []string{"a", "b"} {
		_, err := p.Process(context.Background(), crawler.ResultRecord{"title": title}, spider)
		require.NoError(t, err)
	}
	require.NoError(t, p.Close(context.Background()))
	require.NoError(t, p.Close(context.Background()))

	f, err := os.Open(filepath.Join(dir, "books.jsonl"))
	require.NoError(t, err)
	defer f.Close()

	var got []pipeline.Envelope
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var env pipeline.Envelope
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &env))
		got = append(got, env)
	}
	require.NoError(t, scanner.Err())
	require.Len(t, got, 2)
	require.Equal(t, "id-1", got[0].ID)
	require.Equal(t, "books", got[0].Spider)
	require.True(t, now.Equal(got[0].ScrapedAt))
	require.Equal(t, "b", got[1].Record["title"])
}

func TestPipelineRejectsTraversal(t *testing.T) {
	t.Parallel()

	p, err := New(Config{Dir: t.TempDir()}, &seqIDs{}, fixedClock{})
	require.NoError(t, err)
	require.ErrorContains(t, p.Open(context.Background(), stubSpider{name: "../escape"}), "path traversal")
}

func TestPipelineRequiresOpen(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, &seqIDs{}, fixedClock{})
	require.Error(t, err)

	p, err := New(Config{Dir: t.TempDir()}, &seqIDs{}, fixedClock{})
	require.NoError(t, err)
	_, err = p.Process(context.Background(), crawler.ResultRecord{}, nil)
	require.ErrorContains(t, err, "not open")
}
