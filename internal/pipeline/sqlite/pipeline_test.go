package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-scheduler/internal/crawler"
	"github.com/JakeFAU/crawl-scheduler/internal/pipeline"
)

type seqIDs struct{ n int }

func (s *seqIDs) NewID() (string, error) {
	s.n++
	return fmt.Sprintf("id-%d", s.n), nil
}

type fixedClock struct{}

func (fixedClock) Now() time.Time { return time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC) }

func TestPipelineInsertsRows(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	p, err := New(Config{Dir: t.TempDir()}, &seqIDs{}, fixedClock{})
	require.NoError(t, err)
	require.NoError(t, p.Open(ctx, nil))

	for i := range 3 {
		_, err := p.Process(ctx, crawler.ResultRecord{"n": i}, nil)
		require.NoError(t, err)
	}
	require.NoError(t, p.Close(ctx))

	db, err := sql.Open("sqlite", p.Path())
	require.NoError(t, err)
	defer db.Close()

	var count int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records`).Scan(&count))
	require.Equal(t, 3, count)

	var body string
	require.NoError(t, db.QueryRowContext(ctx, `SELECT record FROM records WHERE id = ?`, "id-2").Scan(&body))
	var env pipeline.Envelope
	require.NoError(t, json.Unmarshal([]byte(body), &env))
	require.InDelta(t, 1.0, env.Record["n"], 0.0001)
}

func countRows(t *testing.T, path string) int {
	t.Helper()
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer db.Close()

	var count int
	require.NoError(t, db.QueryRowContext(context.Background(), `SELECT COUNT(*) FROM records`).Scan(&count))
	return count
}

func TestPipelineWritesBatchesAndFlushesOnClose(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	p, err := New(Config{Dir: t.TempDir(), Batch: pipeline.BatchConfig{Size: 3}}, &seqIDs{}, fixedClock{})
	require.NoError(t, err)
	require.NoError(t, p.Open(ctx, nil))

	for i := range 5 {
		_, err := p.Process(ctx, crawler.ResultRecord{"n": i}, nil)
		require.NoError(t, err)
	}
	require.Equal(t, 3, countRows(t, p.Path()))
	require.Equal(t, 2, p.buffer.Len())

	require.NoError(t, p.Close(ctx))
	require.Equal(t, 5, countRows(t, p.Path()))
}

func TestPipelineByteThreshold(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	p, err := New(Config{Dir: t.TempDir(), Batch: pipeline.BatchConfig{Bytes: 1}}, &seqIDs{}, fixedClock{})
	require.NoError(t, err)
	require.NoError(t, p.Open(ctx, nil))

	_, err = p.Process(ctx, crawler.ResultRecord{"n": 1}, nil)
	require.NoError(t, err)
	require.Equal(t, 1, countRows(t, p.Path()))
	require.NoError(t, p.Close(ctx))
}

func TestPipelineRequiresOpen(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, &seqIDs{}, fixedClock{})
	require.Error(t, err)

	p, err := New(Config{Dir: t.TempDir()}, &seqIDs{}, fixedClock{})
	require.NoError(t, err)
	_, err = p.Process(context.Background(), crawler.ResultRecord{}, nil)
	require.ErrorContains(t, err, "not open")
	require.NoError(t, p.Close(context.Background()))
}
