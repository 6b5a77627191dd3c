package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-scheduler/internal/crawler"
	"github.com/JakeFAU/crawl-scheduler/internal/pipeline"
)

type fixedIDs struct{}

func (fixedIDs) NewID() (string, error) { return "uuid-v7", nil }

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func TestPipelineWritesThroughWithoutBatching(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	p, err := NewWithPool(mock, "records", pipeline.BatchConfig{}, fixedIDs{}, fixedClock{now: now})
	require.NoError(t, err)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS records").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"records"}, columns).WillReturnResult(1)
	mock.ExpectClose()

	rec := crawler.ResultRecord{"title": "x"}
	require.NoError(t, p.Open(context.Background(), nil))
	out, err := p.Process(context.Background(), rec, nil)
	require.NoError(t, err)
	require.Equal(t, rec, out)
	require.NoError(t, mock.ExpectationsWereMet())

	require.NoError(t, p.Close(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPipelineCopiesOneBatchPerThreshold(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)

	p, err := NewWithPool(mock, "", pipeline.BatchConfig{Size: 3}, fixedIDs{}, fixedClock{now: time.Unix(0, 0)})
	require.NoError(t, err)

	// Seven records: two full batches while running, the remainder on Close.
	mock.ExpectCopyFrom(pgx.Identifier{"crawl_records"}, columns).WillReturnResult(3)
	mock.ExpectCopyFrom(pgx.Identifier{"crawl_records"}, columns).WillReturnResult(3)
	mock.ExpectCopyFrom(pgx.Identifier{"crawl_records"}, columns).WillReturnResult(1)
	mock.ExpectClose()

	ctx := context.Background()
	for i := range 7 {
		_, err := p.Process(ctx, crawler.ResultRecord{"n": i}, nil)
		require.NoError(t, err)
	}
	require.Equal(t, 1, p.buffer.Len())

	require.NoError(t, p.Close(ctx))
	require.Zero(t, p.buffer.Len())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPipelineCopyFailure(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	p, err := NewWithPool(mock, "", pipeline.BatchConfig{}, fixedIDs{}, fixedClock{now: time.Unix(0, 0)})
	require.NoError(t, err)

	mock.ExpectCopyFrom(pgx.Identifier{"crawl_records"}, columns).WillReturnError(errors.New("unique violation"))
	_, err = p.Process(context.Background(), crawler.ResultRecord{}, nil)
	require.ErrorContains(t, err, "copy 1 records")
}

func TestPipelineCloseReportsFlushFailure(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)

	p, err := NewWithPool(mock, "", pipeline.BatchConfig{Size: 10}, fixedIDs{}, fixedClock{now: time.Unix(0, 0)})
	require.NoError(t, err)

	_, err = p.Process(context.Background(), crawler.ResultRecord{"n": 1}, nil)
	require.NoError(t, err)

	mock.ExpectCopyFrom(pgx.Identifier{"crawl_records"}, columns).WillReturnError(errors.New("connection reset"))
	mock.ExpectClose()
	require.ErrorContains(t, p.Close(context.Background()), "connection reset")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPipelineValidation(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, fixedIDs{}, fixedClock{})
	require.Error(t, err)
	_, err = New(Config{DSN: "postgres://x", Table: "bad;table"}, fixedIDs{}, fixedClock{})
	require.ErrorContains(t, err, "invalid table name")
	_, err = NewWithPool(nil, "records", pipeline.BatchConfig{}, fixedIDs{}, fixedClock{})
	require.Error(t, err)
}
