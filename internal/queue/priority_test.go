package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-scheduler/internal/crawler"
)

func item(target string, priority int) *crawler.WorkItem {
	return crawler.NewWorkItem(target, crawler.WithPriority(priority))
}

func drain(t *testing.T, q *PriorityQueue, n int) []string {
	t.Helper()
	ctx := context.Background()
	got := make([]string, 0, n)
	for range n {
		it, err := q.Get(ctx)
		require.NoError(t, err)
		got = append(got, it.Target)
		require.NoError(t, q.TaskDone())
	}
	return got
}

func TestPriorityOrdering(t *testing.T) {
	t.Parallel()

	q := New()
	require.NoError(t, q.Put(item("five", 5)))
	require.NoError(t, q.Put(item("one", 1)))
	require.NoError(t, q.Put(item("three", 3)))

	require.Equal(t, []string{"one", "three", "five"}, drain(t, q, 3))
}

func TestFIFOWithinPriority(t *testing.T) {
	t.Parallel()

	q := New()
	require.NoError(t, q.Put(item("first", 2)))
	require.NoError(t, q.Put(item("second", 2)))
	require.NoError(t, q.Put(item("urgent", -1)))
	require.NoError(t, q.Put(item("third", 2)))

	require.Equal(t, []string{"urgent", "first", "second", "third"}, drain(t, q, 4))
}

func TestGetWaitsForPut(t *testing.T) {
	t.Parallel()

	q := New()
	got := make(chan string, 1)
	go func() {
		it, err := q.Get(context.Background())
		if err == nil {
			got <- it.Target
		}
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, q.Put(item("late", 0)))

	select {
	case target := <-got:
		require.Equal(t, "late", target)
	case <-time.After(time.Second):
		t.Fatal("Get did not wake up")
	}
}

func TestGetHonorsContext(t *testing.T) {
	t.Parallel()

	q := New()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := q.Get(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCloseWakesGetters(t *testing.T) {
	t.Parallel()

	q := New()
	errs := make(chan error, 2)
	for range 2 {
		go func() {
			_, err := q.Get(context.Background())
			errs <- err
		}()
	}
	time.Sleep(10 * time.Millisecond)
	q.Close()
	q.Close()

	for range 2 {
		require.ErrorIs(t, <-errs, ErrClosed)
	}
	require.ErrorIs(t, q.Put(item("x", 0)), ErrClosed)
}

func TestJoinWaitsForTaskDone(t *testing.T) {
	t.Parallel()

	q := New()
	require.NoError(t, q.Join(context.Background()))

	require.NoError(t, q.Put(item("a", 0)))
	it, err := q.Get(context.Background())
	require.NoError(t, err)
	require.Equal(t, "a", it.Target)
	require.Equal(t, 0, q.Len())
	require.Equal(t, 1, q.InFlight())

	joined := make(chan struct{})
	go func() {
		_ = q.Join(context.Background())
		close(joined)
	}()

	select {
	case <-joined:
		t.Fatal("Join returned before TaskDone")
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, q.TaskDone())
	select {
	case <-joined:
	case <-time.After(time.Second):
		t.Fatal("Join did not return after TaskDone")
	}
}

func TestJoinHonorsContext(t *testing.T) {
	t.Parallel()

	q := New()
	require.NoError(t, q.Put(item("a", 0)))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, q.Join(ctx), context.Canceled)
}

func TestTaskDoneTooManyTimes(t *testing.T) {
	t.Parallel()

	q := New()
	require.ErrorIs(t, q.TaskDone(), ErrTooManyTaskDone)

	require.NoError(t, q.Put(item("a", 0)))
	require.ErrorIs(t, q.TaskDone(), ErrTooManyTaskDone)
	_, err := q.Get(context.Background())
	require.NoError(t, err)
	require.NoError(t, q.TaskDone())
	require.ErrorIs(t, q.TaskDone(), ErrTooManyTaskDone)
}

func TestConcurrentProducersConsumers(t *testing.T) {
	t.Parallel()

	q := New()
	const producers, perProducer = 4, 50
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var consumed sync.Map
	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				it, err := q.Get(ctx)
				if err != nil {
					return
				}
				consumed.Store(it.Target, true)
				_ = q.TaskDone()
			}
		}()
	}

	for p := range producers {
		go func() {
			for i := range perProducer {
				_ = q.Put(item(string(rune('a'+p))+"-"+time.Duration(i).String(), i%3))
			}
		}()
	}

	require.Eventually(t, func() bool {
		n := 0
		consumed.Range(func(_, _ any) bool { n++; return true })
		return n == producers*perProducer
	}, 2*time.Second, 5*time.Millisecond)

	joinCtx, joinCancel := context.WithTimeout(context.Background(), time.Second)
	defer joinCancel()
	require.NoError(t, q.Join(joinCtx))
	require.Equal(t, 0, q.InFlight())

	cancel()
	wg.Wait()
}
