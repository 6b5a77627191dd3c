// Package queue provides the in-memory priority queue that feeds workers.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/crawl-scheduler/internal/crawler"
)

var (
	// ErrClosed is returned by Put and Get once the queue has been closed.
	ErrClosed = errors.New("queue closed")
	// ErrTooManyTaskDone signals TaskDone was called more often than Get.
	ErrTooManyTaskDone = errors.New("task done called more times than get")
)

type entry struct {
	item     *crawler.WorkItem
	priority int
	seq      uint64
}

type entryHeap []entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *entryHeap) Push(x any) { *h = append(*h, x.(entry)) }

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = entry{}
	*h = old[:n-1]
	return e
}

// PriorityQueue is an unbounded queue ordered by priority (lower first) and
// then by insertion order. It tracks acknowledgements so Join can wait for
// every dequeued item to be fully processed.
type PriorityQueue struct {
	mu       sync.Mutex
	entries  entryHeap
	seq      uint64
	inflight int
	closed   bool
	// notify is closed and replaced whenever an item arrives or the queue closes.
	notify chan struct{}
	// idle is closed while nothing is queued or in flight.
	idle chan struct{}
}

// New returns an empty, open queue.
func New() *PriorityQueue {
	idle := make(chan struct{})
	close(idle)
	return &PriorityQueue{
		notify: make(chan struct{}),
		idle:   idle,
	}
}

// Put enqueues item. It never blocks.
func (q *PriorityQueue) Put(item *crawler.WorkItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	if q.unfinishedLocked() == 0 {
		q.idle = make(chan struct{})
	}
	q.seq++
	heap.Push(&q.entries, entry{item: item, priority: item.Priority, seq: q.seq})
	q.broadcastLocked()
	return nil
}

// Get removes and returns the next item, waiting until one is available, the
// queue is closed or ctx ends. Every successful Get must be paired with one
// TaskDone.
func (q *PriorityQueue) Get(ctx context.Context) (*crawler.WorkItem, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrClosed
		}
		if q.entries.Len() > 0 {
			e := heap.Pop(&q.entries).(entry)
			q.inflight++
			q.mu.Unlock()
			return e.item, nil
		}
		wait := q.notify
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("dequeue canceled: %w", ctx.Err())
		case <-wait:
		}
	}
}

// TaskDone acknowledges one item returned by Get.
func (q *PriorityQueue) TaskDone() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.inflight == 0 {
		return ErrTooManyTaskDone
	}
	q.inflight--
	if q.unfinishedLocked() == 0 {
		close(q.idle)
	}
	return nil
}

// Join blocks until the queue is empty and every dequeued item has been
// acknowledged, or ctx ends.
func (q *PriorityQueue) Join(ctx context.Context) error {
	q.mu.Lock()
	idle := q.idle
	q.mu.Unlock()

	select {
	case <-ctx.Done():
		return fmt.Errorf("join canceled: %w", ctx.Err())
	case <-idle:
		return nil
	}
}

// Close stops the queue from handing out or accepting items. Pending Get
// calls return ErrClosed. Items already dequeued can still be acknowledged.
func (q *PriorityQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.broadcastLocked()
}

// Len returns the number of queued items.
func (q *PriorityQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.entries.Len()
}

// InFlight returns the number of items dequeued but not yet acknowledged.
func (q *PriorityQueue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.inflight
}

func (q *PriorityQueue) unfinishedLocked() int {
	return q.entries.Len() + q.inflight
}

func (q *PriorityQueue) broadcastLocked() {
	close(q.notify)
	q.notify = make(chan struct{})
}
