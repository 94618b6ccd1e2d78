package uploader

import (
	"context"
	"errors"
	"sync"

	"github.com/sprinkler/rainmachine-weewx/internal/weather"
)

// ErrQueueClosed is returned by Get once the queue has been closed.
var ErrQueueClosed = errors.New("uploader: queue closed")

// Queue is an unbounded FIFO of archive records with one producer and one
// consumer. Put never blocks.
type Queue struct {
	mu     sync.Mutex
	items  []weather.Record
	closed bool

	ready     chan struct{} // capacity 1; signals that items may be available
	done      chan struct{}
	closeOnce sync.Once
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{
		ready: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

// Put appends r. Records put after Close are discarded.
func (q *Queue) Put(r weather.Record) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, r)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Len returns the number of queued records.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Get removes and returns the oldest record, waiting until one is available,
// ctx is cancelled or the queue is closed.
func (q *Queue) Get(ctx context.Context) (weather.Record, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return weather.Record{}, ErrQueueClosed
		}
		if len(q.items) > 0 {
			r := q.items[0]
			q.items[0] = weather.Record{}
			q.items = q.items[1:]
			q.mu.Unlock()
			return r, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return weather.Record{}, ctx.Err()
		case <-q.done:
			return weather.Record{}, ErrQueueClosed
		case <-q.ready:
		}
	}
}

// Close wakes a waiting Get and makes every later Get fail with
// ErrQueueClosed. Records still queued are dropped.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		q.mu.Lock()
		q.closed = true
		q.items = nil
		q.mu.Unlock()
		close(q.done)
	})
}
