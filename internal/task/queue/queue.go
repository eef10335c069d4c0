// Package queue is the admission-controlled FIFO between producers (poller,
// cascades, manual triggers) and the dispatcher.
package queue

import (
	"context"
	"sync"
)

// Queue holds pending items and counts admitted ones. At most max items are
// admitted (dequeued but not yet marked done) at any time.
type Queue[T any] struct {
	mu      sync.Mutex
	pending []T
	running int
	max     int

	wake chan struct{}
}

// New returns a queue admitting at most max concurrent items. max <= 0 is
// treated as 1.
func New[T any](max int) *Queue[T] {
	if max <= 0 {
		max = 1
	}
	return &Queue[T]{max: max, wake: make(chan struct{}, 1)}
}

// Enqueue appends item and wakes a waiter. It never blocks.
func (q *Queue[T]) Enqueue(item T) {
	q.mu.Lock()
	q.pending = append(q.pending, item)
	q.mu.Unlock()
	q.signal()
}

// TryDequeue pops the oldest item and admits it. It returns false, changing
// nothing, when the queue is empty or the ceiling is reached.
func (q *Queue[T]) TryDequeue() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var zero T
	if q.running >= q.max || len(q.pending) == 0 {
		return zero, false
	}
	item := q.pending[0]
	q.pending[0] = zero
	q.pending = q.pending[1:]
	if len(q.pending) == 0 {
		q.pending = nil
	}
	q.running++
	return item, true
}

// MarkDone releases one admission slot and wakes a waiter.
func (q *Queue[T]) MarkDone() {
	q.mu.Lock()
	if q.running > 0 {
		q.running--
	}
	q.mu.Unlock()
	q.signal()
}

// WaitForWork blocks until Enqueue or MarkDone signals, or ctx is done.
// Wakes coalesce, so callers must drain with TryDequeue before waiting again.
func (q *Queue[T]) WaitForWork(ctx context.Context) error {
	select {
	case <-q.wake:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue[T]) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

type Stats struct {
	Pending int `json:"pending"`
	Running int `json:"running"`
	Max     int `json:"max"`
}

func (q *Queue[T]) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{Pending: len(q.pending), Running: q.running, Max: q.max}
}

// Pending returns a copy of the waiting items, oldest first.
func (q *Queue[T]) Pending() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]T, len(q.pending))
	copy(out, q.pending)
	return out
}
