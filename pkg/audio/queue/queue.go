// Package queue provides an unbounded, concurrency-safe FIFO with blocking
// batch dequeue. It is the only shared state between the producer and
// consumer loops of the audio pipelines.
//
// Producers call [Queue.Enqueue], which never blocks. Consumers call
// [Queue.DequeueAtLeast], which suspends until a minimum number of items is
// buffered and then takes everything that is buffered. The minimum is a wake
// threshold, not a cap. Closing the queue releases every waiter; a closed
// queue hands out what is left and then returns empty results without
// blocking.
package queue

import (
	"context"
	"sync"
	"sync/atomic"
)

// Queue is an unbounded FIFO of T. The zero value is ready to use.
// All methods are safe for concurrent use.
type Queue[T any] struct {
	mu      sync.Mutex
	items   []T
	closed  bool
	waiters []*waiter

	wakes atomic.Uint64
}

// waiter is a suspended DequeueAtLeast call. ready is closed once the queue
// holds at least min items or the queue is closed.
type waiter struct {
	min   int
	ready chan struct{}
}

// New returns an empty queue.
func New[T any]() *Queue[T] {
	return &Queue[T]{}
}

// Enqueue appends items in call order and wakes every waiter whose threshold
// is now met. It never blocks. It reports false, dropping the items, if the
// queue has been closed.
func (q *Queue[T]) Enqueue(items ...T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	if len(items) == 0 {
		return true
	}
	q.items = append(q.items, items...)
	q.notifyLocked()
	return true
}

// DequeueAtLeast blocks until at least n items are buffered or the queue is
// closed, then removes and returns all buffered items. n below 1 is treated
// as 1. On a closed queue it returns the remaining items (possibly none)
// immediately. If ctx ends first, nothing is removed and ctx.Err() is
// returned.
func (q *Queue[T]) DequeueAtLeast(ctx context.Context, n int) ([]T, error) {
	if n < 1 {
		n = 1
	}
	q.mu.Lock()
	for {
		if q.closed || len(q.items) >= n {
			out := q.items
			q.items = nil
			q.mu.Unlock()
			return out, nil
		}

		w := &waiter{min: n, ready: make(chan struct{})}
		q.waiters = append(q.waiters, w)
		q.mu.Unlock()

		select {
		case <-w.ready:
			q.wakes.Add(1)
			q.mu.Lock()
		case <-ctx.Done():
			q.mu.Lock()
			q.removeWaiterLocked(w)
			q.mu.Unlock()
			return nil, ctx.Err()
		}
	}
}

// TakeAll atomically removes and returns the whole buffered contents, leaving
// the queue empty. It returns nil when the queue is empty. An Enqueue racing
// with TakeAll lands either in the returned slice or in the queue, never both.
func (q *Queue[T]) TakeAll() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out
}

// Close marks the queue closed and releases every waiter. Buffered items stay
// available to DequeueAtLeast and TakeAll. Close is idempotent.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	for _, w := range q.waiters {
		close(w.ready)
	}
	q.waiters = nil
}

// Closed reports whether Close has been called.
func (q *Queue[T]) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Len returns the number of buffered items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Wakes returns how many times a suspended DequeueAtLeast call has been
// resumed. A single Enqueue that satisfies a waiter counts as one wake no
// matter how many items it carries.
func (q *Queue[T]) Wakes() uint64 {
	return q.wakes.Load()
}

// notifyLocked releases waiters whose threshold is met. Must be called with
// q.mu held.
func (q *Queue[T]) notifyLocked() {
	kept := q.waiters[:0]
	for _, w := range q.waiters {
		if len(q.items) >= w.min {
			close(w.ready)
			continue
		}
		kept = append(kept, w)
	}
	clear(q.waiters[len(kept):])
	q.waiters = kept
}

// removeWaiterLocked drops w from the waiter list. Must be called with q.mu
// held.
func (q *Queue[T]) removeWaiterLocked(w *waiter) {
	for i, x := range q.waiters {
		if x == w {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			return
		}
	}
}
