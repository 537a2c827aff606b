// Package queue provides an unbounded FIFO hand-off between producers and a
// single draining consumer, where waiting for an item can be cancelled.
package queue

import (
	"context"
	"sync"
)

// Queue is an unbounded FIFO. The zero value is not usable, use New.
type Queue[T any] struct {
	mu    sync.Mutex
	items []T
	// wake is closed and replaced every time an item is enqueued so that all
	// blocked dequeuers re-check the queue.
	wake chan struct{}
}

func New[T any]() *Queue[T] {
	return &Queue[T]{wake: make(chan struct{})}
}

// Enqueue appends item to the tail. It never blocks.
func (q *Queue[T]) Enqueue(item T) {
	q.mu.Lock()
	q.items = append(q.items, item)
	wake := q.wake
	q.wake = make(chan struct{})
	q.mu.Unlock()

	close(wake)
}

// Len reports the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Dequeue removes and returns the head of the queue, blocking until an item
// is available or ctx is done.
//
// ok is false when ctx was done. Cancellation is checked before the queue on
// every attempt, so a cancelled call never takes an item: it stays queued for
// the next drain.
func (q *Queue[T]) Dequeue(ctx context.Context) (item T, ok bool) {
	for {
		q.mu.Lock()
		if ctx.Err() != nil {
			q.mu.Unlock()
			return item, false
		}

		if len(q.items) > 0 {
			item = q.items[0]
			var zero T
			q.items[0] = zero
			q.items = q.items[1:]
			q.mu.Unlock()
			return item, true
		}

		wake := q.wake
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return item, false
		case <-wake:
		}
	}
}

// Clear drops every queued item and returns how many were dropped.
func (q *Queue[T]) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	dropped := len(q.items)
	q.items = nil
	return dropped
}
