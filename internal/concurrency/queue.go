// File: internal/concurrency/queue.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Blocking FIFO queue with a priority lane, backed by eapache ring queues.

package concurrency

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/eapache/queue"
)

// ErrQueueClosed is returned by Push on a closed queue and by Pop once a
// closed queue has been drained.
var ErrQueueClosed = errors.New("concurrency: queue closed")

// ErrTimeout is returned by TimedPop when no item arrived in time.
var ErrTimeout = errors.New("concurrency: timed out")

// Queue is an unbounded multi-producer multi-consumer blocking queue.
// Items pushed with PushPriority are popped before any regular item.
type Queue[T any] struct {
	mu       sync.Mutex
	items    *queue.Queue
	priority *queue.Queue
	signal   chan struct{} // closed and replaced on every push
	waiters  int
	closed   bool
}

// NewQueue returns an empty queue.
func NewQueue[T any]() *Queue[T] {
	return &Queue[T]{
		items:    queue.New(),
		priority: queue.New(),
		signal:   make(chan struct{}),
	}
}

// Push appends v at the tail of the regular lane.
func (q *Queue[T]) Push(v T) error {
	return q.push(false, v)
}

// PushPriority appends v to the priority lane, ahead of all regular items.
func (q *Queue[T]) PushPriority(v T) error {
	return q.push(true, v)
}

func (q *Queue[T]) push(prio bool, v T) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	if prio {
		q.priority.Add(v)
	} else {
		q.items.Add(v)
	}
	if q.waiters > 0 {
		close(q.signal)
		q.signal = make(chan struct{})
	}
	return nil
}

// Pop blocks until an item is available or the queue is closed and empty.
func (q *Queue[T]) Pop() (T, error) {
	return q.PopContext(context.Background())
}

// TimedPop is Pop bounded by d. It returns ErrTimeout when d elapses first.
func (q *Queue[T]) TimedPop(d time.Duration) (T, error) {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	v, err := q.PopContext(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		return v, ErrTimeout
	}
	return v, err
}

// PopContext is Pop bounded by ctx.
func (q *Queue[T]) PopContext(ctx context.Context) (T, error) {
	var zero T
	q.mu.Lock()
	for {
		if v, ok := q.take(); ok {
			q.mu.Unlock()
			return v, nil
		}
		if q.closed {
			q.mu.Unlock()
			return zero, ErrQueueClosed
		}
		sig := q.signal
		q.waiters++
		q.mu.Unlock()

		select {
		case <-sig:
		case <-ctx.Done():
			q.mu.Lock()
			q.waiters--
			// an item may have landed while giving up; hand it over
			if v, ok := q.take(); ok {
				q.mu.Unlock()
				return v, nil
			}
			q.mu.Unlock()
			return zero, ctx.Err()
		}

		q.mu.Lock()
		q.waiters--
	}
}

// TryPop returns the head item without blocking.
func (q *Queue[T]) TryPop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.take()
}

func (q *Queue[T]) take() (T, bool) {
	if q.priority.Length() > 0 {
		return q.priority.Remove().(T), true
	}
	if q.items.Length() > 0 {
		return q.items.Remove().(T), true
	}
	var zero T
	return zero, false
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Length() + q.priority.Length()
}

// Waiters returns the number of goroutines blocked in a pop.
func (q *Queue[T]) Waiters() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.waiters
}

// Close rejects further pushes and wakes every waiter. Items already queued
// can still be popped.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}
