// Package queue implements the fixed capacity blocking FIFO used to hand work
// between the connection manager, the workers and the log writer.
package queue

import (
	"errors"
	"sync"
)

var ErrInvalidCapacity = errors.New("queue capacity must be positive")

// BoundedQueue is a ring buffer of fixed capacity. Push blocks while the
// queue is full and Pop blocks while it is empty.
//
// The queue has no notion of closing: consumers agree with producers on a
// sentinel value (usually the zero value of T) that means "stop".
type BoundedQueue[T any] struct {
	mu       sync.Mutex
	notFull  *sync.Cond
	notEmpty *sync.Cond
	buf      []T
	head     int
	tail     int
	len      int
}

// New creates a queue holding at most capacity items.
func New[T any](capacity int) (*BoundedQueue[T], error) {
	if capacity <= 0 {
		return nil, ErrInvalidCapacity
	}
	q := &BoundedQueue[T]{
		buf: make([]T, capacity),
	}
	q.notFull = sync.NewCond(&q.mu)
	q.notEmpty = sync.NewCond(&q.mu)
	return q, nil
}

// Push appends item at the tail, waiting for room if needed.
func (q *BoundedQueue[T]) Push(item T) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.len == len(q.buf) {
		q.notFull.Wait()
	}
	q.buf[q.tail] = item
	q.tail = (q.tail + 1) % len(q.buf)
	q.len++
	q.notEmpty.Signal()
}

// Pop removes and returns the head item, waiting for one if needed.
func (q *BoundedQueue[T]) Pop() T {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.len == 0 {
		q.notEmpty.Wait()
	}
	var zero T
	item := q.buf[q.head]
	q.buf[q.head] = zero
	q.head = (q.head + 1) % len(q.buf)
	q.len--
	q.notFull.Signal()
	return item
}

// Len returns the number of queued items.
func (q *BoundedQueue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.len
}

// Cap returns the fixed capacity.
func (q *BoundedQueue[T]) Cap() int {
	return len(q.buf)
}
