// Package queue provides a bounded multi-producer/single-consumer queue.
// Producers never block: a push onto a full queue is rejected.
// The consumer waits on Wake() and then drains with PopAll.
package queue

import (
	"errors"
	"sync"
)

var ErrQueueFull = errors.New("queue is full")

type Queue[T any] struct {
	mu       sync.Mutex
	buf      []T
	readIdx  int
	writeIdx int
	len      int
	wake     chan struct{}
}

// New creates a queue holding at most size elements.
func New[T any](size int) *Queue[T] {
	if size < 1 {
		size = 1
	}
	return &Queue[T]{
		buf:  make([]T, size),
		wake: make(chan struct{}, 1),
	}
}

// Push appends val and signals the consumer.
// Can be called concurrently.
func (q *Queue[T]) Push(val T) error {
	q.mu.Lock()
	if q.len == len(q.buf) {
		q.mu.Unlock()
		return ErrQueueFull
	}

	q.buf[q.writeIdx] = val
	q.writeIdx = (q.writeIdx + 1) % len(q.buf)
	q.len++
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
		// A wake-up is already pending.
	}
	return nil
}

// Pop removes the oldest element.
func (q *Queue[T]) Pop() (T, bool) {
	var zero T

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.len == 0 {
		return zero, false
	}

	v := q.buf[q.readIdx]
	q.buf[q.readIdx] = zero
	q.readIdx = (q.readIdx + 1) % len(q.buf)
	q.len--

	return v, true
}

// PopAll removes and returns every queued element in FIFO order.
func (q *Queue[T]) PopAll() []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.len == 0 {
		return nil
	}

	var zero T
	vals := make([]T, 0, q.len)
	for q.len > 0 {
		vals = append(vals, q.buf[q.readIdx])
		q.buf[q.readIdx] = zero
		q.readIdx = (q.readIdx + 1) % len(q.buf)
		q.len--
	}

	return vals
}

func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.len
}

func (q *Queue[T]) Cap() int {
	return len(q.buf)
}

// Wake returns the channel that receives a value after a Push.
// Several pushes may collapse into a single wake-up.
func (q *Queue[T]) Wake() <-chan struct{} {
	return q.wake
}
