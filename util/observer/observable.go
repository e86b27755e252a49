package observer

import (
	"sync"

	"bjoernblessin.de/udpmessaging/util/logger"
)

// Observable fans values out to buffered subscriber channels.
// A slow subscriber loses values instead of stalling the publisher.
type Observable[T any] struct {
	mu          sync.RWMutex
	subscribers map[chan T]struct{}
	capacity    int
	closed      bool
}

// NewObservable creates an observable whose subscriber channels hold up to capacity values.
// A capacity below 1 is raised to 1.
func NewObservable[T any](capacity int) *Observable[T] {
	return &Observable[T]{
		subscribers: make(map[chan T]struct{}),
		capacity:    max(capacity, 1),
	}
}

// Subscribe returns a new channel that receives every value published from now on.
// It is closed by Unsubscribe or Close. After Close, Subscribe returns an already closed channel.
func (o *Observable[T]) Subscribe() chan T {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		ch := make(chan T)
		close(ch)
		return ch
	}

	ch := make(chan T, o.capacity)
	o.subscribers[ch] = struct{}{}
	return ch
}

// Unsubscribe stops publishing to ch and closes it.
// Channels that are not subscribed are left alone.
func (o *Observable[T]) Unsubscribe(ch chan T) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, ok := o.subscribers[ch]; !ok {
		return
	}
	delete(o.subscribers, ch)
	close(ch)
}

// NotifyObservers publishes data without blocking and returns how many subscribers took it.
func (o *Observable[T]) NotifyObservers(data T) int {
	o.mu.RLock()
	defer o.mu.RUnlock()

	if o.closed {
		return 0
	}

	delivered := 0
	for ch := range o.subscribers {
		select {
		case ch <- data:
			delivered++
		default:
			logger.Warnf("Subscriber of %T is %d values behind, dropping", data, len(ch))
		}
	}
	return delivered
}

// Close closes every subscriber channel. Later notifications are discarded.
func (o *Observable[T]) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return
	}

	o.closed = true
	for ch := range o.subscribers {
		close(ch)
	}
	clear(o.subscribers)
}
