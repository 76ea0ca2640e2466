// Package queue provides a bounded FIFO that evicts its oldest element when full.
// Producers never block.
package queue

import "sync"

// Queue is a bounded ring buffer safe for one producer and one consumer (or more).
type Queue[T any] struct {
	mu     sync.Mutex
	items  []T
	head   int // next read position
	size   int
	closed bool
	ready  chan struct{}
	onDrop func(T)
}

// New creates a queue holding at most capacity elements. onDrop, if not nil, is called with
// each evicted element outside the lock.
func New[T any](capacity int, onDrop func(T)) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue[T]{
		items:  make([]T, capacity),
		ready:  make(chan struct{}, 1),
		onDrop: onDrop,
	}
}

// Push appends v, evicting the oldest element if the queue is full. It reports whether an
// element was evicted. Pushing to a closed queue is a no-op that returns false.
func (q *Queue[T]) Push(v T) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}

	var (
		dropped T
		evicted bool
	)
	if q.size == len(q.items) {
		dropped = q.items[q.head]
		q.head = (q.head + 1) % len(q.items)
		q.size--
		evicted = true
	}
	q.items[(q.head+q.size)%len(q.items)] = v
	q.size++
	q.mu.Unlock()

	q.signal()
	if evicted && q.onDrop != nil {
		q.onDrop(dropped)
	}
	return evicted
}

// Pop removes and returns the oldest element
func (q *Queue[T]) Pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	if q.size == 0 {
		return zero, false
	}
	v := q.items[q.head]
	q.items[q.head] = zero
	q.head = (q.head + 1) % len(q.items)
	q.size--
	return v, true
}

// Peek returns the oldest element without removing it
func (q *Queue[T]) Peek() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.size == 0 {
		var zero T
		return zero, false
	}
	return q.items[q.head], true
}

// Len returns the number of queued elements
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Cap returns the capacity
func (q *Queue[T]) Cap() int {
	return len(q.items)
}

// Drain removes and returns all elements, oldest first
func (q *Queue[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]T, 0, q.size)
	var zero T
	for q.size > 0 {
		out = append(out, q.items[q.head])
		q.items[q.head] = zero
		q.head = (q.head + 1) % len(q.items)
		q.size--
	}
	return out
}

// Close marks the queue as finished. Queued elements can still be popped.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

// Closed reports whether Close was called
func (q *Queue[T]) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Ready returns a channel that receives after a Push or Close. It is level-collapsed: many
// pushes may produce one wake-up, so consumers pop until empty after each receive.
func (q *Queue[T]) Ready() <-chan struct{} {
	return q.ready
}

func (q *Queue[T]) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
