package ringbuf

import (
	"errors"
	"iter"
	"sync"
)

// ErrInvalidCapacity is returned by New when capacity is not positive.
var ErrInvalidCapacity = errors.New("ringbuf: capacity must be greater than zero")

// RingBuffer is a thread-safe fixed-capacity sequence.
// Once full, each Add overwrites the oldest retained item.
type RingBuffer[T any] struct {
	mu   sync.Mutex
	buf  []T
	pos  int
	full bool
}

// New creates a ring buffer holding at most capacity items.
func New[T any](capacity int) (*RingBuffer[T], error) {
	if capacity <= 0 {
		return nil, ErrInvalidCapacity
	}
	return &RingBuffer[T]{buf: make([]T, capacity)}, nil
}

// MustNew is New for capacities known to be valid at compile time.
func MustNew[T any](capacity int) *RingBuffer[T] {
	rb, err := New[T](capacity)
	if err != nil {
		panic(err)
	}
	return rb
}

// Add appends item, evicting the oldest item when the buffer is full.
func (rb *RingBuffer[T]) Add(item T) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.buf[rb.pos] = item
	rb.pos++
	if rb.pos == len(rb.buf) {
		rb.pos = 0
		rb.full = true
	}
}

// Len returns the number of retained items.
func (rb *RingBuffer[T]) Len() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	if rb.full {
		return len(rb.buf)
	}
	return rb.pos
}

// Cap returns the fixed capacity.
func (rb *RingBuffer[T]) Cap() int {
	return len(rb.buf)
}

// Items returns a copy of the retained items, oldest first.
func (rb *RingBuffer[T]) Items() []T {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if !rb.full {
		out := make([]T, rb.pos)
		copy(out, rb.buf[:rb.pos])
		return out
	}

	// Wrapped: [pos..end] + [0..pos]
	out := make([]T, len(rb.buf))
	n := copy(out, rb.buf[rb.pos:])
	copy(out[n:], rb.buf[:rb.pos])
	return out
}

// All iterates over a snapshot of the retained items, oldest first.
func (rb *RingBuffer[T]) All() iter.Seq[T] {
	items := rb.Items()
	return func(yield func(T) bool) {
		for _, item := range items {
			if !yield(item) {
				return
			}
		}
	}
}
