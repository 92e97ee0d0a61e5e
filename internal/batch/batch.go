// Package batch accumulates text fragments into bounded batches.
package batch

import (
	"strings"
	"sync"
)

// TextBatcher is a thread-safe text accumulator with a hard capacity in bytes.
// It never splits a fragment: a fragment either fits entirely or is rejected.
// Callers that need line-respecting batches add one line per fragment and
// flush with MakeBatch when TryAdd reports false.
type TextBatcher struct {
	mu       sync.Mutex
	capacity int
	buf      strings.Builder
}

// New creates a batcher holding at most capacity bytes.
func New(capacity int) *TextBatcher {
	if capacity < 0 {
		capacity = 0
	}
	b := &TextBatcher{capacity: capacity}
	b.buf.Grow(capacity)
	return b
}

// TryAdd appends fragment if the result stays within capacity.
// On rejection the buffer is left unchanged.
func (b *TextBatcher) TryAdd(fragment string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(fragment) > b.capacity-b.buf.Len() {
		return false
	}
	b.buf.WriteString(fragment)
	return true
}

// MakeBatch returns the buffered text and clears the buffer.
func (b *TextBatcher) MakeBatch() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := b.buf.String()
	b.buf.Reset()
	b.buf.Grow(b.capacity)
	return out
}

// Len returns the number of buffered bytes.
func (b *TextBatcher) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Len()
}

// Cap returns the configured capacity.
func (b *TextBatcher) Cap() int {
	return b.capacity
}
