// Package refstore provides a reference-counted cache of lazily created values.
//
// A key becomes active with AddUsage and stays active until the matching
// RemoveUsage brings its count back to zero. While active, GetOrCreate returns
// a single shared value, created on first request. When the key goes inactive
// the value is handed to the dispose function exactly once.
package refstore

import (
	"errors"
	"sync"
)

// ErrNoActiveUsage is returned by GetOrCreate for a key with no usages.
var ErrNoActiveUsage = errors.New("refstore: no active usage for key")

// Factory creates the value for a key. state is passed through from GetOrCreate.
type Factory[V any] func(state any) (V, error)

type entry[V any] struct {
	usage int

	// create serializes creators of this entry's value.
	create sync.Mutex
	value  V
	ok     bool

	// settled is non-nil while a factory runs and is closed once its result
	// is stored, disposed or discarded.
	settled chan struct{}
}

// Store is safe for concurrent use.
type Store[K comparable, V any] struct {
	dispose func(K, V)

	mu        sync.Mutex
	entries   map[K]*entry[V]
	disposing map[K]chan struct{}
}

// New creates a store. dispose may be nil.
func New[K comparable, V any](dispose func(K, V)) *Store[K, V] {
	if dispose == nil {
		dispose = func(K, V) {}
	}
	return &Store[K, V]{
		dispose:   dispose,
		entries:   make(map[K]*entry[V]),
		disposing: make(map[K]chan struct{}),
	}
}

// AddUsage increments the usage count for key.
func (s *Store[K, V]) AddUsage(key K) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		e = &entry[V]{}
		s.entries[key] = e
	}
	e.usage++
}

// RemoveUsage decrements the usage count for key. When the count reaches zero
// the value, if one was created, is disposed. Calls at zero are no-ops.
func (s *Store[K, V]) RemoveUsage(key K) {
	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok || e.usage == 0 {
		s.mu.Unlock()
		return
	}
	e.usage--
	if e.usage > 0 {
		s.mu.Unlock()
		return
	}

	delete(s.entries, key)
	if !e.ok {
		if e.settled != nil {
			// The running creator disposes its value; the next period waits.
			s.disposing[key] = e.settled
		}
		s.mu.Unlock()
		return
	}
	value := e.value
	var zero V
	e.value, e.ok = zero, false

	done := make(chan struct{})
	s.disposing[key] = done
	s.mu.Unlock()

	s.finishDispose(key, value, done)
}

func (s *Store[K, V]) finishDispose(key K, value V, done chan struct{}) {
	defer func() {
		s.mu.Lock()
		if s.disposing[key] == done {
			delete(s.disposing, key)
		}
		s.mu.Unlock()
		close(done)
	}()
	s.dispose(key, value)
}

// GetOrCreate returns the value for key, invoking factory at most once per
// active period. It fails with ErrNoActiveUsage, without calling factory,
// when the key has no usages. Factory errors are returned as-is and leave the
// key without a value, so a later call may try again.
func (s *Store[K, V]) GetOrCreate(key K, factory Factory[V], state any) (V, error) {
	var zero V

	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok || e.usage == 0 {
		s.mu.Unlock()
		return zero, ErrNoActiveUsage
	}
	if e.ok {
		v := e.value
		s.mu.Unlock()
		return v, nil
	}
	s.mu.Unlock()

	e.create.Lock()
	defer e.create.Unlock()

	s.mu.Lock()
	if s.entries[key] != e || e.usage == 0 {
		s.mu.Unlock()
		return zero, ErrNoActiveUsage
	}
	if e.ok {
		v := e.value
		s.mu.Unlock()
		return v, nil
	}
	pending := s.disposing[key]
	settled := make(chan struct{})
	e.settled = settled
	s.mu.Unlock()

	// The previous period's value must be gone before a new one exists.
	if pending != nil {
		<-pending
	}

	v, err := factory(state)

	s.mu.Lock()
	e.settled = nil
	if err != nil {
		s.mu.Unlock()
		s.settle(key, settled)
		return zero, err
	}
	if s.entries[key] != e || e.usage == 0 {
		// Usage dropped to zero while the factory ran.
		s.mu.Unlock()
		s.finishDispose(key, v, settled)
		return zero, ErrNoActiveUsage
	}
	e.value, e.ok = v, true
	s.mu.Unlock()
	s.settle(key, settled)
	return v, nil
}

// settle releases waiters on done without a value to dispose.
func (s *Store[K, V]) settle(key K, done chan struct{}) {
	s.mu.Lock()
	if s.disposing[key] == done {
		delete(s.disposing, key)
	}
	s.mu.Unlock()
	close(done)
}

// Usage returns the current usage count for key.
func (s *Store[K, V]) Usage(key K) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok {
		return e.usage
	}
	return 0
}

// Len returns the number of active keys.
func (s *Store[K, V]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
