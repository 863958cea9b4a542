package prefs

import "sync"

// Value holds a setting and notifies waiters when it changes.
type Value[T comparable] struct {
	mu      sync.Mutex
	v       T
	changed chan struct{}
}

// NewValue creates a Value holding v.
func NewValue[T comparable](v T) *Value[T] {
	return &Value[T]{v: v, changed: make(chan struct{})}
}

// Get returns the current value.
func (v *Value[T]) Get() T {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.v
}

// Snapshot returns the current value together with a channel that is
// closed on the next change.
func (v *Value[T]) Snapshot() (T, <-chan struct{}) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.v, v.changed
}

// Set stores x and wakes every waiter. It reports whether the value changed.
func (v *Value[T]) Set(x T) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.v == x {
		return false
	}
	v.v = x
	close(v.changed)
	v.changed = make(chan struct{})
	return true
}
