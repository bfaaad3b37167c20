// Package buffer provides a fixed-size, thread-safe ring that keeps the most
// recent items. Writes never block; once full, the oldest item is dropped.
package buffer

import "sync"

// Ring holds up to Capacity items in insertion order
type Ring[T any] struct {
	mu       sync.RWMutex
	items    []T
	head     int // next write position
	size     int
	capacity int
	dropped  int64
}

// NewRing returns a ring holding at most capacity items. A capacity below
// one yields a ring of one.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring[T]{items: make([]T, capacity), capacity: capacity}
}

// Push appends item, evicting the oldest when full. It reports whether an
// item was evicted.
func (r *Ring[T]) Push(item T) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.items[r.head] = item
	r.head = (r.head + 1) % r.capacity
	if r.size < r.capacity {
		r.size++
		return false
	}
	r.dropped++
	return true
}

// Snapshot copies the contents oldest first
func (r *Ring[T]) Snapshot() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]T, 0, r.size)
	start := (r.head - r.size + r.capacity) % r.capacity
	for i := 0; i < r.size; i++ {
		out = append(out, r.items[(start+i)%r.capacity])
	}
	return out
}

// Len returns the number of items held
func (r *Ring[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size
}

// Cap returns the capacity
func (r *Ring[T]) Cap() int { return r.capacity }

// Dropped returns how many items were evicted
func (r *Ring[T]) Dropped() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.dropped
}

// Clear empties the ring
func (r *Ring[T]) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	var zero T
	for i := range r.items {
		r.items[i] = zero
	}
	r.head, r.size = 0, 0
}
