package eventbus

import "sync"

// Ring is a thread-safe fixed-size buffer that overwrites its oldest entry
// once full.
type Ring[T any] struct {
	buffer []T
	size   int
	start  int
	count  int
	mu     sync.RWMutex
}

// NewRing creates a ring holding at most size entries. Sizes below one are
// raised to one.
func NewRing[T any](size int) *Ring[T] {
	if size < 1 {
		size = 1
	}
	return &Ring[T]{
		buffer: make([]T, size),
		size:   size,
	}
}

// Push appends v, evicting the oldest entry when the ring is full
func (r *Ring[T]) Push(v T) {
	r.mu.Lock()
	defer r.mu.Unlock()

	write := (r.start + r.count) % r.size
	r.buffer[write] = v
	if r.count < r.size {
		r.count++
		return
	}
	r.start = (r.start + 1) % r.size
}

// Last returns the newest entry
func (r *Ring[T]) Last() (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var zero T
	if r.count == 0 {
		return zero, false
	}
	return r.buffer[(r.start+r.count-1)%r.size], true
}

// Snapshot returns the entries oldest first
func (r *Ring[T]) Snapshot() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]T, r.count)
	for i := 0; i < r.count; i++ {
		out[i] = r.buffer[(r.start+i)%r.size]
	}
	return out
}

// Len returns the number of stored entries
func (r *Ring[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}

// Clear drops every entry
func (r *Ring[T]) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	var zero T
	for i := range r.buffer {
		r.buffer[i] = zero
	}
	r.start = 0
	r.count = 0
}
