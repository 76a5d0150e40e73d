// Package ring provides a fixed-capacity buffer that evicts its oldest entry
// when full. Used for agent memory, relationship history, and recent events.
package ring

// Ring holds at most Cap() items in insertion order.
// The zero value is unusable; construct with New.
type Ring[T any] struct {
	buf   []T
	start int
	n     int
}

// New creates a ring with the given capacity (minimum 1).
func New[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{buf: make([]T, capacity)}
}

// Push appends v, evicting the oldest item if the ring is full.
// Returns true if an item was evicted.
func (r *Ring[T]) Push(v T) bool {
	if r.n < len(r.buf) {
		r.buf[(r.start+r.n)%len(r.buf)] = v
		r.n++
		return false
	}
	r.buf[r.start] = v
	r.start = (r.start + 1) % len(r.buf)
	return true
}

// Len returns the number of items held.
func (r *Ring[T]) Len() int { return r.n }

// Cap returns the capacity.
func (r *Ring[T]) Cap() int { return len(r.buf) }

// Items returns a copy of all items, oldest first.
func (r *Ring[T]) Items() []T {
	return r.Last(r.n)
}

// Last returns a copy of the newest k items, oldest first.
func (r *Ring[T]) Last(k int) []T {
	if k > r.n {
		k = r.n
	}
	if k <= 0 {
		return nil
	}
	out := make([]T, k)
	offset := r.n - k
	for i := 0; i < k; i++ {
		out[i] = r.buf[(r.start+offset+i)%len(r.buf)]
	}
	return out
}
