package intel

// Ring is a fixed-capacity FIFO buffer that evicts the oldest entry on
// overflow. It is not safe for concurrent use; the owner serializes access.
type Ring[T any] struct {
	buf   []T
	start int
	n     int
}

// NewRing creates a ring holding at most capacity items. A capacity below 1
// is raised to 1.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{buf: make([]T, capacity)}
}

// Push appends v. When the ring is full the oldest item is overwritten and
// returned with evicted=true.
func (r *Ring[T]) Push(v T) (old T, evicted bool) {
	if r.n < len(r.buf) {
		r.buf[(r.start+r.n)%len(r.buf)] = v
		r.n++
		return old, false
	}
	old = r.buf[r.start]
	r.buf[r.start] = v
	r.start = (r.start + 1) % len(r.buf)
	return old, true
}

// Items returns a copy of the contents, oldest first.
func (r *Ring[T]) Items() []T {
	return r.Last(r.n)
}

// Last returns a copy of the newest k items, oldest first.
func (r *Ring[T]) Last(k int) []T {
	if k > r.n {
		k = r.n
	}
	if k <= 0 {
		return []T{}
	}
	out := make([]T, k)
	skip := r.n - k
	for i := 0; i < k; i++ {
		out[i] = r.buf[(r.start+skip+i)%len(r.buf)]
	}
	return out
}

// Len returns the number of stored items.
func (r *Ring[T]) Len() int { return r.n }

// Cap returns the capacity.
func (r *Ring[T]) Cap() int { return len(r.buf) }

// Clear drops every item.
func (r *Ring[T]) Clear() {
	var zero T
	for i := range r.buf {
		r.buf[i] = zero
	}
	r.start, r.n = 0, 0
}
