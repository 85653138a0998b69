// Package ring provides a fixed-capacity circular buffer backed by a single
// preallocated slice. Pushing into a full ring overwrites the oldest entry.
package ring

// Ring is not safe for concurrent use.
type Ring[T any] struct {
	buf     []T
	head    int // index of the oldest entry
	n       int
	dropped uint64
}

func New[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{buf: make([]T, capacity)}
}

func (r *Ring[T]) Len() int { return r.n }
func (r *Ring[T]) Cap() int { return len(r.buf) }

// Dropped counts entries overwritten since the last Reset.
func (r *Ring[T]) Dropped() uint64 { return r.dropped }

func (r *Ring[T]) Push(v T) {
	if r.n < len(r.buf) {
		r.buf[(r.head+r.n)%len(r.buf)] = v
		r.n++
		return
	}
	r.buf[r.head] = v
	r.head = (r.head + 1) % len(r.buf)
	r.dropped++
}

// At returns entry i, 0 being the oldest. It panics when i is out of range.
func (r *Ring[T]) At(i int) T {
	if i < 0 || i >= r.n {
		panic("ring: index out of range")
	}
	return r.buf[(r.head+i)%len(r.buf)]
}

// Newest returns the most recent entry.
func (r *Ring[T]) Newest() (T, bool) {
	var zero T
	if r.n == 0 {
		return zero, false
	}
	return r.At(r.n - 1), true
}

// Oldest returns the oldest entry.
func (r *Ring[T]) Oldest() (T, bool) {
	var zero T
	if r.n == 0 {
		return zero, false
	}
	return r.buf[r.head], true
}

// PopOldest removes and returns the oldest entry.
func (r *Ring[T]) PopOldest() (T, bool) {
	var zero T
	if r.n == 0 {
		return zero, false
	}
	v := r.buf[r.head]
	r.buf[r.head] = zero
	r.head = (r.head + 1) % len(r.buf)
	r.n--
	return v, true
}

// Each calls fn from oldest to newest.
func (r *Ring[T]) Each(fn func(T)) {
	for i := 0; i < r.n; i++ {
		fn(r.buf[(r.head+i)%len(r.buf)])
	}
}

// Tail copies up to the newest n entries, oldest first. n <= 0 copies all.
func (r *Ring[T]) Tail(n int) []T {
	if n <= 0 || n > r.n {
		n = r.n
	}
	out := make([]T, 0, n)
	for i := r.n - n; i < r.n; i++ {
		out = append(out, r.buf[(r.head+i)%len(r.buf)])
	}
	return out
}

func (r *Ring[T]) Reset() {
	var zero T
	for i := range r.buf {
		r.buf[i] = zero
	}
	r.head, r.n, r.dropped = 0, 0, 0
}
