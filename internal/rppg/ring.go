package rppg

// ring is a fixed-capacity circular buffer. Push overwrites the oldest value once full.
type ring[T any] struct {
	buf  []T
	head int // index of the oldest element
	n    int
}

func newRing[T any](capacity int) *ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &ring[T]{buf: make([]T, capacity)}
}

func (r *ring[T]) Len() int { return r.n }
func (r *ring[T]) Cap() int { return len(r.buf) }

func (r *ring[T]) Push(v T) {
	if r.n < len(r.buf) {
		r.buf[(r.head+r.n)%len(r.buf)] = v
		r.n++
		return
	}
	r.buf[r.head] = v
	r.head = (r.head + 1) % len(r.buf)
}

// At returns the i-th element, 0 being the oldest.
func (r *ring[T]) At(i int) T {
	return r.buf[(r.head+i)%len(r.buf)]
}

// Last returns the newest element. ok is false when empty.
func (r *ring[T]) Last() (v T, ok bool) {
	if r.n == 0 {
		return v, false
	}
	return r.At(r.n - 1), true
}

// frameRing stores fixed-size float planes in one preallocated slab.
type frameRing struct {
	slab []float64
	size int // values per frame
	head int
	n    int
	cap  int
}

func newFrameRing(capacity, size int) *frameRing {
	if capacity < 1 {
		capacity = 1
	}
	return &frameRing{
		slab: make([]float64, capacity*size),
		size: size,
		cap:  capacity,
	}
}

func (r *frameRing) Len() int { return r.n }

// Push copies plane into the next slot, evicting the oldest frame when full.
func (r *frameRing) Push(plane []float64) {
	var slot int
	if r.n < r.cap {
		slot = (r.head + r.n) % r.cap
		r.n++
	} else {
		slot = r.head
		r.head = (r.head + 1) % r.cap
	}
	copy(r.slab[slot*r.size:(slot+1)*r.size], plane)
}

// Frame returns a view of the i-th frame, 0 being the oldest. The view is
// invalidated by the next Push.
func (r *frameRing) Frame(i int) []float64 {
	slot := (r.head + i) % r.cap
	return r.slab[slot*r.size : (slot+1)*r.size]
}
