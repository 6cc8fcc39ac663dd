// Package logbuf provides bounded in-memory retention of child process
// output. A Ring holds the most recent lines; a Capture feeds rings from the
// on-disk log files a child writes to, so reader lifetime is decoupled from
// child lifetime.
package logbuf

import "sync"

// Ring is a fixed-capacity buffer that evicts the oldest element first.
type Ring[T any] struct {
	mu    sync.Mutex
	buf   []T
	start int
	count int
}

func NewRing[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring[T]{buf: make([]T, capacity)}
}

func (r *Ring[T]) Push(v T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = v
		r.count++
		return
	}
	r.buf[r.start] = v
	r.start = (r.start + 1) % len(r.buf)
}

func (r *Ring[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

func (r *Ring[T]) Cap() int {
	return len(r.buf)
}

// Snapshot returns the retained elements, oldest first.
func (r *Ring[T]) Snapshot() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]T, 0, r.count)
	for i := 0; i < r.count; i++ {
		out = append(out, r.buf[(r.start+i)%len(r.buf)])
	}
	return out
}

// Tail returns the most recent n elements, oldest first. n <= 0 or
// n >= Len returns everything retained.
func (r *Ring[T]) Tail(n int) []T {
	all := r.Snapshot()
	if n <= 0 || n >= len(all) {
		return all
	}
	return all[len(all)-n:]
}
