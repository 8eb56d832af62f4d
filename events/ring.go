package events

import "sync"

// ring is a fixed-capacity buffer keeping the most recent items.
type ring[T any] struct {
	mu    sync.Mutex
	items []T
	next  int
	full  bool
}

func newRing[T any](capacity int) *ring[T] {
	return &ring[T]{items: make([]T, capacity)}
}

func (r *ring[T]) push(item T) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.items) == 0 {
		return
	}

	r.items[r.next] = item
	r.next = (r.next + 1) % len(r.items)
	if r.next == 0 {
		r.full = true
	}
}

// last returns up to n of the most recent items, oldest first. n <= 0
// returns everything held.
func (r *ring[T]) last(n int) []T {
	r.mu.Lock()
	defer r.mu.Unlock()

	size := r.next
	if r.full {
		size = len(r.items)
	}
	if n <= 0 || n > size {
		n = size
	}

	out := make([]T, n)
	start := (r.next - n + len(r.items)) % max(len(r.items), 1)
	for i := range n {
		out[i] = r.items[(start+i)%len(r.items)]
	}
	return out
}

func (r *ring[T]) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	clear(r.items)
	r.next = 0
	r.full = false
}
