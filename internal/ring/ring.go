package ring

// Buffer keeps the most recent values up to a fixed capacity.
// It is not safe for concurrent use; callers own it from one goroutine.
type Buffer[T any] struct {
	items []T
	start int
	size  int
}

// New creates a buffer holding at most capacity values. A capacity below
// one is treated as one.
func New[T any](capacity int) *Buffer[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Buffer[T]{items: make([]T, capacity)}
}

// Push appends v, overwriting the oldest value when full
func (b *Buffer[T]) Push(v T) {
	idx := (b.start + b.size) % len(b.items)
	b.items[idx] = v
	if b.size < len(b.items) {
		b.size++
		return
	}
	b.start = (b.start + 1) % len(b.items)
}

// Len returns the number of stored values
func (b *Buffer[T]) Len() int { return b.size }

// Cap returns the buffer capacity
func (b *Buffer[T]) Cap() int { return len(b.items) }

// Values returns the stored values, oldest first
func (b *Buffer[T]) Values() []T {
	out := make([]T, b.size)
	for i := 0; i < b.size; i++ {
		out[i] = b.items[(b.start+i)%len(b.items)]
	}
	return out
}

// Last returns up to n of the newest values, oldest first.
// n <= 0 returns everything.
func (b *Buffer[T]) Last(n int) []T {
	all := b.Values()
	if n <= 0 || n >= len(all) {
		return all
	}
	return all[len(all)-n:]
}
