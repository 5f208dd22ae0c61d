package baseline

// Window is a fixed-capacity circular buffer. Pushing into a full window
// evicts the oldest value.
type Window[T any] struct {
	items []T
	next  int
	full  bool
}

// NewWindow creates a window holding at most capacity values
func NewWindow[T any](capacity int) *Window[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Window[T]{items: make([]T, capacity)}
}

// Push appends v
func (w *Window[T]) Push(v T) {
	w.items[w.next] = v
	w.next = (w.next + 1) % len(w.items)
	if w.next == 0 {
		w.full = true
	}
}

// Len returns the number of stored values
func (w *Window[T]) Len() int {
	if w.full {
		return len(w.items)
	}
	return w.next
}

// Cap returns the window capacity
func (w *Window[T]) Cap() int {
	return len(w.items)
}

// Values returns the stored values, oldest first
func (w *Window[T]) Values() []T {
	if !w.full {
		return append([]T(nil), w.items[:w.next]...)
	}
	out := make([]T, 0, len(w.items))
	out = append(out, w.items[w.next:]...)
	return append(out, w.items[:w.next]...)
}
