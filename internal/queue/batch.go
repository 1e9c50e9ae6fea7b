package queue

import "container/heap"

// boundedHeap keeps the best `limit` values pushed into it, where best means
// less(a, b) == true for a before b. The root is the worst retained value so it can
// be evicted in O(log n).
type boundedHeap[T any] struct {
	items []T
	less  func(a, b T) bool
	limit int
}

func newBoundedHeap[T any](limit int, less func(a, b T) bool) *boundedHeap[T] {
	h := &boundedHeap[T]{less: less, limit: limit}
	heap.Init(h)
	return h
}

func (h *boundedHeap[T]) Len() int           { return len(h.items) }
func (h *boundedHeap[T]) Less(i, j int) bool { return h.less(h.items[j], h.items[i]) }
func (h *boundedHeap[T]) Swap(i, j int)      { h.items[i], h.items[j] = h.items[j], h.items[i] }

func (h *boundedHeap[T]) Push(x any) {
	h.items = append(h.items, x.(T))
}

func (h *boundedHeap[T]) Pop() any {
	old := h.items
	n := len(old)
	item := old[n-1]
	var zero T
	old[n-1] = zero
	h.items = old[:n-1]
	return item
}

// Offer adds v when there is room or when v beats the worst retained value
func (h *boundedHeap[T]) Offer(v T) {
	if h.limit <= 0 {
		return
	}
	if h.Len() < h.limit {
		heap.Push(h, v)
		return
	}
	if h.less(v, h.items[0]) {
		h.items[0] = v
		heap.Fix(h, 0)
	}
}

// Drain returns the retained values ordered best first and empties the heap
func (h *boundedHeap[T]) Drain() []T {
	out := make([]T, h.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(h).(T)
	}
	return out
}
