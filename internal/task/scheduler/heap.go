package scheduler

import "container/heap"

// itemHeap orders by instant, then kind (fires before pre-generation
// triggers at the same instant), then insertion order.
type itemHeap []*item

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if !a.at.Equal(b.at) {
		return a.at.Before(b.at)
	}
	if a.kind != b.kind {
		return a.kind < b.kind
	}
	return a.seq < b.seq
}

func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *itemHeap) Push(x any) { *h = append(*h, x.(*item)) }

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

func (h *itemHeap) push(it *item) { heap.Push(h, it) }

func (h *itemHeap) pop() *item { return heap.Pop(h).(*item) }

func (h itemHeap) peek() *item {
	if len(h) == 0 {
		return nil
	}
	return h[0]
}
