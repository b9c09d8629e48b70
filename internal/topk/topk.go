// Package topk picks the best label out of a probability vector.
package topk

import (
	"container/heap"

	"github.com/braianuc/p3facereco/internal/labels"
	"github.com/braianuc/p3facereco/internal/types"
)

// DefaultResults is the bounded heap size.
const DefaultResults = 3

type entry struct {
	index int
	conf  float32
}

// minHeap keeps the weakest entry on top. On equal confidence the higher index
// is weaker, so the lower index survives.
type minHeap []entry

func (h minHeap) Len() int { return len(h) }
func (h minHeap) Less(i, j int) bool {
	if h[i].conf != h[j].conf {
		return h[i].conf < h[j].conf
	}
	return h[i].index > h[j].index
}
func (h minHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *minHeap) Push(x any)   { *h = append(*h, x.(entry)) }
func (h *minHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

// Select returns the highest-probability label. Only the first
// min(l.Len(), len(probs)) channels are considered. It returns false when there
// is nothing to choose from. Values are not clamped.
func Select(l *labels.List, probs []float32, k int) (types.Recognition, bool) {
	n := min(l.Len(), len(probs))
	if n == 0 {
		return types.Recognition{}, false
	}
	if k < 1 {
		k = 1
	}

	h := make(minHeap, 0, k+1)
	for i := 0; i < n; i++ {
		heap.Push(&h, entry{index: i, conf: probs[i]})
		if h.Len() > k {
			heap.Pop(&h)
		}
	}
	for h.Len() > 1 {
		heap.Pop(&h)
	}
	best := h[0]
	return types.Recognition{Label: l.At(best.index), Confidence: best.conf}, true
}
