package reconciler

import (
	"HeavySpectra/internal/model"
	"container/heap"
	"slices"
)

// ranksBelow orders exact entries: higher count first, then item ascending.
func ranksBelow(a, b model.Entry) bool {
	if a.Count != b.Count {
		return a.Count < b.Count
	}
	return a.Item > b.Item
}

// entryHeap is a min-heap on rank; the root is the weakest kept entry.
type entryHeap []model.Entry

func (h entryHeap) Len() int           { return len(h) }
func (h entryHeap) Less(i, j int) bool { return ranksBelow(h[i], h[j]) }
func (h entryHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *entryHeap) Push(x any)        { *h = append(*h, x.(model.Entry)) }
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// ExactTopK selects the k highest counts, ties broken by lexicographic item
// order. It is a pure function of its input: the same window always yields
// the same ordering.
func ExactTopK(counts map[string]uint64, k int) []model.Entry {
	if k <= 0 || len(counts) == 0 {
		return []model.Entry{}
	}
	h := make(entryHeap, 0, min(k, len(counts)))
	for item, n := range counts {
		e := model.Entry{Item: item, Count: n, Source: model.SourceExact}
		if h.Len() < k {
			heap.Push(&h, e)
			continue
		}
		if ranksBelow(h[0], e) {
			h[0] = e
			heap.Fix(&h, 0)
		}
	}
	out := []model.Entry(h)
	slices.SortFunc(out, func(a, b model.Entry) int {
		switch {
		case ranksBelow(b, a):
			return -1
		case ranksBelow(a, b):
			return 1
		default:
			return 0
		}
	})
	return out
}
