package jitter

// item wraps an [Entry] with scheduling metadata for the priority queue. The
// seq field provides FIFO ordering between entries of equal PTS.
type item struct {
	entry Entry
	seq   uint64 // monotonic insertion order for FIFO tie-breaking
}

// entryHeap implements [container/heap.Interface] as a min-heap ordered by
// PTS (ascending), with FIFO tie-breaking on seq (ascending).
type entryHeap []item

func (h entryHeap) Len() int { return len(h) }

// Less reports whether element i should be played before element j.
func (h entryHeap) Less(i, j int) bool {
	if h[i].entry.PTS != h[j].entry.PTS {
		return h[i].entry.PTS < h[j].entry.PTS
	}
	return h[i].seq < h[j].seq
}

func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

// Push appends x to the heap. Called by [container/heap.Push]; callers must
// not invoke this directly.
func (h *entryHeap) Push(x any) {
	*h = append(*h, x.(item))
}

// Pop removes and returns the last element. Called by [container/heap.Pop];
// callers must not invoke this directly.
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = item{}
	*h = old[:n-1]
	return it
}
