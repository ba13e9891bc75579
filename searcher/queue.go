// Package searcher provides the bounded priority queue used by the
// similarity index to keep the k best candidates during a scan.
package searcher

import (
	"github.com/facekit/facematch/core"
)

// Item represents an entry in the priority queue.
// Value-based (no pointers) for cache locality and zero allocations.
type Item struct {
	ID         core.VectorID
	Similarity float32
}

// TopK is a min-heap on similarity bounded to a fixed capacity.
// Pushing into a full heap replaces the current worst candidate when the
// new one is better, so the heap always holds the k highest similarities
// seen so far.
type TopK struct {
	k     int
	items []Item
}

// NewTopK creates a bounded heap holding at most k items.
func NewTopK(k int) *TopK {
	return &TopK{
		k:     k,
		items: make([]Item, 0, k),
	}
}

// Len returns the number of items currently held.
func (q *TopK) Len() int { return len(q.items) }

// Worst returns the lowest similarity currently held and whether the
// heap is non-empty.
func (q *TopK) Worst() (float32, bool) {
	if len(q.items) == 0 {
		return 0, false
	}
	return q.items[0].Similarity, true
}

// Full reports whether the heap has reached capacity.
func (q *TopK) Full() bool { return len(q.items) >= q.k }

// Push inserts an item, evicting the worst one if the heap is full and the
// new item beats it. Items at or below the current worst are skipped when
// full, keeping the hot path allocation-free.
func (q *TopK) Push(item Item) {
	if len(q.items) < q.k {
		q.items = append(q.items, item)
		q.siftUp(len(q.items) - 1)
		return
	}
	if item.Similarity <= q.items[0].Similarity {
		return
	}
	q.items[0] = item
	q.siftDown(0)
}

// Drain removes and returns all items sorted by descending similarity.
// The heap is empty afterwards.
func (q *TopK) Drain() []Item {
	out := make([]Item, len(q.items))
	for i := len(q.items) - 1; i >= 0; i-- {
		out[i] = q.pop()
	}
	return out
}

// pop removes and returns the worst item. Caller checks emptiness.
func (q *TopK) pop() Item {
	top := q.items[0]
	last := len(q.items) - 1
	q.items[0] = q.items[last]
	q.items = q.items[:last]
	if last > 0 {
		q.siftDown(0)
	}
	return top
}

func (q *TopK) siftUp(i int) {
	for i > 0 {
		parent := (i - 1) / 2
		if q.items[i].Similarity >= q.items[parent].Similarity {
			break
		}
		q.items[i], q.items[parent] = q.items[parent], q.items[i]
		i = parent
	}
}

func (q *TopK) siftDown(i int) {
	n := len(q.items)
	for {
		left := 2*i + 1
		if left >= n {
			break
		}
		smallest := left
		if right := left + 1; right < n && q.items[right].Similarity < q.items[left].Similarity {
			smallest = right
		}
		if q.items[i].Similarity <= q.items[smallest].Similarity {
			break
		}
		q.items[i], q.items[smallest] = q.items[smallest], q.items[i]
		i = smallest
	}
}
