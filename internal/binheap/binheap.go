// Package binheap implements a generic binary min-heap keyed by a caller-supplied
// fire time, with an index callback so elements can be reordered or deleted in
// O(log n) instead of requiring a linear scan to find them first.
//
// Grounded on the container/heap.Interface shape used by aistore's LRU minHeap
// (ebc32006_eef808a24ff-aistore__lru-lru.go.go: Len/Less/Swap/Push/Pop over a
// slice sorted by access time), generalized with an index-set callback so the
// owning object always knows its own heap slot.
package binheap

// NOIDX is the sentinel index for an element that is not currently in a heap.
const NOIDX = -1

// Item is anything that can live in a Heap. Key returns the current fire
// time used for ordering (earlier fires first). SetIndex is invoked by the
// heap on every swap so the item always knows its own slot; the heap passes
// NOIDX when the item is removed.
type Item interface {
	Key() int64
	SetIndex(i int)
}

// Heap is a binary min-heap over Item, ordered by Key(). It is not
// internally synchronized: the spec requires callers to hold a dedicated
// timer mutex around every mutation (see the root-level Runtime wiring in
// expiry.Engine).
type Heap struct {
	items []Item
}

// New returns an empty heap.
func New() *Heap {
	return &Heap{}
}

// Len returns the number of items currently in the heap.
func (h *Heap) Len() int {
	return len(h.items)
}

// Peek returns the root item (earliest fire time) without removing it, or
// nil if the heap is empty.
func (h *Heap) Peek() Item {
	if len(h.items) == 0 {
		return nil
	}
	return h.items[0]
}

// Insert adds an item to the heap and restores heap order.
func (h *Heap) Insert(it Item) {
	h.items = append(h.items, it)
	i := len(h.items) - 1
	it.SetIndex(i)
	h.siftUp(i)
}

// Remove deletes the item at heap index i, restoring heap order. i must be
// a valid, current index (as last reported via SetIndex); removing with a
// stale index corrupts the heap.
func (h *Heap) Remove(i int) {
	n := len(h.items) - 1
	if i != n {
		h.swap(i, n)
		h.items[n].SetIndex(NOIDX)
		h.items = h.items[:n]
		h.siftDown(i)
		h.siftUp(i)
	} else {
		h.items[n].SetIndex(NOIDX)
		h.items = h.items[:n]
	}
}

// Pop removes and returns the root item, or nil if the heap is empty.
func (h *Heap) Pop() Item {
	if len(h.items) == 0 {
		return nil
	}
	it := h.items[0]
	h.Remove(0)
	return it
}

// Fix restores heap order after the key of the item at index i has changed
// in place. This is what backs the expiry engine's Rearm operation.
func (h *Heap) Fix(i int) {
	if !h.siftDown(i) {
		h.siftUp(i)
	}
}

func (h *Heap) siftUp(i int) {
	for i > 0 {
		parent := (i - 1) / 2
		if h.items[i].Key() >= h.items[parent].Key() {
			break
		}
		h.swap(i, parent)
		i = parent
	}
}

// siftDown returns true if it moved the element down at least one level.
func (h *Heap) siftDown(i int) bool {
	n := len(h.items)
	start := i
	for {
		left := 2*i + 1
		if left >= n {
			break
		}
		smallest := left
		if right := left + 1; right < n && h.items[right].Key() < h.items[left].Key() {
			smallest = right
		}
		if h.items[i].Key() <= h.items[smallest].Key() {
			break
		}
		h.swap(i, smallest)
		i = smallest
	}
	return i > start
}

func (h *Heap) swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.items[i].SetIndex(i)
	h.items[j].SetIndex(j)
}
