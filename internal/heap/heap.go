// Copyright 2018-2020 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

// Package heap implements an ordered min-heap whose elements carry no
// priority or position of their own: both are owned by a caller-supplied
// table, reached through a narrow two-method capability. This keeps the
// heap's memory footprint to the element array alone and lets the
// table's entry remain the single source of truth for "is this digest
// in the heap, and where" (see internal/cache, whose CacheEntry.InHeap
// variant is exactly that source of truth).
package heap

// Index is the position of an element within the heap's backing array.
// The zero value is not meaningful on its own; it is only ever used as
// a placeholder until Push fixes it up via Deps.UpdateIndex (mirroring
// the source's HeapIndex::default() convention — see SPEC_FULL.md §9,
// Open Question 2).
type Index int

// Deps is the capability a Heap needs from whatever table owns the
// priorities of its elements. It never stores priorities itself.
type Deps[T any] interface {
	// Less reports whether lhs should sort before rhs, i.e. whether
	// lhs's priority is strictly smaller. Implementations look the
	// priority up in the table; it is a fatal error (by the table's own
	// contract, not the heap's) for an element not to be present.
	Less(lhs, rhs T) bool

	// UpdateIndex is called by the heap after every swap so the table's
	// own record of "where in the heap is this element" stays correct.
	UpdateIndex(elem T, idx Index)
}

// Heap is a binary min-heap over elements of type T. The zero value is
// an empty, usable heap.
type Heap[T any] struct {
	elems []T
}

// Len returns the number of elements currently in the heap.
func (h *Heap[T]) Len() int {
	return len(h.elems)
}

// Push inserts elem and restores the heap property by sifting up,
// updating the table's index pointer after every swap.
func (h *Heap[T]) Push(deps Deps[T], elem T) {
	idx := Index(len(h.elems))
	h.elems = append(h.elems, elem)
	deps.UpdateIndex(elem, idx)
	h.siftUp(deps, idx)
}

// Pop removes and returns the minimum-priority element, or ok=false if
// the heap is empty.
func (h *Heap[T]) Pop(deps Deps[T]) (elem T, ok bool) {
	n := len(h.elems)
	if n == 0 {
		return elem, false
	}
	top := h.elems[0]
	last := Index(n - 1)
	h.swap(deps, 0, last)
	h.elems = h.elems[:last]
	if last > 0 {
		h.siftDown(deps, 0)
	}
	return top, true
}

// Remove deletes the element currently at idx, restoring the heap
// property by sifting the element that took its place in whichever
// direction the heap property requires.
func (h *Heap[T]) Remove(deps Deps[T], idx Index) {
	last := Index(len(h.elems) - 1)
	if idx != last {
		h.swap(deps, idx, last)
	}
	h.elems = h.elems[:last]
	if idx < Index(len(h.elems)) {
		// The element swapped into idx may need to move either way.
		parent := parentOf(idx)
		if idx > 0 && deps.Less(h.elems[idx], h.elems[parent]) {
			h.siftUp(deps, idx)
		} else {
			h.siftDown(deps, idx)
		}
	}
}

func (h *Heap[T]) siftUp(deps Deps[T], idx Index) {
	for idx > 0 {
		parent := parentOf(idx)
		if !deps.Less(h.elems[idx], h.elems[parent]) {
			break
		}
		h.swap(deps, idx, parent)
		idx = parent
	}
}

func (h *Heap[T]) siftDown(deps Deps[T], idx Index) {
	n := Index(len(h.elems))
	for {
		left := idx*2 + 1
		right := idx*2 + 2
		smallest := idx
		if left < n && deps.Less(h.elems[left], h.elems[smallest]) {
			smallest = left
		}
		if right < n && deps.Less(h.elems[right], h.elems[smallest]) {
			smallest = right
		}
		if smallest == idx {
			break
		}
		h.swap(deps, idx, smallest)
		idx = smallest
	}
}

func (h *Heap[T]) swap(deps Deps[T], i, j Index) {
	h.elems[i], h.elems[j] = h.elems[j], h.elems[i]
	deps.UpdateIndex(h.elems[i], i)
	deps.UpdateIndex(h.elems[j], j)
}

func parentOf(idx Index) Index {
	return (idx - 1) / 2
}
