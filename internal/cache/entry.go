// Copyright 2018-2020 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package cache

import "github.com/nfachan/meticulous/internal/heap"

// state is one of the three variants of CacheEntry named in spec.md §3.
// Go has no tagged-union sum type, so entry carries all three variants'
// fields and a discriminant; only the fields documented for the current
// state are meaningful at any moment. Fields are unexported: nothing
// outside this package inspects an entry directly, only through the
// Cache's own transitions.
type state int

const (
	stateDownloadingAndExtracting state = iota
	stateInUse
	stateInHeap
)

type entry struct {
	state state

	// Valid only when state == stateDownloadingAndExtracting: the set of
	// requests waiting on this fetch.
	pending map[RequestID]struct{}

	// Valid when state == stateInUse or stateInHeap.
	bytesUsed uint64

	// Valid only when state == stateInUse. Always > 0; the transition to
	// zero immediately flips the entry to stateInHeap (spec.md §4.1).
	refcount uint32

	// Valid only when state == stateInHeap.
	priority  uint64
	heapIndex heap.Index
}
