// Copyright 2018-2020 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

// Package cache implements the worker-side content-addressed artifact
// cache: the single-owner state machine described in spec.md §4.1. It
// manages a pool of extracted artifact directories on local disk,
// coordinates concurrent fetches for the same digest, reference-counts
// outstanding CacheHandles, and evicts least-recently-released entries
// under a soft byte budget.
//
// The Cache itself is strictly single-threaded and cooperative: all
// state mutation happens inside ReceiveMessage, which never suspends.
// Callers are responsible for serializing calls onto it — see
// internal/dispatcher for the channel-driven-loop realization of that
// requirement (spec.md §5, §9).
package cache

import (
	"path"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License

	golog "github.com/leaf-ai/go-service/pkg/log"
	"github.com/nfachan/meticulous/internal/digest"
	"github.com/nfachan/meticulous/internal/heap"
)

const (
	removingDirName = "removing"
	sha256DirName   = "sha256"
)

// entryTable is the map of digests to entries, wearing a second hat as
// the heap.Deps[digest.Digest] capability: it is the sole owner of each
// entry's priority and heap_index, which the heap itself never stores
// (spec.md §4.2, §9).
type entryTable map[digest.Digest]*entry

func (t entryTable) Less(lhs, rhs digest.Digest) bool {
	l, ok := t[lhs]
	if !ok || l.state != stateInHeap {
		panic(fatal("element should be in heap", "digest", lhs.String()))
	}
	r, ok := t[rhs]
	if !ok || r.state != stateInHeap {
		panic(fatal("element should be in heap", "digest", rhs.String()))
	}
	return l.priority < r.priority
}

func (t entryTable) UpdateIndex(elem digest.Digest, idx heap.Index) {
	e, ok := t[elem]
	if !ok || e.state != stateInHeap {
		panic(fatal("element should be in heap", "digest", elem.String()))
	}
	e.heapIndex = idx
}

// Cache manages a directory of downloaded, extracted artifacts,
// coordinating fetches and reclaiming space once it grows past its
// configured goal.
type Cache struct {
	root   string
	logger *golog.Logger

	entries entryTable
	heap    heap.Heap[digest.Digest]

	nextPriority  uint64
	bytesUsed     uint64
	bytesUsedGoal uint64
}

// New creates a Cache rooted at root. It ensures {root}/removing and
// {root}/sha256 exist, schedules background removal of anything left
// over in {root}/removing from a prior run, and discards any prior
// {root}/sha256 wholesale — the cache is reconstructed empty on every
// start (spec.md Non-goals; §4.1 construction sequence; §9 Open
// Question 3, preserved despite looking redundant with "no persistence").
//
// bytesUsedGoal is the soft on-disk budget: the cache will periodically
// exceed it but then shrinks back down. It is not a hard cap (spec.md §3).
func New(root string, deps Deps, bytesUsedGoal uint64, logger *golog.Logger) *Cache {
	removingPath := path.Join(root, removingDirName)
	deps.MkdirAll(removingPath)
	for _, child := range deps.ReadDir(removingPath) {
		deps.RemoveAllInBackground(path.Join(removingPath, child.Name()))
	}

	sha256Path := path.Join(root, sha256DirName)
	if deps.FileExists(sha256Path) {
		removeInBackground(deps, root, sha256Path)
	}
	deps.MkdirAll(sha256Path)

	logger.Info("cache constructed", "root", root, "bytes_used_goal", bytesUsedGoal)

	return &Cache{
		root:          root,
		logger:        logger,
		entries:       entryTable{},
		bytesUsedGoal: bytesUsedGoal,
	}
}

// BytesUsed returns the sum of bytesUsed across every InUse and InHeap
// entry. It never reflects entries still being downloaded and extracted
// (spec.md §3).
func (c *Cache) BytesUsed() uint64 {
	return c.bytesUsed
}

// EntryCount returns the number of digests currently known to the cache,
// in any state.
func (c *Cache) EntryCount() int {
	return len(c.entries)
}

// EntriesInUse returns the number of entries with at least one live
// Handle (state stateInUse). Used by internal/metrics.
func (c *Cache) EntriesInUse() int {
	n := 0
	for _, e := range c.entries {
		if e.state == stateInUse {
			n++
		}
	}
	return n
}

// EntriesInHeap returns the number of entries with zero live Handles,
// eligible for eviction (state stateInHeap). Used by internal/metrics.
func (c *Cache) EntriesInHeap() int {
	return c.heap.Len()
}

// ReceiveMessage processes a single Message to completion. It is not
// re-entrant: callers must guarantee only one ReceiveMessage call is ever
// in flight for a given Cache (spec.md §5).
func (c *Cache) ReceiveMessage(deps Deps, msg Message) {
	switch msg.Kind {
	case KindGetRequest:
		c.receiveGetRequest(deps, msg.RequestID, msg.Digest)
	case KindDownloadAndExtractCompleted:
		if msg.Err != nil {
			c.receiveDownloadAndExtractError(deps, msg.Digest)
		} else {
			c.receiveDownloadAndExtractSuccess(deps, msg.Digest, msg.BytesUsed)
		}
	case KindIncrementRefcount:
		c.receiveIncrementRefcount(msg.Digest)
	case KindDecrementRefcount:
		c.receiveDecrementRefcount(deps, msg.Digest)
	default:
		panic(fatal("unknown message kind", "kind", int(msg.Kind)))
	}
}

func (c *Cache) cachePath(d digest.Digest) string {
	return path.Join(c.root, sha256DirName, d.String())
}

func (c *Cache) sendGetCompletedSuccessfully(deps Deps, id RequestID, d digest.Digest) {
	deps.GetCompleted(id, newHandle(deps.HandleDeps(), d, c.cachePath(d)))
}

func (c *Cache) receiveGetRequest(deps Deps, id RequestID, d digest.Digest) {
	e, present := c.entries[d]
	if !present {
		deps.DownloadAndExtract(d, c.cachePath(d))
		c.entries[d] = &entry{
			state:   stateDownloadingAndExtracting,
			pending: map[RequestID]struct{}{id: {}},
		}
		return
	}

	switch e.state {
	case stateDownloadingAndExtracting:
		if _, dup := e.pending[id]; dup {
			panic(fatal("duplicate request id for in-flight fetch", "digest", d.String(), "request_id", uint64(id)))
		}
		e.pending[id] = struct{}{}

	case stateInUse:
		next, errGo := checkedAddU32(e.refcount, 1)
		if errGo != nil {
			panic(fatal("refcount overflow", "digest", d.String()))
		}
		e.refcount = next
		c.sendGetCompletedSuccessfully(deps, id, d)

	case stateInHeap:
		c.heap.Remove(c.entries, e.heapIndex)
		e.state = stateInUse
		e.refcount = 1
		c.sendGetCompletedSuccessfully(deps, id, d)

	default:
		panic(fatal("unreachable entry state", "digest", d.String()))
	}
}

func (c *Cache) receiveDownloadAndExtractError(deps Deps, d digest.Digest) {
	e, present := c.entries[d]
	if !present || e.state != stateDownloadingAndExtracting {
		panic(fatal("completion for digest not in DownloadingAndExtracting state", "digest", d.String()))
	}
	delete(c.entries, d)

	for id := range e.pending {
		deps.GetCompleted(id, nil)
	}

	cachePath := c.cachePath(d)
	if deps.FileExists(cachePath) {
		removeInBackground(deps, c.root, cachePath)
	}
}

func (c *Cache) receiveDownloadAndExtractSuccess(deps Deps, d digest.Digest, bytesUsed uint64) {
	e, present := c.entries[d]
	if !present || e.state != stateDownloadingAndExtracting {
		panic(fatal("completion for digest not in DownloadingAndExtracting state", "digest", d.String()))
	}

	// No cancellation is supported, so the pending set is never empty.
	if len(e.pending) == 0 {
		panic(fatal("fetch completed with no pending requests", "digest", d.String()))
	}

	for id := range e.pending {
		c.sendGetCompletedSuccessfully(deps, id, d)
	}

	refcount, errGo := checkedAddU32(0, uint32(len(e.pending)))
	if errGo != nil {
		panic(fatal("refcount overflow on fetch completion", "digest", d.String()))
	}

	e.state = stateInUse
	e.pending = nil
	e.bytesUsed = bytesUsed
	e.refcount = refcount

	newTotal, errGo := checkedAddU64(c.bytesUsed, bytesUsed)
	if errGo != nil {
		panic(fatal("bytes_used overflow", "digest", d.String()))
	}
	c.bytesUsed = newTotal

	c.possiblyRemoveSome(deps)
}

func (c *Cache) receiveIncrementRefcount(d digest.Digest) {
	e, present := c.entries[d]
	if !present || e.state != stateInUse {
		panic(fatal("IncrementRefcount against non-InUse entry", "digest", d.String()))
	}
	next, errGo := checkedAddU32(e.refcount, 1)
	if errGo != nil {
		panic(fatal("refcount overflow", "digest", d.String()))
	}
	e.refcount = next
}

func (c *Cache) receiveDecrementRefcount(deps Deps, d digest.Digest) {
	e, present := c.entries[d]
	if !present || e.state != stateInUse {
		panic(fatal("DecrementRefcount against non-InUse entry", "digest", d.String()))
	}

	e.refcount--
	if e.refcount > 0 {
		return
	}

	priority := c.nextPriority
	next, errGo := checkedAddU64(c.nextPriority, 1)
	if errGo != nil {
		panic(fatal("next_priority overflow", "digest", d.String()))
	}
	c.nextPriority = next

	e.state = stateInHeap
	e.priority = priority
	e.heapIndex = 0 // meaningless until Push fixes it; see SPEC_FULL.md §9.

	c.heap.Push(c.entries, d)
	c.possiblyRemoveSome(deps)
}

// possiblyRemoveSome is the eviction loop named in spec.md §4.1: while
// bytes_used exceeds the goal and the heap is non-empty, pop the
// minimum-priority (least-recently-released) digest and remove it.
// InUse entries are never touched; they aren't in the heap.
func (c *Cache) possiblyRemoveSome(deps Deps) {
	for c.bytesUsed > c.bytesUsedGoal {
		d, ok := c.heap.Pop(c.entries)
		if !ok {
			break
		}
		e, present := c.entries[d]
		if !present || e.state != stateInHeap {
			panic(fatal("entry popped off heap was in unexpected state", "digest", d.String()))
		}
		delete(c.entries, d)

		newTotal, errGo := checkedSubU64(c.bytesUsed, e.bytesUsed)
		if errGo != nil {
			panic(fatal("bytes_used underflow on eviction", "digest", d.String()))
		}
		c.bytesUsed = newTotal

		removeInBackground(deps, c.root, c.cachePath(d))
		c.logger.Debug("evicted cache entry", "digest", d.String(), "bytes_used", c.bytesUsed)
	}
}

// removeInBackground implements the move-then-remove idiom used for
// every deletion (spec.md §4.1): it picks a free name under
// {root}/removing by probing the RNG's output, atomically renames source
// there, and schedules recursive removal without blocking the caller.
func removeInBackground(deps Deps, root, source string) {
	removingPath := path.Join(root, removingDirName)
	var target string
	for {
		key := deps.Rng().Uint64()
		target = path.Join(removingPath, formatHex16(key))
		if !deps.FileExists(target) {
			break
		}
	}
	deps.Rename(source, target)
	deps.RemoveAllInBackground(target)
}

func fatal(msg string, kvs ...interface{}) kv.Error {
	return kv.NewError(msg).With(append(kvs, "stack", stack.Trace().TrimRuntime())...)
}
