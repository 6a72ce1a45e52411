// Copyright 2018-2020 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package cache

import "github.com/nfachan/meticulous/internal/digest"

// HandleDeps is the capability a CacheHandle uses to feed
// IncrementRefcount/DecrementRefcount messages back into the Cache that
// minted it. Handles never hold a pointer to the Cache itself; the
// coupling is entirely through messages (spec.md §4.3, §9).
//
// The caller infrastructure that implements this must guarantee that no
// DecrementRefcount message is ever delivered to the Cache's inbox ahead
// of the IncrementRefcount it matches. A same-goroutine FIFO channel
// (see internal/dispatcher) satisfies this trivially.
type HandleDeps interface {
	Clone() HandleDeps
	SendIncrementRefcount(d digest.Digest)
	SendDecrementRefcount(d digest.Digest)
}

// Handle is an externally held reference bound to a specific digest and
// path. As long as at least one Handle (or a clone of it) is live, the
// Cache guarantees the directory at Path exists. Go has no destructors,
// so unlike the source's Drop-based CacheHandle, a Handle must be
// released explicitly by calling Release — see WithHandle for the
// common scope-bound case.
type Handle struct {
	deps   HandleDeps
	digest digest.Digest
	path   string
}

func newHandle(deps HandleDeps, d digest.Digest, path string) *Handle {
	return &Handle{deps: deps, digest: d, path: path}
}

// Path returns the directory this Handle keeps alive. It is guaranteed
// to exist for as long as this Handle or any of its clones does.
func (h *Handle) Path() string {
	return h.path
}

// Clone returns a new Handle sharing the same underlying directory,
// incrementing the Cache's refcount for it before the clone becomes
// observable to the caller.
func (h *Handle) Clone() *Handle {
	depsClone := h.deps.Clone()
	depsClone.SendIncrementRefcount(h.digest)
	return &Handle{deps: depsClone, digest: h.digest, path: h.path}
}

// Release gives up this Handle's claim on the directory. It must be
// called exactly once per Handle (including clones); calling it twice on
// the same Handle double-decrements the Cache's refcount, which the
// Cache treats as a fatal protocol violation (spec.md §7).
func (h *Handle) Release() {
	h.deps.SendDecrementRefcount(h.digest)
}

// WithHandle calls fn with h and releases h when fn returns, for the
// common case of a scope-bound use that has no equivalent to the
// source's Drop. It does not exist in the rust source, which needs no
// such helper.
func WithHandle(h *Handle, fn func(*Handle)) {
	defer h.Release()
	fn(h)
}
