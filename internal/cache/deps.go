// Copyright 2018-2020 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package cache

import (
	"io/fs"

	"github.com/jjeffery/kv" // MIT License

	"github.com/nfachan/meticulous/internal/digest"
)

// RequestID associates a GetRequest with the eventual Deps.GetCompleted
// call made in response to it. Generating unique values is the caller's
// concern; the cache tolerates duplicates but callers would likely be
// confused if they used them (spec.md §3).
type RequestID uint64

// Message is the sum type consumed one at a time by Cache.ReceiveMessage.
// It is implemented as a tagged struct rather than an interface hierarchy:
// exactly one of the four Kind values is meaningful for any given
// Message, matching the narrow four-case union in the source.
type Message struct {
	Kind Kind

	// Set for KindGetRequest.
	RequestID RequestID
	// Set for every Kind.
	Digest digest.Digest

	// Set for KindDownloadAndExtractCompleted.
	BytesUsed uint64
	Err       kv.Error
}

// Kind enumerates the four inbound message kinds (spec.md §4.1).
type Kind int

const (
	KindGetRequest Kind = iota
	KindDownloadAndExtractCompleted
	KindIncrementRefcount
	KindDecrementRefcount
)

// GetRequest builds a Message requesting a CacheHandle for digest d.
func GetRequest(id RequestID, d digest.Digest) Message {
	return Message{Kind: KindGetRequest, RequestID: id, Digest: d}
}

// DownloadAndExtractSucceeded builds a Message reporting that the
// background fetch for d finished, having written bytesUsed bytes.
func DownloadAndExtractSucceeded(d digest.Digest, bytesUsed uint64) Message {
	return Message{Kind: KindDownloadAndExtractCompleted, Digest: d, BytesUsed: bytesUsed}
}

// DownloadAndExtractFailed builds a Message reporting that the
// background fetch for d failed with err.
func DownloadAndExtractFailed(d digest.Digest, err kv.Error) Message {
	return Message{Kind: KindDownloadAndExtractCompleted, Digest: d, Err: err}
}

// IncrementRefcount builds a Message raising the live-handle count for d.
func IncrementRefcount(d digest.Digest) Message {
	return Message{Kind: KindIncrementRefcount, Digest: d}
}

// DecrementRefcount builds a Message lowering the live-handle count for d.
func DecrementRefcount(d digest.Digest) Message {
	return Message{Kind: KindDecrementRefcount, Digest: d}
}

// Deps is everything the Cache needs from its caller in order to act.
// Every method here corresponds 1:1 to an outbound dependency operation
// named in spec.md §6; the Cache never touches the filesystem, a
// downloader, or a random source except through this interface.
type Deps interface {
	// FileExists reports whether path exists (file, directory, or
	// symlink). Implementations panic on filesystem error; there is no
	// recoverable path for "the filesystem itself is broken" (spec.md §7).
	FileExists(path string) bool

	// Rename atomically moves source to destination. Both must be on the
	// same filesystem and destination's parent must already exist.
	Rename(source, destination string)

	// MkdirAll ensures path and all missing ancestors exist as
	// directories.
	MkdirAll(path string)

	// ReadDir enumerates the children of path, returning their base
	// names (not full paths). path must exist and be a directory.
	ReadDir(path string) []fs.DirEntry

	// RemoveAllInBackground removes path and, if it is a directory, all
	// of its descendants, without blocking the caller. The Cache never
	// observes completion.
	RemoveAllInBackground(path string)

	// DownloadAndExtract fetches and unpacks digest into path. path's
	// parent exists but path itself does not. Exactly one
	// DownloadAndExtractCompleted Message for this digest must
	// eventually be delivered back to the Cache's inbox.
	DownloadAndExtract(d digest.Digest, path string)

	// GetCompleted is the Cache's sole channel for returning a result to
	// a caller that issued a GetRequest. handle is nil on failure.
	GetCompleted(id RequestID, h *Handle)

	// Rng returns a source of 64-bit random words, used only to name
	// staging directories under removing/.
	Rng() RandSource

	// HandleDeps returns the capability cloned into every CacheHandle
	// minted by the cache, so handles can emit refcount messages of
	// their own independent of this Deps value's lifetime.
	HandleDeps() HandleDeps
}

// RandSource is the narrow randomness capability the Cache needs: one
// 64-bit word at a time, nothing richer.
type RandSource interface {
	Uint64() uint64
}
