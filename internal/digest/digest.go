// Copyright 2018-2020 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

// Package digest implements the content identifier used throughout the
// cache: a fixed-size cryptographic hash that names an artifact and, via
// its hex rendering, the directory it is extracted into.
package digest

import (
	"encoding/hex"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License
)

// Size is the number of bytes in a Digest (SHA-256).
const Size = 32

// Digest is a 256-bit content identifier. The zero value is not a valid
// digest for any artifact; it is only ever produced by decode failures.
type Digest [Size]byte

// String renders the digest as lower-case hex, zero-padded to 64
// characters, matching the on-disk directory naming convention.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// Less gives Digest a total order, used only by tests that want
// deterministic iteration; the cache itself never compares digests by
// order, only by equality (as map keys).
func (d Digest) Less(other Digest) bool {
	for i := range d {
		if d[i] != other[i] {
			return d[i] < other[i]
		}
	}
	return false
}

// Parse decodes a 64-character hex string into a Digest.
func Parse(s string) (d Digest, err kv.Error) {
	if len(s) != Size*2 {
		return d, kv.NewError("invalid digest length").With("value", s, "stack", stack.Trace().TrimRuntime())
	}
	raw, errGo := hex.DecodeString(s)
	if errGo != nil {
		return d, kv.Wrap(errGo).With("value", s, "stack", stack.Trace().TrimRuntime())
	}
	copy(d[:], raw)
	return d, nil
}

// FromBytes computes the Digest of a block of bytes already in memory.
// It is used by tests and by callers that have the whole artifact
// archive resident, as opposed to streaming it (see internal/artifact).
func FromBytes(b []byte) Digest {
	return sha256Sum(b)
}
