// Copyright 2018-2020 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package cache

import (
	"errors"
	"fmt"
	"math"
)

// These mirror the source's use of checked arithmetic: next_priority,
// bytes_used, and refcount all use Rust's checked_add/checked_sub, and
// overflow is documented as a fatal, unreachable condition given a
// 64-bit (or 32-bit) counter (spec.md §3, §7). Go has no built-in
// checked arithmetic, so the checks are done by hand at the one or two
// call sites that need them.

var errOverflow = errors.New("arithmetic overflow")

func checkedAddU64(a, b uint64) (uint64, error) {
	if a > math.MaxUint64-b {
		return 0, errOverflow
	}
	return a + b, nil
}

func checkedSubU64(a, b uint64) (uint64, error) {
	if b > a {
		return 0, errOverflow
	}
	return a - b, nil
}

func checkedAddU32(a, b uint32) (uint32, error) {
	if a > math.MaxUint32-b {
		return 0, errOverflow
	}
	return a + b, nil
}

func formatHex16(v uint64) string {
	return fmt.Sprintf("%016x", v)
}
