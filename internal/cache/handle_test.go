// Copyright 2018-2020 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package cache

import (
	"testing"

	"github.com/nfachan/meticulous/internal/digest"
)

// recordingHandleDeps records every refcount message it's sent, letting a
// test assert the exact order Clone/Release emit them in without a live
// Cache behind them.
type recordingHandleDeps struct {
	events *[]string
}

func newRecordingHandleDeps() *recordingHandleDeps {
	events := []string{}
	return &recordingHandleDeps{events: &events}
}

func (d *recordingHandleDeps) Clone() HandleDeps {
	return &recordingHandleDeps{events: d.events}
}

func (d *recordingHandleDeps) SendIncrementRefcount(dg digest.Digest) {
	*d.events = append(*d.events, "increment:"+dg.String())
}

func (d *recordingHandleDeps) SendDecrementRefcount(dg digest.Digest) {
	*d.events = append(*d.events, "decrement:"+dg.String())
}

func digestN(n uint64) (d digest.Digest) {
	for i := 0; i < 8; i++ {
		d[digest.Size-1-i] = byte(n >> (8 * i))
	}
	return d
}

func assertEvents(t *testing.T, got []string, want []string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("expected %d events, got %d: %v", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d: expected %q, got %q (all: %v)", i, want[i], got[i], got)
		}
	}
}

func TestReleaseSendsExactlyOneDecrement(t *testing.T) {
	d42 := digestN(42)
	deps := newRecordingHandleDeps()
	h := newHandle(deps, d42, "/cache/root/sha256/"+d42.String())

	h.Release()

	assertEvents(t, *deps.events, []string{"decrement:" + d42.String()})
}

func TestCloneIncrementsBeforeReturningAndReleasesIndependently(t *testing.T) {
	d42 := digestN(42)
	deps := newRecordingHandleDeps()
	h := newHandle(deps, d42, "/cache/root/sha256/"+d42.String())

	clone := h.Clone()
	if clone.Path() != h.Path() {
		t.Fatalf("clone should share the original's path")
	}

	assertEvents(t, *deps.events, []string{"increment:" + d42.String()})

	h.Release()
	clone.Release()

	assertEvents(t, *deps.events, []string{
		"increment:" + d42.String(),
		"decrement:" + d42.String(),
		"decrement:" + d42.String(),
	})
}

func TestWithHandleReleasesEvenAfterFnReturns(t *testing.T) {
	d42 := digestN(42)
	deps := newRecordingHandleDeps()
	h := newHandle(deps, d42, "/cache/root/sha256/"+d42.String())

	var observedPath string
	WithHandle(h, func(inner *Handle) {
		observedPath = inner.Path()
	})

	if observedPath != h.Path() {
		t.Fatalf("fn should have observed the handle's path")
	}
	assertEvents(t, *deps.events, []string{"decrement:" + d42.String()})
}

func TestPathIsStableAcrossClones(t *testing.T) {
	d42 := digestN(42)
	deps := newRecordingHandleDeps()
	path := "/cache/root/sha256/" + d42.String()
	h := newHandle(deps, d42, path)

	clone := h.Clone()
	grandclone := clone.Clone()

	if clone.Path() != path || grandclone.Path() != path {
		t.Fatalf("every clone should report the same path")
	}

	h.Release()
	clone.Release()
	grandclone.Release()
}
