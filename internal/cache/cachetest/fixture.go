// Copyright 2018-2020 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

// Package cachetest provides a scripted test harness for
// internal/cache.Cache, recording every call the Cache makes against a
// fake Deps so a test can assert the exact sequence (or unordered set)
// of operations a message produced. It plays the same role the source's
// own `#[cfg(test)] mod tests` fake CacheDeps and script_test! macro play
// for the rust cache: a FakeDeps that records an Op per call, and a
// Fixture that replays a message script against it.
package cachetest

import (
	"fmt"
	"io/fs"
	"reflect"
	"sort"
	"testing"

	"github.com/jjeffery/kv" // MIT License

	"github.com/nfachan/meticulous/internal/cache"
	"github.com/nfachan/meticulous/internal/digest"
	golog "github.com/leaf-ai/go-service/pkg/log"
)

// Op is one recorded call against FakeDeps, analogous to the source's
// TestMessage enum.
type Op struct {
	Name        string
	Path        string
	Source      string
	Destination string
	Digest      digest.Digest
	RequestID   cache.RequestID
}

func (o Op) String() string {
	switch o.Name {
	case "FileExists":
		return fmt.Sprintf("FileExists(%s)", o.Path)
	case "Rename":
		return fmt.Sprintf("Rename(%s, %s)", o.Source, o.Destination)
	case "RemoveRecursively":
		return fmt.Sprintf("RemoveRecursively(%s)", o.Path)
	case "MkdirRecursively":
		return fmt.Sprintf("MkdirRecursively(%s)", o.Path)
	case "ReadDir":
		return fmt.Sprintf("ReadDir(%s)", o.Path)
	case "DownloadAndExtract":
		return fmt.Sprintf("DownloadAndExtract(%s, %s)", o.Digest, o.Path)
	case "GetRequestSucceeded":
		return fmt.Sprintf("GetRequestSucceeded(%d, %s)", o.RequestID, o.Path)
	case "GetRequestFailed":
		return fmt.Sprintf("GetRequestFailed(%d)", o.RequestID)
	default:
		return o.Name
	}
}

// countingRNG hands out successive integers starting at 1, matching the
// source's CountingRng test double so that golden-path expectations
// (e.g. the first staging name is always 15 zeros followed by a 1) are
// reproducible across runs.
type countingRNG struct{ next uint64 }

func (r *countingRNG) Uint64() uint64 {
	r.next++
	return r.next
}

// FakeDeps is a fully in-memory cache.Deps that never touches a real
// filesystem. It records every call as an Op and lets a test pre-seed
// which paths already "exist" on the fake filesystem.
type FakeDeps struct {
	Ops           []Op
	ExistingFiles map[string]bool
	Directories   map[string][]string
	rng           countingRNG
	handleDeps    *fakeHandleDeps
}

// NewFakeDeps returns a ready-to-use FakeDeps with nothing pre-seeded.
func NewFakeDeps() *FakeDeps {
	return &FakeDeps{
		ExistingFiles: map[string]bool{},
		Directories:   map[string][]string{},
		handleDeps:    &fakeHandleDeps{},
	}
}

func (d *FakeDeps) FileExists(path string) bool {
	d.Ops = append(d.Ops, Op{Name: "FileExists", Path: path})
	return d.ExistingFiles[path]
}

func (d *FakeDeps) Rename(source, destination string) {
	d.Ops = append(d.Ops, Op{Name: "Rename", Source: source, Destination: destination})
}

func (d *FakeDeps) MkdirAll(path string) {
	d.Ops = append(d.Ops, Op{Name: "MkdirRecursively", Path: path})
}

func (d *FakeDeps) ReadDir(path string) []fs.DirEntry {
	d.Ops = append(d.Ops, Op{Name: "ReadDir", Path: path})
	children := d.Directories[path]
	entries := make([]fs.DirEntry, 0, len(children))
	for _, name := range children {
		entries = append(entries, fakeDirEntry(name))
	}
	return entries
}

// fakeDirEntry implements fs.DirEntry for a plain file name; none of the
// scenarios this harness drives care about file type or metadata, only
// the name (used to build the child's full path for
// RemoveAllInBackground).
type fakeDirEntry string

func (e fakeDirEntry) Name() string               { return string(e) }
func (e fakeDirEntry) IsDir() bool                { return false }
func (e fakeDirEntry) Type() fs.FileMode          { return 0 }
func (e fakeDirEntry) Info() (fs.FileInfo, error) { return nil, nil }

func (d *FakeDeps) RemoveAllInBackground(path string) {
	d.Ops = append(d.Ops, Op{Name: "RemoveRecursively", Path: path})
}

func (d *FakeDeps) DownloadAndExtract(dg digest.Digest, path string) {
	d.Ops = append(d.Ops, Op{Name: "DownloadAndExtract", Digest: dg, Path: path})
}

func (d *FakeDeps) GetCompleted(id cache.RequestID, h *cache.Handle) {
	if h == nil {
		d.Ops = append(d.Ops, Op{Name: "GetRequestFailed", RequestID: id})
		return
	}
	d.Ops = append(d.Ops, Op{Name: "GetRequestSucceeded", RequestID: id, Path: h.Path()})
}

func (d *FakeDeps) Rng() cache.RandSource {
	return &d.rng
}

func (d *FakeDeps) HandleDeps() cache.HandleDeps {
	return d.handleDeps
}

// SeedReadDir sets the children FakeDeps.ReadDir reports for path, e.g.
// for {root}/removing at construction time. FakeDeps.ReadDir
// always reports an empty directory by default (see Directories above,
// which New's caller can populate via SeedReadDir before constructing
// the Cache).
func (d *FakeDeps) SeedReadDir(path string, children []string) {
	d.Directories[path] = children
}

// fakeHandleDeps discards the refcount messages handles would emit; the
// cache's own tests exercise the handle protocol separately (see
// internal/cache's handle_test.go) and don't need FakeDeps to feed them
// back into a live Cache.
type fakeHandleDeps struct{}

func (*fakeHandleDeps) Clone() cache.HandleDeps                { return &fakeHandleDeps{} }
func (*fakeHandleDeps) SendIncrementRefcount(digest.Digest)     {}
func (*fakeHandleDeps) SendDecrementRefcount(digest.Digest)     {}

// Fixture bundles a Cache with the FakeDeps driving it, mirroring the
// source's test Fixture struct.
type Fixture struct {
	T     *testing.T
	Deps  *FakeDeps
	Cache *cache.Cache
}

// NewFixture constructs a Cache rooted at "/cache/root" with the given
// byte budget and clears the construction-time Ops so scripts start
// from a clean slate, matching the source's
// Fixture::new_and_clear_messages.
func NewFixture(t *testing.T, bytesUsedGoal uint64) *Fixture {
	t.Helper()
	deps := NewFakeDeps()
	logger := golog.NewLogger("cachetest")
	c := cache.New("/cache/root", deps, bytesUsedGoal, logger)
	deps.Ops = nil
	return &Fixture{T: t, Deps: deps, Cache: c}
}

// NewFixtureKeepingConstructionOps is for the handful of tests that
// assert on the exact sequence of operations New itself performs.
func NewFixtureKeepingConstructionOps(t *testing.T, bytesUsedGoal uint64, deps *FakeDeps) *Fixture {
	t.Helper()
	logger := golog.NewLogger("cachetest")
	c := cache.New("/cache/root", deps, bytesUsedGoal, logger)
	return &Fixture{T: t, Deps: deps, Cache: c}
}

// Send delivers msg to the Cache and returns (and clears) the Ops it
// produced.
func (f *Fixture) Send(msg cache.Message) []Op {
	f.T.Helper()
	f.Cache.ReceiveMessage(f.Deps, msg)
	ops := f.Deps.Ops
	f.Deps.Ops = nil
	return ops
}

// ExpectInAnyOrder asserts that the Ops produced by the last Send match
// expected as a set (order-independent), mirroring the source's
// expect_messages_in_any_order.
func (f *Fixture) ExpectInAnyOrder(got []Op, expected []Op) {
	f.T.Helper()
	if len(got) != len(expected) {
		f.T.Fatalf("expected %d ops, got %d\nexpected: %v\ngot: %v", len(expected), len(got), expected, got)
	}
	sortedGot := append([]Op{}, got...)
	sortedExpected := append([]Op{}, expected...)
	byString := func(ops []Op) {
		sort.Slice(ops, func(i, j int) bool { return ops[i].String() < ops[j].String() })
	}
	byString(sortedGot)
	byString(sortedExpected)
	if !reflect.DeepEqual(sortedGot, sortedExpected) {
		f.T.Fatalf("ops didn't match in any order\nexpected: %v\ngot: %v", expected, got)
	}
}

// ExpectInOrder asserts that the Ops produced by the last Send match
// expected exactly, in order.
func (f *Fixture) ExpectInOrder(got []Op, expected []Op) {
	f.T.Helper()
	if !reflect.DeepEqual(got, expected) {
		f.T.Fatalf("ops didn't match in order\nexpected: %v\ngot: %v", expected, got)
	}
}

// DigestN builds a Digest whose low 8 bytes hold n and whose remaining
// bytes are zero, mirroring the source test suite's `digest!` macro
// (Sha256Digest::from(n as u64)) so expected paths like
// ".../sha256/{0*62}2a" stay readable in test code.
func DigestN(n uint64) (d digest.Digest) {
	for i := 0; i < 8; i++ {
		d[digest.Size-1-i] = byte(n >> (8 * i))
	}
	return d
}

// Failed builds an Op-comparable kv.Error for DownloadAndExtractFailed
// scenarios; its contents never appear in expectations since
// DownloadAndExtractCompleted's error is never itself recorded as an Op.
func Failed(msg string) kv.Error {
	return kv.NewError(msg)
}

// ShortHex renders n as the 16-hex-digit name removeInBackground would
// pick from a countingRNG on its n'th call.
func ShortHex(n uint64) string {
	return fmt.Sprintf("%016x", n)
}

// ArtifactPath builds the on-disk path for digest d under root.
func ArtifactPath(root string, d digest.Digest) string {
	return root + "/sha256/" + d.String()
}

// RemovingPath builds the staging path for the n'th name a countingRNG
// would produce, under root.
func RemovingPath(root string, n uint64) string {
	return root + "/removing/" + ShortHex(n)
}
