// Copyright 2018-2020 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package cache

import (
	cryptorand "crypto/rand"
	"encoding/binary"
	"io/fs"
	"math/rand/v2"
	"os"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License
)

// FSOps is the real, os-package-backed implementation of the
// filesystem-and-randomness half of Deps (file_exists, rename,
// mkdir_recursively, read_dir, remove_recursively_on_thread, rng).
// It deliberately does not implement DownloadAndExtract, GetCompleted,
// or HandleDeps: those are domain-specific and supplied by whoever
// embeds FSOps (see internal/dispatcher.Dispatcher), exactly the way the
// teacher's localstorage.go handles only the storage half of a larger
// interface.
//
// Every filesystem error panics with a wrapped kv.Error, matching
// spec.md §7's "filesystem errors raised by the dependency layer ...
// are fatal" and the teacher's universal kv.Wrap(...).With("stack", ...)
// convention.
type FSOps struct {
	rng *rand.Rand
}

// NewFSOps constructs an FSOps with its own PCG-seeded random source,
// seeded once from a crypto-random seed at construction time (spec.md
// §5: "the RNG is owned by the caller").
func NewFSOps() *FSOps {
	var seed [16]byte
	if _, errGo := cryptorand.Read(seed[:]); errGo != nil {
		panic(wrapFatal(errGo, "failed to seed cache rng"))
	}
	return &FSOps{
		rng: rand.New(rand.NewPCG(
			binary.LittleEndian.Uint64(seed[0:8]),
			binary.LittleEndian.Uint64(seed[8:16]),
		)),
	}
}

func (f *FSOps) FileExists(path string) bool {
	_, errGo := os.Lstat(path)
	if errGo == nil {
		return true
	}
	if os.IsNotExist(errGo) {
		return false
	}
	panic(wrapFatal(errGo, "file_exists failed", "path", path))
}

func (f *FSOps) Rename(source, destination string) {
	if errGo := os.Rename(source, destination); errGo != nil {
		panic(wrapFatal(errGo, "rename failed", "source", source, "destination", destination))
	}
}

func (f *FSOps) MkdirAll(path string) {
	if errGo := os.MkdirAll(path, 0o755); errGo != nil {
		panic(wrapFatal(errGo, "mkdir_recursively failed", "path", path))
	}
}

func (f *FSOps) ReadDir(path string) []fs.DirEntry {
	entries, errGo := os.ReadDir(path)
	if errGo != nil {
		panic(wrapFatal(errGo, "read_dir failed", "path", path))
	}
	return entries
}

func (f *FSOps) RemoveAllInBackground(path string) {
	go func() {
		if errGo := os.RemoveAll(path); errGo != nil {
			panic(wrapFatal(errGo, "remove_recursively failed", "path", path))
		}
	}()
}

func (f *FSOps) Rng() RandSource {
	return (*pcgSource)(f.rng)
}

type pcgSource rand.Rand

func (p *pcgSource) Uint64() uint64 {
	return (*rand.Rand)(p).Uint64()
}

func wrapFatal(errGo error, msg string, kvs ...interface{}) kv.Error {
	return kv.Wrap(errGo, msg).With(append(kvs, "stack", stack.Trace().TrimRuntime())...)
}
