package cache_test

// This file exercises the scripted scenarios from spec.md §8 against a
// fully in-memory cache.Deps, following the same in-order/any-order
// expectation style as the rust source's own script_test! suite.

import (
	"testing"

	"github.com/nfachan/meticulous/internal/cache"
	"github.com/nfachan/meticulous/internal/cache/cachetest"
)

func TestGetRequestForEmptyFetchSucceeds(t *testing.T) {
	f := cachetest.NewFixture(t, 1000)
	d42 := cachetest.DigestN(42)

	ops := f.Send(cache.GetRequest(1, d42))
	f.ExpectInAnyOrder(ops, []cachetest.Op{
		{Name: "DownloadAndExtract", Digest: d42, Path: cachetest.ArtifactPath("/cache/root", d42)},
	})

	ops = f.Send(cache.DownloadAndExtractSucceeded(d42, 100))
	f.ExpectInAnyOrder(ops, []cachetest.Op{
		{Name: "GetRequestSucceeded", RequestID: 1, Path: cachetest.ArtifactPath("/cache/root", d42)},
	})

	if f.Cache.BytesUsed() != 100 {
		t.Fatalf("expected bytes_used == 100, got %d", f.Cache.BytesUsed())
	}
}

func TestOversizedFetchReleasesImmediatelyOnDecrement(t *testing.T) {
	f := cachetest.NewFixture(t, 1000)
	d42 := cachetest.DigestN(42)

	f.Send(cache.GetRequest(1, d42))
	f.Send(cache.DownloadAndExtractSucceeded(d42, 10000))

	ops := f.Send(cache.DecrementRefcount(d42))
	f.ExpectInAnyOrder(ops, []cachetest.Op{
		{Name: "FileExists", Path: cachetest.RemovingPath("/cache/root", 1)},
		{Name: "Rename", Source: cachetest.ArtifactPath("/cache/root", d42), Destination: cachetest.RemovingPath("/cache/root", 1)},
		{Name: "RemoveRecursively", Path: cachetest.RemovingPath("/cache/root", 1)},
	})

	if f.Cache.BytesUsed() != 0 {
		t.Fatalf("expected bytes_used == 0 after eviction, got %d", f.Cache.BytesUsed())
	}
}

func TestOversizedFetchDoesNotEvictUntilRefcountZero(t *testing.T) {
	f := cachetest.NewFixture(t, 1000)
	d42 := cachetest.DigestN(42)

	f.Send(cache.GetRequest(1, d42))
	f.Send(cache.DownloadAndExtractSucceeded(d42, 10000))

	for _, msg := range []cache.Message{
		cache.IncrementRefcount(d42),
		cache.DecrementRefcount(d42),
		cache.IncrementRefcount(d42),
		cache.IncrementRefcount(d42),
		cache.DecrementRefcount(d42),
		cache.DecrementRefcount(d42),
	} {
		ops := f.Send(msg)
		if len(ops) != 0 {
			t.Fatalf("expected no ops while refcount > 0, got %v", ops)
		}
	}

	ops := f.Send(cache.DecrementRefcount(d42))
	if len(ops) != 3 {
		t.Fatalf("expected eviction ops on the refcount's final decrement, got %v", ops)
	}
}

func TestEntriesAreRemovedInLRUOrder(t *testing.T) {
	f := cachetest.NewFixture(t, 10)

	fetchAndRelease := func(id cache.RequestID, n uint64, bytesUsed uint64) []cachetest.Op {
		d := cachetest.DigestN(n)
		f.Send(cache.GetRequest(id, d))
		ops := f.Send(cache.DownloadAndExtractSucceeded(d, bytesUsed))
		f.Send(cache.DecrementRefcount(d))
		return ops
	}

	fetchAndRelease(1, 1, 4)
	fetchAndRelease(2, 2, 4)
	ops := fetchAndRelease(3, 3, 4)

	f.ExpectInAnyOrder(ops, []cachetest.Op{
		{Name: "GetRequestSucceeded", RequestID: 3, Path: cachetest.ArtifactPath("/cache/root", cachetest.DigestN(3))},
		{Name: "FileExists", Path: cachetest.RemovingPath("/cache/root", 1)},
		{Name: "Rename", Source: cachetest.ArtifactPath("/cache/root", cachetest.DigestN(1)), Destination: cachetest.RemovingPath("/cache/root", 1)},
		{Name: "RemoveRecursively", Path: cachetest.RemovingPath("/cache/root", 1)},
	})

	ops = fetchAndRelease(4, 4, 4)
	f.ExpectInAnyOrder(ops, []cachetest.Op{
		{Name: "GetRequestSucceeded", RequestID: 4, Path: cachetest.ArtifactPath("/cache/root", cachetest.DigestN(4))},
		{Name: "FileExists", Path: cachetest.RemovingPath("/cache/root", 2)},
		{Name: "Rename", Source: cachetest.ArtifactPath("/cache/root", cachetest.DigestN(2)), Destination: cachetest.RemovingPath("/cache/root", 2)},
		{Name: "RemoveRecursively", Path: cachetest.RemovingPath("/cache/root", 2)},
	})
}

func TestLRUOrderAugmentedByLastUse(t *testing.T) {
	f := cachetest.NewFixture(t, 10)
	d1, d2, d3, d4 := cachetest.DigestN(1), cachetest.DigestN(2), cachetest.DigestN(3), cachetest.DigestN(4)

	f.Send(cache.GetRequest(1, d1))
	f.Send(cache.DownloadAndExtractSucceeded(d1, 3))
	f.Send(cache.GetRequest(2, d2))
	f.Send(cache.DownloadAndExtractSucceeded(d2, 3))
	f.Send(cache.GetRequest(3, d3))
	f.Send(cache.DownloadAndExtractSucceeded(d3, 3))

	// Released in the order 3, 2, 1: that makes d3 the *lowest* priority
	// (released first), so it is evicted first despite being the most
	// recently fetched.
	f.Send(cache.DecrementRefcount(d3))
	f.Send(cache.DecrementRefcount(d2))
	f.Send(cache.DecrementRefcount(d1))

	f.Send(cache.GetRequest(4, d4))
	ops := f.Send(cache.DownloadAndExtractSucceeded(d4, 3))

	f.ExpectInAnyOrder(ops, []cachetest.Op{
		{Name: "GetRequestSucceeded", RequestID: 4, Path: cachetest.ArtifactPath("/cache/root", d4)},
		{Name: "FileExists", Path: cachetest.RemovingPath("/cache/root", 1)},
		{Name: "Rename", Source: cachetest.ArtifactPath("/cache/root", d3), Destination: cachetest.RemovingPath("/cache/root", 1)},
		{Name: "RemoveRecursively", Path: cachetest.RemovingPath("/cache/root", 1)},
	})
}

func TestMultipleGetRequestsForEmptyCoalesceOntoOneFetch(t *testing.T) {
	f := cachetest.NewFixture(t, 1000)
	d42 := cachetest.DigestN(42)

	ops := f.Send(cache.GetRequest(1, d42))
	f.ExpectInAnyOrder(ops, []cachetest.Op{
		{Name: "DownloadAndExtract", Digest: d42, Path: cachetest.ArtifactPath("/cache/root", d42)},
	})

	for _, id := range []cache.RequestID{2, 3} {
		ops = f.Send(cache.GetRequest(id, d42))
		if len(ops) != 0 {
			t.Fatalf("expected a coalesced GetRequest to produce no ops, got %v", ops)
		}
	}

	ops = f.Send(cache.DownloadAndExtractSucceeded(d42, 100))
	f.ExpectInAnyOrder(ops, []cachetest.Op{
		{Name: "GetRequestSucceeded", RequestID: 1, Path: cachetest.ArtifactPath("/cache/root", d42)},
		{Name: "GetRequestSucceeded", RequestID: 2, Path: cachetest.ArtifactPath("/cache/root", d42)},
		{Name: "GetRequestSucceeded", RequestID: 3, Path: cachetest.ArtifactPath("/cache/root", d42)},
	})
}

func TestGetRequestForInUseEntryIsSynchronous(t *testing.T) {
	f := cachetest.NewFixture(t, 10)
	d42 := cachetest.DigestN(42)

	f.Send(cache.GetRequest(1, d42))
	f.Send(cache.DownloadAndExtractSucceeded(d42, 100))

	ops := f.Send(cache.GetRequest(2, d42))
	f.ExpectInAnyOrder(ops, []cachetest.Op{
		{Name: "GetRequestSucceeded", RequestID: 2, Path: cachetest.ArtifactPath("/cache/root", d42)},
	})

	f.Send(cache.DecrementRefcount(d42))
	ops = f.Send(cache.DecrementRefcount(d42))
	if len(ops) != 3 {
		t.Fatalf("expected eviction on the last decrement, got %v", ops)
	}
}

func TestGetRequestForCachedEntryEmitsNoDownloadAndDelaysEviction(t *testing.T) {
	f := cachetest.NewFixture(t, 100)
	d42, d43 := cachetest.DigestN(42), cachetest.DigestN(43)

	f.Send(cache.GetRequest(1, d42))
	f.Send(cache.DownloadAndExtractSucceeded(d42, 10))
	f.Send(cache.DecrementRefcount(d42))

	// d42 is now InHeap. Getting it again must not re-download.
	ops := f.Send(cache.GetRequest(2, d42))
	f.ExpectInAnyOrder(ops, []cachetest.Op{
		{Name: "GetRequestSucceeded", RequestID: 2, Path: cachetest.ArtifactPath("/cache/root", d42)},
	})
	for _, op := range ops {
		if op.Name == "DownloadAndExtract" {
			t.Fatal("GetRequest for an InHeap entry must not call DownloadAndExtract")
		}
	}

	f.Send(cache.GetRequest(3, d43))
	f.Send(cache.DownloadAndExtractSucceeded(d43, 100))

	// Even though bytes_used now exceeds the goal, d42 is InUse
	// (refcount 1) and must not be evicted until its own decrement.
	ops = f.Send(cache.DecrementRefcount(d42))
	f.ExpectInAnyOrder(ops, []cachetest.Op{
		{Name: "FileExists", Path: cachetest.RemovingPath("/cache/root", 1)},
		{Name: "Rename", Source: cachetest.ArtifactPath("/cache/root", d42), Destination: cachetest.RemovingPath("/cache/root", 1)},
		{Name: "RemoveRecursively", Path: cachetest.RemovingPath("/cache/root", 1)},
	})
}

func TestFetchFailureWithNoPartialFilesJustNotifies(t *testing.T) {
	f := cachetest.NewFixture(t, 1000)
	d42 := cachetest.DigestN(42)

	f.Send(cache.GetRequest(1, d42))
	ops := f.Send(cache.DownloadAndExtractFailed(d42, cachetest.Failed("download failed")))
	f.ExpectInAnyOrder(ops, []cachetest.Op{
		{Name: "FileExists", Path: cachetest.ArtifactPath("/cache/root", d42)},
		{Name: "GetRequestFailed", RequestID: 1},
	})
}

func TestFetchFailureWithPartialFilesSweepsThemAside(t *testing.T) {
	f := cachetest.NewFixture(t, 1000)
	d42 := cachetest.DigestN(42)
	f.Deps.ExistingFiles[cachetest.ArtifactPath("/cache/root", d42)] = true

	f.Send(cache.GetRequest(1, d42))
	ops := f.Send(cache.DownloadAndExtractFailed(d42, cachetest.Failed("download failed")))
	f.ExpectInAnyOrder(ops, []cachetest.Op{
		{Name: "FileExists", Path: cachetest.ArtifactPath("/cache/root", d42)},
		{Name: "FileExists", Path: cachetest.RemovingPath("/cache/root", 1)},
		{Name: "Rename", Source: cachetest.ArtifactPath("/cache/root", d42), Destination: cachetest.RemovingPath("/cache/root", 1)},
		{Name: "RemoveRecursively", Path: cachetest.RemovingPath("/cache/root", 1)},
		{Name: "GetRequestFailed", RequestID: 1},
	})
}

func TestMultipleGetRequestsAllFailTogether(t *testing.T) {
	f := cachetest.NewFixture(t, 1000)
	d42 := cachetest.DigestN(42)
	f.Deps.ExistingFiles[cachetest.ArtifactPath("/cache/root", d42)] = true

	f.Send(cache.GetRequest(1, d42))
	f.Send(cache.GetRequest(2, d42))
	f.Send(cache.GetRequest(3, d42))

	ops := f.Send(cache.DownloadAndExtractFailed(d42, cachetest.Failed("download failed")))
	f.ExpectInAnyOrder(ops, []cachetest.Op{
		{Name: "FileExists", Path: cachetest.ArtifactPath("/cache/root", d42)},
		{Name: "FileExists", Path: cachetest.RemovingPath("/cache/root", 1)},
		{Name: "Rename", Source: cachetest.ArtifactPath("/cache/root", d42), Destination: cachetest.RemovingPath("/cache/root", 1)},
		{Name: "RemoveRecursively", Path: cachetest.RemovingPath("/cache/root", 1)},
		{Name: "GetRequestFailed", RequestID: 1},
		{Name: "GetRequestFailed", RequestID: 2},
		{Name: "GetRequestFailed", RequestID: 3},
	})
}

func TestGetAfterErrorRetries(t *testing.T) {
	f := cachetest.NewFixture(t, 1000)
	d42 := cachetest.DigestN(42)

	f.Send(cache.GetRequest(1, d42))
	f.Send(cache.DownloadAndExtractFailed(d42, cachetest.Failed("download failed")))

	ops := f.Send(cache.GetRequest(2, d42))
	f.ExpectInAnyOrder(ops, []cachetest.Op{
		{Name: "DownloadAndExtract", Digest: d42, Path: cachetest.ArtifactPath("/cache/root", d42)},
	})
}

func TestRenameRetriesUntilUniquePathName(t *testing.T) {
	f := cachetest.NewFixture(t, 1000)
	d42 := cachetest.DigestN(42)
	f.Deps.ExistingFiles[cachetest.ArtifactPath("/cache/root", d42)] = true
	f.Deps.ExistingFiles[cachetest.RemovingPath("/cache/root", 1)] = true
	f.Deps.ExistingFiles[cachetest.RemovingPath("/cache/root", 2)] = true
	f.Deps.ExistingFiles[cachetest.RemovingPath("/cache/root", 3)] = true

	f.Send(cache.GetRequest(1, d42))
	ops := f.Send(cache.DownloadAndExtractFailed(d42, cachetest.Failed("download failed")))
	f.ExpectInAnyOrder(ops, []cachetest.Op{
		{Name: "FileExists", Path: cachetest.ArtifactPath("/cache/root", d42)},
		{Name: "FileExists", Path: cachetest.RemovingPath("/cache/root", 1)},
		{Name: "FileExists", Path: cachetest.RemovingPath("/cache/root", 2)},
		{Name: "FileExists", Path: cachetest.RemovingPath("/cache/root", 3)},
		{Name: "FileExists", Path: cachetest.RemovingPath("/cache/root", 4)},
		{Name: "Rename", Source: cachetest.ArtifactPath("/cache/root", d42), Destination: cachetest.RemovingPath("/cache/root", 4)},
		{Name: "RemoveRecursively", Path: cachetest.RemovingPath("/cache/root", 4)},
		{Name: "GetRequestFailed", RequestID: 1},
	})
}

func TestNewEnsuresDirectoriesExist(t *testing.T) {
	deps := cachetest.NewFakeDeps()
	f := cachetest.NewFixtureKeepingConstructionOps(t, 1000, deps)
	_ = f

	f.ExpectInOrder(deps.Ops, []cachetest.Op{
		{Name: "MkdirRecursively", Path: "/cache/root/removing"},
		{Name: "ReadDir", Path: "/cache/root/removing"},
		{Name: "FileExists", Path: "/cache/root/sha256"},
		{Name: "MkdirRecursively", Path: "/cache/root/sha256"},
	})
}

func TestNewRestartsOldRemoves(t *testing.T) {
	deps := cachetest.NewFakeDeps()
	deps.SeedReadDir("/cache/root/removing", []string{"alreadyA", "alreadyB"})
	f := cachetest.NewFixtureKeepingConstructionOps(t, 1000, deps)
	_ = f

	f.ExpectInOrder(deps.Ops, []cachetest.Op{
		{Name: "MkdirRecursively", Path: "/cache/root/removing"},
		{Name: "ReadDir", Path: "/cache/root/removing"},
		{Name: "RemoveRecursively", Path: "/cache/root/removing/alreadyA"},
		{Name: "RemoveRecursively", Path: "/cache/root/removing/alreadyB"},
		{Name: "FileExists", Path: "/cache/root/sha256"},
		{Name: "MkdirRecursively", Path: "/cache/root/sha256"},
	})
}

func TestNewDiscardsOldSha256IfItExists(t *testing.T) {
	deps := cachetest.NewFakeDeps()
	deps.ExistingFiles["/cache/root/sha256"] = true
	f := cachetest.NewFixtureKeepingConstructionOps(t, 1000, deps)
	_ = f

	f.ExpectInOrder(deps.Ops, []cachetest.Op{
		{Name: "MkdirRecursively", Path: "/cache/root/removing"},
		{Name: "ReadDir", Path: "/cache/root/removing"},
		{Name: "FileExists", Path: "/cache/root/sha256"},
		{Name: "FileExists", Path: "/cache/root/removing/0000000000000001"},
		{Name: "Rename", Source: "/cache/root/sha256", Destination: "/cache/root/removing/0000000000000001"},
		{Name: "RemoveRecursively", Path: "/cache/root/removing/0000000000000001"},
		{Name: "MkdirRecursively", Path: "/cache/root/sha256"},
	})
}

// --- fatal-invariant tests ---

func TestDecrementWithoutMatchingIncrementIsFatal(t *testing.T) {
	f := cachetest.NewFixture(t, 1000)
	d42 := cachetest.DigestN(42)

	defer func() {
		if recover() == nil {
			t.Fatal("expected DecrementRefcount against an absent entry to panic")
		}
	}()
	f.Send(cache.DecrementRefcount(d42))
}

func TestCompletionForUnknownDigestIsFatal(t *testing.T) {
	f := cachetest.NewFixture(t, 1000)
	d42 := cachetest.DigestN(42)

	defer func() {
		if recover() == nil {
			t.Fatal("expected a completion for a digest with no in-flight fetch to panic")
		}
	}()
	f.Send(cache.DownloadAndExtractSucceeded(d42, 10))
}

func TestIncrementAgainstNonInUseEntryIsFatal(t *testing.T) {
	f := cachetest.NewFixture(t, 1000)
	d42 := cachetest.DigestN(42)
	f.Send(cache.GetRequest(1, d42))
	// d42 is DownloadingAndExtracting, not InUse.

	defer func() {
		if recover() == nil {
			t.Fatal("expected IncrementRefcount against a non-InUse entry to panic")
		}
	}()
	f.Send(cache.IncrementRefcount(d42))
}
