// Copyright 2018-2020 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

// Package artifact implements the worker's download_and_extract
// dependency (internal/cache.Deps.DownloadAndExtract): fetch an archive
// from object storage, validate it against the digest the cache asked
// for, and extract it into the cache-provided directory. It is grounded
// directly in the teacher's ObjDownloader/ObjDownloaderFactory
// (internal/runner/objectdownloader.go) and localStorage.Fetch
// (internal/runner/localstorage.go), adapted from cache-key-addressed
// storage objects to digest-addressed ones.
package artifact

import (
	"context"
	"crypto/sha256"
	"io"
	"os"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License

	"github.com/nfachan/meticulous/internal/digest"
	"github.com/nfachan/meticulous/internal/request"
)

// Backend is the narrow object-storage capability a Fetcher needs:
// stream an object's bytes to w. Both backends wired in (Minio and AWS)
// implement this the same way the teacher's Storage interface abstracts
// over gs/s3/file (storage.go), narrowed to the one operation this
// package needs.
type Backend interface {
	// Get streams the named object's contents to w, returning its size.
	Get(ctx context.Context, bucket, key string, w io.Writer) (size int64, err kv.Error)
	Close()
}

// Config selects and configures the storage backend a Fetcher uses.
type Config struct {
	// Backend picks which real dependency serves Get: "minio" or "aws".
	Backend     string
	Endpoint    string
	Bucket      string
	UseSSL      bool
	Credentials request.AWSCredential
	MaxBytes    int64
}

// NewBackend constructs the Backend named by cfg.Backend, matching the
// teacher's NewStorage switch (storage.go) over a URI scheme, narrowed to
// the two object-storage SDKs this system wires in.
func NewBackend(cfg Config) (b Backend, err kv.Error) {
	switch cfg.Backend {
	case "minio", "":
		return newMinioBackend(cfg)
	case "aws":
		return newAWSBackend(cfg)
	default:
		return nil, kv.NewError("unsupported artifact backend").With("backend", cfg.Backend, "stack", stack.Trace().TrimRuntime())
	}
}

// Fetcher downloads and extracts artifacts for a worker's cache.Deps.
// Its DownloadAndExtract method satisfies internal/cache.Deps directly.
type Fetcher struct {
	backend  Backend
	maxBytes int64
}

// NewFetcher wraps backend as a cache.Deps-shaped downloader.
func NewFetcher(backend Backend, maxBytes int64) *Fetcher {
	return &Fetcher{backend: backend, maxBytes: maxBytes}
}

// Fetch downloads the object named by bucket/key, validates its content
// against want, and extracts it into destDir (whose parent must exist;
// destDir itself must not yet exist, per cache.Deps.DownloadAndExtract's
// contract). It mirrors objectdownloader.go's partial-file-then-rename
// idiom: the archive is streamed straight into the extractor without
// landing on disk first, since the cache's own move-then-remove protocol
// already handles partial-directory cleanup on failure.
func (f *Fetcher) Fetch(ctx context.Context, bucket, key string, want digest.Digest, destDir string) (bytesUsed uint64, err kv.Error) {
	if err = ensureEmptyDir(destDir); err != nil {
		return 0, err
	}

	pr, pw := io.Pipe()
	hasher := sha256.New()

	downloadErrC := make(chan kv.Error, 1)
	go func() {
		defer pw.Close()
		_, getErr := f.backend.Get(ctx, bucket, key, pw)
		downloadErrC <- getErr
	}()

	hashedReader := io.TeeReader(pr, hasher)
	size, extractErr := extractTar(hashedReader, destDir, f.maxBytes)

	getErr := <-downloadErrC
	if getErr != nil {
		return 0, kv.Wrap(getErr, "artifact download failed").With("bucket", bucket, "key", key, "stack", stack.Trace().TrimRuntime())
	}
	if extractErr != nil {
		return 0, extractErr
	}

	var got digest.Digest
	copy(got[:], hasher.Sum(nil))
	if got != want {
		return 0, kv.NewError("artifact digest mismatch").With("want", want.String(), "got", got.String(), "bucket", bucket, "key", key).With("stack", stack.Trace().TrimRuntime())
	}

	return uint64(size), nil
}

// ensureEmptyDir creates path as an empty directory. cache.Deps.
// DownloadAndExtract's contract guarantees path's parent exists but path
// itself does not, so this is always a fresh Mkdir, not a check.
func ensureEmptyDir(path string) (err kv.Error) {
	if errGo := os.Mkdir(path, 0700); errGo != nil {
		return kv.Wrap(errGo, "failed to create destination directory").With("path", path).With("stack", stack.Trace().TrimRuntime())
	}
	return nil
}
