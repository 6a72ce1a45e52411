// Copyright 2018-2020 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package artifact

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License

	"github.com/nfachan/meticulous/internal/defense"
)

// extractTar unpacks a gzip-compressed tar stream into output,
// refusing any entry that would escape output. It is the unpack branch of
// the teacher's localstorage.go fetcher, narrowed to the one archive
// format this system downloads artifacts as.
func extractTar(r io.Reader, output string, maxBytes int64) (size int64, err kv.Error) {
	gz, errGo := gzip.NewReader(r)
	if errGo != nil {
		return 0, kv.Wrap(errGo, "artifact is not a valid gzip-compressed tar archive").With("stack", stack.Trace().TrimRuntime())
	}
	defer gz.Close()

	tarReader := tar.NewReader(gz)

	for {
		header, errGo := tarReader.Next()
		if errors.Is(errGo, io.EOF) {
			break
		} else if errGo != nil {
			return size, kv.Wrap(errGo, "corrupt artifact archive").With("stack", stack.Trace().TrimRuntime())
		}

		escapes, errCheck := defense.WillEscape(header.Name, output)
		if errCheck != nil {
			return size, kv.Wrap(errCheck).With("filename", header.Name, "output", output).With("stack", stack.Trace().TrimRuntime())
		}
		if escapes {
			return size, kv.NewError("archive entry escaped destination directory").With("filename", header.Name, "output", output).With("stack", stack.Trace().TrimRuntime())
		}

		path, _ := filepath.Abs(filepath.Join(output, header.Name))
		if !strings.HasPrefix(path, output) {
			return size, kv.NewError("archive entry name escaped").With("filename", header.Name).With("stack", stack.Trace().TrimRuntime())
		}

		info := header.FileInfo()
		if info.IsDir() {
			if errGo := os.MkdirAll(path, info.Mode()); errGo != nil {
				return size, kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
			}
			continue
		}

		if header.Size > maxBytes {
			return size, kv.NewError("archive entry exceeds the maximum extracted file size").With("filename", header.Name, "entry_bytes", header.Size, "max_bytes", maxBytes).With("stack", stack.Trace().TrimRuntime())
		}

		if errGo := os.MkdirAll(filepath.Dir(path), 0o755); errGo != nil {
			return size, kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
		}

		file, errGo := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, info.Mode())
		if errGo != nil {
			return size, kv.Wrap(errGo).With("file", path).With("stack", stack.Trace().TrimRuntime())
		}

		written, errGo := io.Copy(file, tarReader)
		file.Close()
		size += written
		if errGo != nil {
			return size, kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
		}
	}
	return size, nil
}
