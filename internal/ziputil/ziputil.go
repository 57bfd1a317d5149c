// Package ziputil opens ZIP archives — from a local file or from a
// Range-capable remote streamer — and hands out decompressed entry
// streams by in-archive path. The container format itself is parsed
// by the standard library's archive/zip; this package only wires in a
// faster DEFLATE codec and adapts the entry-lookup API this system
// needs.
package ziputil

import (
	"archive/zip"
	"io"
	"sync"

	kflate "github.com/klauspost/compress/flate"

	"github.com/shockpkg-go/shockpkg/internal/pmerr"
)

func init() {
	// Replace the stdlib DEFLATE decompressor with klauspost/compress's
	// faster implementation for every zip.Reader this process opens.
	zip.RegisterDecompressor(zip.Deflate, func(r io.Reader) io.ReadCloser {
		return kflate.NewReader(r)
	})
}

// Reader wraps an opened archive/zip.Reader, adding path-keyed entry
// lookup.
type Reader struct {
	zr *zip.Reader

	mu     sync.Mutex
	byPath map[string]*zip.File
}

// OpenFile opens a local ZIP file already fully materialized on disk.
func OpenFile(path string) (*Reader, func() error, error) {
	rc, err := zip.OpenReader(path)
	if err != nil {
		return nil, nil, pmerr.New(pmerr.CategoryZip, pmerr.CodeArchiveError, "failed to open zip archive", map[string]any{"path": path, "cause": err.Error()})
	}
	return wrap(&rc.Reader), rc.Close, nil
}

// OpenReaderAt opens a ZIP whose bytes are served on demand by ra (for
// example a fetch.RangeReader streaming a remote archive): only the
// central directory and whatever entries are subsequently opened are
// ever read.
func OpenReaderAt(ra io.ReaderAt, size int64) (*Reader, error) {
	zr, err := zip.NewReader(ra, size)
	if err != nil {
		return nil, pmerr.New(pmerr.CategoryZip, pmerr.CodeArchiveError, "failed to open zip archive", map[string]any{"cause": err.Error()})
	}
	return wrap(zr), nil
}

func wrap(zr *zip.Reader) *Reader {
	r := &Reader{zr: zr, byPath: make(map[string]*zip.File)}
	for _, f := range zr.File {
		r.byPath[f.Name] = f
	}
	return r
}

// OpenEntry opens the decompressed stream of the entry whose in-archive
// path equals entryPath. Fails with ExtractTargetMissing if no such
// entry exists.
func (r *Reader) OpenEntry(entryPath string) (io.ReadCloser, error) {
	r.mu.Lock()
	f, ok := r.byPath[entryPath]
	r.mu.Unlock()
	if !ok {
		return nil, pmerr.New(pmerr.CategoryZip, pmerr.CodeExtractTargetMissing,
			"entry not found in archive", map[string]any{"entry": entryPath})
	}
	rc, err := f.Open()
	if err != nil {
		return nil, pmerr.New(pmerr.CategoryZip, pmerr.CodeArchiveError, "failed to open archive entry", map[string]any{"entry": entryPath, "cause": err.Error()})
	}
	return rc, nil
}

// Entries returns every in-archive path present, for diagnostics and
// tests.
func (r *Reader) Entries() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.byPath))
	for p := range r.byPath {
		out = append(out, p)
	}
	return out
}
