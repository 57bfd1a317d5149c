package fetch

import (
	"context"
	"fmt"
	"io"

	"github.com/shockpkg-go/shockpkg/internal/pmerr"
)

// RangeReader adapts archive/zip's "give me bytes [a,b)" io.ReaderAt
// access pattern onto a Fetcher's ranged GET, so the ZIP reader can
// pull only the central directory and a single entry's compressed
// bytes from a remote archive without the caller downloading the
// whole file.
type RangeReader struct {
	ctx     context.Context
	fetcher *Fetcher
	url     string
	size    int64
}

// NewRangeReader builds a RangeReader over url, whose total size must
// already be known (via Fetcher.ContentLength).
func NewRangeReader(ctx context.Context, fetcher *Fetcher, url string, size int64) *RangeReader {
	return &RangeReader{ctx: ctx, fetcher: fetcher, url: url, size: size}
}

// Size is the total length of the remote resource, as required by
// archive/zip.NewReader's second argument.
func (r *RangeReader) Size() int64 { return r.size }

// ReadAt implements io.ReaderAt by issuing one ranged GET per call.
// archive/zip calls this only a handful of times per opened entry (to
// read the central directory once, then the local file header and
// compressed data of the entries it actually opens), so one round
// trip per call is the intended cost, not a hot loop to optimize.
func (r *RangeReader) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("fetch: negative read offset %d", off)
	}
	if off >= r.size {
		return 0, io.EOF
	}
	end := off + int64(len(p))
	if end > r.size {
		end = r.size
	}
	body, err := r.fetcher.OpenRange(r.ctx, r.url, off, end)
	if err != nil {
		return 0, err
	}
	defer body.Close()

	n, err := io.ReadFull(body, p[:end-off])
	if err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			// The server validated Content-Length for this range but the
			// body ended early anyway.
			return n, pmerr.New(pmerr.CategoryNetwork, pmerr.CodeReadTooSmall,
				fmt.Sprintf("range [%d, %d) returned only %d bytes", off, end, n),
				map[string]any{"start": off, "end": end, "got": n})
		}
		return n, err
	}
	if int64(n) < int64(len(p)) {
		// The requested window was clamped at end-of-resource;
		// io.ReaderAt requires EOF when fewer than len(p) bytes return.
		return n, io.EOF
	}
	return n, nil
}
