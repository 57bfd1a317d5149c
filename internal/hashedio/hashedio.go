// Package hashedio provides the streaming sink every download and
// extract pipeline writes through: it tees bytes into a byte counter
// and a set of running hashes, and enforces size/hash equality at the
// end of the stream.
package hashedio

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"

	"github.com/shockpkg-go/shockpkg/internal/pmerr"
)

// Want is the set of declared values a stream must match. SHA1/MD5 are
// optional: an empty string means "not declared, don't check".
type Want struct {
	Size   int64
	SHA256 string
	SHA1   string
	MD5    string
}

// Writer tees writes into a file (or any io.Writer) and a hasher set,
// aborting as soon as the byte count would exceed Want.Size.
type Writer struct {
	want Want
	dst  io.Writer

	count  int64
	sha256 hash.Hash
	sha1   hash.Hash
	md5    hash.Hash
}

// New wraps dst (typically a tmp file) with a Writer validating
// against want. SHA1/MD5 hashers are only instantiated when declared,
// so Finish never complains about a digest the manifest never named.
func New(dst io.Writer, want Want) *Writer {
	w := &Writer{want: want, dst: dst, sha256: sha256.New()}
	if want.SHA1 != "" {
		w.sha1 = sha1.New()
	}
	if want.MD5 != "" {
		w.md5 = md5.New()
	}
	return w
}

// Write implements io.Writer. It aborts before writing any bytes that
// would push the running count past the declared size, so a stream is
// never allowed to overrun its tmp file.
func (w *Writer) Write(p []byte) (int, error) {
	if w.count+int64(len(p)) > w.want.Size {
		return 0, pmerr.New(pmerr.CategoryNetwork, pmerr.CodeReadTooLarge,
			fmt.Sprintf("stream exceeded declared size %d", w.want.Size),
			map[string]any{"declared": w.want.Size, "got": w.count + int64(len(p))})
	}
	n, err := w.dst.Write(p)
	if n > 0 {
		w.count += int64(n)
		w.sha256.Write(p[:n])
		if w.sha1 != nil {
			w.sha1.Write(p[:n])
		}
		if w.md5 != nil {
			w.md5.Write(p[:n])
		}
	}
	return n, err
}

// Count is the number of bytes written so far.
func (w *Writer) Count() int64 { return w.count }

// Finish validates the terminal state of the stream: the byte count
// must equal the declared size exactly, and every declared digest
// must match what was actually written.
func (w *Writer) Finish() error {
	if w.count != w.want.Size {
		return pmerr.BadSize(w.want.Size, w.count)
	}
	if got := hex.EncodeToString(w.sha256.Sum(nil)); got != w.want.SHA256 {
		return pmerr.BadHash("sha256", w.want.SHA256, got)
	}
	if w.sha1 != nil {
		if got := hex.EncodeToString(w.sha1.Sum(nil)); got != w.want.SHA1 {
			return pmerr.BadHash("sha1", w.want.SHA1, got)
		}
	}
	if w.md5 != nil {
		if got := hex.EncodeToString(w.md5.Sum(nil)); got != w.want.MD5 {
			return pmerr.BadHash("md5", w.want.MD5, got)
		}
	}
	return nil
}
