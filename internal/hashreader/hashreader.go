// Package hashreader provides a read-through stream that accumulates a
// running SHA-1 and byte count while optionally forwarding progress to a
// sink, as used by the integrity pipeline (internal/integrity).
package hashreader

import (
	"crypto/sha1" //nolint:gosec // G505: SHA-1 is the wire format's content hash, not used for authentication.
	"encoding/hex"
	"errors"
	"hash"
	"io"
	"strings"
)

// ErrAlreadyFinalized is returned by Finalize when called more than once.
var ErrAlreadyFinalized = errors.New("hashreader: already finalized")

// ProgressSink receives byte counts as they are read. Nil sinks are legal —
// Reader skips the notification.
type ProgressSink interface {
	Inc(n int64)
}

// Reader wraps an io.Reader, tallying bytes read and feeding them to a
// running SHA-1 digest. It is a single-pass, non-restartable sequence:
// Finalize consumes the accumulator exactly once.
type Reader struct {
	src       io.Reader
	h         hash.Hash
	total     uint64
	sink      ProgressSink
	finalized bool
}

// New wraps src. sink may be nil.
func New(src io.Reader, sink ProgressSink) *Reader {
	return &Reader{src: src, h: sha1.New(), sink: sink} //nolint:gosec // see import comment
}

// Read implements io.Reader. It returns Ok(0) only at true EOF; short reads
// from the underlying source are forwarded as-is.
func (r *Reader) Read(p []byte) (int, error) {
	n, err := r.src.Read(p)
	if n > 0 {
		r.h.Write(p[:n])
		r.total += uint64(n)

		if r.sink != nil {
			r.sink.Inc(int64(n))
		}
	}

	return n, err
}

// Finalize returns the total byte count and the uppercase hex SHA-1 digest
// of everything read so far. It may be called exactly once; a second call
// returns ErrAlreadyFinalized.
func (r *Reader) Finalize() (uint64, string, error) {
	if r.finalized {
		return 0, "", ErrAlreadyFinalized
	}

	r.finalized = true
	sum := r.h.Sum(nil)

	return r.total, strings.ToUpper(hex.EncodeToString(sum)), nil
}
