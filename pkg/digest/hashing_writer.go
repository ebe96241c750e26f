package digest

import (
	"crypto/sha256"
	"hash"
	"io"
)

// HashingWriter tees all written bytes to an inner writer and a
// SHA-256 hasher, so that the digest of a stream can be computed while
// it is being copied.
type HashingWriter struct {
	w         io.Writer
	h         hash.Hash
	sizeBytes int64
}

// NewHashingWriter creates a HashingWriter that forwards writes to w.
// Pass io.Discard to only compute a digest.
func NewHashingWriter(w io.Writer) *HashingWriter {
	return &HashingWriter{
		w: w,
		h: sha256.New(),
	}
}

func (hw *HashingWriter) Write(p []byte) (int, error) {
	n, err := hw.w.Write(p)
	hw.h.Write(p[:n])
	hw.sizeBytes += int64(n)
	return n, err
}

// SizeBytes returns the number of bytes written so far.
func (hw *HashingWriter) SizeBytes() int64 {
	return hw.sizeBytes
}

// Sum returns the Digest of all bytes written so far.
func (hw *HashingWriter) Sum() Digest {
	var fingerprint Fingerprint
	hw.h.Sum(fingerprint[:0])
	return New(fingerprint, hw.sizeBytes)
}
