// Package remote implements byte-store providers backed by remote
// services: an REAPI gRPC provider and an object-store provider. The
// ByteStore facade layers retry-safe buffering and metrics over any
// provider.
package remote

import (
	"bytes"
	"context"
	"io"

	"github.com/forgebuild/forge/pkg/digest"
)

// ByteSource provides random access to the bytes of a blob being
// uploaded. Random access rather than a stream, so that providers can
// re-read arbitrary ranges when retrying failed chunks.
type ByteSource struct {
	ReaderAt  io.ReaderAt
	SizeBytes int64
}

// BytesSource wraps an in-memory byte slice.
func BytesSource(b []byte) ByteSource {
	return ByteSource{
		ReaderAt:  bytes.NewReader(b),
		SizeBytes: int64(len(b)),
	}
}

// ReadRange reads the given range out of the source.
func (s ByteSource) ReadRange(offset, length int64) ([]byte, error) {
	if remaining := s.SizeBytes - offset; length > remaining {
		length = remaining
	}
	b := make([]byte, length)
	if _, err := io.ReadFull(io.NewSectionReader(s.ReaderAt, offset, length), b); err != nil {
		return nil, err
	}
	return b, nil
}

// Provider is the interface of a remote byte store. All methods handle
// the empty digest without performing I/O. Load methods return false
// rather than an error when the blob does not exist.
type Provider interface {
	// StoreBytes uploads a blob under its digest.
	StoreBytes(ctx context.Context, d digest.Digest, src ByteSource) error
	// Load streams a blob into w, verifying its digest on the fly.
	Load(ctx context.Context, d digest.Digest, w io.Writer) (bool, error)
	// LoadWithoutValidation streams a blob whose key is not a
	// content digest (e.g. an action cache entry).
	LoadWithoutValidation(ctx context.Context, d digest.Digest, w io.Writer) (bool, error)
	// FindMissingDigests returns the subset of digests that the
	// remote store does not hold. The second return value is false
	// if the provider cannot answer the query.
	FindMissingDigests(ctx context.Context, digests []digest.Digest) ([]digest.Digest, bool, error)
	// ChunkSizeBytes is the preferred upload chunk size.
	ChunkSizeBytes() int
}
