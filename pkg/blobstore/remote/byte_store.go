package remote

import (
	"bytes"
	"context"
	"io"
	"os"

	"github.com/buildbarn/bb-storage/pkg/util"
	"github.com/forgebuild/forge/pkg/digest"
	"github.com/prometheus/client_golang/prometheus"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	byteStoreOperationsBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "forge",
			Subsystem: "blobstore",
			Name:      "byte_store_operations_bytes_total",
			Help:      "Number of bytes transferred to and from the remote byte store.",
		},
		[]string{"operation"})
	byteStoreOperationsBytesStore = byteStoreOperationsBytes.WithLabelValues("store")
	byteStoreOperationsBytesLoad  = byteStoreOperationsBytes.WithLabelValues("load")
)

func init() {
	prometheus.MustRegister(byteStoreOperationsBytes)
}

// ByteStore wraps a Provider with retry-safe buffering of streamed
// uploads and transfer metrics. Writes larger than the spill threshold
// are staged through an unlinked temporary file, so that the provider
// can re-read arbitrary ranges when retrying chunks.
type ByteStore struct {
	provider            Provider
	spillThresholdBytes int64
	tempDirectory       string
}

// NewByteStore creates a ByteStore around a provider. Streamed uploads
// above spillThresholdBytes are staged in tempDirectory instead of
// memory.
func NewByteStore(provider Provider, spillThresholdBytes int64, tempDirectory string) *ByteStore {
	return &ByteStore{
		provider:            provider,
		spillThresholdBytes: spillThresholdBytes,
		tempDirectory:       tempDirectory,
	}
}

// StoreBytes uploads an in-memory blob.
func (bs *ByteStore) StoreBytes(ctx context.Context, b []byte) (digest.Digest, error) {
	d := digest.OfBytes(b)
	if err := bs.provider.StoreBytes(ctx, d, BytesSource(b)); err != nil {
		return digest.Digest{}, err
	}
	byteStoreOperationsBytesStore.Add(float64(d.SizeBytes()))
	return d, nil
}

// StoreFile uploads a file's contents under a digest that the caller
// has already computed. The open file doubles as the random-access
// retry source.
func (bs *ByteStore) StoreFile(ctx context.Context, d digest.Digest, f *os.File) error {
	if err := bs.provider.StoreBytes(ctx, d, ByteSource{ReaderAt: f, SizeBytes: d.SizeBytes()}); err != nil {
		return err
	}
	byteStoreOperationsBytesStore.Add(float64(d.SizeBytes()))
	return nil
}

// StoreBuffered uploads a blob arriving as a stream whose digest is
// already known. Small blobs buffer in memory; larger blobs spill to a
// temporary file that is deleted when the upload completes. The
// streamed bytes are verified against the expected digest before
// anything is sent.
func (bs *ByteStore) StoreBuffered(ctx context.Context, expected digest.Digest, r io.Reader) error {
	var src ByteSource
	if expected.SizeBytes() <= bs.spillThresholdBytes {
		var buffer bytes.Buffer
		hw := digest.NewHashingWriter(&buffer)
		if _, err := io.Copy(hw, r); err != nil {
			return status.Errorf(codes.Internal, "Failed to buffer blob %s: %s", expected, err)
		}
		if actual := hw.Sum(); actual != expected {
			return status.Errorf(codes.InvalidArgument, "Buffered blob has digest %s, while %s was expected", actual, expected)
		}
		src = BytesSource(buffer.Bytes())
	} else {
		f, err := os.CreateTemp(bs.tempDirectory, "bytestore-")
		if err != nil {
			return status.Errorf(codes.Internal, "Failed to create spill file: %s", err)
		}
		// Unlink immediately: the open handle keeps the data
		// alive and nothing can observe a partial spill.
		name := f.Name()
		defer f.Close()
		os.Remove(name)

		hw := digest.NewHashingWriter(f)
		if _, err := io.Copy(hw, r); err != nil {
			return status.Errorf(codes.Internal, "Failed to spill blob %s: %s", expected, err)
		}
		if actual := hw.Sum(); actual != expected {
			return status.Errorf(codes.InvalidArgument, "Spilled blob has digest %s, while %s was expected", actual, expected)
		}
		src = ByteSource{ReaderAt: f, SizeBytes: expected.SizeBytes()}
	}
	if err := bs.provider.StoreBytes(ctx, expected, src); err != nil {
		return err
	}
	byteStoreOperationsBytesStore.Add(float64(expected.SizeBytes()))
	return nil
}

// Load streams a validated blob into w, returning false if it does not
// exist remotely.
func (bs *ByteStore) Load(ctx context.Context, d digest.Digest, w io.Writer) (bool, error) {
	found, err := bs.provider.Load(ctx, d, w)
	if err != nil {
		return false, err
	}
	if found {
		byteStoreOperationsBytesLoad.Add(float64(d.SizeBytes()))
	}
	return found, nil
}

// LoadBytes loads a validated blob into memory.
func (bs *ByteStore) LoadBytes(ctx context.Context, d digest.Digest) ([]byte, bool, error) {
	var buffer bytes.Buffer
	found, err := bs.Load(ctx, d, &buffer)
	if err != nil || !found {
		return nil, found, err
	}
	return buffer.Bytes(), true, nil
}

// LoadWithoutValidation streams an opaquely keyed blob into w.
func (bs *ByteStore) LoadWithoutValidation(ctx context.Context, d digest.Digest, w io.Writer) (bool, error) {
	return bs.provider.LoadWithoutValidation(ctx, d, w)
}

// FindMissingDigests returns the subset of digests absent remotely.
func (bs *ByteStore) FindMissingDigests(ctx context.Context, digests []digest.Digest) ([]digest.Digest, bool, error) {
	missing, supported, err := bs.provider.FindMissingDigests(ctx, digests)
	if err != nil {
		return nil, false, util.StatusWrap(err, "Failed to find missing digests")
	}
	return missing, supported, nil
}

// ChunkSizeBytes is the provider's preferred chunk size.
func (bs *ByteStore) ChunkSizeBytes() int {
	return bs.provider.ChunkSizeBytes()
}
