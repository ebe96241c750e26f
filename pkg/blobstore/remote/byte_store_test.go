package remote_test

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	"github.com/forgebuild/forge/pkg/blobstore/remote"
	"github.com/forgebuild/forge/pkg/digest"
	"github.com/stretchr/testify/require"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// memoryProvider is a Provider keeping blobs in a map, for exercising
// the ByteStore facade in isolation.
type memoryProvider struct {
	blobs map[digest.Digest][]byte
}

func newMemoryProvider() *memoryProvider {
	return &memoryProvider{blobs: map[digest.Digest][]byte{}}
}

func (p *memoryProvider) StoreBytes(ctx context.Context, d digest.Digest, src remote.ByteSource) error {
	if d.IsEmpty() {
		return nil
	}
	data, err := src.ReadRange(0, src.SizeBytes)
	if err != nil {
		return err
	}
	p.blobs[d] = data
	return nil
}

func (p *memoryProvider) Load(ctx context.Context, d digest.Digest, w io.Writer) (bool, error) {
	if d.IsEmpty() {
		return true, nil
	}
	data, ok := p.blobs[d]
	if !ok {
		return false, nil
	}
	_, err := w.Write(data)
	return true, err
}

func (p *memoryProvider) LoadWithoutValidation(ctx context.Context, d digest.Digest, w io.Writer) (bool, error) {
	return p.Load(ctx, d, w)
}

func (p *memoryProvider) FindMissingDigests(ctx context.Context, digests []digest.Digest) ([]digest.Digest, bool, error) {
	var missing []digest.Digest
	for _, d := range digests {
		if d.IsEmpty() {
			continue
		}
		if _, ok := p.blobs[d]; !ok {
			missing = append(missing, d)
		}
	}
	return missing, true, nil
}

func (p *memoryProvider) ChunkSizeBytes() int {
	return 1024
}

func TestByteStoreStoreBytesRoundTrip(t *testing.T) {
	ctx := context.Background()
	provider := newMemoryProvider()
	byteStore := remote.NewByteStore(provider, 1024, t.TempDir())

	d, err := byteStore.StoreBytes(ctx, []byte("Hello"))
	require.NoError(t, err)
	require.Equal(t, digest.OfBytes([]byte("Hello")), d)

	data, found, err := byteStore.LoadBytes(ctx, d)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("Hello"), data)
}

func TestByteStoreStoreBuffered(t *testing.T) {
	ctx := context.Background()

	t.Run("InMemory", func(t *testing.T) {
		provider := newMemoryProvider()
		byteStore := remote.NewByteStore(provider, 1024, t.TempDir())

		blob := []byte("fits in memory")
		d := digest.OfBytes(blob)
		require.NoError(t, byteStore.StoreBuffered(ctx, d, bytes.NewReader(blob)))
		require.Equal(t, blob, provider.blobs[d])
	})

	t.Run("SpilledToDisk", func(t *testing.T) {
		provider := newMemoryProvider()
		// A zero threshold forces every buffered upload through
		// the temporary-file path.
		byteStore := remote.NewByteStore(provider, 0, t.TempDir())

		blob := []byte(strings.Repeat("spill", 100))
		d := digest.OfBytes(blob)
		require.NoError(t, byteStore.StoreBuffered(ctx, d, bytes.NewReader(blob)))
		require.Equal(t, blob, provider.blobs[d])
	})

	t.Run("DigestMismatch", func(t *testing.T) {
		provider := newMemoryProvider()
		byteStore := remote.NewByteStore(provider, 1024, t.TempDir())

		expected := digest.OfBytes([]byte("expected contents"))
		err := byteStore.StoreBuffered(ctx, expected, strings.NewReader("actual contents"))
		require.Equal(t, codes.InvalidArgument, status.Code(err))
		require.Empty(t, provider.blobs)
	})
}

func TestByteStoreLoadMiss(t *testing.T) {
	ctx := context.Background()
	byteStore := remote.NewByteStore(newMemoryProvider(), 1024, t.TempDir())

	_, found, err := byteStore.LoadBytes(ctx, digest.OfBytes([]byte("absent")))
	require.NoError(t, err)
	require.False(t, found)
}

func TestByteStoreFindMissingDigests(t *testing.T) {
	ctx := context.Background()
	provider := newMemoryProvider()
	byteStore := remote.NewByteStore(provider, 1024, t.TempDir())

	present, err := byteStore.StoreBytes(ctx, []byte("present"))
	require.NoError(t, err)
	absent := digest.OfBytes([]byte("absent"))

	missing, supported, err := byteStore.FindMissingDigests(ctx, []digest.Digest{present, absent, digest.Empty})
	require.NoError(t, err)
	require.True(t, supported)
	require.Equal(t, []digest.Digest{absent}, missing)
}
