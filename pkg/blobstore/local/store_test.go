package local_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/buildbarn/bb-storage/pkg/clock"
	"github.com/forgebuild/forge/pkg/blobstore/local"
	"github.com/forgebuild/forge/pkg/digest"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T, leaseDuration time.Duration) *local.Store {
	s, err := local.NewInMemoryStore(clock.SystemClock, leaseDuration)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, time.Hour)

	b := []byte("Hello, store")
	d, err := s.StoreBytes(ctx, local.PartitionFile, b)
	require.NoError(t, err)
	require.Equal(t, digest.OfBytes(b), d)

	var out bytes.Buffer
	found, err := s.LoadBytesWith(ctx, local.PartitionFile, d, &out)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, b, out.Bytes())
}

func TestLoadMissingReturnsFalse(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, time.Hour)

	_, found, err := s.LoadBytes(ctx, local.PartitionFile, digest.OfBytes([]byte("never stored")))
	require.NoError(t, err)
	require.False(t, found)
}

func TestEmptyDigestWithoutIO(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, time.Hour)

	d, err := s.StoreBytes(ctx, local.PartitionFile, nil)
	require.NoError(t, err)
	require.Equal(t, digest.Empty, d)

	b, found, err := s.LoadBytes(ctx, local.PartitionFile, digest.Empty)
	require.NoError(t, err)
	require.True(t, found)
	require.Empty(t, b)
}

func TestPartitionsAreSeparate(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, time.Hour)

	b := []byte("content")
	d, err := s.StoreBytes(ctx, local.PartitionFile, b)
	require.NoError(t, err)

	_, found, err := s.LoadBytes(ctx, local.PartitionDirectory, d)
	require.NoError(t, err)
	require.False(t, found)
}

func TestRecordAndLoadDirectory(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, time.Hour)

	fileDigest, err := s.StoreBytes(ctx, local.PartitionFile, []byte("foo"))
	require.NoError(t, err)
	directory := &remoteexecution.Directory{
		Files: []*remoteexecution.FileNode{{
			Name:   "out",
			Digest: fileDigest.ToProto(),
		}},
	}
	d, err := s.RecordDirectory(ctx, directory)
	require.NoError(t, err)

	loaded, found, err := s.LoadDirectory(ctx, d)
	require.NoError(t, err)
	require.True(t, found)
	require.Len(t, loaded.Files, 1)
	require.Equal(t, "out", loaded.Files[0].Name)
}

func TestGC(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, 50*time.Millisecond)

	d, err := s.StoreBytes(ctx, local.PartitionFile, []byte("ephemeral"))
	require.NoError(t, err)

	// Not yet expired.
	removed, err := s.GC(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, removed)

	time.Sleep(100 * time.Millisecond)
	removed, err = s.GC(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	_, found, err := s.LoadBytes(ctx, local.PartitionFile, d)
	require.NoError(t, err)
	require.False(t, found)
}

func TestLeaseExtensionOnAccess(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, 150*time.Millisecond)

	d, err := s.StoreBytes(ctx, local.PartitionFile, []byte("kept alive"))
	require.NoError(t, err)

	// Touch the entry repeatedly; it must outlive its original
	// lease.
	for i := 0; i < 3; i++ {
		time.Sleep(75 * time.Millisecond)
		_, found, err := s.LoadBytes(ctx, local.PartitionFile, d)
		require.NoError(t, err)
		require.True(t, found)
	}
	removed, err := s.GC(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, removed)
}

func TestExplicitLease(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, time.Nanosecond)

	d, err := s.StoreBytes(ctx, local.PartitionFile, []byte("leased"))
	require.NoError(t, err)
	require.NoError(t, s.Lease(ctx, local.PartitionFile, d, time.Now().Add(time.Hour)))

	removed, err := s.GC(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, removed)
}

func TestKeyedEntries(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, time.Hour)

	key := digest.OfBytes([]byte("some process"))
	require.NoError(t, s.StoreBytesKeyed(ctx, local.PartitionActionResult, key, []byte("result")))

	b, found, err := s.LoadBytes(ctx, local.PartitionActionResult, key)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("result"), b)
}
