package store_test

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/buildbarn/bb-storage/pkg/clock"
	"github.com/forgebuild/forge/pkg/blobstore/local"
	"github.com/forgebuild/forge/pkg/blobstore/remote"
	"github.com/forgebuild/forge/pkg/digest"
	"github.com/forgebuild/forge/pkg/digesttrie"
	"github.com/forgebuild/forge/pkg/pathglob"
	"github.com/forgebuild/forge/pkg/store"
	"github.com/stretchr/testify/require"
)

// fakeRemoteProvider keeps blobs in a map, standing in for a real
// remote byte store.
type fakeRemoteProvider struct {
	blobs map[digest.Digest][]byte
}

func newFakeRemoteProvider() *fakeRemoteProvider {
	return &fakeRemoteProvider{blobs: map[digest.Digest][]byte{}}
}

func (p *fakeRemoteProvider) StoreBytes(ctx context.Context, d digest.Digest, src remote.ByteSource) error {
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

func (p *fakeRemoteProvider) Load(ctx context.Context, d digest.Digest, w io.Writer) (bool, error) {
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

func (p *fakeRemoteProvider) LoadWithoutValidation(ctx context.Context, d digest.Digest, w io.Writer) (bool, error) {
	return p.Load(ctx, d, w)
}

func (p *fakeRemoteProvider) FindMissingDigests(ctx context.Context, digests []digest.Digest) ([]digest.Digest, bool, error) {
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

func (p *fakeRemoteProvider) ChunkSizeBytes() int {
	return 1024
}

func newTestStore(t *testing.T, provider remote.Provider) *store.Store {
	localStore, err := local.NewInMemoryStore(clock.SystemClock, time.Hour)
	require.NoError(t, err)
	t.Cleanup(func() { localStore.Close() })
	var byteStore *remote.ByteStore
	if provider != nil {
		byteStore = remote.NewByteStore(provider, 1<<20, t.TempDir())
	}
	return store.New(localStore, byteStore)
}

func TestSnapshotOfOneFile(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, nil)

	snapshot, err := s.SnapshotOfOneFile(ctx, "bin/tool.sh", []byte("#!/bin/sh\n"), true)
	require.NoError(t, err)

	destination := filepath.Join(t.TempDir(), "out")
	require.NoError(t, s.MaterializeDirectory(ctx, destination, snapshot, false, nil, store.Writable))

	contents, err := os.ReadFile(filepath.Join(destination, "bin", "tool.sh"))
	require.NoError(t, err)
	require.Equal(t, []byte("#!/bin/sh\n"), contents)
	info, err := os.Stat(filepath.Join(destination, "bin", "tool.sh"))
	require.NoError(t, err)
	require.NotZero(t, info.Mode()&0o111)
}

func TestCaptureSnapshot(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, nil)

	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "src"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("a"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "src", "b.txt"), []byte("b"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "skipped.log"), []byte("log"), 0o644))
	require.NoError(t, os.Symlink("a.txt", filepath.Join(root, "link.txt")))

	snapshot, err := s.CaptureSnapshot(ctx, root, pathglob.MustNew("**/*.txt"), nil)
	require.NoError(t, err)

	var paths []string
	require.NoError(t, snapshot.Trie.Walk(func(path string, entry digesttrie.Entry) error {
		paths = append(paths, path)
		return nil
	}))
	require.Equal(t, []string{"a.txt", "link.txt", "src", "src/b.txt"}, paths)

	// Capturing the materialized output yields the same digest.
	destination := filepath.Join(t.TempDir(), "out")
	require.NoError(t, s.MaterializeDirectory(ctx, destination, snapshot, false, nil, store.Writable))
	recaptured, err := s.CaptureSnapshot(ctx, destination, pathglob.MustNew("**"), nil)
	require.NoError(t, err)
	require.Equal(t, snapshot.Digest, recaptured.Digest)
}

func TestCaptureSnapshotIgnoreMatcher(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, nil)

	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "target"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "keep.txt"), []byte("keep"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "target", "drop.txt"), []byte("drop"), 0o644))

	snapshot, err := s.CaptureSnapshot(ctx, root, pathglob.MustNew("**/*.txt"), pathglob.NewIgnoreMatcher([]string{"target/"}))
	require.NoError(t, err)

	var paths []string
	require.NoError(t, snapshot.Trie.Walk(func(path string, entry digesttrie.Entry) error {
		paths = append(paths, path)
		return nil
	}))
	require.Equal(t, []string{"keep.txt"}, paths)
}

func TestMaterializeDirectoryExcludeAndPermissions(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, nil)

	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "keep.txt"), []byte("keep"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "drop.txt"), []byte("drop"), 0o644))
	snapshot, err := s.CaptureSnapshot(ctx, root, pathglob.MustNew("**"), nil)
	require.NoError(t, err)

	destination := filepath.Join(t.TempDir(), "out")
	require.NoError(t, s.MaterializeDirectory(ctx, destination, snapshot, false, pathglob.MustNew("drop.txt"), store.ReadOnly))

	_, err = os.Lstat(filepath.Join(destination, "drop.txt"))
	require.True(t, os.IsNotExist(err))
	info, err := os.Stat(filepath.Join(destination, "keep.txt"))
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o444), info.Mode().Perm())
	info, err = os.Stat(destination)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o555), info.Mode().Perm())

	// Leave the tree writable so t.TempDir cleanup can remove it.
	require.NoError(t, os.Chmod(destination, 0o755))
}

func TestLoadFallsBackToRemote(t *testing.T) {
	ctx := context.Background()
	provider := newFakeRemoteProvider()

	// Build a snapshot in one store and upload it.
	source := newTestStore(t, provider)
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "remote.txt"), []byte("remote contents"), 0o644))
	snapshot, err := source.CaptureSnapshot(ctx, root, pathglob.MustNew("**"), nil)
	require.NoError(t, err)
	require.NoError(t, source.EnsureRemoteHasRecursive(ctx, snapshot))

	// A fresh store with an empty local side can still materialize it.
	s := newTestStore(t, provider)
	destination := filepath.Join(t.TempDir(), "out")
	require.NoError(t, s.MaterializeDirectory(ctx, destination, digesttrie.DirectoryDigest{Digest: snapshot.Digest}, false, nil, store.Writable))
	contents, err := os.ReadFile(filepath.Join(destination, "remote.txt"))
	require.NoError(t, err)
	require.Equal(t, []byte("remote contents"), contents)

	// The fetched blobs were recorded locally.
	fileDigest := digest.OfBytes([]byte("remote contents"))
	found, err := s.Local().Contains(ctx, local.PartitionFile, fileDigest)
	require.NoError(t, err)
	require.True(t, found)
}

func TestEnsureLocalHasRecursiveDirectory(t *testing.T) {
	ctx := context.Background()
	provider := newFakeRemoteProvider()

	source := newTestStore(t, provider)
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "nested"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "nested", "file.txt"), []byte("nested file"), 0o644))
	snapshot, err := source.CaptureSnapshot(ctx, root, pathglob.MustNew("**"), nil)
	require.NoError(t, err)
	require.NoError(t, source.EnsureRemoteHasRecursive(ctx, snapshot))

	s := newTestStore(t, provider)
	require.NoError(t, s.EnsureLocalHasRecursiveDirectory(ctx, digesttrie.DirectoryDigest{Digest: snapshot.Digest}))
	found, err := s.Local().Contains(ctx, local.PartitionFile, digest.OfBytes([]byte("nested file")))
	require.NoError(t, err)
	require.True(t, found)
}

func TestEnsureLocalHasFileMissingEverywhere(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, newFakeRemoteProvider())
	err := s.EnsureLocalHasFile(ctx, digest.OfBytes([]byte("nowhere")))
	require.Error(t, err)
}

func TestActionResultRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, nil)

	key := digest.OfBytes([]byte("canonical process"))
	response := &remoteexecution.ExecuteResponse{
		Result:       &remoteexecution.ActionResult{ExitCode: 42},
		CachedResult: true,
	}
	require.NoError(t, s.StoreActionResult(ctx, key, response))

	loaded, found, err := s.LoadActionResult(ctx, key)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, int32(42), loaded.Result.ExitCode)
	require.True(t, loaded.CachedResult)

	_, found, err = s.LoadActionResult(ctx, digest.OfBytes([]byte("other process")))
	require.NoError(t, err)
	require.False(t, found)
}

func TestObservedURL(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, nil)

	observed := digest.OfBytes([]byte("downloaded payload"))
	require.NoError(t, s.RecordObservedURL(ctx, "https://example.com/tool.tar.gz", observed))

	d, found, err := s.LookupObservedURL(ctx, "https://example.com/tool.tar.gz")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, observed, d)

	_, found, err = s.LookupObservedURL(ctx, "https://example.com/other")
	require.NoError(t, err)
	require.False(t, found)
}

func TestImmutableInputs(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, nil)

	snapshot, err := s.SnapshotOfOneFile(ctx, "data.txt", []byte("immutable"), false)
	require.NoError(t, err)

	root := t.TempDir()
	inputs, err := store.NewImmutableInputs(s, filepath.Join(root, "immutable"))
	require.NoError(t, err)

	path1, err := inputs.Path(ctx, snapshot)
	require.NoError(t, err)
	path2, err := inputs.Path(ctx, snapshot)
	require.NoError(t, err)
	require.Equal(t, path1, path2)

	contents, err := os.ReadFile(filepath.Join(path1, "data.txt"))
	require.NoError(t, err)
	require.Equal(t, []byte("immutable"), contents)
	info, err := os.Stat(filepath.Join(path1, "data.txt"))
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o444), info.Mode().Perm())

	// No staging directories were left behind.
	entries, err := os.ReadDir(filepath.Join(root, "immutable"))
	require.NoError(t, err)
	require.Len(t, entries, 1)

	require.NoError(t, os.Chmod(path1, 0o755))
}

func TestNamedCaches(t *testing.T) {
	base := filepath.Join(t.TempDir(), "caches")
	caches := store.NewNamedCaches(base)

	_, err := caches.Path("Invalid-Name")
	require.Error(t, err)

	requests, err := caches.Symlinks(map[string]string{
		"pip_cache": ".cache/pip",
		"go_cache":  ".cache/go",
	})
	require.NoError(t, err)
	require.Equal(t, []store.SymlinkRequest{
		{SandboxPath: ".cache/go", Target: filepath.Join(base, "go_cache")},
		{SandboxPath: ".cache/pip", Target: filepath.Join(base, "pip_cache")},
	}, requests)
	info, err := os.Stat(filepath.Join(base, "go_cache"))
	require.NoError(t, err)
	require.True(t, info.IsDir())
}
