// Package store provides the high level content addressed store. It
// owns one local byte store and optionally one remote byte store, and
// offers snapshot capture, tree materialization and read-through
// loading on top of them. Reads consult the local store first and fall
// back to the remote store, populating the local store on the way.
package store

import (
	"context"
	"log"
	"os"
	"path/filepath"

	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/buildbarn/bb-storage/pkg/util"
	"github.com/forgebuild/forge/pkg/blobstore/local"
	"github.com/forgebuild/forge/pkg/blobstore/remote"
	"github.com/forgebuild/forge/pkg/digest"
	"github.com/forgebuild/forge/pkg/digesttrie"
	"github.com/forgebuild/forge/pkg/pathglob"
	forge_sync "github.com/forgebuild/forge/pkg/sync"
	"golang.org/x/sync/errgroup"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
)

// Permissions controls the file modes used when a tree is written to
// disk.
type Permissions int

const (
	// Writable materializes files and directories writable by the
	// owner.
	Writable Permissions = iota
	// ReadOnly materializes files and directories read-only.
	// Immutable input cells use this, as their contents are shared
	// between sandboxes.
	ReadOnly
)

const ensureRemoteConcurrency = 16

// Store is the facade over the local and the optional remote byte
// store.
type Store struct {
	local  *local.Store
	remote *remote.ByteStore

	materializations forge_sync.KeyedOnce[materializationKey]
}

type materializationKey struct {
	digest      digest.Digest
	destination string
}

// New creates a Store. The remote byte store may be nil, in which case
// all operations are served from the local store only.
func New(localStore *local.Store, remoteStore *remote.ByteStore) *Store {
	return &Store{
		local:  localStore,
		remote: remoteStore,
	}
}

// Local exposes the underlying local store for maintenance operations
// such as garbage collection.
func (s *Store) Local() *local.Store {
	return s.local
}

// SnapshotOfOneFile creates a snapshot holding a single file at the
// given relative path.
func (s *Store) SnapshotOfOneFile(ctx context.Context, path string, contents []byte, isExecutable bool) (digesttrie.DirectoryDigest, error) {
	d, err := s.local.StoreBytes(ctx, local.PartitionFile, contents)
	if err != nil {
		return digesttrie.DirectoryDigest{}, err
	}
	t, err := digesttrie.FromPathStats([]digesttrie.PathStat{{
		Path:         path,
		Kind:         digesttrie.PathStatFile,
		Digest:       d,
		IsExecutable: isExecutable,
	}})
	if err != nil {
		return digesttrie.DirectoryDigest{}, err
	}
	if err := s.RecordTrie(ctx, t); err != nil {
		return digesttrie.DirectoryDigest{}, err
	}
	return digesttrie.FromTrie(t), nil
}

// CaptureSnapshot ingests the files below root that match the given
// globs into the store and returns the resulting snapshot. The ignore
// matcher may be nil. Directories matching a glob are captured with
// their entire subtree.
func (s *Store) CaptureSnapshot(ctx context.Context, root string, globs *pathglob.PathGlobs, ignoreMatcher *pathglob.IgnoreMatcher) (digesttrie.DirectoryDigest, error) {
	var stats []digesttrie.PathStat
	var matched []string

	var walk func(relPath string, captureAll bool) error
	walk = func(relPath string, captureAll bool) error {
		fullPath := root
		if relPath != "" {
			fullPath = filepath.Join(root, filepath.FromSlash(relPath))
		}
		entries, err := os.ReadDir(fullPath)
		if err != nil {
			return status.Errorf(codes.Internal, "Failed to read directory %#v: %s", fullPath, err)
		}
		for _, entry := range entries {
			childPath := entry.Name()
			if relPath != "" {
				childPath = relPath + "/" + entry.Name()
			}
			isDir := entry.IsDir()
			if ignoreMatcher != nil && ignoreMatcher.Ignored(childPath, isDir) {
				continue
			}
			switch {
			case isDir:
				if captureAll || globs.Matches(childPath) {
					// An explicit directory stat keeps empty
					// directories in the snapshot.
					stats = append(stats, digesttrie.PathStat{
						Path: childPath,
						Kind: digesttrie.PathStatDirectory,
					})
					matched = append(matched, childPath)
					if err := walk(childPath, true); err != nil {
						return err
					}
				} else if globs.MatchesDirectoryPrefix(childPath) {
					if err := walk(childPath, false); err != nil {
						return err
					}
				}
			case entry.Type()&os.ModeSymlink != 0:
				if !captureAll && !globs.Matches(childPath) {
					continue
				}
				target, err := os.Readlink(filepath.Join(root, filepath.FromSlash(childPath)))
				if err != nil {
					return status.Errorf(codes.Internal, "Failed to read symlink %#v: %s", childPath, err)
				}
				stats = append(stats, digesttrie.PathStat{
					Path:   childPath,
					Kind:   digesttrie.PathStatSymlink,
					Target: target,
				})
				matched = append(matched, childPath)
			case entry.Type().IsRegular():
				if !captureAll && !globs.Matches(childPath) {
					continue
				}
				info, err := entry.Info()
				if err != nil {
					return status.Errorf(codes.Internal, "Failed to stat %#v: %s", childPath, err)
				}
				contents, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(childPath)))
				if err != nil {
					return status.Errorf(codes.Internal, "Failed to read %#v: %s", childPath, err)
				}
				d, err := s.local.StoreBytes(ctx, local.PartitionFile, contents)
				if err != nil {
					return util.StatusWrapf(err, "Failed to store %#v", childPath)
				}
				stats = append(stats, digesttrie.PathStat{
					Path:         childPath,
					Kind:         digesttrie.PathStatFile,
					Digest:       d,
					IsExecutable: info.Mode()&0o111 != 0,
				})
				matched = append(matched, childPath)
			}
		}
		return nil
	}
	if err := walk("", false); err != nil {
		return digesttrie.DirectoryDigest{}, err
	}

	if warning, err := globs.CheckMatched(matched); err != nil {
		return digesttrie.DirectoryDigest{}, err
	} else if warning != "" {
		log.Print(warning)
	}

	t, err := digesttrie.FromPathStats(stats)
	if err != nil {
		return digesttrie.DirectoryDigest{}, err
	}
	if err := s.RecordTrie(ctx, t); err != nil {
		return digesttrie.DirectoryDigest{}, err
	}
	return digesttrie.FromTrie(t), nil
}

// StoreFileBytes writes a file blob into the local store and returns
// its digest.
func (s *Store) StoreFileBytes(ctx context.Context, contents []byte) (digest.Digest, error) {
	return s.local.StoreBytes(ctx, local.PartitionFile, contents)
}

// RecordTrie stores the directory messages of a tree into the local
// store, bottom-up so that children are always recorded before the
// directories referencing them.
func (s *Store) RecordTrie(ctx context.Context, t *digesttrie.Trie) error {
	for _, entry := range t.Entries() {
		if e, ok := entry.(digesttrie.DirectoryEntry); ok {
			if err := s.RecordTrie(ctx, e.Trie()); err != nil {
				return err
			}
		}
	}
	_, err := s.local.RecordDirectory(ctx, t.Directory())
	return err
}

func (s *Store) fetchDirectory(ctx context.Context, d digest.Digest) (*remoteexecution.Directory, error) {
	directory, found, err := s.local.LoadDirectory(ctx, d)
	if err != nil {
		return nil, err
	}
	if found {
		return directory, nil
	}
	if s.remote != nil {
		data, found, err := s.remote.LoadBytes(ctx, d)
		if err != nil {
			return nil, err
		}
		if found {
			var directory remoteexecution.Directory
			if err := proto.Unmarshal(data, &directory); err != nil {
				return nil, util.StatusWrapfWithCode(err, codes.Internal, "Failed to unmarshal directory %s", d)
			}
			if _, err := s.local.RecordDirectory(ctx, &directory); err != nil {
				return nil, err
			}
			return &directory, nil
		}
	}
	return nil, status.Errorf(codes.NotFound, "Directory %s is not in the store", d)
}

// LoadDirectory decodes the tree rooted at the given directory digest,
// fetching directory messages from the local store and falling back to
// the remote store. Remotely fetched directories are recorded locally.
func (s *Store) LoadDirectory(ctx context.Context, root digest.Digest) (*digesttrie.Trie, error) {
	return digesttrie.Decode(ctx, root, s.fetchDirectory)
}

// LoadFileBytesWith streams a file blob into w, consulting the local
// store first and the remote store on a miss. A remote hit populates
// the local store. Returns false if the blob exists in neither store.
func (s *Store) LoadFileBytesWith(ctx context.Context, d digest.Digest, w func(data []byte) error) (bool, error) {
	data, found, err := s.local.LoadBytes(ctx, local.PartitionFile, d)
	if err != nil {
		return false, err
	}
	if !found && s.remote != nil {
		data, found, err = s.remote.LoadBytes(ctx, d)
		if err != nil {
			return false, err
		}
		if found {
			if _, err := s.local.StoreBytes(ctx, local.PartitionFile, data); err != nil {
				return false, err
			}
		}
	}
	if !found {
		return false, nil
	}
	return true, w(data)
}

// LoadFileBytes loads a file blob into memory, with the same fallback
// behavior as LoadFileBytesWith.
func (s *Store) LoadFileBytes(ctx context.Context, d digest.Digest) ([]byte, bool, error) {
	var result []byte
	found, err := s.LoadFileBytesWith(ctx, d, func(data []byte) error {
		result = data
		return nil
	})
	if err != nil || !found {
		return nil, found, err
	}
	return result, true, nil
}

// EnsureLocalHasFile guarantees that a file blob is present in the
// local store, fetching it from the remote store if necessary.
func (s *Store) EnsureLocalHasFile(ctx context.Context, d digest.Digest) error {
	found, err := s.local.Contains(ctx, local.PartitionFile, d)
	if err != nil {
		return err
	}
	if found {
		return nil
	}
	if s.remote != nil {
		data, found, err := s.remote.LoadBytes(ctx, d)
		if err != nil {
			return err
		}
		if found {
			_, err := s.local.StoreBytes(ctx, local.PartitionFile, data)
			return err
		}
	}
	return status.Errorf(codes.NotFound, "File %s is not in the store", d)
}

// EnsureLocalHasRecursiveDirectory guarantees that a directory tree
// and all file blobs it references are present in the local store.
func (s *Store) EnsureLocalHasRecursiveDirectory(ctx context.Context, root digesttrie.DirectoryDigest) error {
	t := root.Trie
	if t == nil {
		var err error
		t, err = s.LoadDirectory(ctx, root.Digest)
		if err != nil {
			return err
		}
	}
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(ensureRemoteConcurrency)
	_ = t.Walk(func(path string, entry digesttrie.Entry) error {
		if e, ok := entry.(digesttrie.FileEntry); ok {
			group.Go(func() error {
				if err := s.EnsureLocalHasFile(groupCtx, e.Digest()); err != nil {
					return util.StatusWrapf(err, "Failed to fetch %#v", path)
				}
				return nil
			})
		}
		return nil
	})
	return group.Wait()
}

// EnsureRemoteHasRecursive uploads all directory messages and file
// blobs of a tree that the remote store is missing. File contents are
// read from the local store; directory messages come from the decoded
// tree itself.
func (s *Store) EnsureRemoteHasRecursive(ctx context.Context, root digesttrie.DirectoryDigest) error {
	if s.remote == nil {
		return status.Error(codes.FailedPrecondition, "No remote store is configured")
	}
	t := root.Trie
	if t == nil {
		var err error
		t, err = s.LoadDirectory(ctx, root.Digest)
		if err != nil {
			return err
		}
	}

	directories := map[digest.Digest]*digesttrie.Trie{}
	files := map[digest.Digest]struct{}{}
	_ = t.WalkDirectories(func(trie *digesttrie.Trie) error {
		directories[trie.Digest()] = trie
		for _, entry := range trie.Entries() {
			if e, ok := entry.(digesttrie.FileEntry); ok && !e.Digest().IsEmpty() {
				files[e.Digest()] = struct{}{}
			}
		}
		return nil
	})

	var digests []digest.Digest
	for d := range directories {
		if !d.IsEmpty() {
			digests = append(digests, d)
		}
	}
	for d := range files {
		digests = append(digests, d)
	}

	missing, supported, err := s.remote.FindMissingDigests(ctx, digests)
	if err != nil {
		return err
	}
	if !supported {
		missing = digests
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(ensureRemoteConcurrency)
	for _, d := range missing {
		d := d
		group.Go(func() error {
			if trie, ok := directories[d]; ok {
				_, err := s.remote.StoreBytes(groupCtx, trie.CanonicalBytes())
				return err
			}
			data, found, err := s.local.LoadBytes(groupCtx, local.PartitionFile, d)
			if err != nil {
				return err
			}
			if !found {
				return status.Errorf(codes.NotFound, "File %s is referenced by directory %s, but is not in the local store", d, root.Digest)
			}
			_, err = s.remote.StoreBytes(groupCtx, data)
			return err
		})
	}
	return group.Wait()
}

// MaterializeDirectory writes a tree below the destination directory.
// Unless force is set, at most one materialization runs per
// (digest, destination) pair, and a completed one is never repeated.
// Entries matching the exclude globs are skipped; exclude may be nil.
func (s *Store) MaterializeDirectory(ctx context.Context, destination string, root digesttrie.DirectoryDigest, force bool, exclude *pathglob.PathGlobs, permissions Permissions) error {
	if force {
		if err := os.RemoveAll(destination); err != nil {
			return status.Errorf(codes.Internal, "Failed to clear %#v: %s", destination, err)
		}
		return s.materializeRoot(ctx, destination, root, exclude, permissions)
	}
	return s.materializations.Do(ctx, materializationKey{
		digest:      root.Digest,
		destination: destination,
	}, func() error {
		return s.materializeRoot(ctx, destination, root, exclude, permissions)
	})
}

func (s *Store) materializeRoot(ctx context.Context, destination string, root digesttrie.DirectoryDigest, exclude *pathglob.PathGlobs, permissions Permissions) error {
	t := root.Trie
	if t == nil {
		var err error
		t, err = s.LoadDirectory(ctx, root.Digest)
		if err != nil {
			return err
		}
	}
	return s.materializeTrie(ctx, t, destination, "", exclude, permissions)
}

func (s *Store) materializeTrie(ctx context.Context, t *digesttrie.Trie, destination, relPath string, exclude *pathglob.PathGlobs, permissions Permissions) error {
	if err := os.MkdirAll(destination, 0o755); err != nil {
		return status.Errorf(codes.Internal, "Failed to create directory %#v: %s", destination, err)
	}
	for _, entry := range t.Entries() {
		childRel := entry.Name()
		if relPath != "" {
			childRel = relPath + "/" + entry.Name()
		}
		if exclude != nil && exclude.Matches(childRel) {
			continue
		}
		childDst := filepath.Join(destination, entry.Name())
		switch e := entry.(type) {
		case digesttrie.FileEntry:
			if err := s.materializeFile(ctx, childDst, childRel, e, permissions); err != nil {
				return err
			}
		case digesttrie.SymlinkEntry:
			if err := os.Symlink(e.Target(), childDst); err != nil && !os.IsExist(err) {
				return status.Errorf(codes.Internal, "Failed to create symlink %#v: %s", childRel, err)
			}
		case digesttrie.DirectoryEntry:
			if err := s.materializeTrie(ctx, e.Trie(), childDst, childRel, exclude, permissions); err != nil {
				return err
			}
		}
	}
	if permissions == ReadOnly {
		// Children are in place; the directory itself can be
		// sealed now.
		if err := os.Chmod(destination, 0o555); err != nil {
			return status.Errorf(codes.Internal, "Failed to seal directory %#v: %s", destination, err)
		}
	}
	return nil
}

func (s *Store) materializeFile(ctx context.Context, destination, relPath string, entry digesttrie.FileEntry, permissions Permissions) error {
	mode := os.FileMode(0o644)
	if entry.IsExecutable() {
		mode = 0o755
	}
	if permissions == ReadOnly {
		mode &^= 0o222
	}
	f, err := os.OpenFile(destination, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return status.Errorf(codes.Internal, "Failed to create file %#v: %s", relPath, err)
	}
	found, err := s.LoadFileBytesWith(ctx, entry.Digest(), func(data []byte) error {
		_, err := f.Write(data)
		return err
	})
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return util.StatusWrapf(err, "Failed to write file %#v (%s)", relPath, entry.Digest())
	}
	if !found {
		return status.Errorf(codes.NotFound, "File %#v (%s) is not in the store", relPath, entry.Digest())
	}
	// OpenFile applies the umask; restore the intended mode.
	if err := os.Chmod(destination, mode); err != nil {
		return status.Errorf(codes.Internal, "Failed to set mode of %#v: %s", relPath, err)
	}
	return nil
}

// StoreActionResult records a serialized ExecuteResponse under a
// canonical process digest.
func (s *Store) StoreActionResult(ctx context.Context, key digest.Digest, response *remoteexecution.ExecuteResponse) error {
	data, err := proto.Marshal(response)
	if err != nil {
		return status.Errorf(codes.Internal, "Failed to marshal execute response: %s", err)
	}
	return s.local.StoreBytesKeyed(ctx, local.PartitionActionResult, key, data)
}

// LoadActionResult loads the ExecuteResponse recorded under a
// canonical process digest, or false if none is recorded.
func (s *Store) LoadActionResult(ctx context.Context, key digest.Digest) (*remoteexecution.ExecuteResponse, bool, error) {
	data, found, err := s.local.LoadBytes(ctx, local.PartitionActionResult, key)
	if err != nil || !found {
		return nil, found, err
	}
	var response remoteexecution.ExecuteResponse
	if err := proto.Unmarshal(data, &response); err != nil {
		return nil, false, util.StatusWrapfWithCode(err, codes.Internal, "Failed to unmarshal execute response %s", key)
	}
	return &response, true, nil
}

// RecordObservedURL records that the contents of a URL were observed
// to have the given digest, so that later downloads of the same URL
// can be verified against it.
func (s *Store) RecordObservedURL(ctx context.Context, url string, observed digest.Digest) error {
	data, err := proto.Marshal(observed.ToProto())
	if err != nil {
		return status.Errorf(codes.Internal, "Failed to marshal digest: %s", err)
	}
	return s.local.StoreBytesKeyed(ctx, local.PartitionObservedURL, digest.OfBytes([]byte(url)), data)
}

// LookupObservedURL returns the digest previously observed for a URL,
// or false if the URL has not been observed.
func (s *Store) LookupObservedURL(ctx context.Context, url string) (digest.Digest, bool, error) {
	data, found, err := s.local.LoadBytes(ctx, local.PartitionObservedURL, digest.OfBytes([]byte(url)))
	if err != nil || !found {
		return digest.Digest{}, found, err
	}
	var m remoteexecution.Digest
	if err := proto.Unmarshal(data, &m); err != nil {
		return digest.Digest{}, false, util.StatusWrapfWithCode(err, codes.Internal, "Failed to unmarshal observed digest for %#v", url)
	}
	d, err := digest.FromProto(&m)
	if err != nil {
		return digest.Digest{}, false, err
	}
	return d, true, nil
}
