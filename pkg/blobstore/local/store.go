// Package local implements the persistent on-disk blob store. Blobs
// are kept in a Badger key-value database, keyed by partition and
// fingerprint. As the fingerprint is a uniformly distributed hash, its
// leading byte acts as the shard prefix, matching the sharded on-disk
// layout of the store root.
//
// Every entry carries a lease: a wall-clock deadline that is extended
// whenever the entry is accessed. Entries whose lease has expired are
// removed by GC(). Files referenced by a directory have their leases
// extended transitively when the directory is recorded, so a live
// directory never refers to collected children.
package local

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"path/filepath"
	"time"

	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/buildbarn/bb-storage/pkg/clock"
	"github.com/buildbarn/bb-storage/pkg/util"
	"github.com/dgraph-io/badger/v4"
	"github.com/forgebuild/forge/pkg/digest"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
)

// Partition separates the key spaces of the store. Files and
// directories are kept apart so that GC can treat directory protos as
// roots for transitive lease extension. The remaining partitions hold
// non-content-addressed entries keyed by opaque digests.
type Partition byte

const (
	// PartitionFile holds file blobs.
	PartitionFile Partition = 'f'
	// PartitionDirectory holds canonical Directory messages.
	PartitionDirectory Partition = 'd'
	// PartitionActionResult holds serialized ExecuteResponse
	// messages keyed by canonical process digests.
	PartitionActionResult Partition = 'a'
	// PartitionObservedURL holds URL observation witnesses keyed by
	// the digest of the URL string.
	PartitionObservedURL Partition = 'u'
)

const (
	blobKeyPrefix  = 'b'
	leaseKeyPrefix = 'l'
)

// Store is the local byte store.
type Store struct {
	db            *badger.DB
	clock         clock.Clock
	leaseDuration time.Duration
}

// NewStore opens a Store rooted at the given directory. The lease
// duration determines how long unaccessed entries survive GC.
func NewStore(rootPath string, clk clock.Clock, leaseDuration time.Duration) (*Store, error) {
	options := badger.DefaultOptions(filepath.Join(rootPath, "store")).
		WithLogger(nil)
	db, err := badger.Open(options)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "Failed to open local store at %#v: %s", rootPath, err)
	}
	return &Store{
		db:            db,
		clock:         clk,
		leaseDuration: leaseDuration,
	}, nil
}

// NewInMemoryStore creates a Store that is not persisted. For use in
// tests.
func NewInMemoryStore(clk clock.Clock, leaseDuration time.Duration) (*Store, error) {
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	if err != nil {
		return nil, status.Errorf(codes.Internal, "Failed to open in-memory store: %s", err)
	}
	return &Store{
		db:            db,
		clock:         clk,
		leaseDuration: leaseDuration,
	}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func blobKey(p Partition, f digest.Fingerprint) []byte {
	// The fingerprint's first byte follows the partition directly,
	// giving the sharded layout its 256-way fan-out.
	key := make([]byte, 0, 2+len(f))
	key = append(key, blobKeyPrefix, byte(p))
	return append(key, f[:]...)
}

func leaseKey(p Partition, f digest.Fingerprint) []byte {
	key := make([]byte, 0, 2+len(f))
	key = append(key, leaseKeyPrefix, byte(p))
	return append(key, f[:]...)
}

func encodeDeadline(t time.Time) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(t.UnixNano()))
	return b[:]
}

func decodeDeadline(b []byte) time.Time {
	return time.Unix(0, int64(binary.BigEndian.Uint64(b)))
}

func (s *Store) setLease(txn *badger.Txn, p Partition, f digest.Fingerprint, deadline time.Time) error {
	existing, err := txn.Get(leaseKey(p, f))
	if err == nil {
		var keep bool
		err = existing.Value(func(v []byte) error {
			keep = !decodeDeadline(v).Before(deadline)
			return nil
		})
		if err != nil {
			return err
		}
		// Leases only ever move forward.
		if keep {
			return nil
		}
	} else if err != badger.ErrKeyNotFound {
		return err
	}
	return txn.Set(leaseKey(p, f), encodeDeadline(deadline))
}

// StoreBytes writes a blob into the given partition and returns its
// digest. The digest is computed while writing; storing is atomic with
// lease creation.
func (s *Store) StoreBytes(ctx context.Context, p Partition, b []byte) (digest.Digest, error) {
	d := digest.OfBytes(b)
	if d.IsEmpty() {
		return d, nil
	}
	deadline := s.clock.Now().Add(s.leaseDuration)
	err := s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(blobKey(p, d.Fingerprint()), b); err != nil {
			return err
		}
		return s.setLease(txn, p, d.Fingerprint(), deadline)
	})
	if err != nil {
		return digest.Digest{}, status.Errorf(codes.Internal, "Failed to store blob %s: %s", d, err)
	}
	return d, nil
}

// StoreBytesKeyed writes a blob under an explicit key digest, for
// partitions whose keys are not content digests (action results,
// observed URLs).
func (s *Store) StoreBytesKeyed(ctx context.Context, p Partition, key digest.Digest, b []byte) error {
	deadline := s.clock.Now().Add(s.leaseDuration)
	err := s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(blobKey(p, key.Fingerprint()), b); err != nil {
			return err
		}
		return s.setLease(txn, p, key.Fingerprint(), deadline)
	})
	if err != nil {
		return status.Errorf(codes.Internal, "Failed to store keyed blob %s: %s", key, err)
	}
	return nil
}

// LoadBytesWith streams a blob into w. It returns false without error
// if the blob is absent. Loading a blob extends its lease.
func (s *Store) LoadBytesWith(ctx context.Context, p Partition, d digest.Digest, w io.Writer) (bool, error) {
	if d.IsEmpty() {
		return true, nil
	}
	found := false
	deadline := s.clock.Now().Add(s.leaseDuration)
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(blobKey(p, d.Fingerprint()))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		if err := item.Value(func(v []byte) error {
			_, err := w.Write(v)
			return err
		}); err != nil {
			return err
		}
		found = true
		return s.setLease(txn, p, d.Fingerprint(), deadline)
	})
	if err != nil {
		return false, status.Errorf(codes.Internal, "Failed to load blob %s: %s", d, err)
	}
	return found, nil
}

// LoadBytes returns a blob's contents, or false if it is absent.
func (s *Store) LoadBytes(ctx context.Context, p Partition, d digest.Digest) ([]byte, bool, error) {
	var b bytes.Buffer
	found, err := s.LoadBytesWith(ctx, p, d, &b)
	if err != nil || !found {
		return nil, found, err
	}
	return b.Bytes(), true, nil
}

// Contains returns whether a blob is present without touching its
// lease.
func (s *Store) Contains(ctx context.Context, p Partition, d digest.Digest) (bool, error) {
	if d.IsEmpty() {
		return true, nil
	}
	found := false
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(blobKey(p, d.Fingerprint()))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return false, status.Errorf(codes.Internal, "Failed to check presence of blob %s: %s", d, err)
	}
	return found, nil
}

// RecordDirectory stores a canonical Directory message and extends the
// leases of all entries it references, so that files referenced by a
// live directory are not collected before the directory itself.
// Subdirectories must have been recorded beforehand; recording happens
// bottom-up.
func (s *Store) RecordDirectory(ctx context.Context, directory *remoteexecution.Directory) (digest.Digest, error) {
	d, data, err := digest.OfProto(directory)
	if err != nil {
		return digest.Digest{}, err
	}
	deadline := s.clock.Now().Add(s.leaseDuration)
	err = s.db.Update(func(txn *badger.Txn) error {
		if !d.IsEmpty() {
			if err := txn.Set(blobKey(PartitionDirectory, d.Fingerprint()), data); err != nil {
				return err
			}
			if err := s.setLease(txn, PartitionDirectory, d.Fingerprint(), deadline); err != nil {
				return err
			}
		}
		for _, file := range directory.Files {
			childDigest, err := digest.FromProto(file.Digest)
			if err != nil {
				return err
			}
			if childDigest.IsEmpty() {
				continue
			}
			if err := s.setLease(txn, PartitionFile, childDigest.Fingerprint(), deadline); err != nil {
				return err
			}
		}
		for _, child := range directory.Directories {
			childDigest, err := digest.FromProto(child.Digest)
			if err != nil {
				return err
			}
			if childDigest.IsEmpty() {
				continue
			}
			if err := s.setLease(txn, PartitionDirectory, childDigest.Fingerprint(), deadline); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return digest.Digest{}, status.Errorf(codes.Internal, "Failed to record directory %s: %s", d, err)
	}
	return d, nil
}

// LoadDirectory loads a canonical Directory message, verifying that
// the stored bytes still match the requested digest.
func (s *Store) LoadDirectory(ctx context.Context, d digest.Digest) (*remoteexecution.Directory, bool, error) {
	data, found, err := s.LoadBytes(ctx, PartitionDirectory, d)
	if err != nil || !found {
		return nil, found, err
	}
	if actual := digest.OfBytes(data); actual != d {
		return nil, false, status.Errorf(codes.Internal, "Directory %s has digest %s in storage; the entry is corrupted", d, actual)
	}
	var directory remoteexecution.Directory
	if err := proto.Unmarshal(data, &directory); err != nil {
		return nil, false, util.StatusWrapfWithCode(err, codes.Internal, "Failed to unmarshal directory %s", d)
	}
	return &directory, true, nil
}

// Remove deletes a blob and its lease.
func (s *Store) Remove(ctx context.Context, p Partition, d digest.Digest) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete(blobKey(p, d.Fingerprint())); err != nil {
			return err
		}
		return txn.Delete(leaseKey(p, d.Fingerprint()))
	})
	if err != nil {
		return status.Errorf(codes.Internal, "Failed to remove blob %s: %s", d, err)
	}
	return nil
}

// Lease extends a blob's lease to at least the given deadline.
func (s *Store) Lease(ctx context.Context, p Partition, d digest.Digest, deadline time.Time) error {
	if d.IsEmpty() {
		return nil
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return s.setLease(txn, p, d.Fingerprint(), deadline)
	})
	if err != nil {
		return status.Errorf(codes.Internal, "Failed to extend lease of blob %s: %s", d, err)
	}
	return nil
}

// GC removes all entries whose lease deadline lies in the past and
// returns the number of removed entries.
func (s *Store) GC(ctx context.Context) (int, error) {
	now := s.clock.Now()
	var expired [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{
			Prefix:         []byte{leaseKeyPrefix},
			PrefetchValues: true,
		})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			var isExpired bool
			if err := item.Value(func(v []byte) error {
				isExpired = decodeDeadline(v).Before(now)
				return nil
			}); err != nil {
				return err
			}
			if isExpired {
				expired = append(expired, item.KeyCopy(nil))
			}
		}
		return nil
	})
	if err != nil {
		return 0, status.Errorf(codes.Internal, "Failed to scan leases: %s", err)
	}
	for _, lk := range expired {
		bk := append([]byte{blobKeyPrefix}, lk[1:]...)
		if err := s.db.Update(func(txn *badger.Txn) error {
			if err := txn.Delete(bk); err != nil {
				return err
			}
			return txn.Delete(lk)
		}); err != nil {
			return 0, status.Errorf(codes.Internal, "Failed to delete expired entry: %s", err)
		}
	}
	return len(expired), nil
}
