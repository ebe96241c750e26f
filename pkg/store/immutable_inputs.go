package store

import (
	"context"
	"os"
	"path/filepath"

	"github.com/forgebuild/forge/pkg/digest"
	"github.com/forgebuild/forge/pkg/digesttrie"
	forge_sync "github.com/forgebuild/forge/pkg/sync"
	"github.com/google/uuid"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ImmutableInputs is a farm of read-only directory cells, each holding
// one materialized tree keyed by its digest. Cells are shared between
// sandboxes through symlinks, so each tree is written to disk at most
// once per process lifetime.
//
// Population happens in an anonymous staging directory that is renamed
// into place only after the tree is complete. A cancelled or failed
// population therefore never leaves a partially written cell
// observable under its published name.
type ImmutableInputs struct {
	store *Store
	root  string
	cells forge_sync.KeyedOnce[digest.Digest]
}

// NewImmutableInputs creates the farm rooted at the given directory.
func NewImmutableInputs(store *Store, root string) (*ImmutableInputs, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, status.Errorf(codes.Internal, "Failed to create immutable inputs root %#v: %s", root, err)
	}
	return &ImmutableInputs{
		store: store,
		root:  root,
	}, nil
}

// Path returns the absolute path of the cell holding the given tree,
// materializing it first if needed. Concurrent callers for the same
// digest share a single materialization.
func (ii *ImmutableInputs) Path(ctx context.Context, root digesttrie.DirectoryDigest) (string, error) {
	target := filepath.Join(ii.root, root.Digest.Hex())
	err := ii.cells.Do(ctx, root.Digest, func() error {
		if _, err := os.Lstat(target); err == nil {
			// Populated by an earlier process using the same root.
			return nil
		}
		staging := filepath.Join(ii.root, ".tmp."+uuid.New().String())
		if err := ii.store.MaterializeDirectory(ctx, staging, root, false, nil, ReadOnly); err != nil {
			os.RemoveAll(staging)
			return err
		}
		if err := os.Rename(staging, target); err != nil {
			os.RemoveAll(staging)
			if _, statErr := os.Lstat(target); statErr == nil {
				// A concurrent process published the cell first.
				return nil
			}
			return status.Errorf(codes.Internal, "Failed to publish immutable input %s: %s", root.Digest, err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return target, nil
}
