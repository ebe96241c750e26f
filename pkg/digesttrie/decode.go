package digesttrie

import (
	"context"

	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/buildbarn/bb-storage/pkg/util"
	"github.com/forgebuild/forge/pkg/digest"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// DirectoryFetcher loads a canonical Directory message by its digest.
// It is implemented by the store facade.
type DirectoryFetcher func(ctx context.Context, d digest.Digest) (*remoteexecution.Directory, error)

// Decode reconstructs a Trie from a root directory digest, fetching
// directory messages through the provided fetcher. The decoded trie's
// digest is verified to equal the requested root, which guards against
// non-canonical serializations in the store.
func Decode(ctx context.Context, root digest.Digest, fetch DirectoryFetcher) (*Trie, error) {
	t, err := decode(ctx, root, fetch)
	if err != nil {
		return nil, err
	}
	if t.digest != root {
		return nil, status.Errorf(codes.Internal, "Directory %s decoded to a tree with digest %s; the stored serialization is not canonical", root, t.digest)
	}
	return t, nil
}

func decode(ctx context.Context, root digest.Digest, fetch DirectoryFetcher) (*Trie, error) {
	if root == Empty.Digest() {
		return Empty, nil
	}
	directory, err := fetch(ctx, root)
	if err != nil {
		return nil, util.StatusWrapf(err, "Failed to fetch directory %s", root)
	}
	return FromDirectory(ctx, directory, fetch)
}

// FromDirectory reconstructs a Trie from an already fetched root
// Directory message, fetching child directories through the fetcher.
func FromDirectory(ctx context.Context, directory *remoteexecution.Directory, fetch DirectoryFetcher) (*Trie, error) {
	var entries []Entry
	for _, file := range directory.Files {
		d, err := digest.FromProto(file.Digest)
		if err != nil {
			return nil, util.StatusWrapf(err, "Invalid digest for file %#v", file.Name)
		}
		entries = append(entries, FileEntry{
			name:         file.Name,
			digest:       d,
			isExecutable: file.IsExecutable,
		})
	}
	for _, child := range directory.Directories {
		d, err := digest.FromProto(child.Digest)
		if err != nil {
			return nil, util.StatusWrapf(err, "Invalid digest for directory %#v", child.Name)
		}
		subtree, err := decode(ctx, d, fetch)
		if err != nil {
			return nil, util.StatusWrapf(err, "Failed to decode directory %#v", child.Name)
		}
		entries = append(entries, DirectoryEntry{name: child.Name, trie: subtree})
	}
	for _, symlink := range directory.Symlinks {
		entries = append(entries, SymlinkEntry{
			name:   symlink.Name,
			target: symlink.Target,
		})
	}
	return newTrie(entries)
}
