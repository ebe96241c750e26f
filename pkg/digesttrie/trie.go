// Package digesttrie provides an immutable in-memory model of a
// content addressed directory tree. Nodes are canonicalized so that
// two trees holding the same contents always have the same root
// digest, regardless of the order in which they were constructed. The
// canonical serialization is byte-exact with the REAPI Directory
// message, so digests interoperate with remote caches.
package digesttrie

import (
	"sort"
	"strings"

	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/forgebuild/forge/pkg/digest"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Entry is a single child of a directory: a file, a subdirectory or a
// symbolic link. Names never contain path separators.
type Entry interface {
	Name() string
	isEntry()
}

// FileEntry is a regular file with known contents.
type FileEntry struct {
	name         string
	digest       digest.Digest
	isExecutable bool
}

// Name returns the file's name within its directory.
func (e FileEntry) Name() string { return e.name }

// Digest returns the digest of the file's contents.
func (e FileEntry) Digest() digest.Digest { return e.digest }

// IsExecutable returns whether the file's executable bit is set.
func (e FileEntry) IsExecutable() bool { return e.isExecutable }

func (e FileEntry) isEntry() {}

// SymlinkEntry is a symbolic link with an uninterpreted target.
type SymlinkEntry struct {
	name   string
	target string
}

// Name returns the symlink's name within its directory.
func (e SymlinkEntry) Name() string { return e.name }

// Target returns the symlink's target path.
func (e SymlinkEntry) Target() string { return e.target }

func (e SymlinkEntry) isEntry() {}

// DirectoryEntry is a subdirectory holding a nested Trie.
type DirectoryEntry struct {
	name string
	trie *Trie
}

// Name returns the directory's name within its parent.
func (e DirectoryEntry) Name() string { return e.name }

// Trie returns the subtree rooted at this directory.
func (e DirectoryEntry) Trie() *Trie { return e.trie }

func (e DirectoryEntry) isEntry() {}

// Trie is an immutable directory tree. Children are sorted by name
// and unique. The digest of the canonical serialization is computed at
// construction time.
type Trie struct {
	entries []Entry
	proto   *remoteexecution.Directory
	data    []byte
	digest  digest.Digest
}

// Empty is the trie of an empty directory.
var Empty = mustNewTrie(nil)

func mustNewTrie(entries []Entry) *Trie {
	t, err := newTrie(entries)
	if err != nil {
		panic(err)
	}
	return t
}

func newTrie(entries []Entry) (*Trie, error) {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})
	directory := &remoteexecution.Directory{}
	previousName := ""
	for i, entry := range entries {
		name := entry.Name()
		if name == "" {
			return nil, status.Error(codes.InvalidArgument, "Directory entries may not have empty names")
		}
		if strings.ContainsAny(name, "/\\") {
			return nil, status.Errorf(codes.InvalidArgument, "Directory entry name %#v contains a path separator", name)
		}
		if i > 0 && name == previousName {
			return nil, status.Errorf(codes.InvalidArgument, "Directory contains multiple entries named %#v", name)
		}
		previousName = name

		switch e := entry.(type) {
		case FileEntry:
			directory.Files = append(directory.Files, &remoteexecution.FileNode{
				Name:         e.name,
				Digest:       e.digest.ToProto(),
				IsExecutable: e.isExecutable,
			})
		case DirectoryEntry:
			directory.Directories = append(directory.Directories, &remoteexecution.DirectoryNode{
				Name:   e.name,
				Digest: e.trie.digest.ToProto(),
			})
		case SymlinkEntry:
			directory.Symlinks = append(directory.Symlinks, &remoteexecution.SymlinkNode{
				Name:   e.name,
				Target: e.target,
			})
		}
	}
	d, data, err := digest.OfProto(directory)
	if err != nil {
		return nil, err
	}
	return &Trie{
		entries: entries,
		proto:   directory,
		data:    data,
		digest:  d,
	}, nil
}

// Digest returns the digest of the trie's canonical serialization.
func (t *Trie) Digest() digest.Digest {
	return t.digest
}

// Entries returns the trie's immediate children, sorted by name. The
// returned slice must not be modified.
func (t *Trie) Entries() []Entry {
	return t.entries
}

// Directory returns the canonical REAPI Directory message of the
// trie's root.
func (t *Trie) Directory() *remoteexecution.Directory {
	return t.proto
}

// CanonicalBytes returns the canonical serialization of the trie's
// root, whose digest equals Digest().
func (t *Trie) CanonicalBytes() []byte {
	return t.data
}

// TotalSizeBytes returns the sum of the sizes of all file blobs and
// directory messages in the tree. Used for progress accounting during
// materialization and uploads.
func (t *Trie) TotalSizeBytes() int64 {
	total := t.digest.SizeBytes()
	for _, entry := range t.entries {
		switch e := entry.(type) {
		case FileEntry:
			total += e.digest.SizeBytes()
		case DirectoryEntry:
			total += e.trie.TotalSizeBytes()
		}
	}
	return total
}

// WalkDirectories invokes fn for every directory in the tree,
// including the root, in depth-first preorder.
func (t *Trie) WalkDirectories(fn func(trie *Trie) error) error {
	if err := fn(t); err != nil {
		return err
	}
	for _, entry := range t.entries {
		if e, ok := entry.(DirectoryEntry); ok {
			if err := e.trie.WalkDirectories(fn); err != nil {
				return err
			}
		}
	}
	return nil
}

// Walk invokes fn for every entry in the tree in depth-first preorder,
// providing the slash-separated path relative to the root.
func (t *Trie) Walk(fn func(path string, entry Entry) error) error {
	return t.walk("", fn)
}

func (t *Trie) walk(prefix string, fn func(path string, entry Entry) error) error {
	for _, entry := range t.entries {
		path := entry.Name()
		if prefix != "" {
			path = prefix + "/" + path
		}
		if err := fn(path, entry); err != nil {
			return err
		}
		if e, ok := entry.(DirectoryEntry); ok {
			if err := e.trie.walk(path, fn); err != nil {
				return err
			}
		}
	}
	return nil
}

// DirectoryDigest is a Digest that is known to refer to a canonical
// Directory message, optionally paired with the decoded tree for fast
// traversal.
type DirectoryDigest struct {
	Digest digest.Digest
	// Trie is the decoded tree, or nil if only the digest is known.
	// Operations that need to traverse the tree must load it through
	// the store first.
	Trie *Trie
}

// EmptyDirectoryDigest returns the DirectoryDigest of the empty
// directory.
func EmptyDirectoryDigest() DirectoryDigest {
	return DirectoryDigest{Digest: Empty.Digest(), Trie: Empty}
}

// FromTrie pairs a trie with its digest.
func FromTrie(t *Trie) DirectoryDigest {
	return DirectoryDigest{Digest: t.Digest(), Trie: t}
}
