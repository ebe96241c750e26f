package digesttrie

import (
	"sort"
	"strings"

	"github.com/forgebuild/forge/pkg/digest"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// PathStatKind distinguishes the kinds of filesystem entries that can
// be ingested into a trie.
type PathStatKind int

const (
	// PathStatFile is a regular file.
	PathStatFile PathStatKind = iota
	// PathStatDirectory is a directory. Directories containing other
	// path stats are created implicitly; an explicit entry is only
	// needed to represent an empty directory.
	PathStatDirectory
	// PathStatSymlink is a symbolic link.
	PathStatSymlink
)

// PathStat describes one filesystem entry by its slash-separated path
// relative to the tree root.
type PathStat struct {
	Path string
	Kind PathStatKind

	// Digest and IsExecutable are set for files.
	Digest       digest.Digest
	IsExecutable bool

	// Target is set for symlinks.
	Target string
}

// FromPathStats constructs a canonical trie from a list of path stats.
// The input does not need to be sorted or to mention intermediate
// directories; both are normalized during construction. Conflicting
// entries for the same path yield an error.
func FromPathStats(stats []PathStat) (*Trie, error) {
	sorted := make([]PathStat, len(stats))
	copy(sorted, stats)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Path < sorted[j].Path
	})
	return fromSortedPathStats(sorted)
}

func fromSortedPathStats(stats []PathStat) (*Trie, error) {
	var entries []Entry
	for i := 0; i < len(stats); {
		stat := stats[i]
		if stat.Path == "" || strings.HasPrefix(stat.Path, "/") {
			return nil, status.Errorf(codes.InvalidArgument, "Path %#v is not a normalized relative path", stat.Path)
		}
		component, _, hasRest := strings.Cut(stat.Path, "/")

		// Collect the contiguous run of stats sharing the first
		// path component.
		prefix := component + "/"
		j := i + 1
		for j < len(stats) && (stats[j].Path == component || strings.HasPrefix(stats[j].Path, prefix)) {
			j++
		}
		group := stats[i:j]
		i = j

		if !hasRest && len(group) == 1 {
			// Leaf entry.
			switch stat.Kind {
			case PathStatFile:
				entries = append(entries, FileEntry{
					name:         component,
					digest:       stat.Digest,
					isExecutable: stat.IsExecutable,
				})
			case PathStatSymlink:
				entries = append(entries, SymlinkEntry{
					name:   component,
					target: stat.Target,
				})
			case PathStatDirectory:
				entries = append(entries, DirectoryEntry{
					name: component,
					trie: Empty,
				})
			}
			continue
		}

		// Multi-component group: strip the shared component and
		// recurse. An explicit stat for the directory itself is
		// dropped, as its existence is implied by its children.
		var children []PathStat
		for _, child := range group {
			if child.Path == component {
				if child.Kind != PathStatDirectory {
					return nil, status.Errorf(codes.InvalidArgument, "Path %#v is used as both a directory and a non-directory", component)
				}
				continue
			}
			child.Path = child.Path[len(prefix):]
			children = append(children, child)
		}
		subtree, err := fromSortedPathStats(children)
		if err != nil {
			return nil, err
		}
		entries = append(entries, DirectoryEntry{
			name: component,
			trie: subtree,
		})
	}
	return newTrie(entries)
}

// NewFileEntry constructs a file entry for use with FromEntries.
func NewFileEntry(name string, d digest.Digest, isExecutable bool) Entry {
	return FileEntry{name: name, digest: d, isExecutable: isExecutable}
}

// NewSymlinkEntry constructs a symlink entry for use with FromEntries.
func NewSymlinkEntry(name, target string) Entry {
	return SymlinkEntry{name: name, target: target}
}

// NewDirectoryEntry constructs a directory entry for use with
// FromEntries.
func NewDirectoryEntry(name string, trie *Trie) Entry {
	return DirectoryEntry{name: name, trie: trie}
}

// FromEntries constructs a single-level trie from explicit entries.
func FromEntries(entries ...Entry) (*Trie, error) {
	return newTrie(append([]Entry(nil), entries...))
}
