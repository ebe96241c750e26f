package digesttrie

import (
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Merge computes the recursive union of a set of tries. Entries with
// the same path must be identical: files must have the same digest and
// executable bit, symlinks the same target. Directories with the same
// path are merged recursively. Diverging entries yield an error naming
// the colliding path and both contributors.
func Merge(tries ...*Trie) (*Trie, error) {
	switch len(tries) {
	case 0:
		return Empty, nil
	case 1:
		return tries[0], nil
	}
	merged := tries[0]
	for _, t := range tries[1:] {
		var err error
		merged, err = mergeTwo(merged, t, "")
		if err != nil {
			return nil, err
		}
	}
	return merged, nil
}

func mergeTwo(a, b *Trie, prefix string) (*Trie, error) {
	if a.digest == b.digest {
		return a, nil
	}
	aEntries, bEntries := a.entries, b.entries
	var entries []Entry
	i, j := 0, 0
	for i < len(aEntries) && j < len(bEntries) {
		ae, be := aEntries[i], bEntries[j]
		switch {
		case ae.Name() < be.Name():
			entries = append(entries, ae)
			i++
		case ae.Name() > be.Name():
			entries = append(entries, be)
			j++
		default:
			merged, err := mergeEntries(ae, be, prefix)
			if err != nil {
				return nil, err
			}
			entries = append(entries, merged)
			i++
			j++
		}
	}
	entries = append(entries, aEntries[i:]...)
	entries = append(entries, bEntries[j:]...)
	return newTrie(entries)
}

func mergeEntries(a, b Entry, prefix string) (Entry, error) {
	path := prefix + a.Name()
	switch ae := a.(type) {
	case FileEntry:
		if be, ok := b.(FileEntry); ok {
			if ae.digest == be.digest && ae.isExecutable == be.isExecutable {
				return ae, nil
			}
			return nil, status.Errorf(codes.InvalidArgument, "Cannot merge file %#v: one tree contains digest %s, the other %s", path, ae.digest, be.digest)
		}
	case SymlinkEntry:
		if be, ok := b.(SymlinkEntry); ok {
			if ae.target == be.target {
				return ae, nil
			}
			return nil, status.Errorf(codes.InvalidArgument, "Cannot merge symlink %#v: one tree targets %#v, the other %#v", path, ae.target, be.target)
		}
	case DirectoryEntry:
		if be, ok := b.(DirectoryEntry); ok {
			merged, err := mergeTwo(ae.trie, be.trie, path+"/")
			if err != nil {
				return nil, err
			}
			return DirectoryEntry{name: ae.name, trie: merged}, nil
		}
	}
	return nil, status.Errorf(codes.InvalidArgument, "Cannot merge %#v: the trees contain entries of different types", path)
}
