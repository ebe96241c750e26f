package digesttrie

import (
	"github.com/forgebuild/forge/pkg/pathglob"
)

// Subset returns a new trie retaining only the entries whose paths are
// matched by the provided globs. A directory whose own path matches is
// retained with its entire subtree. Directories that end up empty and
// do not themselves match are dropped.
func (t *Trie) Subset(globs *pathglob.PathGlobs) (*Trie, error) {
	return t.subset(globs, "")
}

func (t *Trie) subset(globs *pathglob.PathGlobs, prefix string) (*Trie, error) {
	var entries []Entry
	for _, entry := range t.entries {
		path := entry.Name()
		if prefix != "" {
			path = prefix + "/" + path
		}
		switch e := entry.(type) {
		case FileEntry, SymlinkEntry:
			if globs.Matches(path) {
				entries = append(entries, entry)
			}
		case DirectoryEntry:
			if globs.Matches(path) {
				entries = append(entries, entry)
				continue
			}
			if !globs.MatchesDirectoryPrefix(path) {
				continue
			}
			subtree, err := e.trie.subset(globs, path)
			if err != nil {
				return nil, err
			}
			if len(subtree.entries) > 0 {
				entries = append(entries, DirectoryEntry{name: e.name, trie: subtree})
			}
		}
	}
	return newTrie(entries)
}
