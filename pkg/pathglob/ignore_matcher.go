package pathglob

import (
	"os"

	ignore "github.com/sabhiram/go-gitignore"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// IgnoreMatcher is a layered gitignore-style matcher. It combines
// explicitly configured patterns with the contents of discovered
// .gitignore files. A path is ignored if any layer matches it.
type IgnoreMatcher struct {
	layers []*ignore.GitIgnore
}

// NewIgnoreMatcher creates an IgnoreMatcher from a set of explicit
// gitignore-style patterns.
func NewIgnoreMatcher(patterns []string) *IgnoreMatcher {
	m := &IgnoreMatcher{}
	if len(patterns) > 0 {
		m.layers = append(m.layers, ignore.CompileIgnoreLines(patterns...))
	}
	return m
}

// AddFile layers the contents of a gitignore file on top of the
// existing patterns. Missing files are skipped silently, as .gitignore
// files are optional at every level.
func (m *IgnoreMatcher) AddFile(path string) error {
	layer, err := ignore.CompileIgnoreFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return status.Errorf(codes.InvalidArgument, "Failed to parse ignore file %#v: %s", path, err)
	}
	m.layers = append(m.layers, layer)
	return nil
}

// Ignored returns whether a slash-separated relative path should be
// skipped. Directories are matched with a trailing slash, matching Git
// semantics for patterns like `target/`.
func (m *IgnoreMatcher) Ignored(path string, isDir bool) bool {
	if isDir {
		path += "/"
	}
	for _, layer := range m.layers {
		if layer.MatchesPath(path) {
			return true
		}
	}
	return false
}
