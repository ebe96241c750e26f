// Package pathglob implements the glob syntax used to select files
// below the build root: `*`, `?`, character classes and `**` for
// recursive matching, with a `!` prefix for negation.
package pathglob

import (
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Conjunction determines how multiple globs in a set must relate to
// the set of matched paths for the expansion to be considered
// successful.
type Conjunction int

const (
	// AnyMatch requires at least one glob in the set to match at
	// least one path.
	AnyMatch Conjunction = iota
	// AllMatch requires every glob in the set to match at least one
	// path.
	AllMatch
)

// StrictMatching determines how unmatched globs are reported.
type StrictMatching int

const (
	// Ignore unmatched globs.
	Ignore StrictMatching = iota
	// Warn on unmatched globs, but continue.
	Warn
	// Error out on unmatched globs.
	Error
)

// PathGlobs is a validated, immutable set of glob patterns. Patterns
// prefixed with `!` subtract from the set of matched paths.
type PathGlobs struct {
	includes    []string
	excludes    []string
	conjunction Conjunction
	strictness  StrictMatching
	description string
}

// New validates a list of glob patterns. The description names the
// origin of the globs (e.g. an option name) and is included in error
// messages about unmatched globs.
func New(globs []string, conjunction Conjunction, strictness StrictMatching, description string) (*PathGlobs, error) {
	pg := &PathGlobs{
		conjunction: conjunction,
		strictness:  strictness,
		description: description,
	}
	for _, g := range globs {
		pattern := strings.TrimPrefix(g, "!")
		if !doublestar.ValidatePattern(pattern) {
			return nil, status.Errorf(codes.InvalidArgument, "Invalid glob %#v", g)
		}
		if strings.HasPrefix(g, "!") {
			pg.excludes = append(pg.excludes, pattern)
		} else {
			pg.includes = append(pg.includes, pattern)
		}
	}
	return pg, nil
}

// MustNew is like New, but panics on invalid globs. For use with
// literal patterns.
func MustNew(globs ...string) *PathGlobs {
	pg, err := New(globs, AnyMatch, Ignore, "")
	if err != nil {
		panic(err)
	}
	return pg
}

// Matches returns whether a slash-separated relative path is matched
// by the glob set.
func (pg *PathGlobs) Matches(path string) bool {
	for _, e := range pg.excludes {
		if ok, _ := doublestar.Match(e, path); ok {
			return false
		}
	}
	for _, i := range pg.includes {
		if ok, _ := doublestar.Match(i, path); ok {
			return true
		}
	}
	return false
}

// MatchesDirectoryPrefix returns whether a directory at the given
// path may contain matches, so that tree walks can prune eagerly.
// Excludes are not consulted, as an excluded directory may still have
// included children under a later glob set revision.
func (pg *PathGlobs) MatchesDirectoryPrefix(path string) bool {
	prefix := path + "/"
	for _, i := range pg.includes {
		if ok, _ := doublestar.Match(i, path); ok {
			return true
		}
		// A glob with a `**` component or one that descends below
		// this directory may match entries inside it.
		if globMayDescendInto(i, prefix) {
			return true
		}
	}
	return false
}

func globMayDescendInto(pattern, prefix string) bool {
	// Match the directory prefix against the leading components of
	// the pattern. `**` matches any prefix.
	patternParts := strings.Split(pattern, "/")
	prefixParts := strings.Split(strings.TrimSuffix(prefix, "/"), "/")
	for i, part := range prefixParts {
		if i >= len(patternParts) {
			return false
		}
		if patternParts[i] == "**" {
			return true
		}
		if ok, _ := doublestar.Match(patternParts[i], part); !ok {
			return false
		}
	}
	return len(patternParts) > len(prefixParts)
}

// CheckMatched verifies the conjunction and strictness settings
// against the paths that actually matched. The returned warning is
// empty unless strictness is Warn and some globs were unmatched.
func (pg *PathGlobs) CheckMatched(matchedPaths []string) (string, error) {
	if pg.strictness == Ignore {
		return "", nil
	}
	var unmatched []string
	for _, i := range pg.includes {
		found := false
		for _, p := range matchedPaths {
			if ok, _ := doublestar.Match(i, p); ok {
				found = true
				break
			}
		}
		if !found {
			unmatched = append(unmatched, i)
		}
	}
	failed := false
	switch pg.conjunction {
	case AllMatch:
		failed = len(unmatched) > 0
	case AnyMatch:
		failed = len(unmatched) == len(pg.includes) && len(pg.includes) > 0
	}
	if !failed {
		return "", nil
	}
	message := "Unmatched globs"
	if pg.description != "" {
		message += " from " + pg.description
	}
	message += ": [" + strings.Join(unmatched, ", ") + "]"
	if pg.strictness == Warn {
		return message, nil
	}
	return "", status.Error(codes.InvalidArgument, message)
}

// Empty returns whether the glob set contains no include patterns.
func (pg *PathGlobs) Empty() bool {
	return len(pg.includes) == 0
}
