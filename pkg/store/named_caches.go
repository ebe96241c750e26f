package store

import (
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var cacheNamePattern = regexp.MustCompile(`^[a-z0-9_]+$`)

// CheckCacheName validates a named cache name. Names are restricted to
// lowercase alphanumerics and underscores, as they become directory
// names under the cache base.
func CheckCacheName(name string) error {
	if !cacheNamePattern.MatchString(name) {
		return status.Errorf(codes.InvalidArgument, "Cache name %#v may only contain lowercase letters, digits and underscores", name)
	}
	return nil
}

// NamedCaches manages persistent per-name cache directories under a
// configured base. Sandboxes gain access to a cache through a symlink,
// so cache contents survive across process runs.
type NamedCaches struct {
	base string
}

// NewNamedCaches creates a NamedCaches rooted at the given base
// directory. The base itself is created lazily.
func NewNamedCaches(base string) *NamedCaches {
	return &NamedCaches{base: base}
}

// Path returns the absolute path of the cache with the given name,
// creating it if it does not exist yet.
func (nc *NamedCaches) Path(name string) (string, error) {
	if err := CheckCacheName(name); err != nil {
		return "", err
	}
	path := filepath.Join(nc.base, name)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", status.Errorf(codes.Internal, "Failed to create cache directory %#v: %s", path, err)
	}
	return path, nil
}

// SymlinkRequest describes one symlink a sandbox needs: a path
// relative to the sandbox root pointing at the absolute path of a
// cache directory.
type SymlinkRequest struct {
	SandboxPath string
	Target      string
}

// Symlinks resolves a process's named cache requests, given as a map
// from cache name to sandbox-relative path, into symlink requests in
// deterministic order.
func (nc *NamedCaches) Symlinks(requests map[string]string) ([]SymlinkRequest, error) {
	names := make([]string, 0, len(requests))
	for name := range requests {
		names = append(names, name)
	}
	sort.Strings(names)
	result := make([]SymlinkRequest, 0, len(names))
	for _, name := range names {
		target, err := nc.Path(name)
		if err != nil {
			return nil, err
		}
		result = append(result, SymlinkRequest{
			SandboxPath: requests[name],
			Target:      target,
		})
	}
	return result, nil
}
