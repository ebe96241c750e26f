// Package process defines the immutable description of a hermetic
// process execution and the canonical digest under which its results
// are memoized.
package process

import (
	"path"
	"strings"
	"time"

	"github.com/forgebuild/forge/pkg/digesttrie"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// CacheScope determines when a process's result may be read from and
// written to the result cache.
type CacheScope int

const (
	// CacheScopeAlways caches the result regardless of exit code.
	CacheScopeAlways CacheScope = iota
	// CacheScopeSuccessful caches only results with exit code zero.
	CacheScopeSuccessful
	// CacheScopePerRestartAlways caches any result, but entries are
	// invalidated when the executing process restarts.
	CacheScopePerRestartAlways
	// CacheScopePerRestartSuccessful caches successful results until
	// the executing process restarts.
	CacheScopePerRestartSuccessful
	// CacheScopePerSession never persists results; duplicate calls
	// within one session are deduplicated in memory only.
	CacheScopePerSession
)

// PersistsSuccess returns whether a successful result under this scope
// may be written to the persistent cache.
func (s CacheScope) PersistsSuccess() bool {
	return s != CacheScopePerSession
}

// PersistsFailure returns whether a non-zero exit code under this
// scope may be written to the persistent cache.
func (s CacheScope) PersistsFailure() bool {
	return s == CacheScopeAlways || s == CacheScopePerRestartAlways
}

// PerRestart returns whether cache entries must be invalidated when
// the executing process restarts.
func (s CacheScope) PerRestart() bool {
	return s == CacheScopePerRestartAlways || s == CacheScopePerRestartSuccessful || s == CacheScopePerSession
}

func (s CacheScope) String() string {
	switch s {
	case CacheScopeAlways:
		return "always"
	case CacheScopeSuccessful:
		return "successful"
	case CacheScopePerRestartAlways:
		return "per_restart_always"
	case CacheScopePerRestartSuccessful:
		return "per_restart_successful"
	case CacheScopePerSession:
		return "per_session"
	default:
		return "unknown"
	}
}

// Process is an immutable description of a single hermetic command
// invocation. All paths are slash-separated and relative to the
// sandbox root.
type Process struct {
	// Argv is the command line. The first element is the executable.
	Argv []string
	// Env is the full environment of the child process. No variables
	// are inherited implicitly.
	Env map[string]string
	// WorkingDirectory is the directory the command runs in,
	// relative to the sandbox root. Empty means the root itself.
	WorkingDirectory string
	// InputDigest is the directory tree materialized into the
	// sandbox before execution.
	InputDigest digesttrie.DirectoryDigest
	// ImmutableInputs maps sandbox-relative paths to directory
	// digests that are materialized once into a shared cache and
	// symlinked into the sandbox.
	ImmutableInputs map[string]digesttrie.DirectoryDigest
	// NamedCaches maps cache names to the sandbox-relative paths at
	// which their persistent directories are symlinked.
	NamedCaches map[string]string
	// OutputFiles and OutputDirectories name the paths captured
	// after the command exits.
	OutputFiles       []string
	OutputDirectories []string
	// Timeout bounds the command's wall-clock run time. Zero means
	// no timeout.
	Timeout time.Duration
	// Execution selects where and how the command runs.
	Execution ExecutionEnvironment
	// Scope controls result memoization.
	Scope CacheScope
	// Description is a human-readable summary for logs and traces.
	// It does not contribute to the canonical digest.
	Description string
}

// Validate checks the structural invariants of a Process. Runners
// reject invalid processes before any side effect occurs.
func (p *Process) Validate() error {
	if len(p.Argv) == 0 {
		return status.Error(codes.InvalidArgument, "Process must have at least one argument")
	}
	for key := range p.Env {
		if strings.ContainsRune(key, 0) {
			return status.Errorf(codes.InvalidArgument, "Environment variable name %#v contains a NUL byte", key)
		}
	}
	if err := validateRelativePath(p.WorkingDirectory, "working directory"); p.WorkingDirectory != "" && err != nil {
		return err
	}
	for _, outputPath := range p.OutputFiles {
		if err := validateRelativePath(outputPath, "output file"); err != nil {
			return err
		}
	}
	for _, outputPath := range p.OutputDirectories {
		if err := validateRelativePath(outputPath, "output directory"); err != nil {
			return err
		}
	}
	for immutablePath := range p.ImmutableInputs {
		if err := validateRelativePath(immutablePath, "immutable input"); err != nil {
			return err
		}
	}
	for name, cachePath := range p.NamedCaches {
		if !isValidCacheName(name) {
			return status.Errorf(codes.InvalidArgument, "Named cache %#v is not a lowercase alphanumeric identifier", name)
		}
		if err := validateRelativePath(cachePath, "named cache path"); err != nil {
			return err
		}
	}
	return nil
}

func validateRelativePath(p, role string) error {
	if p == "" {
		return status.Errorf(codes.InvalidArgument, "The %s path must not be empty", role)
	}
	if strings.HasPrefix(p, "/") {
		return status.Errorf(codes.InvalidArgument, "The %s path %#v must be relative", role, p)
	}
	if path.Clean(p) != p || p == ".." || strings.HasPrefix(p, "../") {
		return status.Errorf(codes.InvalidArgument, "The %s path %#v is not normalized", role, p)
	}
	return nil
}

func isValidCacheName(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') && r != '_' {
			return false
		}
	}
	return true
}
