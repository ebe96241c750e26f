// Package runner implements command runners: the local sandboxed
// runner, the remote execution runner, and the decorators layered on
// top of them (caching, speculation, concurrency bounding, timeouts
// and tracing).
package runner

import (
	"context"

	"github.com/forgebuild/forge/pkg/process"
)

// CommandRunner runs a process to completion. Implementations return a
// FallibleResult for any run that produced an exit code, including
// non-zero ones; errors are reserved for infrastructure failures.
type CommandRunner interface {
	Run(ctx context.Context, p *process.Process) (*process.FallibleResult, error)
}
