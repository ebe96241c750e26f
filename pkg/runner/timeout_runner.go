package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/buildbarn/bb-storage/pkg/util"
	"github.com/forgebuild/forge/pkg/digesttrie"
	"github.com/forgebuild/forge/pkg/process"
	"github.com/forgebuild/forge/pkg/store"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Timed-out processes report the exit code of a SIGTERM death.
const timeoutExitCode = -15

type timeoutRunner struct {
	inner CommandRunner
	store *store.Store
}

// NewTimeoutRunner enforces each process's Timeout by cancelling the
// inner run when it expires. A timeout is reported as a failed result
// rather than an error, so that callers and the cache treat it like
// any other process failure.
func NewTimeoutRunner(inner CommandRunner, s *store.Store) CommandRunner {
	return &timeoutRunner{
		inner: inner,
		store: s,
	}
}

func (r *timeoutRunner) Run(ctx context.Context, p *process.Process) (*process.FallibleResult, error) {
	if p.Timeout <= 0 {
		return r.inner.Run(ctx, p)
	}
	startTime := time.Now()
	runCtx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()
	result, err := r.inner.Run(runCtx, p)
	if status.Code(err) == codes.DeadlineExceeded && ctx.Err() == nil {
		return r.timeoutResult(ctx, p, time.Since(startTime))
	}
	return result, err
}

func (r *timeoutRunner) timeoutResult(ctx context.Context, p *process.Process, elapsed time.Duration) (*process.FallibleResult, error) {
	message := fmt.Sprintf("Exceeded timeout of %s after %s running %s\n", p.Timeout, elapsed.Round(time.Millisecond), p.Description)
	stderrDigest, err := r.store.StoreFileBytes(ctx, []byte(message))
	if err != nil {
		return nil, util.StatusWrap(err, "Failed to store timeout message")
	}
	stdoutDigest, err := r.store.StoreFileBytes(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &process.FallibleResult{
		StdoutDigest:    stdoutDigest,
		StderrDigest:    stderrDigest,
		ExitCode:        timeoutExitCode,
		OutputDirectory: digesttrie.EmptyDirectoryDigest(),
		Metadata: process.ResultMetadata{
			Source:      process.SourceRanLocally,
			Environment: p.Execution.Name,
			Elapsed:     elapsed,
		},
	}, nil
}
