package runner

import (
	"context"

	"github.com/forgebuild/forge/pkg/process"
	forge_sync "github.com/forgebuild/forge/pkg/sync"
)

type boundedRunner struct {
	inner     CommandRunner
	semaphore *forge_sync.AsyncSemaphore
}

// NewBoundedRunner limits the number of processes an inner runner
// executes concurrently. Waiting callers are served in FIFO order and
// honor cancellation.
func NewBoundedRunner(inner CommandRunner, concurrency int) CommandRunner {
	return &boundedRunner{
		inner:     inner,
		semaphore: forge_sync.NewAsyncSemaphore(concurrency),
	}
}

func (r *boundedRunner) Run(ctx context.Context, p *process.Process) (*process.FallibleResult, error) {
	permit, err := r.semaphore.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer permit.Release()
	return r.inner.Run(ctx, p)
}
