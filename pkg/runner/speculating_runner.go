package runner

import (
	"context"
	"time"

	"github.com/buildbarn/bb-storage/pkg/clock"
	"github.com/forgebuild/forge/pkg/process"
)

type speculatingRunner struct {
	primary   CommandRunner
	secondary CommandRunner
	delay     time.Duration
	clock     clock.Clock
}

// NewSpeculatingRunner races a primary runner against a secondary one
// that is started only after a delay. The primary is authoritative:
// its outcome, success or error, is returned as soon as it arrives. A
// secondary success wins only if it arrives first; a secondary error
// is ignored in favor of waiting for the primary. The loser is
// cancelled.
func NewSpeculatingRunner(primary, secondary CommandRunner, delay time.Duration, clk clock.Clock) CommandRunner {
	return &speculatingRunner{
		primary:   primary,
		secondary: secondary,
		delay:     delay,
		clock:     clk,
	}
}

type runOutcome struct {
	result *process.FallibleResult
	err    error
}

func (r *speculatingRunner) Run(ctx context.Context, p *process.Process) (*process.FallibleResult, error) {
	primaryCtx, cancelPrimary := context.WithCancel(ctx)
	defer cancelPrimary()
	primaryDone := make(chan runOutcome, 1)
	go func() {
		result, err := r.primary.Run(primaryCtx, p)
		primaryDone <- runOutcome{result: result, err: err}
	}()

	timer, timerChannel := r.clock.NewTimer(r.delay)
	select {
	case outcome := <-primaryDone:
		timer.Stop()
		return outcome.result, outcome.err
	case <-timerChannel:
	}

	secondaryCtx, cancelSecondary := context.WithCancel(ctx)
	defer cancelSecondary()
	secondaryDone := make(chan runOutcome, 1)
	go func() {
		result, err := r.secondary.Run(secondaryCtx, p)
		secondaryDone <- runOutcome{result: result, err: err}
	}()

	for {
		select {
		case outcome := <-primaryDone:
			cancelSecondary()
			return outcome.result, outcome.err
		case outcome := <-secondaryDone:
			if outcome.err == nil {
				cancelPrimary()
				return outcome.result, nil
			}
			// A failed speculation is not authoritative; keep
			// waiting for the primary.
			secondaryDone = nil
		}
	}
}
