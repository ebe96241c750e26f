// Package grpcutil provides the client-side policies that wrap all
// outbound gRPC traffic: bounded retrying with jittered exponential
// backoff, and endpoint selection with per-endpoint health tracking.
package grpcutil

import (
	"context"
	"math/rand"
	"time"

	"github.com/buildbarn/bb-storage/pkg/clock"
	"github.com/buildbarn/bb-storage/pkg/util"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// IsRetryableStatus returns whether an error carries a gRPC status
// code for which retrying the call may succeed. Data integrity errors
// (InvalidArgument, FailedPrecondition) and definite outcomes
// (NotFound, AlreadyExists) are never retried.
func IsRetryableStatus(err error) bool {
	switch status.Code(err) {
	case codes.Aborted,
		codes.Canceled,
		codes.Internal,
		codes.ResourceExhausted,
		codes.Unavailable,
		codes.Unknown:
		return true
	default:
		return false
	}
}

// RetryPolicy describes a bounded retry loop with jittered exponential
// backoff. The delay before retry n (counting from zero) is drawn
// uniformly from [0, min(2^n · Interval, MaxBackoff)).
type RetryPolicy struct {
	MaxRetries  int
	Interval    time.Duration
	MaxBackoff  time.Duration
	Clock       clock.Clock
	IsRetryable func(error) bool
}

// DefaultRetryPolicy mirrors the defaults used for remote store and
// execution traffic.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 4,
		Interval:   20 * time.Millisecond,
		MaxBackoff: 5 * time.Second,
		Clock:      clock.SystemClock,
	}
}

// Call invokes op, retrying on retryable errors until MaxRetries is
// exhausted or the context is cancelled. The last error is returned.
func (p RetryPolicy) Call(ctx context.Context, op func(ctx context.Context) error) error {
	isRetryable := p.IsRetryable
	if isRetryable == nil {
		isRetryable = IsRetryableStatus
	}
	var lastErr error
	for attempt := 0; ; attempt++ {
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if attempt >= p.MaxRetries || !isRetryable(lastErr) {
			return lastErr
		}
		backoff := p.MaxBackoff
		if attempt < 30 {
			if capped := p.Interval << uint(attempt); capped > 0 && capped < backoff {
				backoff = capped
			}
		}
		var delay time.Duration
		if backoff > 0 {
			delay = time.Duration(rand.Int63n(int64(backoff)))
		}
		timer, expired := p.Clock.NewTimer(delay)
		select {
		case <-expired:
		case <-ctx.Done():
			timer.Stop()
			return util.StatusFromContext(ctx)
		}
	}
}
