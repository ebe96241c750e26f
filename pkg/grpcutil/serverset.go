package grpcutil

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/buildbarn/bb-storage/pkg/clock"
	"github.com/buildbarn/bb-storage/pkg/util"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Serverset hands out endpoints in round-robin order, skipping
// endpoints that were recently reported unhealthy. Consecutive
// failures push an endpoint's retry deadline back exponentially, up to
// a cap. When every endpoint is unhealthy, Next() sleeps until the
// earliest deadline passes instead of failing.
type Serverset[T any] struct {
	clock          clock.Clock
	initialBackoff time.Duration
	maxBackoff     time.Duration
	backoffFactor  float64

	lock      sync.Mutex
	endpoints []*endpointState[T]
	next      int
}

type endpointState[T any] struct {
	value T

	// Guarded by the owning Serverset's lock.
	healthy             bool
	unhealthyUntil      time.Time
	consecutiveFailures int
	generation          uint64
}

// HealthToken identifies the endpoint state version observed by a
// Next() call, so that a health report cannot clobber state changes
// that happened after the endpoint was handed out.
type HealthToken[T any] struct {
	serverset  *Serverset[T]
	endpoint   *endpointState[T]
	generation uint64
}

// NewServerset creates a Serverset over a fixed list of endpoint
// values (typically *grpc.ClientConn handles).
func NewServerset[T any](endpoints []T, initialBackoff, maxBackoff time.Duration, backoffFactor float64, clk clock.Clock) (*Serverset[T], error) {
	if len(endpoints) == 0 {
		return nil, status.Error(codes.InvalidArgument, "Serverset needs at least one endpoint")
	}
	if backoffFactor <= 1 {
		return nil, status.Error(codes.InvalidArgument, "Backoff factor must be greater than one")
	}
	s := &Serverset[T]{
		clock:          clk,
		initialBackoff: initialBackoff,
		maxBackoff:     maxBackoff,
		backoffFactor:  backoffFactor,
	}
	for _, e := range endpoints {
		s.endpoints = append(s.endpoints, &endpointState[T]{
			value:   e,
			healthy: true,
		})
	}
	return s, nil
}

// Next returns the next usable endpoint in round-robin order, together
// with a token through which the caller must report the outcome of
// using it. If all endpoints are unhealthy, Next blocks until the
// earliest backoff deadline has passed.
func (s *Serverset[T]) Next(ctx context.Context) (T, *HealthToken[T], error) {
	for {
		s.lock.Lock()
		now := s.clock.Now()
		earliest := time.Time{}
		for i := 0; i < len(s.endpoints); i++ {
			e := s.endpoints[s.next]
			s.next = (s.next + 1) % len(s.endpoints)
			if e.healthy || !e.unhealthyUntil.After(now) {
				token := &HealthToken[T]{
					serverset:  s,
					endpoint:   e,
					generation: e.generation,
				}
				s.lock.Unlock()
				return e.value, token, nil
			}
			if earliest.IsZero() || e.unhealthyUntil.Before(earliest) {
				earliest = e.unhealthyUntil
			}
		}
		s.lock.Unlock()

		timer, expired := s.clock.NewTimer(earliest.Sub(now))
		select {
		case <-expired:
		case <-ctx.Done():
			timer.Stop()
			var zero T
			return zero, nil, util.StatusFromContext(ctx)
		}
	}
}

// ReportHealthy marks the endpoint usable again and resets its failure
// count. Stale tokens are ignored.
func (t *HealthToken[T]) ReportHealthy() {
	s := t.serverset
	s.lock.Lock()
	defer s.lock.Unlock()
	if t.endpoint.generation != t.generation {
		return
	}
	t.endpoint.healthy = true
	t.endpoint.consecutiveFailures = 0
	t.endpoint.generation++
}

// ReportUnhealthy records a failure against the endpoint, pushing its
// retry deadline back as min(initial · factor^failures, cap). Stale
// tokens are ignored.
func (t *HealthToken[T]) ReportUnhealthy() {
	s := t.serverset
	s.lock.Lock()
	defer s.lock.Unlock()
	e := t.endpoint
	if e.generation != t.generation {
		return
	}
	backoff := time.Duration(float64(s.initialBackoff) * math.Pow(s.backoffFactor, float64(e.consecutiveFailures)))
	if backoff > s.maxBackoff || backoff <= 0 {
		backoff = s.maxBackoff
	}
	e.consecutiveFailures++
	e.healthy = false
	e.unhealthyUntil = s.clock.Now().Add(backoff)
	e.generation++
}
