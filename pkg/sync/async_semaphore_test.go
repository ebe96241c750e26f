package sync_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	forge_sync "github.com/forgebuild/forge/pkg/sync"
	"github.com/stretchr/testify/require"
)

func TestAsyncSemaphoreImmediate(t *testing.T) {
	ctx := context.Background()
	s := forge_sync.NewAsyncSemaphore(2)

	p1, err := s.Acquire(ctx)
	require.NoError(t, err)
	p2, err := s.Acquire(ctx)
	require.NoError(t, err)

	_, ok := s.TryAcquire()
	require.False(t, ok)

	p1.Release()
	p3, ok := s.TryAcquire()
	require.True(t, ok)
	p2.Release()
	p3.Release()
}

func TestAsyncSemaphoreBound(t *testing.T) {
	ctx := context.Background()
	s := forge_sync.NewAsyncSemaphore(3)

	var live, maxLive atomic.Int32
	done := make(chan struct{})
	for i := 0; i < 20; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			p, err := s.Acquire(ctx)
			require.NoError(t, err)
			defer p.Release()
			n := live.Add(1)
			for {
				m := maxLive.Load()
				if n <= m || maxLive.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			live.Add(-1)
		}()
	}
	for i := 0; i < 20; i++ {
		<-done
	}
	require.LessOrEqual(t, maxLive.Load(), int32(3))
	require.Equal(t, 0, s.WaiterCount())
}

func TestAsyncSemaphoreFIFO(t *testing.T) {
	ctx := context.Background()
	s := forge_sync.NewAsyncSemaphore(1)

	holder, err := s.Acquire(ctx)
	require.NoError(t, err)

	// Queue three waiters in a known order.
	order := make(chan int, 3)
	started := make(chan struct{})
	for i := 1; i <= 3; i++ {
		i := i
		go func() {
			// Ensure registration order by waiting for the
			// previous waiter to be queued.
			<-started
			p, err := s.Acquire(ctx)
			require.NoError(t, err)
			order <- i
			p.Release()
		}()
		started <- struct{}{}
		waitForWaiters(t, s, i)
	}

	holder.Release()
	require.Equal(t, 1, <-order)
	require.Equal(t, 2, <-order)
	require.Equal(t, 3, <-order)
}

// Scenario: with a single permit held, a queued waiter is abandoned
// before a third acquirer arrives. Releasing the permit must wake the
// third acquirer and leave the queue empty.
func TestAsyncSemaphoreCancellation(t *testing.T) {
	ctx := context.Background()
	s := forge_sync.NewAsyncSemaphore(1)

	a, err := s.Acquire(ctx)
	require.NoError(t, err)

	ctxB, cancelB := context.WithCancel(ctx)
	errB := make(chan error, 1)
	go func() {
		_, err := s.Acquire(ctxB)
		errB <- err
	}()
	waitForWaiters(t, s, 1)

	time.Sleep(10 * time.Millisecond)
	cancelB()
	require.Error(t, <-errB)
	require.Equal(t, 0, s.WaiterCount())

	cResolved := make(chan *forge_sync.Permit, 1)
	go func() {
		p, err := s.Acquire(ctx)
		require.NoError(t, err)
		cResolved <- p
	}()
	waitForWaiters(t, s, 1)

	a.Release()
	p := <-cResolved
	p.Release()
	require.Equal(t, 0, s.WaiterCount())
}

func TestAsyncSemaphoreDoubleReleaseIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := forge_sync.NewAsyncSemaphore(1)
	p, err := s.Acquire(ctx)
	require.NoError(t, err)
	p.Release()
	p.Release()

	p1, err := s.Acquire(ctx)
	require.NoError(t, err)
	_, ok := s.TryAcquire()
	require.False(t, ok)
	p1.Release()
}

func waitForWaiters(t *testing.T, s *forge_sync.AsyncSemaphore, count int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for s.WaiterCount() < count {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %d waiters", count)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestKeyedOnce(t *testing.T) {
	ctx := context.Background()

	t.Run("OnceAcrossCallers", func(t *testing.T) {
		var ko forge_sync.KeyedOnce[string]
		var calls atomic.Int32
		done := make(chan struct{})
		for i := 0; i < 10; i++ {
			go func() {
				defer func() { done <- struct{}{} }()
				require.NoError(t, ko.Do(ctx, "key", func() error {
					calls.Add(1)
					time.Sleep(10 * time.Millisecond)
					return nil
				}))
			}()
		}
		for i := 0; i < 10; i++ {
			<-done
		}
		require.Equal(t, int32(1), calls.Load())
		require.True(t, ko.DoneSuccessfully("key"))
	})

	t.Run("ErrorResets", func(t *testing.T) {
		var ko forge_sync.KeyedOnce[string]
		require.Error(t, ko.Do(ctx, "key", func() error {
			return context.DeadlineExceeded
		}))
		require.False(t, ko.DoneSuccessfully("key"))
		require.NoError(t, ko.Do(ctx, "key", func() error {
			return nil
		}))
		require.True(t, ko.DoneSuccessfully("key"))
	})
}
