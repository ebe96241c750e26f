package sync

import (
	"container/list"
	"context"
	"sync"

	"github.com/buildbarn/bb-storage/pkg/util"
)

// AsyncSemaphore bounds concurrency to a fixed number of permits.
// Waiters are queued in FIFO order: releasing a permit hands it
// directly to the longest-waiting acquirer, so a burst of releases
// never wakes more waiters than permits became available. Abandoning
// an acquisition removes its queue entry, so cancellation leaks
// neither permits nor stale waiters.
type AsyncSemaphore struct {
	lock      sync.Mutex
	available int
	waiters   *list.List
}

// NewAsyncSemaphore creates an AsyncSemaphore with the given number of
// permits.
func NewAsyncSemaphore(permits int) *AsyncSemaphore {
	return &AsyncSemaphore{
		available: permits,
		waiters:   list.New(),
	}
}

// Permit represents one held slot in an AsyncSemaphore. It must be
// released exactly once; releasing is idempotent to make deferred
// cleanup safe.
type Permit struct {
	semaphore *AsyncSemaphore
	once      sync.Once
}

// Release returns the permit to the semaphore, waking the head waiter
// if one exists.
func (p *Permit) Release() {
	p.once.Do(p.semaphore.release)
}

// Acquire obtains a permit, blocking until one is available or the
// context is cancelled.
func (s *AsyncSemaphore) Acquire(ctx context.Context) (*Permit, error) {
	s.lock.Lock()
	if s.available > 0 {
		s.available--
		s.lock.Unlock()
		return &Permit{semaphore: s}, nil
	}
	granted := make(chan struct{})
	element := s.waiters.PushBack(granted)
	s.lock.Unlock()

	select {
	case <-granted:
		return &Permit{semaphore: s}, nil
	case <-ctx.Done():
		s.lock.Lock()
		select {
		case <-granted:
			// A release raced with the cancellation and already
			// handed us the permit. Pass it on instead of
			// leaking it.
			s.lock.Unlock()
			(&Permit{semaphore: s}).Release()
		default:
			s.waiters.Remove(element)
			s.lock.Unlock()
		}
		return nil, util.StatusFromContext(ctx)
	}
}

// TryAcquire obtains a permit only if one is immediately available.
func (s *AsyncSemaphore) TryAcquire() (*Permit, bool) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.available == 0 {
		return nil, false
	}
	s.available--
	return &Permit{semaphore: s}, true
}

func (s *AsyncSemaphore) release() {
	s.lock.Lock()
	defer s.lock.Unlock()
	if front := s.waiters.Front(); front != nil {
		s.waiters.Remove(front)
		close(front.Value.(chan struct{}))
		return
	}
	s.available++
}

// WaiterCount returns the number of queued acquisitions. For tests and
// introspection.
func (s *AsyncSemaphore) WaiterCount() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.waiters.Len()
}
