package sync

import (
	"context"
	"sync"

	"github.com/buildbarn/bb-storage/pkg/util"
)

// KeyedOnce guards at-most-once initialization per key. The first
// caller for a key runs the initialization function; concurrent
// callers for the same key wait for its outcome. A failed
// initialization resets the key to its initial state, so that a later
// caller retries it. A successful initialization is permanent.
//
// This is used to guarantee a single concurrent materialization per
// (digest, destination) pair and a single population of each immutable
// input cell.
type KeyedOnce[K comparable] struct {
	lock  sync.Mutex
	cells map[K]*onceCell
}

type onceCell struct {
	done chan struct{}
	err  error
}

// Do runs init for the given key if it has not completed successfully
// yet, or waits for an in-flight run. Waiters that are cancelled
// return their context error without affecting the in-flight run.
func (ko *KeyedOnce[K]) Do(ctx context.Context, key K, init func() error) error {
	for {
		ko.lock.Lock()
		if ko.cells == nil {
			ko.cells = map[K]*onceCell{}
		}
		cell, ok := ko.cells[key]
		if !ok {
			cell = &onceCell{done: make(chan struct{})}
			ko.cells[key] = cell
			ko.lock.Unlock()

			cell.err = init()
			if cell.err != nil {
				// Reset, so that a later caller retries.
				ko.lock.Lock()
				delete(ko.cells, key)
				ko.lock.Unlock()
			}
			close(cell.done)
			return cell.err
		}
		ko.lock.Unlock()

		select {
		case <-cell.done:
			if cell.err == nil {
				return nil
			}
			// The run we waited on failed. Loop around to
			// either start a fresh run or join a newer one.
		case <-ctx.Done():
			return util.StatusFromContext(ctx)
		}
	}
}

// DoneSuccessfully returns whether the key has completed a successful
// initialization.
func (ko *KeyedOnce[K]) DoneSuccessfully(key K) bool {
	ko.lock.Lock()
	defer ko.lock.Unlock()
	cell, ok := ko.cells[key]
	if !ok {
		return false
	}
	select {
	case <-cell.done:
		return cell.err == nil
	default:
		return false
	}
}
