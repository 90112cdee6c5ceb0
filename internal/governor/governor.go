// Package governor bounds total in-flight external calls for the whole
// process. Every fetch, from every task, passes through one Governor so the
// external source never sees more than the configured number of concurrent
// requests regardless of how many tasks are active.
package governor

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

const defaultBound = 20

// Governor is a counting semaphore with FIFO wake order. It is an explicit,
// injectable service rather than a package-level singleton so tests can run
// independent instances.
type Governor struct {
	sem      *semaphore.Weighted
	bound    int
	inFlight atomic.Int64
}

// New creates a Governor admitting at most bound concurrent permits.
func New(bound int) *Governor {
	if bound <= 0 {
		bound = defaultBound
	}
	return &Governor{
		sem:   semaphore.NewWeighted(int64(bound)),
		bound: bound,
	}
}

// Acquire blocks until a permit is available or the context finishes.
// Waiters are woken in FIFO order.
func (g *Governor) Acquire(ctx context.Context) error {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("acquire permit: %w", err)
	}
	g.inFlight.Add(1)
	return nil
}

// TryAcquire takes a permit without blocking.
func (g *Governor) TryAcquire() bool {
	if !g.sem.TryAcquire(1) {
		return false
	}
	g.inFlight.Add(1)
	return true
}

// Release returns a permit and wakes the oldest waiter.
func (g *Governor) Release() {
	g.inFlight.Add(-1)
	g.sem.Release(1)
}

// InFlight returns the number of currently held permits.
func (g *Governor) InFlight() int {
	return int(g.inFlight.Load())
}

// Bound returns the configured permit cap.
func (g *Governor) Bound() int {
	return g.bound
}
