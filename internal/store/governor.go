package store

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// Governor bounds concurrently outstanding storage operations. Up to
// poolSize operations run at once; up to maxOverflow more may queue for a
// slot; anything beyond is rejected immediately with ErrStoreBusy.
//
// Finalization bursts are the dominant consumer when many groups end a
// round in the same instant, and the bounded queue makes them the first
// to feel backpressure instead of participant-facing reads.
type Governor struct {
	sem            *semaphore.Weighted
	waiting        atomic.Int64
	maxOverflow    int64
	acquireTimeout time.Duration
}

// NewGovernor creates a governor admitting poolSize concurrent operations
// with maxOverflow queued waiters. acquireTimeout caps how long a waiter
// may queue before giving up with ErrStoreBusy.
func NewGovernor(poolSize, maxOverflow int, acquireTimeout time.Duration) *Governor {
	if poolSize < 1 {
		poolSize = 1
	}
	return &Governor{
		sem:            semaphore.NewWeighted(int64(poolSize)),
		maxOverflow:    int64(maxOverflow),
		acquireTimeout: acquireTimeout,
	}
}

// Acquire admits one operation, queueing within the overflow bound.
// The returned release func must be called exactly once.
func (g *Governor) Acquire(ctx context.Context) (func(), error) {
	if g.sem.TryAcquire(1) {
		return g.releaseFunc(), nil
	}

	if g.waiting.Add(1) > g.maxOverflow {
		g.waiting.Add(-1)
		return nil, ErrStoreBusy
	}
	defer g.waiting.Add(-1)

	acquireCtx := ctx
	if g.acquireTimeout > 0 {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(ctx, g.acquireTimeout)
		defer cancel()
	}

	if err := g.sem.Acquire(acquireCtx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrStoreBusy
	}
	return g.releaseFunc(), nil
}

// TryAcquire admits one operation only if a slot is free right now.
func (g *Governor) TryAcquire() (func(), bool) {
	if g.sem.TryAcquire(1) {
		return g.releaseFunc(), true
	}
	return nil, false
}

func (g *Governor) releaseFunc() func() {
	var released atomic.Bool
	return func() {
		if released.CompareAndSwap(false, true) {
			g.sem.Release(1)
		}
	}
}

// Waiting reports the current number of queued operations.
func (g *Governor) Waiting() int64 { return g.waiting.Load() }
