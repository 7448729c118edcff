package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGovernorCapacity(t *testing.T) {
	g := NewGovernor(2, 0, 50*time.Millisecond)
	ctx := context.Background()

	r1, err := g.Acquire(ctx)
	require.NoError(t, err)
	r2, err := g.Acquire(ctx)
	require.NoError(t, err)

	// Pool exhausted and no overflow allowed.
	_, err = g.Acquire(ctx)
	assert.ErrorIs(t, err, ErrStoreBusy)

	r1()
	r3, err := g.Acquire(ctx)
	require.NoError(t, err)
	r3()
	r2()
}

func TestGovernorOverflowQueue(t *testing.T) {
	g := NewGovernor(1, 1, 100*time.Millisecond)
	ctx := context.Background()

	release, err := g.Acquire(ctx)
	require.NoError(t, err)

	// One waiter is admitted to the overflow queue and unblocks on release.
	done := make(chan error, 1)
	go func() {
		r, err := g.Acquire(ctx)
		if err == nil {
			r()
		}
		done <- err
	}()

	// Wait for the goroutine to start queuing.
	require.Eventually(t, func() bool { return g.Waiting() == 1 }, time.Second, time.Millisecond)

	// A second waiter overflows the bounded queue.
	_, err = g.Acquire(ctx)
	assert.ErrorIs(t, err, ErrStoreBusy)

	release()
	require.NoError(t, <-done)
	assert.Zero(t, g.Waiting())
}

func TestGovernorAcquireTimeout(t *testing.T) {
	g := NewGovernor(1, 2, 20*time.Millisecond)
	ctx := context.Background()

	release, err := g.Acquire(ctx)
	require.NoError(t, err)
	defer release()

	start := time.Now()
	_, err = g.Acquire(ctx)
	assert.ErrorIs(t, err, ErrStoreBusy)
	assert.Less(t, time.Since(start), time.Second)
}

func TestGovernorReleaseIsIdempotent(t *testing.T) {
	g := NewGovernor(1, 0, 10*time.Millisecond)

	release, err := g.Acquire(context.Background())
	require.NoError(t, err)
	release()
	release() // second call must not free a slot twice

	r2, ok := g.TryAcquire()
	require.True(t, ok)
	_, ok = g.TryAcquire()
	assert.False(t, ok)
	r2()
}
