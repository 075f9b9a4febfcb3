package connector

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGateStartsOpen(t *testing.T) {
	g := newGate()
	assert.False(t, g.Closed())
	require.NoError(t, g.Wait(context.Background(), 10*time.Millisecond))
}

func TestGateBlocksWhileClosed(t *testing.T) {
	g := newGate()
	g.Close()
	assert.True(t, g.Closed())

	err := g.Wait(context.Background(), 20*time.Millisecond)
	require.Error(t, err)
}

func TestGateReleasesWaiters(t *testing.T) {
	g := newGate()
	g.Close()

	done := make(chan error, 1)
	go func() {
		done <- g.Wait(context.Background(), time.Second)
	}()

	time.Sleep(10 * time.Millisecond)
	g.Open()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("waiter not released")
	}
	assert.False(t, g.Closed())
}

func TestGateCloseIdempotent(t *testing.T) {
	g := newGate()
	g.Close()
	g.Close()
	g.Open()
	g.Open()
	assert.False(t, g.Closed())
}

func TestGateWaitHonoursCancellation(t *testing.T) {
	g := newGate()
	g.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := g.Wait(ctx, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTimedMutex(t *testing.T) {
	m := newTimedMutex()
	require.NoError(t, m.Acquire(context.Background(), 10*time.Millisecond))

	err := m.Acquire(context.Background(), 20*time.Millisecond)
	require.Error(t, err, "second acquire must time out")

	m.Release()
	require.NoError(t, m.Acquire(context.Background(), 10*time.Millisecond))
}
