package connector

import (
	"context"
	"sync"
	"time"

	"github.com/iamslan/fossibot/internal/errors"
)

// gate is a reopenable latch. While closed (reconnection running), callers
// of Poll and RunCommand block on Wait with a bounded timeout. A freshly
// built gate is open.
type gate struct {
	mu sync.Mutex
	ch chan struct{}
}

func newGate() *gate {
	g := &gate{ch: make(chan struct{})}
	close(g.ch)
	return g
}

// Close latches the gate. Idempotent.
func (g *gate) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.ch:
		g.ch = make(chan struct{})
	default:
	}
}

// Open releases every waiter. Idempotent.
func (g *gate) Open() {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.ch:
	default:
		close(g.ch)
	}
}

// Closed reports whether a reconnection currently holds the gate.
func (g *gate) Closed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.ch:
		return false
	default:
		return true
	}
}

// Wait blocks until the gate opens, the timeout passes or ctx is done.
func (g *gate) Wait(ctx context.Context, timeout time.Duration) error {
	g.mu.Lock()
	ch := g.ch
	g.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-time.After(timeout):
		return errors.NewTimeoutError("wait for reconnection", timeout.String())
	case <-ctx.Done():
		return ctx.Err()
	}
}

// timedMutex serialises connection attempts. Acquire fails rather than
// deadlocks when the holder is stuck.
type timedMutex struct {
	ch chan struct{}
}

func newTimedMutex() *timedMutex {
	return &timedMutex{ch: make(chan struct{}, 1)}
}

func (m *timedMutex) Acquire(ctx context.Context, timeout time.Duration) error {
	select {
	case m.ch <- struct{}{}:
		return nil
	case <-time.After(timeout):
		return errors.NewTimeoutError("acquire connection lock", timeout.String())
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *timedMutex) Release() {
	select {
	case <-m.ch:
	default:
	}
}
