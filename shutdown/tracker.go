// Package shutdown coordinates graceful termination: it turns SIGINT/SIGTERM
// into context cancellation, waits for in-flight work and then runs cleanup
// hooks in priority order.
package shutdown

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrShuttingDown is returned when work is refused because shutdown started.
var ErrShuttingDown = errors.New("shutdown: service is shutting down")

// Tracker counts in-flight operations and refuses new ones once closed.
type Tracker struct {
	mu     sync.RWMutex
	wg     sync.WaitGroup
	active atomic.Int64
	closed bool
}

// NewTracker creates an open tracker.
func NewTracker() *Tracker {
	return &Tracker{}
}

// Begin registers an operation. It reports false once the tracker is closed;
// on true the caller must call End.
func (t *Tracker) Begin() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return false
	}
	t.wg.Add(1)
	t.active.Add(1)
	return true
}

// End marks one operation finished.
func (t *Tracker) End() {
	t.active.Add(-1)
	t.wg.Done()
}

// Close refuses further operations. Running ones continue.
func (t *Tracker) Close() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
}

// Closed reports whether Close was called.
func (t *Tracker) Closed() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.closed
}

// Active returns the number of running operations.
func (t *Tracker) Active() int64 {
	return t.active.Load()
}

// Wait blocks until every operation ended or ctx is done.
func (t *Tracker) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
