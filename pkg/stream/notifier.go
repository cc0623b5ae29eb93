// Package stream tracks the local event stream position and lets readers
// wait for it to move.
package stream

import (
	"context"
	"sync"
	"time"
)

// Notifier publishes a monotonically increasing stream position
type Notifier struct {
	mu      sync.Mutex
	pos     int64
	changed chan struct{}
	closed  bool
}

// New creates a notifier starting at pos
func New(pos int64) *Notifier {
	return &Notifier{pos: pos, changed: make(chan struct{})}
}

// Position returns the current position
func (n *Notifier) Position() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.pos
}

// Advance moves the position forward and wakes waiters. Positions at or
// below the current one are ignored.
func (n *Notifier) Advance(pos int64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed || pos <= n.pos {
		return
	}
	n.pos = pos
	close(n.changed)
	n.changed = make(chan struct{})
}

// Wait blocks until the position exceeds since, timeout elapses, ctx is
// done or the notifier is closed, and returns the position at that moment.
// Only ctx cancellation is reported as an error.
func (n *Notifier) Wait(ctx context.Context, since int64, timeout time.Duration) (int64, error) {
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		n.mu.Lock()
		pos, changed, closed := n.pos, n.changed, n.closed
		n.mu.Unlock()

		if pos > since || closed || timeout <= 0 {
			return pos, nil
		}

		select {
		case <-changed:
		case <-deadline:
			return n.Position(), nil
		case <-ctx.Done():
			return n.Position(), ctx.Err()
		}
	}
}

// Close releases every waiter; later waits return immediately
func (n *Notifier) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	n.closed = true
	close(n.changed)
}
