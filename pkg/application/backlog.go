package application

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/WangYihang/urlscan-harvester/pkg/domain/entity"
)

// BacklogTracker counts candidates that were enqueued but not yet completed.
// The count only changes through Increment and Decrement and never goes
// below zero.
type BacklogTracker struct {
	depth   atomic.Int64
	changed chan struct{}
	mu      sync.Mutex
}

// NewBacklogTracker creates a tracker at depth zero
func NewBacklogTracker() *BacklogTracker {
	return &BacklogTracker{changed: make(chan struct{})}
}

// Increment adds one to the backlog
func (b *BacklogTracker) Increment() {
	b.depth.Add(1)
	b.broadcast()
}

// Decrement removes one from the backlog. Decrementing an empty backlog is a
// logic bug and panics with *entity.InvariantViolation.
func (b *BacklogTracker) Decrement() {
	for {
		cur := b.depth.Load()
		if cur <= 0 {
			panic(&entity.InvariantViolation{
				Invariant: "backlog depth >= 0",
				Detail:    fmt.Sprintf("decrement at depth %d", cur),
			})
		}
		if b.depth.CompareAndSwap(cur, cur-1) {
			break
		}
	}
	b.broadcast()
}

// Snapshot returns the current depth
func (b *BacklogTracker) Snapshot() int64 {
	return b.depth.Load()
}

// WaitBelow blocks until the depth is strictly below n or ctx is done
func (b *BacklogTracker) WaitBelow(ctx context.Context, n int64) error {
	for {
		b.mu.Lock()
		changed := b.changed
		b.mu.Unlock()

		if b.Snapshot() < n {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (b *BacklogTracker) broadcast() {
	b.mu.Lock()
	close(b.changed)
	b.changed = make(chan struct{})
	b.mu.Unlock()
}
