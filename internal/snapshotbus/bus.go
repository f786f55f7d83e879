// Package snapshotbus implements the single-value store with a wake-up
// primitive that decouples the Flow Orchestrator's publishes from however
// many SSE subscribers are waiting for the next snapshot.
package snapshotbus

import (
	"context"
	"sync"
	"time"

	"github.com/huskyyyyyyyyyyyyy/pigeon-pipeline/internal/metrics"
	"github.com/huskyyyyyyyyyyyyy/pigeon-pipeline/internal/snapshot"
)

// Bus holds the latest published snapshot and lets any number of readers
// wait for the next one without polling.
type Bus struct {
	mu    sync.Mutex
	value snapshot.Snapshot
	has   bool
	wake  chan struct{}
}

// New returns an empty Bus.
func New() *Bus {
	return &Bus{wake: make(chan struct{})}
}

// Publish replaces the stored value, wakes every waiter blocked in
// WaitUpdate, and rearms the wake channel for the next publish.
func (b *Bus) Publish(s snapshot.Snapshot) {
	b.mu.Lock()
	b.value = s
	b.has = true
	old := b.wake
	b.wake = make(chan struct{})
	b.mu.Unlock()
	close(old)
	metrics.SnapshotsPublishedTotal.Inc()
}

// Peek returns the last published value, or ok=false if nothing has been
// published yet.
func (b *Bus) Peek() (snapshot.Snapshot, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.value, b.has
}

// WaitUpdate blocks until the next Publish, until ctx is done, or until
// timeout elapses, whichever comes first. ok is false on timeout or
// context cancellation.
func (b *Bus) WaitUpdate(ctx context.Context, timeout time.Duration) (snapshot.Snapshot, bool) {
	b.mu.Lock()
	ch := b.wake
	b.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ch:
		return b.Peek()
	case <-timer.C:
		return snapshot.Snapshot{}, false
	case <-ctx.Done():
		return snapshot.Snapshot{}, false
	}
}
