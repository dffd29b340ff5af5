package metrics

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

// TestCollectorStartStop tests the collector lifecycle
func TestCollectorStartStop(t *testing.T) {
	var calls atomic.Int64
	snapshot := func(ctx context.Context) (Snapshot, error) {
		calls.Add(1)
		return Snapshot{PeersOnline: 3, PeersWaiting: 1, InboxQueued: 7}, nil
	}

	c := NewCollector(snapshot, 10*time.Millisecond)
	c.Start()

	// The first collect happens immediately; more follow on the ticker.
	time.Sleep(50 * time.Millisecond)
	c.Stop()

	// let any in-flight collect finish before taking the baseline
	time.Sleep(20 * time.Millisecond)
	got := calls.Load()
	if got < 2 {
		t.Errorf("expected at least 2 snapshot calls, got %d", got)
	}

	// No further calls after Stop
	time.Sleep(30 * time.Millisecond)
	if calls.Load() != got {
		t.Errorf("collector kept running after Stop: %d -> %d", got, calls.Load())
	}
}

// TestCollectorSnapshotError tests that a failing snapshot skips the tick
func TestCollectorSnapshotError(t *testing.T) {
	var calls atomic.Int64
	snapshot := func(ctx context.Context) (Snapshot, error) {
		calls.Add(1)
		return Snapshot{}, errors.New("store unavailable")
	}

	c := NewCollector(snapshot, 10*time.Millisecond)
	c.Start()
	time.Sleep(35 * time.Millisecond)
	c.Stop()

	// Errors must not stop the loop
	if calls.Load() < 2 {
		t.Errorf("collector stopped after snapshot error, calls=%d", calls.Load())
	}
}
