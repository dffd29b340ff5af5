package framework

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/agentry/partyline/pkg/storage"
	"github.com/agentry/partyline/pkg/types"
)

// Waiter provides utilities for waiting on conditions with timeouts
type Waiter struct {
	timeout  time.Duration
	interval time.Duration
}

// NewWaiter creates a new Waiter with the given timeout and polling interval
func NewWaiter(timeout, interval time.Duration) *Waiter {
	return &Waiter{
		timeout:  timeout,
		interval: interval,
	}
}

// DefaultWaiter returns a waiter scaled to the fast timing set (5s timeout,
// 10ms interval).
func DefaultWaiter() *Waiter {
	return NewWaiter(5*time.Second, 10*time.Millisecond)
}

// WaitFor waits for a condition to become true
func (w *Waiter) WaitFor(ctx context.Context, condition func() bool, description string) error {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	// Check immediately
	if condition() {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for: %s (timeout: %v)", description, w.timeout)
		case <-ticker.C:
			if condition() {
				return nil
			}
		}
	}
}

// WaitForOnline waits for id to be present with a fresh heartbeat.
func (w *Waiter) WaitForOnline(ctx context.Context, st storage.Store, tm types.Timings, id string) error {
	return w.WaitFor(ctx, func() bool {
		p, err := st.GetPeer(ctx, id)
		return err == nil && p.Online(time.Now(), tm.HeartbeatTTL)
	}, fmt.Sprintf("agent %s to be online", id))
}

// WaitForGone waits for id's record to disappear from the pool.
func (w *Waiter) WaitForGone(ctx context.Context, st storage.Store, id string) error {
	return w.WaitFor(ctx, func() bool {
		_, err := st.GetPeer(ctx, id)
		return errors.Is(err, storage.ErrNotFound)
	}, fmt.Sprintf("agent %s record to be reaped", id))
}

// WaitForMode waits for id to publish the given mode.
func (w *Waiter) WaitForMode(ctx context.Context, st storage.Store, id string, mode types.AgentMode) error {
	return w.WaitFor(ctx, func() bool {
		p, err := st.GetPeer(ctx, id)
		return err == nil && p.Mode == mode
	}, fmt.Sprintf("agent %s to reach mode %s", id, mode))
}

// WaitForLeader waits for a live lease and returns its owner.
func (w *Waiter) WaitForLeader(ctx context.Context, st storage.Store) (string, error) {
	var owner string
	err := w.WaitFor(ctx, func() bool {
		lease, err := st.ReadLeader(ctx)
		if err != nil || lease == nil || lease.Expired(time.Now()) {
			return false
		}
		owner = lease.OwnerID
		return true
	}, "a leader to hold the lease")
	return owner, err
}

// WaitForLeaderChange waits for the lease to be held by someone other than
// prev and returns the new owner.
func (w *Waiter) WaitForLeaderChange(ctx context.Context, st storage.Store, prev string) (string, error) {
	var owner string
	err := w.WaitFor(ctx, func() bool {
		lease, err := st.ReadLeader(ctx)
		if err != nil || lease == nil || lease.Expired(time.Now()) || lease.OwnerID == prev {
			return false
		}
		owner = lease.OwnerID
		return true
	}, fmt.Sprintf("leadership to move off %s", prev))
	return owner, err
}

// WaitForQueued waits for recipient to have exactly n queued messages.
func (w *Waiter) WaitForQueued(ctx context.Context, st storage.Store, recipient string, n int) error {
	return w.WaitFor(ctx, func() bool {
		c, err := st.QueuedCount(ctx, recipient)
		return err == nil && c == n
	}, fmt.Sprintf("%d queued messages for %s", n, recipient))
}
