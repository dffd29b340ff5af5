package e2e

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentry/partyline/pkg/types"
	"github.com/agentry/partyline/test/framework"
)

// TestCrashedPeerIsReaped tests that a peer that dies without cleanup
// disappears from the fleet view within a TTL plus one reap cycle
func TestCrashedPeerIsReaped(t *testing.T) {
	f := framework.NewFleet(t)
	ctx := context.Background()
	a := f.Spawn()
	b := f.Spawn()

	bID := b.ID
	b.Crash()

	waiter := framework.NewWaiter(10*time.Second, 20*time.Millisecond)
	require.NoError(t, waiter.WaitForGone(ctx, a.Store, bID))

	assert.NotContains(t, a.Bridge.GetStatus(ctx), "Agent "+bID+" @")
}

// TestCrashMidReceiveRecoversLease tests at-least-once delivery across a
// consumer crash: the leased batch returns to queued after the lease TTL
// and a session reclaiming the id receives it
func TestCrashMidReceiveRecoversLease(t *testing.T) {
	f := framework.NewFleet(t)
	ctx := context.Background()
	a := f.Spawn()
	b := f.Spawn()
	bID := b.ID

	require.Contains(t, a.Bridge.Send(ctx, bID, "orphaned"), "Sent")

	// B leases the batch but dies before acking.
	msgs, _, err := b.Store.Lease(ctx, bID, time.Now(), f.Timings.MaxBatchChars)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	b.Crash()

	// The surviving leader's sweep re-queues the rows once the lease runs out.
	waiter := framework.NewWaiter(10*time.Second, 20*time.Millisecond)
	require.NoError(t, waiter.WaitForQueued(ctx, a.Store, bID, 1))

	// A replacement reclaiming the id picks the message up.
	c := f.Spawn()
	require.Equal(t, "OK", c.Bridge.Rename(ctx, bID))
	got := c.Bridge.Recv(ctx, 5)
	assert.Contains(t, got, "orphaned")
	assert.Contains(t, got, "["+a.ID+"]")
}

// TestLeaderFailover tests that crashing the lease holder hands leadership
// to the survivor within a lease TTL
func TestLeaderFailover(t *testing.T) {
	f := framework.NewFleet(t)
	ctx := context.Background()
	a := f.Spawn()
	b := f.Spawn()

	waiter := framework.NewWaiter(10*time.Second, 10*time.Millisecond)
	first, err := waiter.WaitForLeader(ctx, a.Store)
	require.NoError(t, err)

	var crashed, survivor *framework.Agent
	switch first {
	case a.ID:
		crashed, survivor = a, b
	case b.ID:
		crashed, survivor = b, a
	default:
		t.Fatalf("lease held by unknown agent %s", first)
	}
	crashed.Crash()

	next, err := waiter.WaitForLeaderChange(ctx, survivor.Store, first)
	require.NoError(t, err)
	assert.Equal(t, survivor.ID, next)

	// The new leader keeps the bus serviceable.
	assert.Contains(t, survivor.Bridge.GetStatus(ctx), "THIS")
}

// TestForwardingSurvivesLeaderLoss tests mailbox delivery across a leader
// crash: a send confirmed by the next leader still reaches the recipient
func TestForwardingSurvivesLeaderLoss(t *testing.T) {
	f := framework.NewFleet(t, framework.WithVariant(types.VariantMailbox))
	ctx := context.Background()
	a := f.Spawn()
	b := f.Spawn()
	c := f.Spawn()

	waiter := framework.NewWaiter(10*time.Second, 10*time.Millisecond)
	first, err := waiter.WaitForLeader(ctx, a.Store)
	require.NoError(t, err)

	agents := map[string]*framework.Agent{a.ID: a, b.ID: b, c.ID: c}
	leader, ok := agents[first]
	require.True(t, ok, "lease held by unknown agent %s", first)
	delete(agents, first)

	var sender, rcpt *framework.Agent
	for _, ag := range agents {
		if sender == nil {
			sender = ag
		} else {
			rcpt = ag
		}
	}

	leader.Crash()
	_, err = waiter.WaitForLeaderChange(ctx, sender.Store, first)
	require.NoError(t, err)

	require.Contains(t, sender.Bridge.Send(ctx, rcpt.ID, "past the crash"), "Sent")
	assert.Contains(t, rcpt.Bridge.Recv(ctx, 5), "past the crash")
}
