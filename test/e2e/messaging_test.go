package e2e

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentry/partyline/pkg/types"
	"github.com/agentry/partyline/test/framework"
)

// runOnVariants runs body against both store layouts. Each run gets its own
// fleet over a fresh root.
func runOnVariants(t *testing.T, body func(t *testing.T, f *framework.Fleet)) {
	for _, variant := range []types.StoreVariant{types.VariantShared, types.VariantMailbox} {
		t.Run(string(variant), func(t *testing.T) {
			body(t, framework.NewFleet(t, framework.WithVariant(variant)))
		})
	}
}

// TestUnicastPair tests the basic two-agent exchange: send confirms, recv
// renders the batch, the next recv times out empty
func TestUnicastPair(t *testing.T) {
	runOnVariants(t, func(t *testing.T, f *framework.Fleet) {
		ctx := context.Background()
		a := f.Spawn()
		b := f.Spawn()

		out := a.Bridge.Send(ctx, b.ID, "hi")
		require.Contains(t, out, "Sent (to 1 agent(s), id=")

		got := b.Bridge.Recv(ctx, 5)
		assert.Contains(t, got, "=== 1 messages from 1 agent(s) ===")
		assert.Contains(t, got, fmt.Sprintf("[%s] - 1 message(s)", a.ID))
		assert.Regexp(t, `  \d{2}:\d{2}:\d{2} hi`, got)

		assert.Equal(t, "Timeout (1s).", b.Bridge.Recv(ctx, 1))
	})
}

// TestBroadcastExcludesSender tests that 'all' reaches every online peer
// except the sender, who stays empty
func TestBroadcastExcludesSender(t *testing.T) {
	runOnVariants(t, func(t *testing.T, f *framework.Fleet) {
		ctx := context.Background()
		a := f.Spawn()
		b := f.Spawn()
		c := f.Spawn()

		out := a.Bridge.Send(ctx, "all", "ping")
		require.Contains(t, out, "Sent (to 2 agent(s), id=")

		for _, rcpt := range []*framework.Agent{b, c} {
			got := rcpt.Bridge.Recv(ctx, 5)
			assert.Contains(t, got, "["+a.ID+"]")
			assert.Contains(t, got, "ping")
		}

		assert.Equal(t, "Timeout (1s).", a.Bridge.Recv(ctx, 1))
	})
}

// TestSendToOfflineAgent tests the offline rejection surface string
func TestSendToOfflineAgent(t *testing.T) {
	runOnVariants(t, func(t *testing.T, f *framework.Fleet) {
		ctx := context.Background()
		a := f.Spawn()

		target := "999"
		if a.ID == target {
			target = "998"
		}
		out := a.Bridge.Send(ctx, target, "x")
		assert.Equal(t, fmt.Sprintf("Error: Agent '%s' offline.", target), out)
	})
}

// TestRecvWakesOnSend tests that a blocked recv picks up a message sent
// mid-wait instead of running out its timeout
func TestRecvWakesOnSend(t *testing.T) {
	runOnVariants(t, func(t *testing.T, f *framework.Fleet) {
		ctx := context.Background()
		a := f.Spawn()
		b := f.Spawn()

		got := make(chan string, 1)
		go func() { got <- b.Bridge.Recv(ctx, 30) }()

		waiter := framework.DefaultWaiter()
		require.NoError(t, waiter.WaitForMode(ctx, a.Store, b.ID, types.ModeWaiting))

		require.Contains(t, a.Bridge.Send(ctx, b.ID, "wake up"), "Sent")

		select {
		case out := <-got:
			assert.Contains(t, out, "wake up")
		case <-time.After(10 * time.Second):
			t.Fatal("recv did not wake after send")
		}
	})
}

// TestRecvCancelledByNewCommand tests that any other tool call on the same
// session ends a blocked recv within a poll tick
func TestRecvCancelledByNewCommand(t *testing.T) {
	runOnVariants(t, func(t *testing.T, f *framework.Fleet) {
		ctx := context.Background()
		a := f.Spawn()
		b := f.Spawn()

		got := make(chan string, 1)
		go func() { got <- a.Bridge.Recv(ctx, 60) }()

		waiter := framework.DefaultWaiter()
		require.NoError(t, waiter.WaitForMode(ctx, b.Store, a.ID, types.ModeWaiting))

		_ = a.Bridge.GetStatus(ctx)

		select {
		case out := <-got:
			assert.Equal(t, "Cancelled by new command.", out)
		case <-time.After(5 * time.Second):
			t.Fatal("recv did not observe the newer command")
		}

		// The waiting flag must not linger after the abort.
		require.NoError(t, waiter.WaitForMode(ctx, b.Store, a.ID, types.ModeWorking))
	})
}

// TestPerSenderFIFO tests that one sender's messages arrive in send order
// within a batch
func TestPerSenderFIFO(t *testing.T) {
	f := framework.NewFleet(t)
	ctx := context.Background()
	a := f.Spawn()
	b := f.Spawn()

	for i := 1; i <= 3; i++ {
		require.Contains(t, a.Bridge.Send(ctx, b.ID, fmt.Sprintf("step-%d", i)), "Sent")
	}

	got := b.Bridge.Recv(ctx, 5)
	i1 := strings.Index(got, "step-1")
	i2 := strings.Index(got, "step-2")
	i3 := strings.Index(got, "step-3")
	require.NotEqual(t, -1, i1)
	require.NotEqual(t, -1, i2)
	require.NotEqual(t, -1, i3)
	assert.Less(t, i1, i2)
	assert.Less(t, i2, i3)
}

// TestStatusShowsWaitingPeer tests the fleet view while one agent is parked
// in recv
func TestStatusShowsWaitingPeer(t *testing.T) {
	f := framework.NewFleet(t)
	ctx := context.Background()
	a := f.Spawn()
	b := f.Spawn()

	done := make(chan string, 1)
	go func() { done <- b.Bridge.Recv(ctx, 30) }()

	waiter := framework.DefaultWaiter()
	require.NoError(t, waiter.WaitForMode(ctx, a.Store, b.ID, types.ModeWaiting))

	status := a.Bridge.GetStatus(ctx)
	assert.Contains(t, status, "Agent "+a.ID+" @")
	assert.Contains(t, status, "Agent "+b.ID+" @")
	assert.Contains(t, status, "THIS")
	assert.Contains(t, status, "Waiting")

	require.Contains(t, a.Bridge.Send(ctx, b.ID, "done"), "Sent")
	<-done
}
