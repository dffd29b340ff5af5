package janitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentry/partyline/pkg/delivery"
	"github.com/agentry/partyline/pkg/events"
	"github.com/agentry/partyline/pkg/identity"
	"github.com/agentry/partyline/pkg/liveness"
	"github.com/agentry/partyline/pkg/storage"
	"github.com/agentry/partyline/pkg/types"
)

func testTimings() types.Timings {
	tm := types.DefaultTimings()
	tm.BusyRetryBase = time.Millisecond
	tm.BusyRetryCap = 4 * time.Millisecond
	tm.JanitorTick = 5 * time.Millisecond
	tm.LeaderRenewEvery = 10 * time.Millisecond
	tm.LeaderLeaseTTL = 50 * time.Millisecond
	tm.StartJitterMax = 0
	tm.PIDScanEvery = time.Hour
	tm.ReapEvery = time.Hour
	tm.PruneEvery = time.Hour
	tm.CheckpointEvery = time.Hour
	tm.DeadlockTriggerDelay = 30 * time.Millisecond
	tm.DeadlockCooldown = 200 * time.Millisecond
	tm.SendConfirmWait = 100 * time.Millisecond
	return tm
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{t: time.Now()} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func openStore(t *testing.T, root string, variant types.StoreVariant) storage.Store {
	t.Helper()
	st, err := storage.Open(root, variant, testTimings())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func claimSession(t *testing.T, st storage.Store) *identity.Session {
	t.Helper()
	s := identity.NewSession(identity.Config{Store: st, Timings: testTimings()})
	require.NoError(t, s.Claim(context.Background()))
	t.Cleanup(func() { s.Close(context.Background()) })
	return s
}

func newJanitor(t *testing.T, st storage.Store, s *identity.Session, mutate func(*Config)) *Janitor {
	t.Helper()
	cfg := Config{
		Store:    st,
		Session:  s,
		Exchange: delivery.NewExchange(st, testTimings(), nil),
		Timings:  testTimings(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return New(cfg)
}

func addPeer(t *testing.T, st storage.Store, id, hostname string, pid int, lastSeen time.Time) {
	t.Helper()
	p := &types.Peer{
		ID:        id,
		PID:       pid,
		Hostname:  hostname,
		CWD:       "/tmp",
		LastSeen:  lastSeen,
		Mode:      types.ModeWorking,
		ModeSince: lastSeen,
	}
	require.NoError(t, st.ClaimPeer(context.Background(), p, lastSeen.Add(-testTimings().HeartbeatTTL)))
}

// TestFirstTickElects tests that a lone session becomes leader on its first
// election attempt
func TestFirstTickElects(t *testing.T) {
	root := t.TempDir()
	st := openStore(t, root, types.VariantShared)
	s := claimSession(t, st)
	j := newJanitor(t, st, s, nil)

	require.False(t, j.IsLeader())
	j.tick(context.Background())
	assert.True(t, j.IsLeader())
}

// TestSingleLeaderAndFailover tests that exactly one of two competing loops
// holds the lease, and that stopping the holder hands it over within a TTL
func TestSingleLeaderAndFailover(t *testing.T) {
	root := t.TempDir()
	st1 := openStore(t, root, types.VariantShared)
	st2 := openStore(t, root, types.VariantShared)
	s1 := claimSession(t, st1)
	s2 := claimSession(t, st2)

	j1 := newJanitor(t, st1, s1, nil)
	j2 := newJanitor(t, st2, s2, nil)
	j1.Start()
	j2.Start()
	defer j1.Stop()
	defer j2.Stop()

	require.Eventually(t, func() bool {
		return j1.IsLeader() != j2.IsLeader()
	}, 2*time.Second, 5*time.Millisecond, "no single leader emerged")

	leader, follower := j1, j2
	if j2.IsLeader() {
		leader, follower = j2, j1
	}
	leader.Stop()

	require.Eventually(t, func() bool {
		return follower.IsLeader()
	}, 2*time.Second, 5*time.Millisecond, "follower never took over")
}

// TestRenewalKeepsLease tests that an active leader outlives many TTLs
func TestRenewalKeepsLease(t *testing.T) {
	root := t.TempDir()
	st := openStore(t, root, types.VariantShared)
	s := claimSession(t, st)
	j := newJanitor(t, st, s, nil)
	j.Start()
	defer j.Stop()

	require.Eventually(t, func() bool { return j.IsLeader() }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(3 * testTimings().LeaderLeaseTTL)
	assert.True(t, j.IsLeader(), "renewal should have kept the lease")
}

// TestLeaderLosesStolenLease tests the demotion path after an expired lease
// is claimed by a rival
func TestLeaderLosesStolenLease(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	st1 := openStore(t, root, types.VariantShared)
	st2 := openStore(t, root, types.VariantShared)
	s1 := claimSession(t, st1)
	s2 := claimSession(t, st2)
	clk := newFakeClock()

	j1 := newJanitor(t, st1, s1, func(c *Config) { c.Clock = clk.Now })
	j1.tick(ctx)
	require.True(t, j1.IsLeader())

	// lease runs out while j1 sits idle; the rival grabs it
	clk.Advance(testTimings().LeaderLeaseTTL + time.Millisecond)
	rivalPeer := s2.Peer()
	won, err := st2.TryAcquireLeader(ctx, &rivalPeer, clk.Now(), testTimings().LeaderLeaseTTL)
	require.NoError(t, err)
	require.True(t, won)

	j1.elect(ctx, clk.Now())
	assert.False(t, j1.IsLeader())
}

// TestPIDScanReapsDeadLocalPeer tests signal-0 reaping: dead local PIDs go,
// live ones and remote hosts stay
func TestPIDScanReapsDeadLocalPeer(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	st := openStore(t, root, types.VariantShared)
	s := claimSession(t, st)
	host := s.Peer().Hostname
	now := time.Now()

	addPeer(t, st, "px-dead", host, 40001, now)        // dead local
	addPeer(t, st, "px-live", host, 40002, now)        // live local
	addPeer(t, st, "px-remote", "elsewhere", 40003, now) // dead but remote

	j := newJanitor(t, st, s, func(c *Config) {
		c.Prober = liveness.ProberFunc(func(pid int) bool { return pid == 40002 })
	})

	peers, err := st.ListPeers(ctx)
	require.NoError(t, err)
	j.scanPIDs(ctx, peers)

	_, err = st.GetPeer(ctx, "px-dead")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = st.GetPeer(ctx, "px-live")
	assert.NoError(t, err)
	_, err = st.GetPeer(ctx, "px-remote")
	assert.NoError(t, err)
	_, err = st.GetPeer(ctx, s.ID())
	assert.NoError(t, err, "janitor must never probe itself away")
}

// TestReapDropsStalePeers tests heartbeat-TTL reaping and that the janitor's
// own record survives
func TestReapDropsStalePeers(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	st := openStore(t, root, types.VariantShared)
	s := claimSession(t, st)
	now := time.Now()

	addPeer(t, st, "stale-a", "h", 1, now.Add(-time.Hour))
	addPeer(t, st, "fresh-b", "h", 2, now)

	j := newJanitor(t, st, s, nil)
	j.reap(ctx, now)

	_, err := st.GetPeer(ctx, "stale-a")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = st.GetPeer(ctx, "fresh-b")
	assert.NoError(t, err)
	_, err = st.GetPeer(ctx, s.ID())
	assert.NoError(t, err)
}

// TestReapRecoversExpiredLeases tests that an abandoned in-flight batch is
// requeued once its lease runs out
func TestReapRecoversExpiredLeases(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	st := openStore(t, root, types.VariantShared)
	s := claimSession(t, st)
	now := time.Now()
	addPeer(t, st, "rx-owner", "h", 1, now)

	msg := &types.Message{
		MsgID: delivery.NewMsgID(), TS: now, TSStr: now.Format("15:04:05"),
		From: "ext", To: "rx-owner", Content: "orphaned", State: types.MessageQueued,
	}
	require.NoError(t, st.Enqueue(ctx, []*types.Message{msg}))
	leased, _, err := st.Lease(ctx, "rx-owner", now, testTimings().MaxBatchChars)
	require.NoError(t, err)
	require.Len(t, leased, 1)
	// receiver dies here without ack or release

	j := newJanitor(t, st, s, nil)
	j.reap(ctx, now.Add(testTimings().LeaseTTL+time.Second))

	n, err := st.QueuedCount(ctx, "rx-owner")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

// TestPruneDropsExpiredMessages tests retention-window pruning
func TestPruneDropsExpiredMessages(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	st := openStore(t, root, types.VariantShared)
	s := claimSession(t, st)
	now := time.Now()
	addPeer(t, st, "keeper", "h", 1, now)

	old := &types.Message{
		MsgID: delivery.NewMsgID(), TS: now.Add(-2 * testTimings().MessageTTL),
		From: "ext", To: "keeper", Content: "ancient", State: types.MessageQueued,
	}
	fresh := &types.Message{
		MsgID: delivery.NewMsgID(), TS: now,
		From: "ext", To: "keeper", Content: "current", State: types.MessageQueued,
	}
	require.NoError(t, st.Enqueue(ctx, []*types.Message{old, fresh}))

	j := newJanitor(t, st, s, nil)
	j.prune(ctx, now)

	n, err := st.QueuedCount(ctx, "keeper")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

// TestForwardMovesOutboxRows tests the mailbox forwarding duty end to end
func TestForwardMovesOutboxRows(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	st := openStore(t, root, types.VariantMailbox)
	s := claimSession(t, st)
	now := time.Now()
	addPeer(t, st, "mbx-peer", "h", 1, now)

	msg := &types.Message{
		MsgID: delivery.NewMsgID(), TS: now, TSStr: now.Format("15:04:05"),
		From: s.ID(), To: "mbx-peer", Content: "through the outbox", State: types.MessageQueued,
	}
	require.NoError(t, st.Enqueue(ctx, []*types.Message{msg}))

	j := newJanitor(t, st, s, nil)
	j.forward(ctx, time.Now())

	leased, _, err := st.Lease(ctx, "mbx-peer", time.Now(), testTimings().MaxBatchChars)
	require.NoError(t, err)
	require.Len(t, leased, 1)
	assert.Equal(t, "through the outbox", leased[0].Content)
}

// TestDeadlockAlertReachesLeaderNamedPeer tests detection, delivery target
// selection and the cooldown
func TestDeadlockAlertReachesLeaderNamedPeer(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	st := openStore(t, root, types.VariantShared)
	s := claimSession(t, st)
	clk := newFakeClock()
	now := clk.Now()

	addPeer(t, st, "teamleader", "h", 1, now)
	addPeer(t, st, "wkr-b", "h", 2, now)
	for _, id := range []string{"teamleader", "wkr-b", s.ID()} {
		require.NoError(t, st.SetWaiting(ctx, id, now, now.Add(time.Hour), 3600))
	}

	j := newJanitor(t, st, s, func(c *Config) {
		c.DeadlockAlerts = true
		c.Clock = clk.Now
	})

	peers, err := st.ListPeers(ctx)
	require.NoError(t, err)
	online := onlinePeers(peers, now, testTimings().HeartbeatTTL)

	j.watchDeadlock(ctx, online, now) // arms the trigger
	clk.Advance(testTimings().DeadlockTriggerDelay + time.Millisecond)
	j.watchDeadlock(ctx, online, clk.Now()) // fires

	leased, _, err := st.Lease(ctx, "teamleader", clk.Now(), testTimings().MaxBatchChars)
	require.NoError(t, err)
	require.Len(t, leased, 1)
	assert.Equal(t, types.SystemSender, leased[0].From)
	assert.Contains(t, leased[0].Content, "waiting")

	n, err := st.QueuedCount(ctx, "wkr-b")
	require.NoError(t, err)
	assert.Zero(t, n, "non-leader peers should not receive the alert")

	// still deadlocked but inside the cooldown window
	clk.Advance(testTimings().DeadlockTriggerDelay + time.Millisecond)
	j.watchDeadlock(ctx, online, clk.Now())
	n, err = st.QueuedCount(ctx, "teamleader")
	require.NoError(t, err)
	assert.Zero(t, n, "cooldown should suppress a second alert")
}

// TestDeadlockResetsWhenSomeoneWorks tests that one agent leaving waiting
// mode disarms the trigger, so a later all-waiting phase starts its delay
// from scratch
func TestDeadlockResetsWhenSomeoneWorks(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	st := openStore(t, root, types.VariantShared)
	s := claimSession(t, st)
	clk := newFakeClock()
	t0 := clk.Now()
	delay := testTimings().DeadlockTriggerDelay

	addPeer(t, st, "teamleader", "h", 1, t0)
	for _, id := range []string{"teamleader", s.ID()} {
		require.NoError(t, st.SetWaiting(ctx, id, t0, t0.Add(time.Hour), 3600))
	}

	j := newJanitor(t, st, s, func(c *Config) {
		c.DeadlockAlerts = true
		c.Clock = clk.Now
	})

	snapshot := func(now time.Time) []*types.Peer {
		peers, err := st.ListPeers(ctx)
		require.NoError(t, err)
		return onlinePeers(peers, now, testTimings().HeartbeatTTL)
	}

	j.watchDeadlock(ctx, snapshot(t0), t0) // arms
	require.False(t, j.allWaitingSince.IsZero())

	// one agent resumes work: the trigger must disarm
	require.NoError(t, st.ClearWaiting(ctx, s.ID(), t0.Add(5*time.Millisecond)))
	j.watchDeadlock(ctx, snapshot(t0.Add(5*time.Millisecond)), t0.Add(5*time.Millisecond))
	assert.True(t, j.allWaitingSince.IsZero())

	// all waiting again, already past the original trigger time: re-arms
	// fresh instead of firing
	require.NoError(t, st.SetWaiting(ctx, s.ID(), t0.Add(delay), t0.Add(time.Hour), 3600))
	clk.Advance(delay + 2*time.Millisecond)
	rearm := clk.Now()
	j.watchDeadlock(ctx, snapshot(rearm), rearm)
	j.watchDeadlock(ctx, snapshot(rearm.Add(time.Millisecond)), rearm.Add(time.Millisecond))

	n, err := st.QueuedCount(ctx, "teamleader")
	require.NoError(t, err)
	assert.Zero(t, n, "restarted delay must not fire early")
}

// TestDeadlockWithoutLeaderNamedPeer tests the degraded no-target path
func TestDeadlockWithoutLeaderNamedPeer(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	st := openStore(t, root, types.VariantShared)
	s := claimSession(t, st)
	clk := newFakeClock()
	now := clk.Now()

	addPeer(t, st, "wkr-b", "h", 2, now)
	for _, id := range []string{"wkr-b", s.ID()} {
		require.NoError(t, st.SetWaiting(ctx, id, now, now.Add(time.Hour), 3600))
	}

	j := newJanitor(t, st, s, func(c *Config) {
		c.DeadlockAlerts = true
		c.Clock = clk.Now
	})

	peers, err := st.ListPeers(ctx)
	require.NoError(t, err)
	online := onlinePeers(peers, now, testTimings().HeartbeatTTL)

	j.watchDeadlock(ctx, online, now)
	clk.Advance(testTimings().DeadlockTriggerDelay + time.Millisecond)
	j.watchDeadlock(ctx, online, clk.Now())

	for _, id := range []string{"wkr-b", s.ID()} {
		n, err := st.QueuedCount(ctx, id)
		require.NoError(t, err)
		assert.Zero(t, n)
	}
}

// TestLeaderElectionEmitsEvents tests broker notification on both
// transitions
func TestLeaderElectionEmitsEvents(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	st := openStore(t, root, types.VariantShared)
	s := claimSession(t, st)
	clk := newFakeClock()

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	j := newJanitor(t, st, s, func(c *Config) {
		c.Broker = broker
		c.Clock = clk.Now
	})
	j.elect(ctx, clk.Now())
	require.True(t, j.IsLeader())

	select {
	case ev := <-sub:
		assert.Equal(t, types.EventLeaderElected, ev.Type)
		assert.Equal(t, s.ID(), ev.AgentID)
	case <-time.After(time.Second):
		t.Fatal("no leader.elected event")
	}
}
