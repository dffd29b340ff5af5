package framework

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentry/partyline/pkg/bridge"
	"github.com/agentry/partyline/pkg/delivery"
	"github.com/agentry/partyline/pkg/events"
	"github.com/agentry/partyline/pkg/identity"
	"github.com/agentry/partyline/pkg/janitor"
	"github.com/agentry/partyline/pkg/liveness"
	"github.com/agentry/partyline/pkg/storage"
	"github.com/agentry/partyline/pkg/types"
)

// FastTimings returns the production timing set shrunk to test scale with
// the ratios preserved: heartbeat TTL stays several beats wide, the leader
// lease several renewals.
func FastTimings() types.Timings {
	tm := types.DefaultTimings()
	tm.HeartbeatInterval = 20 * time.Millisecond
	tm.HeartbeatTTL = 150 * time.Millisecond
	tm.LeaseTTL = 300 * time.Millisecond
	tm.LeaderRenewEvery = 20 * time.Millisecond
	tm.LeaderLeaseTTL = 100 * time.Millisecond
	tm.JanitorTick = 10 * time.Millisecond
	tm.PIDScanEvery = 25 * time.Millisecond
	tm.ReapEvery = 25 * time.Millisecond
	tm.PruneEvery = time.Hour
	tm.CheckpointEvery = time.Hour
	tm.DeadlockTriggerDelay = time.Hour
	tm.DeadlockCooldown = time.Second
	tm.LeaderPollInterval = 10 * time.Millisecond
	tm.FollowerPollInterval = 20 * time.Millisecond
	tm.RecvTick = 5 * time.Millisecond
	tm.SendConfirmWait = 2 * time.Second
	tm.BusyRetryBase = time.Millisecond
	tm.BusyRetryCap = 5 * time.Millisecond
	tm.StartJitterMax = 0
	return tm
}

// Fleet runs several in-process agents over one pool root. Each agent gets
// its own store handle, session, janitor and bridge, exactly as separate
// processes would; only the filesystem is shared.
type Fleet struct {
	T       *testing.T
	Root    string
	Variant types.StoreVariant
	Timings types.Timings

	mu     sync.Mutex
	agents []*Agent
}

// FleetOption configures a new fleet.
type FleetOption func(*Fleet)

// WithVariant selects the store layout (default shared).
func WithVariant(v types.StoreVariant) FleetOption {
	return func(f *Fleet) { f.Variant = v }
}

// WithRoot pins the fleet to an existing pool root instead of a fresh
// temp directory.
func WithRoot(root string) FleetOption {
	return func(f *Fleet) { f.Root = root }
}

// WithTimings replaces the default fast timing set.
func WithTimings(tm types.Timings) FleetOption {
	return func(f *Fleet) { f.Timings = tm }
}

// NewFleet creates an empty fleet over a fresh temp root and registers its
// teardown with t.
func NewFleet(t *testing.T, opts ...FleetOption) *Fleet {
	f := &Fleet{
		T:       t,
		Root:    t.TempDir(),
		Variant: types.VariantShared,
		Timings: FastTimings(),
	}
	for _, opt := range opts {
		opt(f)
	}
	t.Cleanup(f.Close)
	return f
}

// Agent is one fleet member, assembled the way `partyline serve` wires a
// real process.
type Agent struct {
	ID      string
	Store   storage.Store
	Session *identity.Session
	Janitor *janitor.Janitor
	Bridge  *bridge.Bridge
	Broker  *events.Broker

	stopped bool
}

// SpawnOption configures one agent.
type SpawnOption func(*spawnConfig)

type spawnConfig struct {
	prober         liveness.Prober
	deadlockAlerts bool
	timings        types.Timings
}

// WithProber injects a fake liveness probe for the janitor's PID scan.
func WithProber(p liveness.Prober) SpawnOption {
	return func(sc *spawnConfig) { sc.prober = p }
}

// WithDeadlockAlerts turns the all-waiting warning on for this agent.
func WithDeadlockAlerts() SpawnOption {
	return func(sc *spawnConfig) { sc.deadlockAlerts = true }
}

// WithSpawnTimings overrides the fleet timing set for this agent only.
func WithSpawnTimings(tm types.Timings) SpawnOption {
	return func(sc *spawnConfig) { sc.timings = tm }
}

// Spawn brings one agent up on the fleet's root and blocks until its id is
// claimed.
func (f *Fleet) Spawn(opts ...SpawnOption) *Agent {
	f.T.Helper()
	sc := spawnConfig{timings: f.Timings}
	for _, opt := range opts {
		opt(&sc)
	}

	st, err := storage.Open(f.Root, f.Variant, sc.timings)
	require.NoError(f.T, err)

	broker := events.NewBroker()
	broker.Start()

	sess := identity.NewSession(identity.Config{Store: st, Timings: sc.timings})
	require.NoError(f.T, sess.Claim(context.Background()))
	sess.StartHeartbeat()

	exchange := delivery.NewExchange(st, sc.timings, nil)

	jan := janitor.New(janitor.Config{
		Store:          st,
		Session:        sess,
		Exchange:       exchange,
		Timings:        sc.timings,
		Broker:         broker,
		Prober:         sc.prober,
		DeadlockAlerts: sc.deadlockAlerts,
	})
	jan.Start()

	br := bridge.New(bridge.Config{
		Store:    st,
		Session:  sess,
		Exchange: exchange,
		Janitor:  jan,
		Timings:  sc.timings,
	})

	a := &Agent{
		ID:      sess.ID(),
		Store:   st,
		Session: sess,
		Janitor: jan,
		Bridge:  br,
		Broker:  broker,
	}
	f.mu.Lock()
	f.agents = append(f.agents, a)
	f.mu.Unlock()
	return a
}

// Stop leaves the pool cleanly: the janitor stands down and the record is
// deleted so peers see the departure immediately.
func (a *Agent) Stop() {
	if a.stopped {
		return
	}
	a.stopped = true
	a.Janitor.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = a.Session.Close(ctx)
	a.Broker.Stop()
	_ = a.Store.Close()
}

// Crash abandons the agent without cleanup: heartbeats stop, the record and
// any message leases stay behind for the janitor to collect.
func (a *Agent) Crash() {
	if a.stopped {
		return
	}
	a.stopped = true
	a.Janitor.Stop()
	a.Session.StopHeartbeat()
	a.Broker.Stop()
	_ = a.Store.Close()
}

// Close stops every remaining agent. Registered with t.Cleanup by NewFleet.
func (f *Fleet) Close() {
	f.mu.Lock()
	agents := append([]*Agent(nil), f.agents...)
	f.mu.Unlock()
	for _, a := range agents {
		a.Stop()
	}
}
