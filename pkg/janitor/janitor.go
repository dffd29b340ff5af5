package janitor

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/rs/zerolog"

	"github.com/agentry/partyline/pkg/delivery"
	"github.com/agentry/partyline/pkg/events"
	"github.com/agentry/partyline/pkg/identity"
	"github.com/agentry/partyline/pkg/liveness"
	"github.com/agentry/partyline/pkg/log"
	"github.com/agentry/partyline/pkg/metrics"
	"github.com/agentry/partyline/pkg/presence"
	"github.com/agentry/partyline/pkg/storage"
	"github.com/agentry/partyline/pkg/types"
)

// deadlockCategory keys the alert cooldown limiter.
const deadlockCategory = "deadlock"

// Config carries the janitor's dependencies.
type Config struct {
	Store    storage.Store
	Session  *identity.Session
	Exchange *delivery.Exchange
	Timings  types.Timings

	// Broker receives lifecycle events when set.
	Broker *events.Broker

	// Prober decides whether a local PID is alive. Defaults to the
	// signal-0 prober.
	Prober liveness.Prober

	// DeadlockAlerts enables the all-waiting watchdog.
	DeadlockAlerts bool

	// Clock defaults to time.Now.
	Clock func() time.Time
}

// Janitor runs every session's background maintenance loop. All loops race
// for a single leader lease; whoever holds it performs the fleet-wide duties
// (dead peer reaping, lease recovery, pruning, outbox forwarding, deadlock
// watch) while everyone else only keeps re-attempting the election. Any
// duty may fail without stopping the loop; the next tick retries.
type Janitor struct {
	store    storage.Store
	session  *identity.Session
	exchange *delivery.Exchange
	timings  types.Timings
	broker   *events.Broker
	prober   liveness.Prober
	clock    func() time.Time
	logger   zerolog.Logger

	alertsOn bool
	cooldown *catrate.Limiter

	leader atomic.Bool

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	doneCh    chan struct{}

	// Duty clocks, touched only by the loop goroutine.
	lastElection    time.Time
	lastPIDScan     time.Time
	lastReap        time.Time
	lastPrune       time.Time
	lastCheckpoint  time.Time
	allWaitingSince time.Time
}

// New wires a Janitor from cfg. Start must be called to run it.
func New(cfg Config) *Janitor {
	if cfg.Prober == nil {
		cfg.Prober = liveness.NewPIDProber()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Janitor{
		store:    cfg.Store,
		session:  cfg.Session,
		exchange: cfg.Exchange,
		timings:  cfg.Timings,
		broker:   cfg.Broker,
		prober:   cfg.Prober,
		clock:    cfg.Clock,
		logger:   log.WithComponent("janitor"),
		alertsOn: cfg.DeadlockAlerts,
		cooldown: catrate.NewLimiter(map[time.Duration]int{cfg.Timings.DeadlockCooldown: 1}),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start launches the maintenance loop.
func (j *Janitor) Start() {
	j.startOnce.Do(func() {
		go j.run()
	})
}

// Stop halts the loop and waits for it to exit. The leader lease is not
// released; it simply expires so a peer can take over.
func (j *Janitor) Stop() {
	j.stopOnce.Do(func() {
		close(j.stopCh)
	})
	<-j.doneCh
}

// IsLeader reports whether this session currently holds the leader lease.
func (j *Janitor) IsLeader() bool {
	return j.leader.Load()
}

func (j *Janitor) run() {
	defer close(j.doneCh)

	// Spread process starts so a fleet launched at once does not line up
	// its elections and scans.
	if j.timings.StartJitterMax > 0 {
		delay := time.Duration(rand.Int63n(int64(j.timings.StartJitterMax)))
		select {
		case <-time.After(delay):
		case <-j.stopCh:
			return
		}
	}

	ticker := time.NewTicker(j.timings.JanitorTick)
	defer ticker.Stop()
	for {
		select {
		case <-j.stopCh:
			return
		case <-ticker.C:
			j.tick(context.Background())
		}
	}
}

func (j *Janitor) tick(ctx context.Context) {
	now := j.clock()
	if j.lastElection.IsZero() || now.Sub(j.lastElection) >= j.timings.LeaderRenewEvery {
		j.lastElection = now
		j.elect(ctx, now)
	}
	if !j.leader.Load() {
		return
	}

	j.forward(ctx, now)

	if j.lastPIDScan.IsZero() || now.Sub(j.lastPIDScan) >= j.timings.PIDScanEvery {
		j.lastPIDScan = now
		if peers, err := j.store.ListPeers(ctx); err == nil {
			j.scanPIDs(ctx, peers)
			j.watchDeadlock(ctx, onlinePeers(peers, now, j.timings.HeartbeatTTL), now)
		} else {
			j.logger.Debug().Err(err).Msg("peer scan failed")
		}
	}

	if j.lastReap.IsZero() || now.Sub(j.lastReap) >= j.timings.ReapEvery {
		j.lastReap = now
		j.reap(ctx, now)
	}

	if j.lastPrune.IsZero() || now.Sub(j.lastPrune) >= j.timings.PruneEvery {
		j.lastPrune = now
		j.prune(ctx, now)
	}

	if j.lastCheckpoint.IsZero() || now.Sub(j.lastCheckpoint) >= j.timings.CheckpointEvery {
		j.lastCheckpoint = now
		if err := j.store.Checkpoint(ctx); err != nil {
			j.logger.Debug().Err(err).Msg("checkpoint failed")
		}
	}
}

// elect attempts to acquire or renew the leader lease and tracks the
// transition in both directions.
func (j *Janitor) elect(ctx context.Context, now time.Time) {
	me := j.session.Peer()
	if me.ID == "" {
		return
	}
	won, err := j.store.TryAcquireLeader(ctx, &me, now, j.timings.LeaderLeaseTTL)
	if err != nil {
		j.logger.Debug().Err(err).Msg("leader election attempt failed")
		return
	}
	was := j.leader.Swap(won)
	switch {
	case won && !was:
		metrics.LeaderElections.Inc()
		metrics.IsLeader.Set(1)
		j.logger.Info().Str("agent_id", me.ID).Msg("acquired leader lease")
		j.emit(types.EventLeaderElected, me.ID, "acquired leader lease")
	case !won && was:
		metrics.IsLeader.Set(0)
		j.logger.Info().Str("agent_id", me.ID).Msg("lost leader lease")
		j.emit(types.EventLeaderLost, me.ID, "lost leader lease")
	}
}

// forward drains queued outbox rows into recipient inboxes. Mailbox variant
// only; the shared store dispatches at enqueue time.
func (j *Janitor) forward(ctx context.Context, now time.Time) {
	if j.store.Variant() != types.VariantMailbox {
		return
	}
	peers, err := j.store.ListPeers(ctx)
	if err != nil {
		return
	}
	ids := make([]string, 0, len(peers))
	for _, p := range peers {
		if p.Online(now, j.timings.HeartbeatTTL) {
			ids = append(ids, p.ID)
		}
	}
	n, err := j.store.ForwardOutboxes(ctx, now, ids, j.timings.ForwardBatchLimit)
	if err != nil {
		j.logger.Debug().Err(err).Msg("outbox forwarding failed")
		return
	}
	if n > 0 {
		metrics.MessagesForwarded.Add(float64(n))
		j.logger.Debug().Int("count", n).Msg("forwarded outbox rows")
		j.emit(types.EventMessagesForwarded, j.session.ID(), "forwarded outbox rows")
	}
}

// scanPIDs reaps same-host peers whose process is gone. Remote peers are
// left to the heartbeat TTL.
func (j *Janitor) scanPIDs(ctx context.Context, peers []*types.Peer) {
	me := j.session.Peer()
	for _, p := range peers {
		if p.ID == me.ID || p.Hostname != me.Hostname || p.PID <= 0 {
			continue
		}
		if j.prober.Alive(p.PID) {
			continue
		}
		if err := j.store.DeletePeer(ctx, p.ID); err != nil {
			j.logger.Debug().Err(err).Str("agent_id", p.ID).Msg("dead peer delete failed")
			continue
		}
		metrics.PeersReaped.WithLabelValues("dead_pid").Inc()
		j.logger.Info().Str("agent_id", p.ID).Int("pid", p.PID).Msg("reaped dead peer")
		j.emit(types.EventPeerReaped, p.ID, "process gone")
	}
}

// reap removes peers past the heartbeat TTL, clears stale waiting flags and
// recovers expired message leases.
func (j *Janitor) reap(ctx context.Context, now time.Time) {
	peers, err := j.store.ListPeers(ctx)
	if err != nil {
		j.logger.Debug().Err(err).Msg("reap scan failed")
		return
	}
	me := j.session.ID()
	cutoff := now.Add(-j.timings.HeartbeatTTL)
	for _, p := range peers {
		if p.ID == me || p.LastSeen.After(cutoff) {
			continue
		}
		if err := j.store.DeletePeer(ctx, p.ID); err != nil {
			j.logger.Debug().Err(err).Str("agent_id", p.ID).Msg("stale peer delete failed")
			continue
		}
		metrics.PeersReaped.WithLabelValues("ttl_expired").Inc()
		j.logger.Info().Str("agent_id", p.ID).Time("last_seen", p.LastSeen).Msg("reaped stale peer")
		j.emit(types.EventPeerReaped, p.ID, "heartbeat expired")
	}

	if n, err := j.store.ClearStaleWaiting(ctx, now); err == nil && n > 0 {
		j.logger.Debug().Int("count", n).Msg("cleared stale waiting flags")
	}
	if n, err := j.store.RecoverExpiredLeases(ctx, now); err == nil && n > 0 {
		metrics.LeasesRecovered.Add(float64(n))
		j.logger.Info().Int("count", n).Msg("recovered expired message leases")
	}
}

func (j *Janitor) prune(ctx context.Context, now time.Time) {
	n, err := j.store.PruneMessages(ctx, now.Add(-j.timings.MessageTTL))
	if err != nil {
		j.logger.Debug().Err(err).Msg("prune failed")
		return
	}
	if n > 0 {
		metrics.MessagesPruned.Add(float64(n))
		j.logger.Info().Int("count", n).Msg("pruned expired messages")
	}
}

// watchDeadlock fires an alert when every online agent has sat in waiting
// mode past the trigger delay. The alert goes to agents whose id contains
// "leader"; without one it degrades to a log warning. Either way the
// cooldown limiter keeps it to one signal per window.
func (j *Janitor) watchDeadlock(ctx context.Context, online []*types.Peer, now time.Time) {
	if !j.alertsOn {
		return
	}
	if len(online) == 0 || !presence.AllWaiting(online) {
		j.allWaitingSince = time.Time{}
		return
	}
	if j.allWaitingSince.IsZero() {
		j.allWaitingSince = now
		return
	}
	if now.Sub(j.allWaitingSince) < j.timings.DeadlockTriggerDelay {
		return
	}
	if _, ok := j.cooldown.Allow(deadlockCategory); !ok {
		return
	}

	metrics.DeadlockAlerts.Inc()
	j.emit(types.EventDeadlockDetected, j.session.ID(), "all online agents waiting")

	targets := make([]string, 0, 1)
	for _, p := range online {
		if strings.Contains(p.ID, "leader") {
			targets = append(targets, p.ID)
		}
	}
	if len(targets) == 0 {
		j.logger.Warn().Int("agents", len(online)).Msg("all agents waiting and no leader-named peer to notify")
		return
	}
	content := deadlockAlertContent(len(online))
	if err := j.exchange.SystemNotify(ctx, targets, content); err != nil {
		j.logger.Error().Err(err).Msg("deadlock alert delivery failed")
		return
	}
	j.logger.Warn().Strs("targets", targets).Int("agents", len(online)).Msg("deadlock alert sent")
}

func deadlockAlertContent(n int) string {
	return fmt.Sprintf("⚠️ All %d online agents are waiting on recv. Possible deadlock: assign work or answer pending messages.", n)
}

func (j *Janitor) emit(eventType types.EventType, agentID, message string) {
	if j.broker != nil {
		j.broker.Emit(eventType, agentID, message)
	}
}

func onlinePeers(peers []*types.Peer, now time.Time, ttl time.Duration) []*types.Peer {
	out := make([]*types.Peer, 0, len(peers))
	for _, p := range peers {
		if p.Online(now, ttl) {
			out = append(out, p)
		}
	}
	return out
}
