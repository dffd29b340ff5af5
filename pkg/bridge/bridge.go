package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentry/partyline/pkg/delivery"
	"github.com/agentry/partyline/pkg/identity"
	"github.com/agentry/partyline/pkg/janitor"
	"github.com/agentry/partyline/pkg/log"
	"github.com/agentry/partyline/pkg/metrics"
	"github.com/agentry/partyline/pkg/presence"
	"github.com/agentry/partyline/pkg/storage"
	"github.com/agentry/partyline/pkg/types"
)

const (
	// jitterStep spreads poll cadences across the fleet by numeric id so
	// lease attempts do not land on the store in lockstep.
	jitterStep = 30 * time.Millisecond

	// releaseTimeout bounds the put-back of leased rows on abort paths,
	// which run on a fresh context because the caller's is usually dead.
	releaseTimeout = 2 * time.Second

	// recvCancelled is returned when the transport abandons a receive.
	// Nothing reads it; the leases are back in the queue by then.
	recvCancelled = "Cancelled."
)

// Config carries the bridge's dependencies.
type Config struct {
	Store    storage.Store
	Session  *identity.Session
	Exchange *delivery.Exchange

	// Janitor is consulted for the leader-biased poll cadence. Nil means
	// follower cadence.
	Janitor *janitor.Janitor

	Timings types.Timings

	// Clock defaults to time.Now.
	Clock func() time.Time
}

// Bridge is the tool surface of one session: get_status, send, recv and
// rename. Every operation stamps the session active first, so a blocked
// receive yields to whichever call came in after it. All outcomes are plain
// strings; storage failures surface as "DB Error: <cause>".
type Bridge struct {
	store    storage.Store
	session  *identity.Session
	exchange *delivery.Exchange
	janitor  *janitor.Janitor
	timings  types.Timings
	clock    func() time.Time
	logger   zerolog.Logger
}

// New wires a Bridge from cfg.
func New(cfg Config) *Bridge {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Bridge{
		store:    cfg.Store,
		session:  cfg.Session,
		exchange: cfg.Exchange,
		janitor:  cfg.Janitor,
		timings:  cfg.Timings,
		clock:    cfg.Clock,
		logger:   log.WithComponent("bridge"),
	}
}

// GetStatus renders one line per online peer, own entry first, with the
// leader crowned.
func (b *Bridge) GetStatus(ctx context.Context) string {
	b.session.MarkActive()
	now := b.clock()
	online, err := presence.ListOnline(ctx, b.store, now, b.timings.HeartbeatTTL)
	if err != nil {
		return dbError(err)
	}
	leaderID := ""
	if lease, err := b.store.ReadLeader(ctx); err == nil && lease != nil && !lease.Expired(now) {
		leaderID = lease.OwnerID
	}
	return presence.RenderFleet(b.session.ID(), online, leaderID, now)
}

// Send fans content out to the named recipients and reports the outcome.
func (b *Bridge) Send(ctx context.Context, to, content string) string {
	b.session.MarkActive()
	out, err := b.exchange.Send(ctx, b.session.ID(), to, content)
	if err != nil {
		return dbError(err)
	}
	return out
}

// Rename changes this session's id. The outcome vocabulary is fixed: "OK",
// "Invalid", "Name taken" or "Fail".
func (b *Bridge) Rename(ctx context.Context, newName string) string {
	b.session.MarkActive()
	err := b.session.Rename(ctx, newName)
	switch {
	case err == nil:
		return "OK"
	case errors.Is(err, identity.ErrInvalidName):
		return "Invalid"
	case errors.Is(err, storage.ErrIDTaken):
		return "Name taken"
	default:
		b.logger.Error().Err(err).Str("new_name", newName).Msg("rename failed")
		return "Fail"
	}
}

// Recv returns the next batch of messages, blocking up to waitSeconds. A
// non-positive wait makes it a poll. The block is a cooperative loop: it
// wakes every tick to check for cancellation and attempts a lease on the
// leader- or follower-biased cadence. A newer call on the same session
// cancels the wait with "Cancelled by new command."; reaching the deadline
// returns "Timeout (<N>s).".
func (b *Bridge) Recv(ctx context.Context, waitSeconds int) string {
	stamp := b.session.MarkActive()
	myID := b.session.ID()
	started := b.clock()

	out, ok, err := b.attemptDelivery(ctx, myID)
	if err != nil {
		if ctx.Err() != nil {
			return recvCancelled
		}
		return dbError(err)
	}
	if ok {
		return out
	}
	if waitSeconds <= 0 {
		return delivery.NoNewMessages
	}

	deadline := started.Add(time.Duration(waitSeconds) * time.Second)
	if err := b.store.SetWaiting(ctx, myID, started, deadline, waitSeconds); err != nil {
		b.logger.Debug().Err(err).Msg("waiting flag not set")
	}
	defer b.clearWaiting(myID)

	nextAttempt := started.Add(b.pollCadence(myID))
	ticker := time.NewTicker(b.timings.RecvTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return recvCancelled
		case <-ticker.C:
		}

		if b.session.LastActive() != stamp {
			return "Cancelled by new command."
		}
		now := b.clock()
		if !now.Before(deadline) {
			return fmt.Sprintf("Timeout (%ds).", waitSeconds)
		}
		if now.Before(nextAttempt) {
			continue
		}
		nextAttempt = now.Add(b.pollCadence(myID))

		if err := b.store.TouchRecv(ctx, myID, now); err != nil {
			b.logger.Debug().Err(err).Msg("recv touch failed")
		}
		out, ok, err := b.attemptDelivery(ctx, myID)
		if err != nil {
			if ctx.Err() != nil {
				return recvCancelled
			}
			return dbError(err)
		}
		if ok {
			metrics.RecvWaitSeconds.Observe(b.clock().Sub(started).Seconds())
			return out
		}
	}
}

// Snapshot implements metrics.SnapshotFunc over this session's view.
func (b *Bridge) Snapshot(ctx context.Context) (metrics.Snapshot, error) {
	now := b.clock()
	online, err := presence.ListOnline(ctx, b.store, now, b.timings.HeartbeatTTL)
	if err != nil {
		return metrics.Snapshot{}, err
	}
	queued, err := b.store.QueuedCount(ctx, b.session.ID())
	if err != nil {
		return metrics.Snapshot{}, err
	}
	return metrics.Snapshot{
		PeersOnline:  len(online),
		PeersWaiting: presence.CountWaiting(online),
		InboxQueued:  queued,
		IsLeader:     b.isLeader(),
	}, nil
}

// attemptDelivery leases one batch, acks it and renders it. Any failure
// after the lease puts the rows straight back so nothing is lost to the
// lease TTL.
func (b *Bridge) attemptDelivery(ctx context.Context, myID string) (string, bool, error) {
	msgs, remaining, err := b.exchange.LeaseBatch(ctx, myID)
	if err != nil {
		return "", false, err
	}
	if len(msgs) == 0 {
		return "", false, nil
	}
	if err := ctx.Err(); err != nil {
		b.releaseLeases(myID, msgs)
		return "", false, err
	}
	if err := b.exchange.AckBatch(ctx, myID, msgs); err != nil {
		b.releaseLeases(myID, msgs)
		return "", false, err
	}
	return delivery.RenderBatch(msgs, remaining), true, nil
}

func (b *Bridge) releaseLeases(myID string, msgs []*types.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if err := b.exchange.ReleaseBatch(ctx, myID, msgs); err != nil {
		b.logger.Error().Err(err).Int("count", len(msgs)).
			Msg("release failed; rows return at lease expiry")
	}
}

func (b *Bridge) clearWaiting(myID string) {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if err := b.store.ClearWaiting(ctx, myID, b.clock()); err != nil {
		b.logger.Debug().Err(err).Msg("waiting flag not cleared")
	}
}

func (b *Bridge) pollCadence(myID string) time.Duration {
	base := b.timings.FollowerPollInterval
	if b.isLeader() {
		base = b.timings.LeaderPollInterval
	}
	return base + time.Duration(types.JitterSlot(myID))*jitterStep
}

func (b *Bridge) isLeader() bool {
	return b.janitor != nil && b.janitor.IsLeader()
}

func dbError(err error) string {
	return fmt.Sprintf("DB Error: %v", err)
}
