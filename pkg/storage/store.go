package storage

import (
	"context"
	"errors"
	"time"

	"github.com/agentry/partyline/pkg/types"
)

// Sentinel errors callers branch on with errors.Is.
var (
	// ErrNotFound means the peer or row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrIDTaken means a claim or rename lost to a live holder.
	ErrIDTaken = errors.New("id taken")
)

// Store is the pool substrate both on-disk variants implement. Every mutation
// is atomic with respect to concurrent processes opening the same pool root;
// callers pass `now` explicitly so tests control the clock.
//
// The shared variant (SQLite) backs every method with one database all peers
// open. The mailbox variant (Bolt) holds one file per agent plus a lease
// file; methods that have no work in a given variant return zero values.
type Store interface {
	Variant() types.StoreVariant

	// Peers.
	//
	// ClaimPeer atomically inserts peer; if the id is held it may steal the
	// record only when the holder's last_seen is before staleCutoff, else
	// ErrIDTaken. RenamePeer moves a session to newID under the same
	// freshness rule and carries the peer's queued mail along.
	ClaimPeer(ctx context.Context, peer *types.Peer, staleCutoff time.Time) error
	GetPeer(ctx context.Context, id string) (*types.Peer, error)
	ListPeers(ctx context.Context) ([]*types.Peer, error)
	// Heartbeat bumps last_seen and cwd; it re-creates the row from peer if
	// a reaper got it wrong, so a live session always converges back.
	Heartbeat(ctx context.Context, peer *types.Peer, now time.Time) error
	SetWaiting(ctx context.Context, id string, started, deadline time.Time, waitSeconds int) error
	TouchRecv(ctx context.Context, id string, now time.Time) error
	ClearWaiting(ctx context.Context, id string, now time.Time) error
	ClearStaleWaiting(ctx context.Context, now time.Time) (int, error)
	RenamePeer(ctx context.Context, oldID, newID string, staleCutoff time.Time) error
	DeletePeer(ctx context.Context, id string) error

	// Messages.
	//
	// Enqueue appends rows all-or-nothing. Lease recovers the recipient's
	// expired inflight rows, then claims the oldest queued rows within
	// budget (always at least one) and reports how many stayed queued.
	// Ack deletes only rows the recipient still holds inflight. Release
	// puts leased rows back; the mailbox variant re-inserts them whole.
	Enqueue(ctx context.Context, msgs []*types.Message) error
	AwaitDispatch(ctx context.Context, sender string, msgIDs []string, deadline time.Time) (int, error)
	Lease(ctx context.Context, recipient string, now time.Time, budget int) ([]*types.Message, int, error)
	Ack(ctx context.Context, recipient string, msgIDs []string) error
	Release(ctx context.Context, recipient string, msgs []*types.Message) error
	RecoverExpiredLeases(ctx context.Context, now time.Time) (int, error)
	PruneMessages(ctx context.Context, olderThan time.Time) (int, error)
	QueuedCount(ctx context.Context, recipient string) (int, error)

	// Leader lease. TryAcquireLeader CAS-updates the single "main" row and
	// reports whether the caller is leader for the next ttl. ReadLeader
	// returns (nil, nil) when nobody has ever held the lease.
	TryAcquireLeader(ctx context.Context, me *types.Peer, now time.Time, ttl time.Duration) (bool, error)
	ReadLeader(ctx context.Context) (*types.LeaderLease, error)

	// Maintenance. ForwardOutboxes moves queued outbox rows into recipient
	// inboxes (mailbox variant; no-op on shared). Checkpoint compacts the
	// write-ahead state (shared variant; no-op on mailbox).
	ForwardOutboxes(ctx context.Context, now time.Time, online []string, batchLimit int) (int, error)
	Checkpoint(ctx context.Context) error

	Close() error
}

// Open constructs the configured variant rooted at the prepared pool root.
func Open(root string, variant types.StoreVariant, timings types.Timings) (Store, error) {
	switch variant {
	case types.VariantMailbox:
		return NewBoltStore(root, timings)
	default:
		return NewSQLiteStore(root, timings)
	}
}
