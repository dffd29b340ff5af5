/*
Package storage persists the agent pool: peer records, message rows and the
leader lease, shared by every agent process on the host.

The package exposes one Store interface with two on-disk layouts behind it.
The shared variant keeps all state in a single SQLite file that every process
opens in WAL mode. The mailbox variant gives each agent its own Bolt file and
restricts who writes where, trading one shared writer lock for many small
single-writer files. Both layouts speak the same lease-based delivery
protocol, so everything above this package is variant-agnostic.

# Architecture

	┌────────────────────── POOL STORE ─────────────────────────┐
	│                                                            │
	│    Store interface (peers / messages / lease / upkeep)    │
	│         ┌──────────────────┴──────────────────┐           │
	│         │                                     │           │
	│  ┌──────▼─────────────┐          ┌────────────▼────────┐  │
	│  │ SQLiteStore        │          │ BoltStore           │  │
	│  │ pool_v<N>.db       │          │ mail_v<N>/          │  │
	│  │  - peers           │          │  agent_<id>.db      │  │
	│  │  - messages        │          │   - self            │  │
	│  │  - leader_lease    │          │   - inbox           │  │
	│  │                    │          │   - outbox          │  │
	│  │ WAL journal        │          │  leader.db          │  │
	│  │ busy_timeout 5s    │          │   - lease           │  │
	│  │ txlock immediate   │          │  flock per open     │  │
	│  └────────────────────┘          └─────────────────────┘  │
	│         │                                     │           │
	│  ┌──────▼─────────────────────────────────────▼────────┐  │
	│  │ retryPolicy: busy/locked → backoff 30ms..350ms ×7   │  │
	│  └──────────────────────────────────────────────────────┘ │
	└────────────────────────────────────────────────────────────┘

# Shared Variant (SQLite)

Every agent process opens the same pool_v<N>.db with:

  - journal_mode=WAL: readers never block the writer
  - synchronous=NORMAL: fsync on checkpoint, not on every commit
  - busy_timeout=5000: the driver waits before surfacing SQLITE_BUSY
  - _txlock=immediate: write transactions take the lock up front, so
    conditional updates (id claim, leader lease) cannot interleave

The connection pool is pinned to one connection per process. In-process
callers serialize on that connection; cross-process contention is resolved
by the busy timeout plus the retry policy.

Times are stored as Unix-epoch REAL columns so producers written in other
languages can insert compatible rows with nothing but an INSERT statement.

# Mailbox Variant (Bolt)

One Bolt file per agent under mail_v<N>/, with three buckets:

  - self: the peer record under a fixed key
  - inbox: rows addressed to this agent, written only by the leader
  - outbox: rows this agent sent, drained only by the leader

plus a leader.db holding the lease bucket. Files are opened per operation
and closed immediately, so no process pins another agent's mailbox; Bolt's
exclusive flock arbitrates writers and the open timeout bounds the wait.
Each file therefore has one steady writer at a time by construction.

Message keys are "%020d:<msg_id>" on the enqueue nanosecond, which makes
Bolt's byte order equal timestamp order and re-deliveries overwrite in
place instead of duplicating.

# Delivery Protocol

Enqueue inserts one queued row per recipient. In the shared variant the row
is immediately visible to its recipient; in the mailbox variant it sits in
the sender's outbox until the elected leader forwards it (ForwardOutboxes),
and AwaitDispatch is how the sender learns the hand-off happened.

Lease is the single read path:

 1. Recover the recipient's expired inflight rows back to queued
    (shared variant; the mailbox has no inflight state).
 2. Walk queued rows oldest-first, capped at LeaseScanLimit, accumulating
    len(content)+overhead until the next row would exceed the budget.
    The first row always fits, whatever its size.
 3. Transition the batch to inflight with lease_owner, lease_until and an
    attempt bump, but only rows still queued. In the mailbox variant the
    rows are deleted instead: a single-reader inbox collapses the lease
    into read-then-delete.
 4. Report the batch and how many rows stayed behind.

Ack deletes rows the recipient still holds inflight (a no-op for the
mailbox, which already deleted them). Release is the cancellation path: it
returns leased rows to queued, re-inserting them whole in the mailbox case.
A crashed reader needs no cleanup call; its leases lapse at lease_until and
the next Lease or the janitor's RecoverExpiredLeases requeues them.

# Leader Lease

One record keyed "main". TryAcquireLeader seeds it if absent and then
performs a compare-and-swap that succeeds when the lease is expired or
already owned by the caller. SQLite runs this inside an immediate
transaction; Bolt relies on the exclusive flock on leader.db. ReadLeader
returns (nil, nil) while nobody has ever held the lease, which callers use
to render an election still in progress.

# Identity Rules

ClaimPeer inserts a peer record, stealing an existing one only when its
last_seen predates the staleCutoff the caller computed; a fresh holder wins
with ErrIDTaken. The steal also drops the previous holder's pending mail so
the new session does not inherit a stranger's backlog. RenamePeer applies
the same freshness rule to the target id and carries queued mail along.
Heartbeat re-creates the record if a reaper removed it under a live
session, so the fleet view converges back.

# Retry Policy

Every operation is wrapped in retryPolicy.Do: transient busy/locked errors
(SQLITE_BUSY, SQLITE_LOCKED, Bolt flock timeouts) back off exponentially
from BusyRetryBase to BusyRetryCap with half-fixed half-random jitter, up
to BusyRetryMax retries. Anything else (permission, corruption, validation)
surfaces immediately; callers degrade the one operation and keep running.

# Usage

Opening the configured variant:

	st, err := storage.Open(root, cfg.Variant, cfg.Timings)
	if err != nil {
		return fmt.Errorf("failed to open pool store: %w", err)
	}
	defer st.Close()

Sending and receiving:

	err = st.Enqueue(ctx, rows)                         // one row per recipient
	n, err := st.AwaitDispatch(ctx, me, ids, deadline)  // mailbox hand-off
	msgs, left, err := st.Lease(ctx, me, now, budget)
	err = st.Ack(ctx, me, msgIDs(msgs))

Election tick:

	ok, err := st.TryAcquireLeader(ctx, me, now, cfg.Timings.LeaderLeaseTTL)
	if ok {
		// run janitor duties until the next renewal fails
	}

# Concurrency Model

All methods are safe for concurrent use from multiple goroutines and
multiple processes. Writers never hold locks across user-visible waits:
AwaitDispatch polls with short read-only opens, and the mailbox forwarder
snapshots an outbox before fanning out so the sender is not blocked while
its messages land elsewhere.

Callers pass now explicitly. The store never reads the wall clock for
protocol decisions, which keeps expiry behavior deterministic under test.

# Performance Characteristics

Shared variant:
  - Lease/Enqueue: one immediate transaction, ~1ms plus WAL append
  - Presence scan: single indexed SELECT
  - Contention: single writer at a time; busy retries absorb bursts
  - Checkpoint: wal_checkpoint(TRUNCATE) folds the log on the janitor cadence

Mailbox variant:
  - Lease/Enqueue: open+update+close on one small file, ~1-5ms with fsync
  - Presence scan: one read-only open per agent file, skipping locked files
  - Contention: near zero between agents; the leader is the only cross-file writer
  - Forwarding: leader moves ≤ batchLimit rows per sender per pass

# Troubleshooting

Database is locked (shared):
  - Another process is mid-transaction; the retry policy absorbs normal bursts
  - Persistent: look for a wedged process holding the pool open

Timeout opening mailbox (mailbox):
  - A reader or the leader held the flock longer than the open timeout
  - The operation that hit it was skipped and retries on the next pass

Rows reappear after a crash:
  - Expected: un-acked inflight rows requeue at lease_until
  - Receivers must tolerate at-least-once delivery

Pool root wiped at startup:
  - A layout from another SchemaVersion was found; state is never migrated

# See Also

  - pkg/pool for root resolution and the version gate
  - pkg/delivery for recipient-set expansion and batch formatting
  - pkg/janitor for the maintenance duties driving the upkeep methods
  - pkg/types for the records stored here
*/
package storage
