/*
Package types defines the core data structures used throughout partyline.

This package contains the fundamental types of the bus's domain model:
peers (agent sessions), messages, the leader lease, store variants, and
the single Timings struct every interval and budget hangs off. All other
packages depend on types; types depends on nothing but the standard
library.

# Architecture

The types package is the foundation of partyline's data model. It defines:

  - Peer identity and presence (3-digit ids, heartbeats, modes)
  - Message rows and their delivery-lease lifecycle
  - The leader lease that elects the janitor
  - The two on-disk store variants (shared, mailbox)
  - Every tunable interval, TTL, and budget (Timings)
  - Bus lifecycle events for the in-process broker

All types are designed to be:
  - Serializable (JSON for the mailbox stores, column-mapped for SQLite)
  - Plain data (no behavior beyond small derived helpers)
  - Validated (typed string enums, ValidName, reserved-name checks)

# Core Types

Identity & presence:
  - Peer: one live agent session keyed by id
  - AgentMode: working or waiting (blocked in recv)
  - ValidName / IsReserved / FormatID: id validation helpers

Messaging:
  - Message: one recipient's copy of a sent text
  - MessageState: queued or inflight (leased)
  - Message.Cost: weight against the receive-batch budget

Maintenance:
  - LeaderLease: the single CAS-updated election row
  - Event / EventType: lifecycle events for pkg/events

Configuration:
  - Timings: every interval in one struct, shrinkable in tests
  - StoreVariant: shared (one SQLite file) or mailbox (Bolt per agent)

# Lifecycle

A message row moves through exactly two visible states:

	queued -> inflight -> (deleted on ack)
	   ^         |
	   +---------+  lease expired, released, or recovered

A peer row is created by claim, refreshed by heartbeat, and removed by
its owner on clean shutdown or by the leader (PID scan, TTL reap).

# Usage

Claiming shapes a Peer:

	peer := &types.Peer{
		ID:       types.FormatID(7), // "007"
		PID:      os.Getpid(),
		Hostname: host,
		CWD:      cwd,
		LastSeen: time.Now(),
		Mode:     types.ModeWorking,
		ModeSince: time.Now(),
	}

Shrinking timings for a test:

	tm := types.DefaultTimings()
	tm.HeartbeatInterval = 20 * time.Millisecond
	tm.HeartbeatTTL = 120 * time.Millisecond
	tm.LeaseTTL = 100 * time.Millisecond

# Invariants

  - A peer is online iff now-LastSeen <= Timings.HeartbeatTTL.
  - While State==MessageInflight, LeaseOwner is non-empty and LeaseUntil
    is in the future at the instant the lease was issued.
  - The leader is whoever owns a non-expired LeaderLease; name-based
    conventions (an id called "leader") carry no authority.
  - Rows older than Timings.MessageTTL may be pruned unconditionally.

# Integration Points

This package is imported by:

  - pkg/storage: persists Peer/Message/LeaderLease in both variants
  - pkg/identity: claims and heartbeats Peer rows
  - pkg/presence: filters and renders Peer rows
  - pkg/delivery: enqueues and leases Message rows
  - pkg/janitor: CASes the LeaderLease and prunes by Timings
  - pkg/bridge: threads Timings through the receive loop

# See Also

  - pkg/storage for how each variant lays these types on disk
  - pkg/config for where Timings values come from
*/
package types
