package types

import (
	"fmt"
	"hash/fnv"
	"regexp"
	"strconv"
	"time"
)

// SchemaVersion is baked into the on-disk layout names (pool_v<N>.db,
// mail_v<N>/). A mismatch at startup wipes the pool root; state is never
// migrated across versions.
const SchemaVersion = 1

// Well-known identifiers shared by every component.
const (
	// BroadcastTarget addresses a send to every online peer except the sender.
	BroadcastTarget = "all"

	// SystemSender is the from-id used by bus-authored messages (alerts).
	SystemSender = "system"

	// LeaderLeaseKey is the single row/record key of the leader lease.
	LeaderLeaseKey = "main"

	// MessageOverhead is the per-message cost added to len(content) when
	// packing a receive batch against MaxBatchChars.
	MessageOverhead = 60

	// MinID and MaxID bound the numeric id space. Ids are zero-padded to
	// three digits, so the pool holds 999 names before renames.
	MinID = 1
	MaxID = 999
)

// ReservedNames cannot be taken via rename unless the inheritance policy is
// explicitly enabled in config.
var ReservedNames = map[string]bool{
	"all":     true,
	"system":  true,
	"leader":  true,
	"janitor": true,
	"main":    true,
}

var nameRe = regexp.MustCompile(`^[A-Za-z0-9_-]{1,32}$`)

// ValidName reports whether s is an acceptable agent id: 1-32 characters of
// alphanumerics, dash and underscore.
func ValidName(s string) bool {
	return nameRe.MatchString(s)
}

// IsReserved reports whether s is a reserved agent name.
func IsReserved(s string) bool {
	return ReservedNames[s]
}

// FormatID renders a numeric id zero-padded to three digits.
func FormatID(n int) string {
	return fmt.Sprintf("%03d", n)
}

// JitterSlot maps an id to a stable slot in [0,10) used to de-synchronize
// poll loops across a fleet. Numeric ids use their value; renamed ids hash.
func JitterSlot(id string) int {
	if n, err := strconv.Atoi(id); err == nil {
		if n < 0 {
			n = -n
		}
		return n % 10
	}
	h := fnv.New32a()
	h.Write([]byte(id))
	return int(h.Sum32() % 10)
}

// AgentMode is what a peer is currently doing, as published in its record.
type AgentMode string

const (
	ModeWorking AgentMode = "working"
	ModeWaiting AgentMode = "waiting"
)

// Peer represents one live agent session in the pool.
type Peer struct {
	ID       string
	PID      int
	Hostname string
	CWD      string

	// LastSeen is bumped by the owner's heartbeat loop. A peer is online
	// iff now-LastSeen <= HeartbeatTTL.
	LastSeen time.Time

	Mode      AgentMode
	ModeSince time.Time

	// Receive-loop observability. Populated only while Mode==ModeWaiting.
	RecvStarted     time.Time
	RecvDeadline    time.Time
	RecvWaitSeconds int
	RecvLastTouch   time.Time
}

// Online reports whether the peer's heartbeat is fresh at now.
func (p *Peer) Online(now time.Time, ttl time.Duration) bool {
	return now.Sub(p.LastSeen) <= ttl
}

// MessageState tracks a message through its delivery lease.
type MessageState string

const (
	// MessageQueued means the row is visible to its recipient's next lease.
	MessageQueued MessageState = "queued"

	// MessageInflight means exactly one lease owner holds the row until
	// LeaseUntil; acked rows are deleted, expired ones return to queued.
	MessageInflight MessageState = "inflight"
)

// Message represents one recipient's copy of a sent text. Broadcasts fan out
// to one row per online recipient at enqueue time in the shared variant; the
// mailbox variant keeps To="all" in the outbox until the leader forwards it.
type Message struct {
	MsgID   string
	TS      time.Time
	TSStr   string
	From    string
	To      string
	Content string

	State       MessageState
	LeaseOwner  string
	LeaseUntil  time.Time
	Attempt     int
	DeliveredAt time.Time
}

// Cost is the message's weight against a receive-batch budget.
func (m *Message) Cost() int {
	return len(m.Content) + MessageOverhead
}

// LeaderLease is the single shared row that elects the janitor. Whoever
// CAS-updates it owns maintenance duties until LeaseUntil.
type LeaderLease struct {
	Key        string
	OwnerID    string
	Host       string
	PID        int
	LeaseUntil time.Time
	UpdatedAt  time.Time
}

// Expired reports whether the lease may be stolen at now.
func (l *LeaderLease) Expired(now time.Time) bool {
	return !now.Before(l.LeaseUntil)
}

// StoreVariant selects the on-disk layout of the pool.
type StoreVariant string

const (
	// VariantShared keeps every row in one SQLite file all peers open.
	VariantShared StoreVariant = "shared"

	// VariantMailbox gives each agent its own Bolt file with inbox/outbox
	// buckets; only the leader writes to other agents' inboxes.
	VariantMailbox StoreVariant = "mailbox"
)

// Timings collects every interval and budget in one place so tests can
// shrink them together. Ratios are the contract: HeartbeatTTL >= 5x the
// interval, leader lease >= 3x its renew cadence.
type Timings struct {
	HeartbeatInterval time.Duration
	HeartbeatTTL      time.Duration

	LeaseTTL         time.Duration
	LeaderRenewEvery time.Duration
	LeaderLeaseTTL   time.Duration

	MessageTTL     time.Duration
	MaxBatchChars  int
	LeaseScanLimit int

	JanitorTick     time.Duration
	PIDScanEvery    time.Duration
	ReapEvery       time.Duration
	PruneEvery      time.Duration
	CheckpointEvery time.Duration

	DeadlockTriggerDelay time.Duration
	DeadlockCooldown     time.Duration

	LeaderPollInterval   time.Duration
	FollowerPollInterval time.Duration
	RecvTick             time.Duration

	ClaimAttempts     int
	ForwardBatchLimit int
	SendConfirmWait   time.Duration

	BusyRetryBase time.Duration
	BusyRetryCap  time.Duration
	BusyRetryMax  int

	StartJitterMax time.Duration
}

// DefaultTimings returns the production values.
func DefaultTimings() Timings {
	return Timings{
		HeartbeatInterval: 10 * time.Second,
		HeartbeatTTL:      60 * time.Second,

		LeaseTTL:         30 * time.Second,
		LeaderRenewEvery: 15 * time.Second,
		LeaderLeaseTTL:   45 * time.Second,

		MessageTTL:     24 * time.Hour,
		MaxBatchChars:  8000,
		LeaseScanLimit: 200,

		JanitorTick:     500 * time.Millisecond,
		PIDScanEvery:    15 * time.Second,
		ReapEvery:       120 * time.Second,
		PruneEvery:      120 * time.Second,
		CheckpointEvery: 600 * time.Second,

		DeadlockTriggerDelay: 20 * time.Second,
		DeadlockCooldown:     60 * time.Second,

		LeaderPollInterval:   2 * time.Second,
		FollowerPollInterval: 6 * time.Second,
		RecvTick:             250 * time.Millisecond,

		ClaimAttempts:     5000,
		ForwardBatchLimit: 50,
		SendConfirmWait:   2 * time.Second,

		BusyRetryBase: 30 * time.Millisecond,
		BusyRetryCap:  350 * time.Millisecond,
		BusyRetryMax:  7,

		StartJitterMax: 3 * time.Second,
	}
}

// Event represents a bus lifecycle event published on the in-process broker.
type Event struct {
	Type      EventType
	Timestamp time.Time
	AgentID   string
	Message   string
	Data      map[string]string
}

// EventType enumerates bus lifecycle events.
type EventType string

const (
	EventLeaderElected     EventType = "leader.elected"
	EventLeaderLost        EventType = "leader.lost"
	EventPeerReaped        EventType = "peer.reaped"
	EventMessagesForwarded EventType = "messages.forwarded"
	EventDeadlockDetected  EventType = "deadlock.detected"
	EventPoolWiped         EventType = "pool.wiped"
)
