package identity

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentry/partyline/pkg/log"
	"github.com/agentry/partyline/pkg/storage"
	"github.com/agentry/partyline/pkg/types"
)

// Sentinel errors the tool surface maps to its output strings.
var (
	// ErrPoolExhausted means no free 3-digit id could be claimed.
	ErrPoolExhausted = errors.New("ID pool exhausted")

	// ErrInvalidName means the requested name fails validation or is
	// reserved. errors.Is distinguishes it from storage.ErrIDTaken.
	ErrInvalidName = errors.New("invalid name")
)

// Config holds session configuration
type Config struct {
	Store   storage.Store
	Timings types.Timings

	// AllowReservedRename lets a rename take a reserved name ("leader",
	// "system", ...) when its current holder is stale. Off by default.
	AllowReservedRename bool

	// Clock defaults to time.Now; tests inject their own.
	Clock func() time.Time
}

// Session is this process's identity on the bus: the claimed id, the
// heartbeat loop that keeps it online, and the activity clock a blocked
// receive watches to detect newer tool calls.
type Session struct {
	store               storage.Store
	timings             types.Timings
	allowReservedRename bool
	clock               func() time.Time
	logger              zerolog.Logger
	rnd                 *rand.Rand

	// mu serializes Rename against the heartbeat loop so a beat in flight
	// cannot resurrect the old record after the move.
	mu   sync.Mutex
	peer types.Peer

	lastActive atomic.Int64

	hbStop  chan struct{}
	hbDone  chan struct{}
	started bool
	stopped bool
}

// NewSession creates a session; Claim must be called before anything else.
func NewSession(cfg Config) *Session {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Session{
		store:               cfg.Store,
		timings:             cfg.Timings,
		allowReservedRename: cfg.AllowReservedRename,
		clock:               clock,
		logger:              log.WithComponent("identity"),
		rnd:                 rand.New(rand.NewSource(time.Now().UnixNano())),
		hbStop:              make(chan struct{}),
		hbDone:              make(chan struct{}),
	}
}

// Claim picks a random 3-digit id and inserts this process's record. A
// collision with a fresh holder moves on to the next candidate; a stale
// holder is evicted by the store. Gives up with ErrPoolExhausted after the
// configured number of candidates.
func (s *Session) Claim(ctx context.Context) error {
	host, _ := os.Hostname()
	cwd, _ := os.Getwd()

	for attempt := 0; attempt < s.timings.ClaimAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		now := s.clock()
		peer := &types.Peer{
			ID:        types.FormatID(types.MinID + s.rnd.Intn(types.MaxID-types.MinID+1)),
			PID:       os.Getpid(),
			Hostname:  host,
			CWD:       cwd,
			LastSeen:  now,
			Mode:      types.ModeWorking,
			ModeSince: now,
		}
		err := s.store.ClaimPeer(ctx, peer, now.Add(-s.timings.HeartbeatTTL))
		if errors.Is(err, storage.ErrIDTaken) {
			continue
		}
		if err != nil {
			return err
		}

		s.mu.Lock()
		s.peer = *peer
		s.mu.Unlock()
		s.MarkActive()
		s.logger.Info().
			Str("agent_id", peer.ID).
			Int("pid", peer.PID).
			Str("cwd", peer.CWD).
			Msg("claimed id")
		return nil
	}
	return ErrPoolExhausted
}

// ID returns the current agent id ("" before Claim).
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peer.ID
}

// Peer returns a copy of the session's record as last written.
func (s *Session) Peer() types.Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peer
}

// StartHeartbeat launches the background loop that keeps the record fresh.
func (s *Session) StartHeartbeat() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.stopped {
		return
	}
	s.started = true
	go s.heartbeatLoop()
}

func (s *Session) heartbeatLoop() {
	defer close(s.hbDone)

	ticker := time.NewTicker(s.timings.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.timings.HeartbeatInterval)
			if err := s.Heartbeat(ctx); err != nil {
				s.logger.Warn().Err(err).Msg("heartbeat failed")
			}
			cancel()
		case <-s.hbStop:
			return
		}
	}
}

// Heartbeat writes one beat: bumps last_seen and refreshes cwd. The store
// re-creates the record if a reaper removed it, so a live session always
// converges back to online.
func (s *Session) Heartbeat(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.peer.ID == "" {
		return errors.New("heartbeat before claim")
	}

	now := s.clock()
	if cwd, err := os.Getwd(); err == nil {
		s.peer.CWD = cwd
	}
	s.peer.LastSeen = now

	beat := s.peer
	return s.store.Heartbeat(ctx, &beat, now)
}

// Rename moves this session to newName, carrying queued mail along. The
// charset is [A-Za-z0-9_-]{1,32}; reserved names are refused unless the
// inheritance policy is enabled, and even then only a stale holder can be
// displaced (a fresh one returns storage.ErrIDTaken).
func (s *Session) Rename(ctx context.Context, newName string) error {
	if !types.ValidName(newName) {
		return ErrInvalidName
	}
	if types.IsReserved(newName) && !s.allowReservedRename {
		return fmt.Errorf("%w: %q is reserved", ErrInvalidName, newName)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.peer.ID == "" {
		return errors.New("rename before claim")
	}
	if newName == s.peer.ID {
		return nil
	}

	now := s.clock()
	if err := s.store.RenamePeer(ctx, s.peer.ID, newName, now.Add(-s.timings.HeartbeatTTL)); err != nil {
		return err
	}

	old := s.peer.ID
	s.peer.ID = newName
	s.logger.Info().
		Str("agent_id", newName).
		Str("previous", old).
		Msg("renamed")
	return nil
}

// MarkActive stamps the activity clock and returns the new value. Stamps are
// strictly increasing even under a coarse clock, so a receive loop holding
// the stamp of its own call detects any later call by inequality.
func (s *Session) MarkActive() int64 {
	stamp := s.clock().UnixNano()
	for {
		prev := s.lastActive.Load()
		if stamp <= prev {
			stamp = prev + 1
		}
		if s.lastActive.CompareAndSwap(prev, stamp) {
			return stamp
		}
	}
}

// LastActive returns the newest activity stamp.
func (s *Session) LastActive() int64 {
	return s.lastActive.Load()
}

// StopHeartbeat halts the background loop but leaves the record in the
// pool, where it ages out by TTL like any crashed process. Close is the
// clean exit.
func (s *Session) StopHeartbeat() {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	close(s.hbStop)
	<-s.hbDone
}

// Close stops the heartbeat loop and removes this session's record so peers
// see the departure immediately instead of after a TTL.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	started := s.started
	id := s.peer.ID
	s.mu.Unlock()

	if started {
		close(s.hbStop)
		<-s.hbDone
	}
	if id == "" {
		return nil
	}
	if err := s.store.DeletePeer(ctx, id); err != nil {
		return fmt.Errorf("failed to remove peer record: %w", err)
	}
	s.logger.Info().Str("agent_id", id).Msg("session closed")
	return nil
}
