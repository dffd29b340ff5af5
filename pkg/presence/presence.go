package presence

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/agentry/partyline/pkg/storage"
	"github.com/agentry/partyline/pkg/types"
)

// LongWorkThreshold flips the working icon to ❓ once an agent has been in
// working mode that long without any tool call; usually a stuck session.
const LongWorkThreshold = 30 * time.Minute

// ListOnline returns the peers with a fresh heartbeat, ordered by id. Records
// past their TTL are simply filtered, not deleted; reaping is the janitor's.
func ListOnline(ctx context.Context, st storage.Store, now time.Time, ttl time.Duration) ([]*types.Peer, error) {
	peers, err := st.ListPeers(ctx)
	if err != nil {
		return nil, err
	}
	online := make([]*types.Peer, 0, len(peers))
	for _, p := range peers {
		if p.Online(now, ttl) {
			online = append(online, p)
		}
	}
	sort.Slice(online, func(i, j int) bool { return online[i].ID < online[j].ID })
	return online, nil
}

// IDs projects peers onto their ids, preserving order.
func IDs(peers []*types.Peer) []string {
	ids := make([]string, len(peers))
	for i, p := range peers {
		ids[i] = p.ID
	}
	return ids
}

// AllWaiting reports whether every peer is blocked in receive. False for an
// empty fleet.
func AllWaiting(peers []*types.Peer) bool {
	if len(peers) == 0 {
		return false
	}
	for _, p := range peers {
		if p.Mode != types.ModeWaiting {
			return false
		}
	}
	return true
}

// CountWaiting returns how many peers are blocked in receive.
func CountWaiting(peers []*types.Peer) int {
	n := 0
	for _, p := range peers {
		if p.Mode == types.ModeWaiting {
			n++
		}
	}
	return n
}

// RenderFleet formats one line per online peer:
//
//	Agent <id> @ <cwd> [<flags> | <state>]
//
// The caller's own entry sorts first, the rest by id. leaderID marks the
// current lease holder with a crown; pass "" when the lease is vacant.
func RenderFleet(self string, peers []*types.Peer, leaderID string, now time.Time) string {
	if len(peers) == 0 {
		return "No active agents."
	}

	ordered := make([]*types.Peer, len(peers))
	copy(ordered, peers)
	sort.Slice(ordered, func(i, j int) bool {
		if (ordered[i].ID == self) != (ordered[j].ID == self) {
			return ordered[i].ID == self
		}
		return ordered[i].ID < ordered[j].ID
	})

	lines := make([]string, 0, len(ordered))
	for _, p := range ordered {
		lines = append(lines, renderPeer(p, self, leaderID, now))
	}
	return strings.Join(lines, "\n")
}

func renderPeer(p *types.Peer, self, leaderID string, now time.Time) string {
	var parts []string
	if p.ID == self {
		parts = append(parts, "THIS")
	}
	if leaderID != "" && p.ID == leaderID {
		parts = append(parts, "👑")
	}
	parts = append(parts, renderState(p, now))

	cwd := p.CWD
	if cwd == "" {
		cwd = p.Hostname
	}
	if cwd == "" {
		cwd = "UnknownPath"
	}
	return fmt.Sprintf("Agent %s @ %s [%s]", p.ID, cwd, strings.Join(parts, " | "))
}

func renderState(p *types.Peer, now time.Time) string {
	if p.Mode == types.ModeWaiting && !p.RecvStarted.IsZero() {
		elapsed := elapsedSeconds(now, p.RecvStarted)
		if p.RecvWaitSeconds > 0 {
			return fmt.Sprintf("🎧 Waiting (%ds/%ds)", elapsed, p.RecvWaitSeconds)
		}
		return fmt.Sprintf("🎧 Waiting (%ds)", elapsed)
	}

	if p.ModeSince.IsZero() {
		return "🛠 Working (0s)"
	}
	elapsed := elapsedSeconds(now, p.ModeSince)
	if time.Duration(elapsed)*time.Second >= LongWorkThreshold {
		return fmt.Sprintf("❓ Working (%ds)", elapsed)
	}
	return fmt.Sprintf("🛠 Working (%ds)", elapsed)
}

func elapsedSeconds(now, since time.Time) int {
	e := int(now.Sub(since).Seconds())
	if e < 0 {
		e = 0
	}
	return e
}
