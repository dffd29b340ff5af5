package presence

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentry/partyline/pkg/storage"
	"github.com/agentry/partyline/pkg/types"
)

func peerAt(id string, mode types.AgentMode, lastSeen time.Time) *types.Peer {
	return &types.Peer{
		ID:        id,
		PID:       100,
		Hostname:  "host-a",
		CWD:       "/work/" + id,
		LastSeen:  lastSeen,
		Mode:      mode,
		ModeSince: lastSeen,
	}
}

// TestListOnlineFiltersStale tests that only fresh heartbeats count as online
func TestListOnlineFiltersStale(t *testing.T) {
	ctx := context.Background()
	tm := types.DefaultTimings()
	st, err := storage.Open(t.TempDir(), types.VariantShared, tm)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	now := time.Now()
	fresh := peerAt("200", types.ModeWorking, now.Add(-10*time.Second))
	stale := peerAt("100", types.ModeWorking, now.Add(-tm.HeartbeatTTL-time.Second))
	aging := peerAt("300", types.ModeWorking, now.Add(-tm.HeartbeatTTL+time.Second))

	cutoff := now.Add(-tm.HeartbeatTTL)
	require.NoError(t, st.ClaimPeer(ctx, fresh, cutoff))
	require.NoError(t, st.ClaimPeer(ctx, stale, cutoff.Add(-time.Hour)))
	require.NoError(t, st.ClaimPeer(ctx, aging, cutoff.Add(-time.Hour)))

	online, err := ListOnline(ctx, st, now, tm.HeartbeatTTL)
	require.NoError(t, err)
	require.Len(t, online, 2)
	assert.Equal(t, []string{"200", "300"}, IDs(online))
}

// TestRenderFleetEmpty tests the empty-fleet sentinel line
func TestRenderFleetEmpty(t *testing.T) {
	assert.Equal(t, "No active agents.", RenderFleet("042", nil, "", time.Now()))
}

// TestRenderFleetSelfFirstThenByID tests the ordering contract
func TestRenderFleetSelfFirstThenByID(t *testing.T) {
	now := time.Now()
	peers := []*types.Peer{
		peerAt("300", types.ModeWorking, now),
		peerAt("100", types.ModeWorking, now),
		peerAt("200", types.ModeWorking, now),
	}

	out := RenderFleet("200", peers, "", now)
	lines := strings.Split(out, "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "Agent 200 "))
	assert.True(t, strings.HasPrefix(lines[1], "Agent 100 "))
	assert.True(t, strings.HasPrefix(lines[2], "Agent 300 "))
}

// TestRenderFleetLines tests the exact per-agent line format with flags
func TestRenderFleetLines(t *testing.T) {
	now := time.Now()

	self := peerAt("042", types.ModeWorking, now)
	self.CWD = "/repo/backend"
	self.ModeSince = now.Add(-12 * time.Second)

	leader := peerAt("007", types.ModeWaiting, now)
	leader.CWD = "/repo/frontend"
	leader.RecvStarted = now.Add(-3 * time.Second)
	leader.RecvWaitSeconds = 600

	out := RenderFleet("042", []*types.Peer{leader, self}, "007", now)
	lines := strings.Split(out, "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "Agent 042 @ /repo/backend [THIS | 🛠 Working (12s)]", lines[0])
	assert.Equal(t, "Agent 007 @ /repo/frontend [👑 | 🎧 Waiting (3s/600s)]", lines[1])
}

// TestRenderStateVariants tests each state string the fleet view can show
func TestRenderStateVariants(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name string
		peer func() *types.Peer
		want string
	}{
		{
			name: "waiting with total",
			peer: func() *types.Peer {
				p := peerAt("001", types.ModeWaiting, now)
				p.RecvStarted = now.Add(-5 * time.Second)
				p.RecvWaitSeconds = 60
				return p
			},
			want: "🎧 Waiting (5s/60s)",
		},
		{
			name: "waiting without total",
			peer: func() *types.Peer {
				p := peerAt("001", types.ModeWaiting, now)
				p.RecvStarted = now.Add(-5 * time.Second)
				return p
			},
			want: "🎧 Waiting (5s)",
		},
		{
			name: "working",
			peer: func() *types.Peer {
				p := peerAt("001", types.ModeWorking, now)
				p.ModeSince = now.Add(-90 * time.Second)
				return p
			},
			want: "🛠 Working (90s)",
		},
		{
			name: "working too long",
			peer: func() *types.Peer {
				p := peerAt("001", types.ModeWorking, now)
				p.ModeSince = now.Add(-LongWorkThreshold)
				return p
			},
			want: "❓ Working (1800s)",
		},
		{
			name: "working with no mode_since",
			peer: func() *types.Peer {
				p := peerAt("001", types.ModeWorking, now)
				p.ModeSince = time.Time{}
				return p
			},
			want: "🛠 Working (0s)",
		},
		{
			name: "waiting mode but recv never started",
			peer: func() *types.Peer {
				p := peerAt("001", types.ModeWaiting, now)
				p.ModeSince = now.Add(-7 * time.Second)
				return p
			},
			want: "🛠 Working (7s)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, renderState(tt.peer(), now))
		})
	}
}

// TestAllWaiting tests the deadlock predicate
func TestAllWaiting(t *testing.T) {
	now := time.Now()
	assert.False(t, AllWaiting(nil))

	both := []*types.Peer{
		peerAt("001", types.ModeWaiting, now),
		peerAt("002", types.ModeWaiting, now),
	}
	assert.True(t, AllWaiting(both))
	assert.Equal(t, 2, CountWaiting(both))

	both[1].Mode = types.ModeWorking
	assert.False(t, AllWaiting(both))
	assert.Equal(t, 1, CountWaiting(both))
}
