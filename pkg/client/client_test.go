package client

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentry/partyline/pkg/identity"
	"github.com/agentry/partyline/pkg/storage"
	"github.com/agentry/partyline/pkg/types"
)

func testTimings() types.Timings {
	tm := types.DefaultTimings()
	tm.BusyRetryBase = time.Millisecond
	tm.BusyRetryCap = 4 * time.Millisecond
	tm.SendConfirmWait = 300 * time.Millisecond
	return tm
}

func claimAgent(t *testing.T, root string) *identity.Session {
	t.Helper()
	st, err := storage.Open(root, types.VariantShared, testTimings())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	s := identity.NewSession(identity.Config{Store: st, Timings: testTimings()})
	require.NoError(t, s.Claim(context.Background()))
	t.Cleanup(func() { s.Close(context.Background()) })
	return s
}

// TestStatusEmptyPool tests the operator view of a pool nobody joined
func TestStatusEmptyPool(t *testing.T) {
	cl, err := Open(t.TempDir(), types.VariantShared, testTimings())
	require.NoError(t, err)
	defer cl.Close()

	out, err := cl.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "No active agents.", out)
}

// TestStatusListsAgentsWithoutSelf tests that the operator sees the fleet
// but contributes no THIS line
func TestStatusListsAgentsWithoutSelf(t *testing.T) {
	root := t.TempDir()
	a := claimAgent(t, root)

	cl, err := Open(root, types.VariantShared, testTimings())
	require.NoError(t, err)
	defer cl.Close()

	out, err := cl.Status(context.Background())
	require.NoError(t, err)
	assert.Contains(t, out, "Agent "+a.ID()+" @")
	assert.NotContains(t, out, "THIS")
}

// TestPeersSorted tests the sorted record listing
func TestPeersSorted(t *testing.T) {
	root := t.TempDir()
	claimAgent(t, root)
	claimAgent(t, root)

	cl, err := Open(root, types.VariantShared, testTimings())
	require.NoError(t, err)
	defer cl.Close()

	peers, err := cl.Peers(context.Background())
	require.NoError(t, err)
	require.Len(t, peers, 2)
	assert.LessOrEqual(t, peers[0].ID, peers[1].ID)
}

// TestSendAsExternalProducer tests injecting mail without a session
func TestSendAsExternalProducer(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	a := claimAgent(t, root)

	cl, err := Open(root, types.VariantShared, testTimings())
	require.NoError(t, err)
	defer cl.Close()

	out, err := cl.SendAs(ctx, "ci", a.ID(), "pipeline green")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "Sent (to 1 agent(s)"), out)

	st, err := storage.Open(root, types.VariantShared, testTimings())
	require.NoError(t, err)
	defer st.Close()
	leased, _, err := st.Lease(ctx, a.ID(), time.Now(), testTimings().MaxBatchChars)
	require.NoError(t, err)
	require.Len(t, leased, 1)
	assert.Equal(t, "ci", leased[0].From)
}

// TestSendAsDefaultsAndValidation tests the default sender id and the name
// gate
func TestSendAsDefaultsAndValidation(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	a := claimAgent(t, root)

	cl, err := Open(root, types.VariantShared, testTimings())
	require.NoError(t, err)
	defer cl.Close()

	out, err := cl.SendAs(ctx, "", a.ID(), "anonymous ping")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "Sent"), out)

	_, err = cl.SendAs(ctx, "bad name", a.ID(), "nope")
	assert.Error(t, err)
}

// TestSendAsRespectsRecipientValidation tests that operator sends face the
// same online checks as agent sends
func TestSendAsRespectsRecipientValidation(t *testing.T) {
	cl, err := Open(t.TempDir(), types.VariantShared, testTimings())
	require.NoError(t, err)
	defer cl.Close()

	out, err := cl.SendAs(context.Background(), "ci", "nobody", "hello?")
	require.NoError(t, err)
	assert.Equal(t, "Error: Agent 'nobody' offline.", out)
}
