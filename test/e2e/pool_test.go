package e2e

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentry/partyline/pkg/pool"
	"github.com/agentry/partyline/pkg/types"
	"github.com/agentry/partyline/test/framework"
)

// TestSchemaGateWipesAndOperates tests the version gate end to end: a root
// holding an older layout is wiped, then a fleet runs cleanly on it
func TestSchemaGateWipesAndOperates(t *testing.T) {
	root := t.TempDir()
	stale := filepath.Join(root, fmt.Sprintf("pool_v%d.db", types.SchemaVersion-1))
	require.NoError(t, os.WriteFile(stale, []byte("old layout"), 0644))
	junk := filepath.Join(root, "notes.txt")
	require.NoError(t, os.WriteFile(junk, []byte("scratch"), 0644))

	wiped, err := pool.Prepare(root)
	require.NoError(t, err)
	assert.True(t, wiped)

	_, err = os.Stat(stale)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(junk)
	assert.True(t, os.IsNotExist(err))

	// A current-version root passes the gate untouched.
	wiped, err = pool.Prepare(root)
	require.NoError(t, err)
	assert.False(t, wiped)

	f := framework.NewFleet(t, framework.WithRoot(root))
	ctx := context.Background()
	a := f.Spawn()
	b := f.Spawn()

	require.Contains(t, a.Bridge.Send(ctx, b.ID, "fresh start"), "Sent")
	assert.Contains(t, b.Bridge.Recv(ctx, 5), "fresh start")
}

// TestConcurrentClaimsAreDistinct tests the id claim race: spawning agents
// in parallel on one root yields all-distinct ids
func TestConcurrentClaimsAreDistinct(t *testing.T) {
	f := framework.NewFleet(t)

	const n = 8
	agents := make([]*framework.Agent, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			agents[i] = f.Spawn()
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool, n)
	for _, a := range agents {
		require.NotNil(t, a)
		assert.False(t, seen[a.ID], "id %s claimed twice", a.ID)
		seen[a.ID] = true
	}
}
