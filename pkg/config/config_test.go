package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentry/partyline/pkg/types"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, types.VariantShared, cfg.Variant)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.True(t, cfg.DeadlockAlerts)
	assert.False(t, cfg.AllowReservedRename)
	assert.Equal(t, 10*time.Second, cfg.Timings.HeartbeatInterval)
	assert.Equal(t, 60*time.Second, cfg.Timings.HeartbeatTTL)
	require.NoError(t, cfg.Validate())
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "partyline.yaml")
	data := `
pool_root: /tmp/custom_pool
variant: mailbox
log_level: debug
deadlock_alerts: false
agent_command: "claude --resume"
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/custom_pool", cfg.PoolRoot)
	assert.Equal(t, types.VariantMailbox, cfg.Variant)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.False(t, cfg.DeadlockAlerts)
	assert.Equal(t, "claude --resume", cfg.AgentCommand)
}

func TestLoadExplicitMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestLoadEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "partyline.yaml")
	require.NoError(t, os.WriteFile(path, []byte("pool_root: /from/file\n"), 0644))

	t.Setenv(EnvPool, "/from/env")
	t.Setenv(EnvVariant, "mailbox")
	t.Setenv(EnvLogLevel, "warn")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/from/env", cfg.PoolRoot, "env must beat the file")
	assert.Equal(t, types.VariantMailbox, cfg.Variant)
	assert.Equal(t, "warn", cfg.LogLevel)
}

func TestLoadBadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "partyline.yaml")
	require.NoError(t, os.WriteFile(path, []byte("variant: [not, a, scalar\n"), 0644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "defaults pass",
			mutate: func(c *Config) {},
		},
		{
			name:    "unknown variant",
			mutate:  func(c *Config) { c.Variant = "raft" },
			wantErr: "invalid variant",
		},
		{
			name:    "unknown log level",
			mutate:  func(c *Config) { c.LogLevel = "trace" },
			wantErr: "invalid log_level",
		},
		{
			name:    "zero timings",
			mutate:  func(c *Config) { c.Timings = types.Timings{} },
			wantErr: "timings not initialized",
		},
		{
			name: "heartbeat ratio too tight",
			mutate: func(c *Config) {
				c.Timings.HeartbeatTTL = 3 * c.Timings.HeartbeatInterval
			},
			wantErr: "at least 5x",
		},
		{
			name: "leader ratio too tight",
			mutate: func(c *Config) {
				c.Timings.LeaderLeaseTTL = c.Timings.LeaderRenewEvery
			},
			wantErr: "at least 3x",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}
