package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/agentry/partyline/pkg/types"
)

// Env variable names honored by Load. EnvPool overrides every other root
// source, including the config file.
const (
	EnvPool     = "PARTYLINE_POOL"
	EnvConfig   = "PARTYLINE_CONFIG"
	EnvVariant  = "PARTYLINE_VARIANT"
	EnvLogLevel = "PARTYLINE_LOG_LEVEL"
)

// Config holds everything a partyline process needs to join a pool. Zero
// values mean "use the default"; Load fills them in.
type Config struct {
	// PoolRoot is the shared directory. Empty selects the OS default with
	// its public-writable fallback (see pkg/pool).
	PoolRoot string `yaml:"pool_root"`

	// Variant picks the on-disk layout: "shared" or "mailbox".
	Variant types.StoreVariant `yaml:"variant"`

	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`

	// MetricsAddr exposes /metrics and /health over HTTP when non-empty.
	// Purely observational; coordination never touches it.
	MetricsAddr string `yaml:"metrics_addr"`

	// DeadlockAlerts enables the all-agents-waiting warning (on by default).
	DeadlockAlerts bool `yaml:"deadlock_alerts"`

	// AllowReservedRename enables the inheritance policy: renaming onto a
	// reserved name (e.g. "leader") succeeds when the holder is stale.
	AllowReservedRename bool `yaml:"allow_reserved_rename"`

	// AgentCommand is what `partyline start` executes in the target
	// directory to bring up a new agent process.
	AgentCommand string `yaml:"agent_command"`

	// Timings is not file-tunable; the intervals are design constants and
	// tests construct their own shrunk set.
	Timings types.Timings `yaml:"-"`
}

// Default returns the production configuration.
func Default() *Config {
	return &Config{
		Variant:        types.VariantShared,
		LogLevel:       "info",
		LogJSON:        true,
		DeadlockAlerts: true,
		Timings:        types.DefaultTimings(),
	}
}

// Load builds the effective configuration: defaults, then the YAML file
// (explicit path, else $PARTYLINE_CONFIG, else ~/.partyline.yaml if present),
// then environment overrides. A missing default file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = os.Getenv(EnvConfig)
		explicit = path != ""
	}
	if path == "" {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, ".partyline.yaml")
		}
	}

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		case os.IsNotExist(err) && !explicit:
			// default locations are optional
		default:
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvPool); v != "" {
		c.PoolRoot = v
	}
	if v := os.Getenv(EnvVariant); v != "" {
		c.Variant = types.StoreVariant(v)
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.LogLevel = v
	}
}

// Validate rejects configurations that no component could run with.
func (c *Config) Validate() error {
	switch c.Variant {
	case types.VariantShared, types.VariantMailbox:
	default:
		return fmt.Errorf("invalid variant %q (want %q or %q)",
			c.Variant, types.VariantShared, types.VariantMailbox)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	if c.Timings.HeartbeatInterval <= 0 || c.Timings.HeartbeatTTL <= 0 {
		return fmt.Errorf("timings not initialized")
	}
	if c.Timings.HeartbeatTTL < 5*c.Timings.HeartbeatInterval {
		return fmt.Errorf("heartbeat TTL %v must be at least 5x the interval %v",
			c.Timings.HeartbeatTTL, c.Timings.HeartbeatInterval)
	}
	if c.Timings.LeaderLeaseTTL < 3*c.Timings.LeaderRenewEvery {
		return fmt.Errorf("leader lease %v must be at least 3x the renew cadence %v",
			c.Timings.LeaderLeaseTTL, c.Timings.LeaderRenewEvery)
	}
	return nil
}
