/*
Package config resolves the effective partyline configuration.

Precedence, lowest to highest:

 1. Default(): production constants
 2. YAML file: explicit path, else $PARTYLINE_CONFIG, else ~/.partyline.yaml
 3. Environment: PARTYLINE_POOL, PARTYLINE_VARIANT, PARTYLINE_LOG_LEVEL
 4. Command-line flags (applied by cmd/partyline after Load)

A missing file at a default location is fine; a missing file at an explicit
path is an error. PARTYLINE_POOL wins over every other pool-root source so a
test harness or an operator can redirect a whole fleet with one variable.

# Timings

The intervals, TTLs, and budgets live in types.Timings and are deliberately
not file-tunable: their ratios are part of the coordination contract
(heartbeat TTL >= 5x interval, leader lease >= 3x renew). Validate enforces
those ratios so a future hand-edit cannot quietly produce a fleet that reaps
live peers. Tests construct shrunk Timings directly.

# Usage

	cfg, err := config.Load(flagConfigPath)
	if err != nil {
		return err
	}
	root, err := pool.Resolve(cfg.PoolRoot)

# See Also

  - pkg/pool for how PoolRoot="" turns into a real directory
  - pkg/types for the Timings contract
*/
package config
