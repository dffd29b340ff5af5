/*
Package pool manages the shared root directory every agent opens.

The pool root is the only rendezvous between processes: there is no server,
so whoever can open this directory is on the bus. This package owns the two
decisions made before any store exists: where the root lives, and whether
its current contents are from this build's schema version.

# Root Selection

Resolve(explicit) applies the precedence:

  - explicit path (config file or PARTYLINE_POOL): must be usable, no fallback
  - OS primary: C:\partyline_pool on Windows, ~/.partyline_pool elsewhere
  - public-writable fallback: C:\Users\Public\partyline_pool, else
    <tmp>/partyline_pool

"Usable" means a real write probe (create and remove a dot file), not a
stat: network mounts and ACL setups routinely pass the latter and fail the
former.

# Schema Gate

Layout names embed the schema version: pool_v<N>.db for the shared SQLite
store, mail_v<N>/ for the per-agent mailbox stores. Prepare(root) scans the
root once; any entry from a different version wipes the entire root. Nothing
is migrated: peers are ephemeral and messages have a 24 h retention, so a
wipe costs one fleet restart and buys schema changes that never need
compatibility shims.

Prepare is the single entry point for shared-state initialization, so tests
point it at a temp root and exercise the gate directly.

# Usage

	root, err := pool.Resolve(cfg.PoolRoot)
	if err != nil {
		return err
	}
	wiped, err := pool.Prepare(root)
	if err != nil {
		return err
	}
	if wiped {
		logger.Warn().Str("root", root).Msg("pool reinitialized")
	}
	db := pool.SharedDBPath(root) // or pool.MailDir(root)

# See Also

  - pkg/storage for what gets created under the root
  - pkg/config for where the explicit path comes from
*/
package pool
