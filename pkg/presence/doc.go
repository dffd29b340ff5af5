/*
Package presence is the read-only projection of the fleet: who is online,
what each agent is doing, and the one-line-per-agent rendering the
get_status tool returns.

Online is purely heartbeat freshness (now − last_seen ≤ HEARTBEAT_TTL);
this package never writes. Stale records stay on disk until the janitor
reaps them, so two readers can disagree only within one TTL of a crash.

# Rendering

	Agent 042 @ /repo/backend [THIS | 🛠 Working (12s)]
	Agent 007 @ /repo/frontend [👑 | 🎧 Waiting (3s/600s)]

Flags are THIS for the caller and a crown for the current leader (taken
from the lease row, never guessed from names). The state shows waiting
progress against the requested timeout, or how long the agent has been
working; after 30 minutes the icon turns to ❓ since sessions rarely work
that long without a single tool call. An empty fleet renders as
"No active agents."

# See Also

  - pkg/bridge for the get_status operation built on this
  - pkg/janitor for who deletes the stale records this package skips
*/
package presence
