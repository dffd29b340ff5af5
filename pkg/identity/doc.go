/*
Package identity manages one process's name on the bus and the signals that
keep it alive: the claimed 3-digit id, the heartbeat loop, and the activity
clock that newer tool calls bump.

# Claiming

There is no registry to ask, so a session names itself: pick a random id in
[001, 999], try an atomic insert, and move on if a fresh holder already has
it. A stale holder (last_seen older than the heartbeat TTL) is evicted as
part of the claim, which is how crashed agents free their slots without any
coordinator. After 5000 candidates the claim fails with ErrPoolExhausted;
in practice collisions are rare below a few hundred live agents.

# Heartbeat

A claimed id stays online only while its record's last_seen is fresh. The
loop beats every HeartbeatInterval (10 s in production against a 60 s TTL,
so five missed beats are survivable) and each beat also refreshes the cwd,
which the fleet status renders. The store's Heartbeat upserts: if a janitor
reaped the record during a pause laptop-sleep style, the next beat simply
re-creates it.

# Renaming

Rename moves the session to a human-meaningful name and carries queued mail
along atomically. Reserved names (all, system, leader, janitor, main) are
refused unless AllowReservedRename is set, and even then a fresh holder wins
(storage.ErrIDTaken). Rename and heartbeat share one mutex: without it a
beat in flight could re-insert the old id just after the move and leave a
ghost record behind.

# Activity Clock

Every tool call stamps MarkActive. A blocked receive keeps the stamp of its
own call and cancels itself the moment LastActive differs, which is what
lets a single-threaded agent issue send while a recv is parked without the
two racing. Stamps are strictly increasing so equal-nanosecond calls still
compare as distinct.

# Usage

	sess := identity.NewSession(identity.Config{Store: st, Timings: tm})
	if err := sess.Claim(ctx); err != nil {
		return err
	}
	sess.StartHeartbeat()
	defer sess.Close(context.Background())

# See Also

  - pkg/storage for the claim/rename atomicity rules
  - pkg/bridge for how the activity clock cancels receives
*/
package identity
