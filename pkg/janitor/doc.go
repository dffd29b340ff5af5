// Package janitor runs the background maintenance loop every session carries.
//
// All loops compete for one leader lease stored next to the peer records.
// The holder renews ahead of expiry and performs the fleet-wide duties:
//
//   - reaping same-host peers whose process died (signal-0 probe)
//   - reaping peers whose heartbeat passed the TTL
//   - clearing stale waiting flags and recovering expired message leases
//   - pruning messages older than the retention window
//   - compacting the store
//   - forwarding mailbox outboxes into recipient inboxes
//   - watching for the all-agents-waiting deadlock and alerting
//
// Followers do nothing but re-attempt the election, so a crashed leader is
// replaced within one lease TTL. Duties are deliberately crash-safe: each
// one re-derives its work from the store on every pass, and a failed pass
// is simply retried on the next tick.
package janitor
