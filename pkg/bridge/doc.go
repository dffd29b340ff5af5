// Package bridge exposes one session's tool surface: get_status, send, recv
// and rename. It is the layer the MCP server dispatches into and the only
// place the blocking receive protocol lives.
//
// Receive blocks cooperatively rather than on a store primitive: the loop
// wakes on a short tick to notice cancellation quickly, but only attempts a
// lease on a cadence biased by role (the leader polls faster than
// followers) plus a per-id jitter. Three things end a wait: a delivered
// batch, the deadline, or a newer tool call on the same session. All of
// them leave the store clean; any rows leased on the way out are released
// before returning.
package bridge
