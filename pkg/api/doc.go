/*
Package api exposes a session's bridge as an MCP tool server over stdio.

The server registers four tools and nothing else; the protocol layer stays
thin so the semantics live in pkg/bridge where they are testable without a
transport:

	┌──────────────── AGENT (MCP client) ────────────────┐
	│        get_status / send / recv / rename           │
	└──────────────────────┬──────────────────────────────┘
	                       │ JSON-RPC over stdin/stdout
	┌──────────────────────▼──────────────────────────────┐
	│                 pkg/api.Server                      │
	│   tool schemas, argument decoding, recovery,        │
	│   per-call logging (stderr only)                    │
	└──────────────────────┬──────────────────────────────┘
	                       │ plain strings in, plain strings out
	┌──────────────────────▼──────────────────────────────┐
	│                pkg/bridge.Bridge                    │
	└──────────────────────────────────────────────────────┘

# Conventions

Every tool returns a text result, including failures: the bus vocabulary
("Sent (to 2 agent(s), id=...)", "Error: Agent '007' offline.", "Timeout
(30s).", "Name taken", ...) is the contract agents script against, so the
server never wraps it. Protocol-level errors are reserved for malformed
arguments.

stdout belongs to the protocol. All diagnostics, including the stdio
library's own error logger, are routed to the stderr zerolog logger.

The instruction string sent during initialization (InstructionsText) teaches
a connecting agent the id conventions, the blocking recv contract and the
send addressing forms.

# Cancellation

recv may block for hours. Two non-transport things end it early: a newer
tool call on the same session (the bridge compares activity stamps) and the
deadline. Transport-level context cancellation also unwinds it; by the time
the loop returns, any leased rows are back in the queue, so a client that
gives up on a call never strands mail.
*/
package api
