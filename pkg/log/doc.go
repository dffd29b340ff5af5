/*
Package log provides structured logging for partyline using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers, configurable log levels, and helper functions
for common logging patterns. All logs include timestamps and support filtering
by severity for production debugging.

# Stdout Is Not Yours

The single most important rule in this package: under `partyline serve` the
process speaks MCP over stdout. Every log line therefore defaults to stderr,
and nothing in the repo may hand os.Stdout to Init while a stdio server is
running. Operator subcommands (status, send, start, kill) print their results
to stdout like any CLI and still log to stderr.

# Core Components

Global Logger:
  - Package-level zerolog.Logger instance
  - Initialized once via log.Init()
  - Thread-safe concurrent writes

Log Levels:
  - Debug: poll ticks, lease batches, duty cadence detail
  - Info: session lifecycle (claim, rename, shutdown), leader changes
  - Warn: lost leases, stale takeovers, deadlock alerts without a leader
  - Error: store failures that a background loop absorbed
  - Fatal: unrecoverable startup failures (pool unusable, claim exhausted)

Context Loggers:
  - WithComponent: one per package ("janitor", "bridge", "identity", ...)
  - WithAgentID: tags every line of a session with its claimed id
  - WithMsgID: correlates send/lease/ack paths of one message

# Usage

Initializing (done once in cmd/partyline):

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
	})

Component logger:

	logger := log.WithComponent("janitor")
	logger.Info().Str("owner", id).Msg("leader lease acquired")

Error logging keeps the failed operation alive:

	if err := store.Heartbeat(ctx, id, now, cwd); err != nil {
		logger.Error().Err(err).Msg("heartbeat write failed")
		// loop continues; the next tick retries
	}

# Background-Loop Discipline

Heartbeat, janitor, and collector goroutines never propagate errors to tool
callers: they log at error level and continue. The tool surface converts any
error that does escape into a short "DB Error: ..." result string, and logs
the original with full context here. Both halves of that contract live next
to each other on purpose: grep for the msg_id and you get the whole story.

# Integration Points

This package is used by:

  - pkg/identity: claim/heartbeat/rename lifecycle
  - pkg/janitor: election transitions and duty outcomes
  - pkg/bridge: recv loop state changes at debug level
  - pkg/api: one line per tool call via server hooks
  - pkg/metrics: collector sampling failures
  - cmd/partyline: startup/shutdown sequencing

# See Also

  - Zerolog documentation: https://github.com/rs/zerolog
  - pkg/api for why stdout must stay clean
*/
package log
