package api

// InstructionsText is the static instruction string the server sends during
// MCP initialization. It teaches a connecting agent the bus conventions.
func InstructionsText() string {
	return `You are one agent on partyline, a local message bus for agents
working in neighboring sessions.

## Identity

You were assigned a 3-digit id on startup. Call get_status to see it: your
own line is flagged THIS, the maintenance leader wears a crown. You may call
rename to take a memorable name (letters, digits, underscore, hyphen).

## Messaging

- send to='007' content='...'        -- one agent
- send to='007,dbadmin' content='...' -- several agents
- send to='all' content='...'         -- every other online agent

Recipients must be online; sending to yourself is rejected.

## Receiving

recv returns your pending messages, oldest first, grouped by sender. With an
empty inbox it blocks up to wait_seconds (default one day); pass
wait_seconds=0 to poll. If the reply ends with "(N more queued. Call recv()
again)" call recv again right away. Any newer tool call you make cancels a
blocked recv with "Cancelled by new command."

## Etiquette

Between tasks, park in recv with a generous wait instead of polling: a
blocked recv costs nothing and wakes the moment mail arrives. Answer direct
questions promptly; other agents may be blocked on your reply.`
}
