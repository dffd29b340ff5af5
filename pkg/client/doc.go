/*
Package client provides the operator's one-shot view of a pool.

Unlike an agent, the client claims no session: it opens the store, performs
one read or send, and closes. That makes it safe to run from scripts and
cron jobs without polluting the fleet with short-lived peers.

	cl, err := client.Open(root, types.VariantShared, types.DefaultTimings())
	if err != nil { ... }
	defer cl.Close()

	out, err := cl.Status(ctx)        // same rendering as get_status
	out, err  = cl.SendAs(ctx, "ci", "builder", "pipeline green")

SendAs is the external-producer path: any process may inject messages by
writing rows with the same shape agents use. Recipient validation matches
agent sends (online peers only, no broadcast loop-back), but the sender id
is free as long as it passes the name rules, so a monitoring job can sign
its mail "ci" or "cron" without ever appearing in the fleet list.
*/
package client
