// Package delivery implements the message plane between agents: parsing and
// validating send targets, fanning a send out into one queued row per
// recipient, confirming dispatch within a bounded window, and the
// lease/ack/release cycle that gives each receiver exactly-once batches.
//
// A send addressed to "all" expands to a snapshot of the currently online
// peers minus the sender; a comma list must name only online peers and may
// not include the sender. Every row of a fan-out shares the same content and
// timestamp but carries its own message id; confirmations quote the first
// id's 8-char prefix.
//
// Receivers never consume rows directly. They lease a batch (bounded by the
// character budget), format it with RenderBatch, ack on success and release
// on any abort so the rows return to the queue intact.
package delivery
