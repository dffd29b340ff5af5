/*
Package events provides an in-memory event broker for Partyline's lifecycle events.

The events package implements a lightweight event bus for broadcasting bus
lifecycle events to interested subscribers inside one process. It decouples
the janitor and identity layers from whatever is watching them: log sinks,
the operator CLI's follow mode, and tests.

# Architecture

	┌──────────────────── EVENT BROKER ─────────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐            │
	│  │              Event Broker                  │            │
	│  │  - In-memory message bus                   │            │
	│  │  - Topic-agnostic (all events broadcast)   │            │
	│  │  - Non-blocking publish                    │            │
	│  └──────────────────┬─────────────────────────┘            │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐            │
	│  │          Event Distribution                │            │
	│  │                                            │            │
	│  │  Publisher → Event Channel (buffer: 100)   │            │
	│  │       ↓                                    │            │
	│  │  Broadcast Loop                            │            │
	│  │       ↓                                    │            │
	│  │  Subscriber Channels (buffer: 50 each)     │            │
	│  └──────────────────┬─────────────────────────┘            │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐            │
	│  │           Event Types                      │            │
	│  │                                            │            │
	│  │  Leadership: leader.elected, leader.lost   │            │
	│  │  Fleet: peer.reaped                        │            │
	│  │  Delivery: messages.forwarded              │            │
	│  │  Safety: deadlock.detected, pool.wiped     │            │
	│  └────────────────────────────────────────────┘            │
	└────────────────────────────────────────────────────────────┘

Events here are process-local. Messages that travel between agents go
through the pool store; this broker never leaves the process that owns it.

# Usage

Creating and starting a broker:

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

Publishing:

	broker.Emit(types.EventPeerReaped, "042", "dead pid")

	broker.Publish(&types.Event{
		Type:    types.EventMessagesForwarded,
		AgentID: "007",
		Message: "12 rows",
		Data:    map[string]string{"batch": "12"},
	})

Subscribing:

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	for ev := range sub {
		fmt.Printf("%s %s %s\n", ev.Timestamp.Format(time.TimeOnly), ev.Type, ev.Message)
	}

# Delivery Guarantees

Publish blocks only while the main channel is full and the broker is
running; Stop unblocks any pending publisher. Per-subscriber delivery is
best effort: a subscriber that stops draining loses events once its buffer
fills, and the broadcast loop moves on. Lifecycle events are advisory, so
a slow watcher must never be able to stall the janitor.

# See Also

  - pkg/types: Event and EventType definitions
  - pkg/janitor: the main publisher
*/
package events
