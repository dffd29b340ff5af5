package delivery

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentry/partyline/pkg/log"
	"github.com/agentry/partyline/pkg/metrics"
	"github.com/agentry/partyline/pkg/presence"
	"github.com/agentry/partyline/pkg/storage"
	"github.com/agentry/partyline/pkg/types"
)

// Send outcome kinds, used as the metric label on messages_sent_total.
const (
	kindDirect    = "direct"
	kindBroadcast = "broadcast"
	kindSystem    = "system"
)

// Exchange runs the message plane on top of a Store: recipient parsing and
// validation, fan-out enqueue, dispatch confirmation, and the lease/ack/release
// cycle used by receive loops. All user-facing outcomes are returned as plain
// strings; only storage failures escape as errors.
type Exchange struct {
	store   storage.Store
	timings types.Timings
	clock   func() time.Time
	logger  zerolog.Logger
}

// NewExchange wires an Exchange over st. A nil clock defaults to time.Now.
func NewExchange(st storage.Store, tm types.Timings, clock func() time.Time) *Exchange {
	if clock == nil {
		clock = time.Now
	}
	return &Exchange{
		store:   st,
		timings: tm,
		clock:   clock,
		logger:  log.WithComponent("delivery"),
	}
}

// Send validates recipients, fans out one queued row per target and waits up
// to the confirm window for dispatch. The returned string is the final
// user-visible confirmation; err is non-nil only when storage itself failed.
func (e *Exchange) Send(ctx context.Context, from, to, content string) (string, error) {
	now := e.clock()
	recipients := parseRecipients(to)
	if len(recipients) == 0 {
		return "Error: no recipients.", nil
	}
	for _, r := range recipients {
		if r == from {
			return "Error: cannot send to self.", nil
		}
	}

	kind := kindDirect
	if hasBroadcast(recipients) {
		kind = kindBroadcast
		online, err := presence.ListOnline(ctx, e.store, now, e.timings.HeartbeatTTL)
		if err != nil {
			return "", err
		}
		recipients = recipients[:0]
		for _, p := range online {
			if p.ID != from {
				recipients = append(recipients, p.ID)
			}
		}
		if len(recipients) == 0 {
			return "No other agents online.", nil
		}
	} else {
		online, err := presence.ListOnline(ctx, e.store, now, e.timings.HeartbeatTTL)
		if err != nil {
			return "", err
		}
		alive := make(map[string]bool, len(online))
		for _, p := range online {
			alive[p.ID] = true
		}
		for _, r := range recipients {
			if !alive[r] {
				return fmt.Sprintf("Error: Agent '%s' offline.", r), nil
			}
		}
	}

	msgs := make([]*types.Message, 0, len(recipients))
	ids := make([]string, 0, len(recipients))
	for _, r := range recipients {
		m := &types.Message{
			MsgID:   NewMsgID(),
			TS:      now,
			TSStr:   now.Format("15:04:05"),
			From:    from,
			To:      r,
			Content: content,
			State:   types.MessageQueued,
		}
		msgs = append(msgs, m)
		ids = append(ids, m.MsgID)
	}
	short := ShortID(ids[0])

	if err := e.store.Enqueue(ctx, msgs); err != nil {
		return "", err
	}
	metrics.MessagesSent.WithLabelValues(kind).Add(float64(len(msgs)))
	e.logger.Debug().
		Str("from", from).
		Str("kind", kind).
		Int("fanout", len(msgs)).
		Str("msg_id", short).
		Msg("enqueued")

	timer := metrics.NewTimer()
	dispatched, err := e.store.AwaitDispatch(ctx, from, ids, now.Add(e.timings.SendConfirmWait))
	timer.ObserveDuration(metrics.SendConfirmSeconds)
	if err != nil {
		return "", err
	}

	total := len(msgs)
	switch {
	case dispatched >= total:
		return fmt.Sprintf("Sent (to %d agent(s), id=%s)", total, short), nil
	case dispatched > 0:
		return fmt.Sprintf("Partially sent (to %d/%d agents, id=%s)", dispatched, total, short), nil
	default:
		return fmt.Sprintf("Send timeout after %ds (to %d agents)", int(e.timings.SendConfirmWait.Seconds()), total), nil
	}
}

// SystemNotify enqueues a bus-authored message to each target without
// recipient validation or a confirm wait. Used for operational alerts.
func (e *Exchange) SystemNotify(ctx context.Context, targets []string, content string) error {
	if len(targets) == 0 {
		return nil
	}
	now := e.clock()
	msgs := make([]*types.Message, 0, len(targets))
	for _, t := range targets {
		msgs = append(msgs, &types.Message{
			MsgID:   NewMsgID(),
			TS:      now,
			TSStr:   now.Format("15:04:05"),
			From:    types.SystemSender,
			To:      t,
			Content: content,
			State:   types.MessageQueued,
		})
	}
	if err := e.store.Enqueue(ctx, msgs); err != nil {
		return err
	}
	metrics.MessagesSent.WithLabelValues(kindSystem).Add(float64(len(msgs)))
	return nil
}

// LeaseBatch claims one budgeted batch for recipient. remaining reports how
// many queued rows the budget left behind.
func (e *Exchange) LeaseBatch(ctx context.Context, recipient string) ([]*types.Message, int, error) {
	msgs, remaining, err := e.store.Lease(ctx, recipient, e.clock(), e.timings.MaxBatchChars)
	if err != nil {
		return nil, 0, err
	}
	if len(msgs) > 0 {
		metrics.RecvBatchSize.Observe(float64(len(msgs)))
	}
	return msgs, remaining, nil
}

// AckBatch retires delivered rows.
func (e *Exchange) AckBatch(ctx context.Context, recipient string, msgs []*types.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		ids = append(ids, m.MsgID)
	}
	if err := e.store.Ack(ctx, recipient, ids); err != nil {
		return err
	}
	metrics.MessagesDelivered.Add(float64(len(msgs)))
	return nil
}

// ReleaseBatch returns undelivered rows to the queue so another attempt can
// pick them up. Callers on abort paths should pass a fresh context; the one
// that triggered the abort is usually already dead.
func (e *Exchange) ReleaseBatch(ctx context.Context, recipient string, msgs []*types.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	if err := e.store.Release(ctx, recipient, msgs); err != nil {
		return err
	}
	metrics.MessagesReleased.Add(float64(len(msgs)))
	e.logger.Debug().Str("recipient", recipient).Int("count", len(msgs)).Msg("released leases")
	return nil
}

// parseRecipients splits a comma list, trims whitespace and drops empties and
// duplicates while preserving order.
func parseRecipients(to string) []string {
	parts := strings.Split(to, ",")
	out := make([]string, 0, len(parts))
	seen := make(map[string]bool, len(parts))
	for _, p := range parts {
		r := strings.TrimSpace(p)
		if r == "" || seen[r] {
			continue
		}
		seen[r] = true
		out = append(out, r)
	}
	return out
}

func hasBroadcast(recipients []string) bool {
	for _, r := range recipients {
		if strings.EqualFold(r, types.BroadcastTarget) {
			return true
		}
	}
	return false
}
