package delivery

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/agentry/partyline/pkg/types"
)

// NoNewMessages is the fixed reply for an empty inbox.
const NoNewMessages = "No new messages."

// NewMsgID returns a 32-char lowercase hex message id.
func NewMsgID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// ShortID is the 8-char prefix quoted in send confirmations.
func ShortID(msgID string) string {
	if len(msgID) <= 8 {
		return msgID
	}
	return msgID[:8]
}

// RenderBatch formats a leased batch for the tool surface: a count header,
// then per-sender groups ordered by each sender's earliest message. A non-zero
// remaining appends the requeue hint.
func RenderBatch(msgs []*types.Message, remaining int) string {
	if len(msgs) == 0 {
		return NoNewMessages
	}

	ordered := make([]*types.Message, len(msgs))
	copy(ordered, msgs)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].TS.Before(ordered[j].TS)
	})

	senders := make([]string, 0, 4)
	groups := make(map[string][]*types.Message, 4)
	for _, m := range ordered {
		if _, ok := groups[m.From]; !ok {
			senders = append(senders, m.From)
		}
		groups[m.From] = append(groups[m.From], m)
	}

	lines := make([]string, 0, len(ordered)+2*len(senders)+3)
	lines = append(lines, fmt.Sprintf("=== %d messages from %d agent(s) ===", len(ordered), len(senders)), "")
	for _, s := range senders {
		g := groups[s]
		lines = append(lines, fmt.Sprintf("[%s] - %d message(s)", s, len(g)))
		for _, m := range g {
			lines = append(lines, "  "+stamp(m)+" "+m.Content)
		}
		lines = append(lines, "")
	}
	if remaining > 0 {
		lines = append(lines, fmt.Sprintf("(%d more queued. Call recv() again)", remaining))
	}
	return strings.Join(lines, "\n")
}

func stamp(m *types.Message) string {
	if m.TSStr != "" {
		return m.TSStr
	}
	return m.TS.Format("15:04:05")
}
