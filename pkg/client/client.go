package client

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentry/partyline/pkg/delivery"
	"github.com/agentry/partyline/pkg/log"
	"github.com/agentry/partyline/pkg/presence"
	"github.com/agentry/partyline/pkg/storage"
	"github.com/agentry/partyline/pkg/types"
)

// DefaultSender is the id one-shot operator sends carry when none is given.
const DefaultSender = "operator"

// Client performs one-shot operator operations against a pool: reading the
// fleet and injecting messages as an external producer. It claims no agent
// session, so it never shows up in get_status and never heartbeats.
type Client struct {
	store    storage.Store
	exchange *delivery.Exchange
	timings  types.Timings
	clock    func() time.Time
	logger   zerolog.Logger
}

// Open connects to the pool at root. The caller owns the returned client
// and must Close it.
func Open(root string, variant types.StoreVariant, tm types.Timings) (*Client, error) {
	st, err := storage.Open(root, variant, tm)
	if err != nil {
		return nil, fmt.Errorf("opening pool at %s: %w", root, err)
	}
	return New(st, tm), nil
}

// New wraps an already-open store.
func New(st storage.Store, tm types.Timings) *Client {
	return &Client{
		store:    st,
		exchange: delivery.NewExchange(st, tm, nil),
		timings:  tm,
		clock:    time.Now,
		logger:   log.WithComponent("client"),
	}
}

// Close releases the underlying store.
func (c *Client) Close() error {
	return c.store.Close()
}

// Status renders the fleet the way get_status does, minus a THIS line since
// the operator has no session.
func (c *Client) Status(ctx context.Context) (string, error) {
	now := c.clock()
	online, err := presence.ListOnline(ctx, c.store, now, c.timings.HeartbeatTTL)
	if err != nil {
		return "", err
	}
	leaderID := ""
	if lease, err := c.store.ReadLeader(ctx); err == nil && lease != nil && !lease.Expired(now) {
		leaderID = lease.OwnerID
	}
	return presence.RenderFleet("", online, leaderID, now), nil
}

// Peers returns every peer record sorted by id, stale ones included. The
// caller decides what counts as online; see types.Peer.Online.
func (c *Client) Peers(ctx context.Context) ([]*types.Peer, error) {
	peers, err := c.store.ListPeers(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].ID < peers[j].ID })
	return peers, nil
}

// SendAs enqueues a message from an external producer id. The sender needs
// no session; recipients are validated the same way an agent send is. The
// returned string is the bus confirmation vocabulary.
func (c *Client) SendAs(ctx context.Context, from, to, content string) (string, error) {
	if from == "" {
		from = DefaultSender
	}
	if !types.ValidName(from) {
		return "", fmt.Errorf("invalid sender id %q", from)
	}
	return c.exchange.Send(ctx, from, to, content)
}
