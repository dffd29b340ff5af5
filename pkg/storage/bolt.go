package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/agentry/partyline/pkg/pool"
	"github.com/agentry/partyline/pkg/types"
)

var (
	// Bucket names
	bucketSelf   = []byte("self")
	bucketInbox  = []byte("inbox")
	bucketOutbox = []byte("outbox")
	bucketLease  = []byte("lease")

	keyPeer = []byte("peer")
)

const (
	leaderFileName  = "leader.db"
	agentFilePrefix = "agent_"
	agentFileSuffix = ".db"

	// ownOpenTimeout bounds the flock wait on a file we own; peekOpenTimeout
	// bounds reads of other agents' files so one hung writer cannot stall a
	// whole presence scan.
	ownOpenTimeout  = 2 * time.Second
	peekOpenTimeout = 500 * time.Millisecond

	dispatchPollEvery = 100 * time.Millisecond
)

// BoltStore implements Store as one Bolt file per agent (buckets self, inbox,
// outbox) plus a lease file. Files are opened per operation and closed right
// after, so no process pins another agent's mailbox; the flock on each file
// is the write arbiter. By construction each file has one steady writer: the
// owner for its self record, outbox appends and inbox reads, the leader for
// inbox appends and outbox drains.
type BoltStore struct {
	dir     string
	timings types.Timings
	retry   retryPolicy
}

// NewBoltStore opens the mailbox layout under root.
func NewBoltStore(root string, timings types.Timings) (*BoltStore, error) {
	dir := pool.MailDir(root)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create mail dir: %w", err)
	}
	return &BoltStore{
		dir:     dir,
		timings: timings,
		retry:   newRetryPolicy(timings),
	}, nil
}

func (s *BoltStore) Variant() types.StoreVariant {
	return types.VariantMailbox
}

// Close releases nothing: connections are opened per call so files stay
// unlocked between operations.
func (s *BoltStore) Close() error {
	return nil
}

func (s *BoltStore) agentPath(id string) string {
	return filepath.Join(s.dir, agentFilePrefix+id+agentFileSuffix)
}

func (s *BoltStore) leaderPath() string {
	return filepath.Join(s.dir, leaderFileName)
}

func agentIDFromFile(name string) (string, bool) {
	if !strings.HasPrefix(name, agentFilePrefix) || !strings.HasSuffix(name, agentFileSuffix) {
		return "", false
	}
	id := strings.TrimSuffix(strings.TrimPrefix(name, agentFilePrefix), agentFileSuffix)
	return id, id != ""
}

func (s *BoltStore) openOwn(path string) (*bolt.DB, error) {
	return bolt.Open(path, 0600, &bolt.Options{Timeout: ownOpenTimeout})
}

func (s *BoltStore) openShort(path string) (*bolt.DB, error) {
	return bolt.Open(path, 0600, &bolt.Options{Timeout: peekOpenTimeout})
}

func (s *BoltStore) peek(path string) (*bolt.DB, error) {
	return bolt.Open(path, 0600, &bolt.Options{Timeout: peekOpenTimeout, ReadOnly: true})
}

func ensureBuckets(tx *bolt.Tx) error {
	for _, name := range [][]byte{bucketSelf, bucketInbox, bucketOutbox} {
		if _, err := tx.CreateBucketIfNotExists(name); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", name, err)
		}
	}
	return nil
}

func putJSON(b *bolt.Bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	return b.Put(key, data)
}

// msgKey orders messages by enqueue time: the zero-padded nanosecond prefix
// makes Bolt's byte order equal ts order, and the msg_id suffix keeps keys
// unique and re-deliveries idempotent.
func msgKey(m *types.Message) []byte {
	return []byte(fmt.Sprintf("%020d:%s", m.TS.UnixNano(), m.MsgID))
}

func readPeer(tx *bolt.Tx) (*types.Peer, error) {
	b := tx.Bucket(bucketSelf)
	if b == nil {
		return nil, ErrNotFound
	}
	raw := b.Get(keyPeer)
	if raw == nil {
		return nil, ErrNotFound
	}
	var p types.Peer
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("failed to decode peer record: %w", err)
	}
	return &p, nil
}

func (s *BoltStore) readPeerFile(path string) (*types.Peer, error) {
	db, err := s.peek(path)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	var p *types.Peer
	err = db.View(func(tx *bolt.Tx) error {
		peer, err := readPeer(tx)
		if err != nil {
			return err
		}
		p = peer
		return nil
	})
	return p, err
}

// Peer operations

func (s *BoltStore) ClaimPeer(ctx context.Context, peer *types.Peer, staleCutoff time.Time) error {
	path := s.agentPath(peer.ID)
	return s.retry.Do(ctx, func() error {
		// O_EXCL create wins the common case outright; losers fall through
		// to the freshness check against whatever the winner wrote.
		if f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0600); err == nil {
			f.Close()
		} else if !os.IsExist(err) {
			return fmt.Errorf("failed to create mailbox: %w", err)
		}

		db, err := s.openOwn(path)
		if err != nil {
			return err
		}
		defer db.Close()

		return db.Update(func(tx *bolt.Tx) error {
			selfB, err := tx.CreateBucketIfNotExists(bucketSelf)
			if err != nil {
				return err
			}
			if raw := selfB.Get(keyPeer); raw != nil {
				var cur types.Peer
				if err := json.Unmarshal(raw, &cur); err == nil && !cur.LastSeen.Before(staleCutoff) {
					return fmt.Errorf("peer %s: %w", peer.ID, ErrIDTaken)
				}
				// stale holder: its pending mail dies with the takeover
				for _, name := range [][]byte{bucketInbox, bucketOutbox} {
					if tx.Bucket(name) != nil {
						if err := tx.DeleteBucket(name); err != nil {
							return err
						}
					}
				}
			}
			if err := ensureBuckets(tx); err != nil {
				return err
			}
			return putJSON(selfB, keyPeer, peer)
		})
	})
}

func (s *BoltStore) GetPeer(ctx context.Context, id string) (*types.Peer, error) {
	var p *types.Peer
	err := s.retry.Do(ctx, func() error {
		peer, err := s.readPeerFile(s.agentPath(id))
		if err != nil {
			if os.IsNotExist(err) || errors.Is(err, ErrNotFound) {
				return fmt.Errorf("peer %s: %w", id, ErrNotFound)
			}
			return err
		}
		p = peer
		return nil
	})
	return p, err
}

func (s *BoltStore) ListPeers(ctx context.Context) ([]*types.Peer, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan mail dir: %w", err)
	}

	var peers []*types.Peer
	for _, e := range entries {
		id, ok := agentIDFromFile(e.Name())
		if !ok {
			continue
		}
		p, err := s.readPeerFile(s.agentPath(id))
		if err != nil {
			continue // locked or torn file; the next scan will see it
		}
		peers = append(peers, p)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].ID < peers[j].ID })
	return peers, nil
}

func (s *BoltStore) Heartbeat(ctx context.Context, peer *types.Peer, now time.Time) error {
	path := s.agentPath(peer.ID)
	return s.retry.Do(ctx, func() error {
		// opening re-creates the file if a reaper removed it
		db, err := s.openOwn(path)
		if err != nil {
			return err
		}
		defer db.Close()

		return db.Update(func(tx *bolt.Tx) error {
			if err := ensureBuckets(tx); err != nil {
				return err
			}
			cur, err := readPeer(tx)
			if err != nil {
				// missing or torn record: rebuild from the live session
				fresh := *peer
				fresh.LastSeen = now
				fresh.Mode = types.ModeWorking
				fresh.ModeSince = now
				cur = &fresh
			} else {
				cur.LastSeen = now
				cur.CWD = peer.CWD
			}
			return putJSON(tx.Bucket(bucketSelf), keyPeer, cur)
		})
	})
}

// updatePeer applies mutate to an existing record. A missing file or record
// is a no-op, matching a zero-row UPDATE in the shared variant.
func (s *BoltStore) updatePeer(ctx context.Context, id string, mutate func(*types.Peer)) error {
	path := s.agentPath(id)
	return s.retry.Do(ctx, func() error {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return nil
		}
		db, err := s.openOwn(path)
		if err != nil {
			return err
		}
		defer db.Close()

		return db.Update(func(tx *bolt.Tx) error {
			cur, err := readPeer(tx)
			if err != nil {
				return nil
			}
			mutate(cur)
			return putJSON(tx.Bucket(bucketSelf), keyPeer, cur)
		})
	})
}

func (s *BoltStore) SetWaiting(ctx context.Context, id string, started, deadline time.Time, waitSeconds int) error {
	return s.updatePeer(ctx, id, func(p *types.Peer) {
		p.Mode = types.ModeWaiting
		p.ModeSince = started
		p.RecvStarted = started
		p.RecvDeadline = deadline
		p.RecvWaitSeconds = waitSeconds
		p.RecvLastTouch = started
	})
}

func (s *BoltStore) TouchRecv(ctx context.Context, id string, now time.Time) error {
	return s.updatePeer(ctx, id, func(p *types.Peer) {
		p.RecvLastTouch = now
	})
}

func (s *BoltStore) ClearWaiting(ctx context.Context, id string, now time.Time) error {
	return s.updatePeer(ctx, id, func(p *types.Peer) {
		clearWaiting(p, now)
	})
}

func clearWaiting(p *types.Peer, now time.Time) {
	p.Mode = types.ModeWorking
	p.ModeSince = now
	p.RecvStarted = time.Time{}
	p.RecvDeadline = time.Time{}
	p.RecvWaitSeconds = 0
	p.RecvLastTouch = time.Time{}
}

func (s *BoltStore) ClearStaleWaiting(ctx context.Context, now time.Time) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to scan mail dir: %w", err)
	}

	cleared := 0
	for _, e := range entries {
		id, ok := agentIDFromFile(e.Name())
		if !ok {
			continue
		}
		p, err := s.readPeerFile(s.agentPath(id))
		if err != nil {
			continue
		}
		if p.Mode != types.ModeWaiting || p.RecvDeadline.IsZero() || !p.RecvDeadline.Before(now) {
			continue
		}
		if err := s.updatePeer(ctx, id, func(cur *types.Peer) { clearWaiting(cur, now) }); err == nil {
			cleared++
		}
	}
	return cleared, nil
}

// RenamePeer copies the session into the target file, then removes the old
// one. The two files cannot share a transaction; the caller's identity mutex
// keeps the session's own writes out of the window, and a crash in between
// leaves the old id for the reaper.
func (s *BoltStore) RenamePeer(ctx context.Context, oldID, newID string, staleCutoff time.Time) error {
	oldPath, newPath := s.agentPath(oldID), s.agentPath(newID)
	return s.retry.Do(ctx, func() error {
		if _, err := os.Stat(oldPath); os.IsNotExist(err) {
			return fmt.Errorf("peer %s: %w", oldID, ErrNotFound)
		}

		type kv struct{ k, v []byte }
		var (
			peer          *types.Peer
			inbox, outbox []kv
		)
		db, err := s.openOwn(oldPath)
		if err != nil {
			return err
		}
		err = db.View(func(tx *bolt.Tx) error {
			p, err := readPeer(tx)
			if err != nil {
				return fmt.Errorf("peer %s: %w", oldID, ErrNotFound)
			}
			peer = p
			if b := tx.Bucket(bucketInbox); b != nil {
				c := b.Cursor()
				for k, v := c.First(); k != nil; k, v = c.Next() {
					var m types.Message
					if err := json.Unmarshal(v, &m); err != nil {
						continue
					}
					m.To = newID
					nv, err := json.Marshal(&m)
					if err != nil {
						return err
					}
					inbox = append(inbox, kv{k: append([]byte(nil), k...), v: nv})
				}
			}
			if b := tx.Bucket(bucketOutbox); b != nil {
				c := b.Cursor()
				for k, v := c.First(); k != nil; k, v = c.Next() {
					outbox = append(outbox, kv{
						k: append([]byte(nil), k...),
						v: append([]byte(nil), v...),
					})
				}
			}
			return nil
		})
		db.Close()
		if err != nil {
			return err
		}

		// claim the target under the same freshness rule as ClaimPeer
		if f, err := os.OpenFile(newPath, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0600); err == nil {
			f.Close()
		} else if !os.IsExist(err) {
			return fmt.Errorf("failed to create mailbox: %w", err)
		}
		ndb, err := s.openOwn(newPath)
		if err != nil {
			return err
		}
		err = ndb.Update(func(tx *bolt.Tx) error {
			selfB, err := tx.CreateBucketIfNotExists(bucketSelf)
			if err != nil {
				return err
			}
			if raw := selfB.Get(keyPeer); raw != nil {
				var cur types.Peer
				if err := json.Unmarshal(raw, &cur); err == nil && !cur.LastSeen.Before(staleCutoff) {
					return fmt.Errorf("peer %s: %w", newID, ErrIDTaken)
				}
				for _, name := range [][]byte{bucketInbox, bucketOutbox} {
					if tx.Bucket(name) != nil {
						if err := tx.DeleteBucket(name); err != nil {
							return err
						}
					}
				}
			}
			if err := ensureBuckets(tx); err != nil {
				return err
			}
			moved := *peer
			moved.ID = newID
			if err := putJSON(selfB, keyPeer, &moved); err != nil {
				return err
			}
			ib := tx.Bucket(bucketInbox)
			for _, r := range inbox {
				if err := ib.Put(r.k, r.v); err != nil {
					return err
				}
			}
			ob := tx.Bucket(bucketOutbox)
			for _, r := range outbox {
				if err := ob.Put(r.k, r.v); err != nil {
					return err
				}
			}
			return nil
		})
		ndb.Close()
		if err != nil {
			return err
		}

		if err := os.Remove(oldPath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove old mailbox: %w", err)
		}
		return nil
	})
}

func (s *BoltStore) DeletePeer(ctx context.Context, id string) error {
	if err := os.Remove(s.agentPath(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove mailbox: %w", err)
	}
	return nil
}

// Message operations

func (s *BoltStore) Enqueue(ctx context.Context, msgs []*types.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	bySender := make(map[string][]*types.Message)
	for _, m := range msgs {
		bySender[m.From] = append(bySender[m.From], m)
	}
	for sender, group := range bySender {
		err := s.retry.Do(ctx, func() error {
			db, err := s.openOwn(s.agentPath(sender))
			if err != nil {
				return err
			}
			defer db.Close()

			return db.Update(func(tx *bolt.Tx) error {
				if err := ensureBuckets(tx); err != nil {
					return err
				}
				ob := tx.Bucket(bucketOutbox)
				for _, m := range group {
					if err := putJSON(ob, msgKey(m), m); err != nil {
						return err
					}
				}
				return nil
			})
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// AwaitDispatch polls the sender's outbox until the given rows have been
// forwarded (absent) or the deadline passes. It reports how many made it.
func (s *BoltStore) AwaitDispatch(ctx context.Context, sender string, msgIDs []string, deadline time.Time) (int, error) {
	if len(msgIDs) == 0 {
		return 0, nil
	}
	pending := make(map[string]bool, len(msgIDs))
	for _, id := range msgIDs {
		pending[id] = true
	}

	ticker := time.NewTicker(dispatchPollEvery)
	defer ticker.Stop()
	for {
		if err := s.dropDispatched(sender, pending); err == nil && len(pending) == 0 {
			return len(msgIDs), nil
		}
		if !time.Now().Before(deadline) {
			return len(msgIDs) - len(pending), nil
		}
		select {
		case <-ctx.Done():
			return len(msgIDs) - len(pending), ctx.Err()
		case <-ticker.C:
		}
	}
}

// dropDispatched removes from pending every msg_id no longer in the outbox.
func (s *BoltStore) dropDispatched(sender string, pending map[string]bool) error {
	db, err := s.peek(s.agentPath(sender))
	if err != nil {
		return err // transient lock; the next tick looks again
	}
	defer db.Close()

	return db.View(func(tx *bolt.Tx) error {
		present := make(map[string]bool)
		if ob := tx.Bucket(bucketOutbox); ob != nil {
			c := ob.Cursor()
			for k, _ := c.First(); k != nil; k, _ = c.Next() {
				if i := bytes.IndexByte(k, ':'); i >= 0 {
					present[string(k[i+1:])] = true
				}
			}
		}
		for id := range pending {
			if !present[id] {
				delete(pending, id)
			}
		}
		return nil
	})
}

// Lease reads and deletes the oldest inbox rows within budget in one
// transaction. The inbox has a single reader, so deletion is the lease;
// Release re-inserts on the cancellation path.
func (s *BoltStore) Lease(ctx context.Context, recipient string, now time.Time, budget int) ([]*types.Message, int, error) {
	var (
		leased    []*types.Message
		remaining int
	)
	path := s.agentPath(recipient)
	err := s.retry.Do(ctx, func() error {
		leased, remaining = nil, 0
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return nil
		}
		db, err := s.openOwn(path)
		if err != nil {
			return err
		}
		defer db.Close()

		return db.Update(func(tx *bolt.Tx) error {
			ib := tx.Bucket(bucketInbox)
			if ib == nil {
				return nil
			}

			var (
				take     []*types.Message
				takeKeys [][]byte
			)
			used, scanned, total := 0, 0, 0
			collecting := true

			c := ib.Cursor()
			for k, v := c.First(); k != nil; k, v = c.Next() {
				total++
				if !collecting {
					continue
				}
				scanned++
				if scanned > s.timings.LeaseScanLimit {
					collecting = false
					continue
				}
				var m types.Message
				if err := json.Unmarshal(v, &m); err != nil {
					continue // torn row; pruning clears it by key age
				}
				if len(take) > 0 && used+m.Cost() > budget {
					collecting = false
					continue
				}
				used += m.Cost()
				take = append(take, &m)
				takeKeys = append(takeKeys, append([]byte(nil), k...))
			}
			if len(take) == 0 {
				remaining = total
				return nil
			}

			for _, k := range takeKeys {
				if err := ib.Delete(k); err != nil {
					return err
				}
			}
			leaseUntil := now.Add(s.timings.LeaseTTL)
			for _, m := range take {
				m.State = types.MessageInflight
				m.LeaseOwner = recipient
				m.LeaseUntil = leaseUntil
				m.Attempt++
				m.DeliveredAt = now
			}
			leased = take
			remaining = total - len(take)
			return nil
		})
	})
	return leased, remaining, err
}

// Ack is a no-op here: Lease already removed the rows from the inbox.
func (s *BoltStore) Ack(ctx context.Context, recipient string, msgIDs []string) error {
	return nil
}

func (s *BoltStore) Release(ctx context.Context, recipient string, msgs []*types.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	return s.retry.Do(ctx, func() error {
		db, err := s.openOwn(s.agentPath(recipient))
		if err != nil {
			return err
		}
		defer db.Close()

		return db.Update(func(tx *bolt.Tx) error {
			if err := ensureBuckets(tx); err != nil {
				return err
			}
			ib := tx.Bucket(bucketInbox)
			for _, m := range msgs {
				back := *m
				back.State = types.MessageQueued
				back.LeaseOwner = ""
				back.LeaseUntil = time.Time{}
				back.DeliveredAt = time.Time{}
				// same ts-prefixed key, so the row returns to its old slot
				if err := putJSON(ib, msgKey(&back), &back); err != nil {
					return err
				}
			}
			return nil
		})
	})
}

// RecoverExpiredLeases has nothing to do here: inbox rows are deleted at
// lease time, so no inflight state exists to age out.
func (s *BoltStore) RecoverExpiredLeases(ctx context.Context, now time.Time) (int, error) {
	return 0, nil
}

func (s *BoltStore) PruneMessages(ctx context.Context, olderThan time.Time) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to scan mail dir: %w", err)
	}

	// key prefix is the zero-padded nanosecond timestamp, so byte order
	// is age order and values never need decoding
	cutoff := []byte(fmt.Sprintf("%020d", olderThan.UnixNano()))
	pruned := 0
	for _, e := range entries {
		id, ok := agentIDFromFile(e.Name())
		if !ok {
			continue
		}
		n, err := s.pruneAgent(s.agentPath(id), cutoff)
		if err != nil {
			continue // locked file; the next cycle gets it
		}
		pruned += n
	}
	return pruned, nil
}

func (s *BoltStore) pruneAgent(path string, cutoff []byte) (int, error) {
	db, err := s.openShort(path)
	if err != nil {
		return 0, err
	}
	defer db.Close()

	n := 0
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketInbox, bucketOutbox} {
			b := tx.Bucket(name)
			if b == nil {
				continue
			}
			var dead [][]byte
			c := b.Cursor()
			for k, _ := c.First(); k != nil && bytes.Compare(k, cutoff) < 0; k, _ = c.Next() {
				dead = append(dead, append([]byte(nil), k...))
			}
			for _, k := range dead {
				if err := b.Delete(k); err != nil {
					return err
				}
				n++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (s *BoltStore) QueuedCount(ctx context.Context, recipient string) (int, error) {
	var count int
	err := s.retry.Do(ctx, func() error {
		count = 0
		db, err := s.peek(s.agentPath(recipient))
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		defer db.Close()

		return db.View(func(tx *bolt.Tx) error {
			if b := tx.Bucket(bucketInbox); b != nil {
				count = b.Stats().KeyN
			}
			return nil
		})
	})
	return count, err
}

// Leader lease operations

func (s *BoltStore) TryAcquireLeader(ctx context.Context, me *types.Peer, now time.Time, ttl time.Duration) (bool, error) {
	var acquired bool
	err := s.retry.Do(ctx, func() error {
		acquired = false
		db, err := s.openOwn(s.leaderPath())
		if err != nil {
			return err
		}
		defer db.Close()

		// the exclusive flock makes read-check-write atomic across processes
		return db.Update(func(tx *bolt.Tx) error {
			b, err := tx.CreateBucketIfNotExists(bucketLease)
			if err != nil {
				return err
			}
			if raw := b.Get([]byte(types.LeaderLeaseKey)); raw != nil {
				var cur types.LeaderLease
				if err := json.Unmarshal(raw, &cur); err == nil &&
					cur.OwnerID != "" && cur.OwnerID != me.ID && !cur.Expired(now) {
					return nil
				}
			}
			lease := types.LeaderLease{
				Key:        types.LeaderLeaseKey,
				OwnerID:    me.ID,
				Host:       me.Hostname,
				PID:        me.PID,
				LeaseUntil: now.Add(ttl),
				UpdatedAt:  now,
			}
			if err := putJSON(b, []byte(types.LeaderLeaseKey), &lease); err != nil {
				return err
			}
			acquired = true
			return nil
		})
	})
	return acquired, err
}

func (s *BoltStore) ReadLeader(ctx context.Context) (*types.LeaderLease, error) {
	var lease *types.LeaderLease
	err := s.retry.Do(ctx, func() error {
		lease = nil
		db, err := s.peek(s.leaderPath())
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		defer db.Close()

		return db.View(func(tx *bolt.Tx) error {
			b := tx.Bucket(bucketLease)
			if b == nil {
				return nil
			}
			raw := b.Get([]byte(types.LeaderLeaseKey))
			if raw == nil {
				return nil
			}
			var l types.LeaderLease
			if err := json.Unmarshal(raw, &l); err != nil {
				return fmt.Errorf("failed to decode leader lease: %w", err)
			}
			if l.OwnerID == "" {
				return nil
			}
			lease = &l
			return nil
		})
	})
	return lease, err
}

// Maintenance operations

// ForwardOutboxes drains each agent's oldest outbox rows into recipient
// inboxes. Broadcasts expand against the online snapshot here; a unicast to
// an offline target stays queued for a later pass or pruning. Inbox writes
// land before the outbox delete, and identical keys make any replay after a
// crash overwrite rather than duplicate.
func (s *BoltStore) ForwardOutboxes(ctx context.Context, now time.Time, online []string, batchLimit int) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to scan mail dir: %w", err)
	}
	onlineSet := make(map[string]bool, len(online))
	for _, id := range online {
		onlineSet[id] = true
	}

	moved := 0
	for _, e := range entries {
		sender, ok := agentIDFromFile(e.Name())
		if !ok {
			continue
		}
		n, err := s.forwardAgent(sender, onlineSet, batchLimit)
		if err != nil {
			continue // locked or torn; retried next pass
		}
		moved += n
	}
	return moved, nil
}

func (s *BoltStore) forwardAgent(sender string, online map[string]bool, batchLimit int) (int, error) {
	type staged struct {
		key []byte
		msg *types.Message
	}

	// snapshot the oldest rows without holding the sender's lock during fan-out
	var batch []staged
	db, err := s.peek(s.agentPath(sender))
	if err != nil {
		return 0, err
	}
	err = db.View(func(tx *bolt.Tx) error {
		ob := tx.Bucket(bucketOutbox)
		if ob == nil {
			return nil
		}
		c := ob.Cursor()
		for k, v := c.First(); k != nil && len(batch) < batchLimit; k, v = c.Next() {
			var m types.Message
			if err := json.Unmarshal(v, &m); err != nil {
				continue
			}
			batch = append(batch, staged{key: append([]byte(nil), k...), msg: &m})
		}
		return nil
	})
	db.Close()
	if err != nil || len(batch) == 0 {
		return 0, err
	}

	var deliveredKeys [][]byte
	for _, st := range batch {
		if s.deliver(st.msg, sender, online) {
			deliveredKeys = append(deliveredKeys, st.key)
		}
	}
	if len(deliveredKeys) == 0 {
		return 0, nil
	}

	wdb, err := s.openShort(s.agentPath(sender))
	if err != nil {
		return 0, err // inbox writes stand; identical keys absorb the replay
	}
	defer wdb.Close()
	err = wdb.Update(func(tx *bolt.Tx) error {
		ob := tx.Bucket(bucketOutbox)
		if ob == nil {
			return nil
		}
		for _, k := range deliveredKeys {
			if err := ob.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(deliveredKeys), nil
}

// deliver writes one outbox row into every target inbox, reporting whether
// the row may be dropped from the outbox.
func (s *BoltStore) deliver(m *types.Message, sender string, online map[string]bool) bool {
	var targets []string
	if m.To == types.BroadcastTarget {
		for id := range online {
			if id != sender {
				targets = append(targets, id)
			}
		}
		if len(targets) == 0 {
			return false
		}
	} else {
		if !online[m.To] {
			return false
		}
		targets = []string{m.To}
	}

	for _, target := range targets {
		if err := s.appendInbox(target, m); err != nil {
			return false
		}
	}
	return true
}

func (s *BoltStore) appendInbox(target string, m *types.Message) error {
	path := s.agentPath(target)
	// never resurrect a mailbox the reaper just removed
	if _, err := os.Stat(path); err != nil {
		return err
	}
	db, err := s.openShort(path)
	if err != nil {
		return err
	}
	defer db.Close()

	return db.Update(func(tx *bolt.Tx) error {
		if err := ensureBuckets(tx); err != nil {
			return err
		}
		in := *m
		in.To = target
		in.State = types.MessageQueued
		return putJSON(tx.Bucket(bucketInbox), msgKey(&in), &in)
	})
}

// Checkpoint is a shared-variant duty; Bolt files have no journal to fold.
func (s *BoltStore) Checkpoint(ctx context.Context) error {
	return nil
}
