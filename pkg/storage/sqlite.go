package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/agentry/partyline/pkg/pool"
	"github.com/agentry/partyline/pkg/types"
)

// schema is idempotent; every process applies it on open. Times are stored
// as Unix seconds (REAL) so external producers in any language can write
// compatible rows.
const schema = `
CREATE TABLE IF NOT EXISTS peers (
	id TEXT PRIMARY KEY,
	pid INTEGER NOT NULL,
	hostname TEXT NOT NULL DEFAULT '',
	cwd TEXT NOT NULL DEFAULT '',
	last_seen REAL NOT NULL,
	mode TEXT NOT NULL DEFAULT 'working',
	mode_since REAL NOT NULL DEFAULT 0,
	recv_started REAL NOT NULL DEFAULT 0,
	recv_deadline REAL NOT NULL DEFAULT 0,
	recv_wait_seconds INTEGER NOT NULL DEFAULT 0,
	recv_last_touch REAL NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS messages (
	msg_id TEXT PRIMARY KEY,
	ts REAL NOT NULL,
	ts_str TEXT NOT NULL DEFAULT '',
	from_user TEXT NOT NULL,
	to_user TEXT NOT NULL,
	content TEXT NOT NULL,
	state TEXT NOT NULL DEFAULT 'queued',
	lease_owner TEXT NOT NULL DEFAULT '',
	lease_until REAL NOT NULL DEFAULT 0,
	attempt INTEGER NOT NULL DEFAULT 0,
	delivered_at REAL NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_messages_recipient ON messages(to_user, state, ts);
CREATE INDEX IF NOT EXISTS idx_messages_ts ON messages(ts);

CREATE TABLE IF NOT EXISTS leader_lease (
	key TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL DEFAULT '',
	host TEXT NOT NULL DEFAULT '',
	pid INTEGER NOT NULL DEFAULT 0,
	lease_until REAL NOT NULL DEFAULT 0,
	updated_at REAL NOT NULL DEFAULT 0
);
`

// SQLiteStore implements Store on one shared WAL-mode database file that
// every peer process opens directly.
type SQLiteStore struct {
	db      *sql.DB
	timings types.Timings
	retry   retryPolicy
}

// NewSQLiteStore opens (creating if needed) the shared store under root.
func NewSQLiteStore(root string, timings types.Timings) (*SQLiteStore, error) {
	dbPath := pool.SharedDBPath(root)
	dsn := dbPath + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_txlock=immediate"

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One connection per process: in-process callers serialize here instead
	// of fighting each other for the file lock; cross-process contention is
	// what busy_timeout and the retry policy are for.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &SQLiteStore{
		db:      db,
		timings: timings,
		retry:   newRetryPolicy(timings),
	}, nil
}

func (s *SQLiteStore) Variant() types.StoreVariant {
	return types.VariantShared
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// epoch conversions: zero time <-> 0.

func toEpoch(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.UnixNano()) / 1e9
}

func fromEpoch(f float64) time.Time {
	if f == 0 {
		return time.Time{}
	}
	sec := int64(f)
	nsec := int64((f - float64(sec)) * 1e9)
	return time.Unix(sec, nsec)
}

// Peer operations

func (s *SQLiteStore) ClaimPeer(ctx context.Context, peer *types.Peer, staleCutoff time.Time) error {
	return s.retry.Do(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		var lastSeen float64
		err = tx.QueryRowContext(ctx, `SELECT last_seen FROM peers WHERE id = ?`, peer.ID).Scan(&lastSeen)
		switch {
		case err == sql.ErrNoRows:
			_, err = tx.ExecContext(ctx, `
				INSERT INTO peers (id, pid, hostname, cwd, last_seen, mode, mode_since)
				VALUES (?, ?, ?, ?, ?, ?, ?)`,
				peer.ID, peer.PID, peer.Hostname, peer.CWD,
				toEpoch(peer.LastSeen), string(peer.Mode), toEpoch(peer.ModeSince))
			if err != nil {
				return err
			}
		case err != nil:
			return err
		default:
			if lastSeen >= toEpoch(staleCutoff) {
				return fmt.Errorf("peer %s: %w", peer.ID, ErrIDTaken)
			}
			res, err := tx.ExecContext(ctx, `
				UPDATE peers SET pid = ?, hostname = ?, cwd = ?, last_seen = ?,
					mode = ?, mode_since = ?, recv_started = 0, recv_deadline = 0,
					recv_wait_seconds = 0, recv_last_touch = 0
				WHERE id = ? AND last_seen < ?`,
				peer.PID, peer.Hostname, peer.CWD, toEpoch(peer.LastSeen),
				string(peer.Mode), toEpoch(peer.ModeSince),
				peer.ID, toEpoch(staleCutoff))
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			if n == 0 {
				// revived between our read and the conditional write
				return fmt.Errorf("peer %s: %w", peer.ID, ErrIDTaken)
			}
			// the stale holder's pending mail dies with its session
			if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE to_user = ?`, peer.ID); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

func (s *SQLiteStore) GetPeer(ctx context.Context, id string) (*types.Peer, error) {
	var p *types.Peer
	err := s.retry.Do(ctx, func() error {
		row := s.db.QueryRowContext(ctx, `
			SELECT id, pid, hostname, cwd, last_seen, mode, mode_since,
				recv_started, recv_deadline, recv_wait_seconds, recv_last_touch
			FROM peers WHERE id = ?`, id)
		peer, err := scanPeer(row)
		if err == sql.ErrNoRows {
			return fmt.Errorf("peer %s: %w", id, ErrNotFound)
		}
		if err != nil {
			return err
		}
		p = peer
		return nil
	})
	return p, err
}

func (s *SQLiteStore) ListPeers(ctx context.Context) ([]*types.Peer, error) {
	var peers []*types.Peer
	err := s.retry.Do(ctx, func() error {
		rows, err := s.db.QueryContext(ctx, `
			SELECT id, pid, hostname, cwd, last_seen, mode, mode_since,
				recv_started, recv_deadline, recv_wait_seconds, recv_last_touch
			FROM peers ORDER BY id`)
		if err != nil {
			return err
		}
		defer rows.Close()

		peers = peers[:0]
		for rows.Next() {
			p, err := scanPeer(rows)
			if err != nil {
				return err
			}
			peers = append(peers, p)
		}
		return rows.Err()
	})
	return peers, err
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanPeer(sc scanner) (*types.Peer, error) {
	var p types.Peer
	var lastSeen, modeSince, recvStarted, recvDeadline, touch float64
	var mode string
	err := sc.Scan(&p.ID, &p.PID, &p.Hostname, &p.CWD, &lastSeen, &mode, &modeSince,
		&recvStarted, &recvDeadline, &p.RecvWaitSeconds, &touch)
	if err != nil {
		return nil, err
	}
	p.LastSeen = fromEpoch(lastSeen)
	p.Mode = types.AgentMode(mode)
	p.ModeSince = fromEpoch(modeSince)
	p.RecvStarted = fromEpoch(recvStarted)
	p.RecvDeadline = fromEpoch(recvDeadline)
	p.RecvLastTouch = fromEpoch(touch)
	return &p, nil
}

func (s *SQLiteStore) Heartbeat(ctx context.Context, peer *types.Peer, now time.Time) error {
	return s.retry.Do(ctx, func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE peers SET last_seen = ?, cwd = ? WHERE id = ?`,
			toEpoch(now), peer.CWD, peer.ID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n > 0 {
			return nil
		}
		// row got reaped out from under a live session; put it back
		_, err = s.db.ExecContext(ctx, `
			INSERT OR REPLACE INTO peers (id, pid, hostname, cwd, last_seen, mode, mode_since)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			peer.ID, peer.PID, peer.Hostname, peer.CWD,
			toEpoch(now), string(types.ModeWorking), toEpoch(now))
		return err
	})
}

func (s *SQLiteStore) SetWaiting(ctx context.Context, id string, started, deadline time.Time, waitSeconds int) error {
	return s.retry.Do(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE peers SET mode = ?, mode_since = ?, recv_started = ?,
				recv_deadline = ?, recv_wait_seconds = ?, recv_last_touch = ?
			WHERE id = ?`,
			string(types.ModeWaiting), toEpoch(started), toEpoch(started),
			toEpoch(deadline), waitSeconds, toEpoch(started), id)
		return err
	})
}

func (s *SQLiteStore) TouchRecv(ctx context.Context, id string, now time.Time) error {
	return s.retry.Do(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE peers SET recv_last_touch = ? WHERE id = ?`, toEpoch(now), id)
		return err
	})
}

func (s *SQLiteStore) ClearWaiting(ctx context.Context, id string, now time.Time) error {
	return s.retry.Do(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE peers SET mode = ?, mode_since = ?, recv_started = 0,
				recv_deadline = 0, recv_wait_seconds = 0, recv_last_touch = 0
			WHERE id = ?`,
			string(types.ModeWorking), toEpoch(now), id)
		return err
	})
}

func (s *SQLiteStore) ClearStaleWaiting(ctx context.Context, now time.Time) (int, error) {
	var cleared int
	err := s.retry.Do(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE peers SET mode = ?, mode_since = ?, recv_started = 0,
				recv_deadline = 0, recv_wait_seconds = 0, recv_last_touch = 0
			WHERE mode = ? AND recv_deadline > 0 AND recv_deadline < ?`,
			string(types.ModeWorking), toEpoch(now),
			string(types.ModeWaiting), toEpoch(now))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		cleared = int(n)
		return err
	})
	return cleared, err
}

func (s *SQLiteStore) RenamePeer(ctx context.Context, oldID, newID string, staleCutoff time.Time) error {
	return s.retry.Do(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		var lastSeen float64
		err = tx.QueryRowContext(ctx, `SELECT last_seen FROM peers WHERE id = ?`, newID).Scan(&lastSeen)
		switch {
		case err == sql.ErrNoRows:
			// target free
		case err != nil:
			return err
		default:
			if lastSeen >= toEpoch(staleCutoff) {
				return fmt.Errorf("peer %s: %w", newID, ErrIDTaken)
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM peers WHERE id = ?`, newID); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE to_user = ?`, newID); err != nil {
				return err
			}
		}

		res, err := tx.ExecContext(ctx, `UPDATE peers SET id = ? WHERE id = ?`, newID, oldID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("peer %s: %w", oldID, ErrNotFound)
		}

		// queued and held mail follows the session to its new name
		if _, err := tx.ExecContext(ctx, `UPDATE messages SET to_user = ? WHERE to_user = ?`, newID, oldID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE messages SET lease_owner = ? WHERE lease_owner = ? AND state = ?`,
			newID, oldID, string(types.MessageInflight)); err != nil {
			return err
		}
		return tx.Commit()
	})
}

func (s *SQLiteStore) DeletePeer(ctx context.Context, id string) error {
	return s.retry.Do(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM peers WHERE id = ?`, id)
		return err
	})
}

// Message operations

func (s *SQLiteStore) Enqueue(ctx context.Context, msgs []*types.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	return s.retry.Do(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO messages (msg_id, ts, ts_str, from_user, to_user, content, state)
			VALUES (?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, m := range msgs {
			if _, err := stmt.ExecContext(ctx, m.MsgID, toEpoch(m.TS), m.TSStr,
				m.From, m.To, m.Content, string(types.MessageQueued)); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

// AwaitDispatch is immediate in the shared variant: enqueue already placed
// one row per recipient.
func (s *SQLiteStore) AwaitDispatch(ctx context.Context, sender string, msgIDs []string, deadline time.Time) (int, error) {
	return len(msgIDs), nil
}

func (s *SQLiteStore) Lease(ctx context.Context, recipient string, now time.Time, budget int) ([]*types.Message, int, error) {
	var (
		leased    []*types.Message
		remaining int
	)
	err := s.retry.Do(ctx, func() error {
		leased, remaining = nil, 0

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		// self-recovery: expired inflight rows become leasable again
		if _, err := tx.ExecContext(ctx, `
			UPDATE messages SET state = ?, lease_owner = '', lease_until = 0
			WHERE to_user = ? AND state = ? AND lease_until < ?`,
			string(types.MessageQueued), recipient,
			string(types.MessageInflight), toEpoch(now)); err != nil {
			return err
		}

		rows, err := tx.QueryContext(ctx, `
			SELECT msg_id, ts, ts_str, from_user, to_user, content, attempt
			FROM messages WHERE to_user = ? AND state = ?
			ORDER BY ts ASC LIMIT ?`,
			recipient, string(types.MessageQueued), s.timings.LeaseScanLimit)
		if err != nil {
			return err
		}
		candidates, err := collectMessages(rows)
		if err != nil {
			return err
		}
		if len(candidates) == 0 {
			return tx.Commit()
		}

		// pack against the budget; the first message always fits
		used := 0
		var take []*types.Message
		for _, m := range candidates {
			if len(take) > 0 && used+m.Cost() > budget {
				break
			}
			used += m.Cost()
			take = append(take, m)
		}

		ids := make([]string, len(take))
		leaseUntil := now.Add(s.timings.LeaseTTL)
		for i, m := range take {
			ids[i] = m.MsgID
			m.State = types.MessageInflight
			m.LeaseOwner = recipient
			m.LeaseUntil = leaseUntil
			m.Attempt++
			m.DeliveredAt = now
		}

		query := fmt.Sprintf(`
			UPDATE messages SET state = ?, lease_owner = ?, lease_until = ?,
				attempt = attempt + 1, delivered_at = ?
			WHERE state = ? AND msg_id IN (%s)`, placeholders(len(ids)))
		args := []any{string(types.MessageInflight), recipient, toEpoch(leaseUntil),
			toEpoch(now), string(types.MessageQueued)}
		for _, id := range ids {
			args = append(args, id)
		}
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if int(n) != len(ids) {
			// cannot happen inside an immediate transaction; bail loudly
			return fmt.Errorf("lease transition claimed %d of %d rows", n, len(ids))
		}

		if err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM messages WHERE to_user = ? AND state = ?`,
			recipient, string(types.MessageQueued)).Scan(&remaining); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		leased = take
		return nil
	})
	return leased, remaining, err
}

func collectMessages(rows *sql.Rows) ([]*types.Message, error) {
	defer rows.Close()
	var msgs []*types.Message
	for rows.Next() {
		var (
			m  types.Message
			ts float64
		)
		if err := rows.Scan(&m.MsgID, &ts, &m.TSStr, &m.From, &m.To, &m.Content, &m.Attempt); err != nil {
			return nil, err
		}
		m.TS = fromEpoch(ts)
		m.State = types.MessageQueued
		msgs = append(msgs, &m)
	}
	return msgs, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func (s *SQLiteStore) Ack(ctx context.Context, recipient string, msgIDs []string) error {
	if len(msgIDs) == 0 {
		return nil
	}
	return s.retry.Do(ctx, func() error {
		query := fmt.Sprintf(`
			DELETE FROM messages WHERE state = ? AND lease_owner = ? AND msg_id IN (%s)`,
			placeholders(len(msgIDs)))
		args := []any{string(types.MessageInflight), recipient}
		for _, id := range msgIDs {
			args = append(args, id)
		}
		_, err := s.db.ExecContext(ctx, query, args...)
		return err
	})
}

func (s *SQLiteStore) Release(ctx context.Context, recipient string, msgs []*types.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	return s.retry.Do(ctx, func() error {
		query := fmt.Sprintf(`
			UPDATE messages SET state = ?, lease_owner = '', lease_until = 0
			WHERE state = ? AND lease_owner = ? AND msg_id IN (%s)`,
			placeholders(len(msgs)))
		args := []any{string(types.MessageQueued), string(types.MessageInflight), recipient}
		for _, m := range msgs {
			args = append(args, m.MsgID)
		}
		_, err := s.db.ExecContext(ctx, query, args...)
		return err
	})
}

func (s *SQLiteStore) RecoverExpiredLeases(ctx context.Context, now time.Time) (int, error) {
	var recovered int
	err := s.retry.Do(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE messages SET state = ?, lease_owner = '', lease_until = 0
			WHERE state = ? AND lease_until < ?`,
			string(types.MessageQueued), string(types.MessageInflight), toEpoch(now))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		recovered = int(n)
		return err
	})
	return recovered, err
}

func (s *SQLiteStore) PruneMessages(ctx context.Context, olderThan time.Time) (int, error) {
	var pruned int
	err := s.retry.Do(ctx, func() error {
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM messages WHERE ts < ?`, toEpoch(olderThan))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		pruned = int(n)
		return err
	})
	return pruned, err
}

func (s *SQLiteStore) QueuedCount(ctx context.Context, recipient string) (int, error) {
	var count int
	err := s.retry.Do(ctx, func() error {
		return s.db.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM messages WHERE to_user = ? AND state = ?`,
			recipient, string(types.MessageQueued)).Scan(&count)
	})
	return count, err
}

// Leader lease operations

func (s *SQLiteStore) TryAcquireLeader(ctx context.Context, me *types.Peer, now time.Time, ttl time.Duration) (bool, error) {
	var acquired bool
	err := s.retry.Do(ctx, func() error {
		acquired = false

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO leader_lease (key, owner_id, host, pid, lease_until, updated_at)
			VALUES (?, '', '', 0, 0, 0)`, types.LeaderLeaseKey); err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE leader_lease SET owner_id = ?, host = ?, pid = ?, lease_until = ?, updated_at = ?
			WHERE key = ? AND (lease_until < ? OR owner_id = ?)`,
			me.ID, me.Hostname, me.PID, toEpoch(now.Add(ttl)), toEpoch(now),
			types.LeaderLeaseKey, toEpoch(now), me.ID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		acquired = n == 1
		return nil
	})
	return acquired, err
}

func (s *SQLiteStore) ReadLeader(ctx context.Context) (*types.LeaderLease, error) {
	var lease *types.LeaderLease
	err := s.retry.Do(ctx, func() error {
		var (
			l                     types.LeaderLease
			leaseUntil, updatedAt float64
		)
		err := s.db.QueryRowContext(ctx, `
			SELECT key, owner_id, host, pid, lease_until, updated_at
			FROM leader_lease WHERE key = ?`, types.LeaderLeaseKey).
			Scan(&l.Key, &l.OwnerID, &l.Host, &l.PID, &leaseUntil, &updatedAt)
		if err == sql.ErrNoRows {
			lease = nil
			return nil
		}
		if err != nil {
			return err
		}
		if l.OwnerID == "" {
			lease = nil // seeded but never held
			return nil
		}
		l.LeaseUntil = fromEpoch(leaseUntil)
		l.UpdatedAt = fromEpoch(updatedAt)
		lease = &l
		return nil
	})
	return lease, err
}

// Maintenance operations

// ForwardOutboxes is a mailbox-variant duty; the shared store fans out at
// enqueue and has nothing to move.
func (s *SQLiteStore) ForwardOutboxes(ctx context.Context, now time.Time, online []string, batchLimit int) (int, error) {
	return 0, nil
}

func (s *SQLiteStore) Checkpoint(ctx context.Context) error {
	return s.retry.Do(ctx, func() error {
		if _, err := s.db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
			return err
		}
		_, err := s.db.ExecContext(ctx, `PRAGMA optimize`)
		return err
	})
}
