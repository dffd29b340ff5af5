//go:build cgo

package storage

import (
	"errors"

	"github.com/mattn/go-sqlite3"
	bolt "go.etcd.io/bbolt"
)

// IsRetryable classifies transient contention: SQLite busy/locked return
// codes and Bolt flock timeouts. Everything else is terminal for the op.
func IsRetryable(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return errors.Is(err, bolt.ErrTimeout)
}
