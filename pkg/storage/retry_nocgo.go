//go:build !cgo

package storage

import (
	"errors"

	bolt "go.etcd.io/bbolt"
)

// IsRetryable classifies transient contention. Without cgo the sqlite3
// driver is a stub that cannot produce sqlite3.Error values, so only Bolt
// flock timeouts are transient. Everything else is terminal for the op.
func IsRetryable(err error) bool {
	return errors.Is(err, bolt.ErrTimeout)
}
