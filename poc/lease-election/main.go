package main

import (
	"database/sql"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Proves out the janitor election approach: a single lease row in a shared
// SQLite file, acquired and renewed with compare-and-swap updates. Run it
// and watch ownership move as holders stall past the TTL.

const schema = `
CREATE TABLE IF NOT EXISTS leader_lease (
	key TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL,
	lease_until REAL NOT NULL
);`

func main() {
	var (
		contenders = flag.Int("n", 5, "Number of contenders")
		ttl        = flag.Duration("ttl", 2*time.Second, "Lease TTL")
		renew      = flag.Duration("renew", 500*time.Millisecond, "Renew cadence")
		runFor     = flag.Duration("for", 15*time.Second, "How long to run")
		dbPath     = flag.String("db", "", "Database path (defaults to temp)")
	)
	flag.Parse()

	if *dbPath == "" {
		*dbPath = filepath.Join(os.TempDir(), "lease-election.db")
		os.Remove(*dbPath)
	}

	db, err := sql.Open("sqlite3", *dbPath+"?_journal_mode=WAL&_busy_timeout=2000")
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	if _, err := db.Exec(schema); err != nil {
		log.Fatalf("Failed to create schema: %v", err)
	}

	log.Printf("Racing %d contenders for one lease (ttl=%v renew=%v)", *contenders, *ttl, *renew)

	stop := time.After(*runFor)
	var wg sync.WaitGroup
	for i := 0; i < *contenders; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			contend(db, id, *ttl, *renew, stop)
		}(fmt.Sprintf("node%d", i+1))
	}
	wg.Wait()
	log.Println("Done")
}

func contend(db *sql.DB, id string, ttl, renew time.Duration, stop <-chan time.Time) {
	leader := false
	ticker := time.NewTicker(renew)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		// Simulated stalls give the others a chance to steal.
		if leader && rand.Intn(20) == 0 {
			log.Printf("[%s] stalling past the TTL", id)
			time.Sleep(ttl + renew)
		}

		won, err := tryAcquire(db, id, ttl)
		if err != nil {
			log.Printf("[%s] acquire failed: %v", id, err)
			continue
		}
		if won && !leader {
			log.Printf("[%s] became leader", id)
		}
		if !won && leader {
			log.Printf("[%s] lost the lease", id)
		}
		leader = won
	}
}

// tryAcquire is the CAS at the heart of the design: insert if vacant,
// update only when the caller already owns the row or the lease expired.
func tryAcquire(db *sql.DB, id string, ttl time.Duration) (bool, error) {
	now := float64(time.Now().UnixNano()) / 1e9
	until := now + ttl.Seconds()

	res, err := db.Exec(`
		INSERT INTO leader_lease (key, owner_id, lease_until) VALUES ('janitor', ?, ?)
		ON CONFLICT(key) DO UPDATE SET owner_id=excluded.owner_id, lease_until=excluded.lease_until
		WHERE leader_lease.owner_id = excluded.owner_id OR leader_lease.lease_until < ?`,
		id, until, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
