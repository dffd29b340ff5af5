package main

import (
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Answers the question the shared store hinges on: how does one SQLite
// file in WAL mode behave with many connections appending at once, and
// how much does busy_timeout help. Compare:
//
//	go run . -writers 8 -busy 0
//	go run . -writers 8 -busy 2000

func main() {
	var (
		writers = flag.Int("writers", 8, "Concurrent writers")
		rows    = flag.Int("rows", 2000, "Rows per writer")
		busyMS  = flag.Int("busy", 0, "busy_timeout in milliseconds (0 = none)")
	)
	flag.Parse()

	path := filepath.Join(os.TempDir(), "wal-contention.db")
	os.Remove(path)
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=%d", path, *busyMS)

	setup, err := sql.Open("sqlite3", dsn)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	if _, err := setup.Exec(`CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		writer TEXT NOT NULL,
		n INTEGER NOT NULL,
		ts REAL NOT NULL
	)`); err != nil {
		log.Fatalf("Failed to create schema: %v", err)
	}
	setup.Close()

	log.Printf("%d writers x %d rows, busy_timeout=%dms", *writers, *rows, *busyMS)

	start := time.Now()
	var busy atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < *writers; i++ {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			write(dsn, name, *rows, &busy)
		}(fmt.Sprintf("w%d", i+1))
	}
	wg.Wait()

	elapsed := time.Since(start)
	total := *writers * *rows
	log.Printf("%d rows in %v (%.0f rows/s), %d busy retries",
		total, elapsed.Round(time.Millisecond), float64(total)/elapsed.Seconds(), busy.Load())
}

// write opens its own handle capped at one connection, standing in for a
// separate process holding the file open.
func write(dsn, name string, rows int, busy *atomic.Int64) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		log.Fatalf("[%s] open failed: %v", name, err)
	}
	defer db.Close()
	db.SetMaxOpenConns(1)

	for n := 0; n < rows; n++ {
		for {
			_, err := db.Exec(`INSERT INTO messages (writer, n, ts) VALUES (?, ?, ?)`,
				name, n, float64(time.Now().UnixNano())/1e9)
			if err == nil {
				break
			}
			msg := err.Error()
			if strings.Contains(msg, "locked") || strings.Contains(msg, "busy") {
				busy.Add(1)
				time.Sleep(time.Millisecond)
				continue
			}
			log.Fatalf("[%s] insert failed: %v", name, err)
		}
	}
}
