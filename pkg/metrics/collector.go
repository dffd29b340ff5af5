package metrics

import (
	"context"
	"time"
)

// Snapshot is the fleet view the collector publishes as gauges. It is
// deliberately a plain struct so providers do not import prometheus.
type Snapshot struct {
	PeersOnline  int
	PeersWaiting int
	InboxQueued  int
	IsLeader     bool
}

// SnapshotFunc produces the current fleet view. The bridge implements it by
// scanning the pool store.
type SnapshotFunc func(ctx context.Context) (Snapshot, error)

// Collector periodically polls a snapshot provider and exports the result.
type Collector struct {
	snapshot SnapshotFunc
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a collector polling snapshot every interval.
func NewCollector(snapshot SnapshotFunc, interval time.Duration) *Collector {
	return &Collector{
		snapshot: snapshot,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting in the background.
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	snap, err := c.snapshot(ctx)
	if err != nil {
		return // the pool may be briefly locked; the next tick retries
	}

	PeersOnline.Set(float64(snap.PeersOnline))
	PeersWaiting.Set(float64(snap.PeersWaiting))
	InboxQueued.Set(float64(snap.InboxQueued))
	if snap.IsLeader {
		IsLeader.Set(1)
	} else {
		IsLeader.Set(0)
	}
}
