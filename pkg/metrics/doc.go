/*
Package metrics provides Prometheus metrics collection and exposition for Partyline.

The metrics package defines and registers all Partyline metrics using the
Prometheus client library, providing observability into fleet membership,
message flow, janitor duties, and store contention. Metrics are exposed via
HTTP endpoint for scraping by Prometheus servers, and a small health registry
backs the /health and /ready endpoints.

# Architecture

	┌──────────────────── METRICS SYSTEM ──────────────────────┐
	│                                                           │
	│  ┌────────────────────────────────────────────┐           │
	│  │          Prometheus Registry               │           │
	│  │  - Global DefaultRegistry                  │           │
	│  │  - MustRegister at package init            │           │
	│  │  - Automatic Go runtime metrics            │           │
	│  └──────────────────┬─────────────────────────┘           │
	│                     │                                     │
	│  ┌──────────────────▼─────────────────────────┐           │
	│  │           Metric Categories                │           │
	│  │                                            │           │
	│  │  Fleet: online peers, waiting peers        │           │
	│  │  Delivery: sent, delivered, released       │           │
	│  │  Receive: batch size, wait time            │           │
	│  │  Janitor: leader status, reaps, forwards   │           │
	│  │  Store: busy retries                       │           │
	│  └──────────────────┬─────────────────────────┘           │
	│                     │                                     │
	│  ┌──────────────────▼─────────────────────────┐           │
	│  │              Collector                     │           │
	│  │  - Periodically snapshots the pool store   │           │
	│  │  - Sets fleet gauges from the snapshot     │           │
	│  └──────────────────┬─────────────────────────┘           │
	│                     │                                     │
	│  ┌──────────────────▼─────────────────────────┐           │
	│  │          HTTP Metrics Endpoint             │           │
	│  │  - Path: /metrics                          │           │
	│  │  - Format: Prometheus text exposition      │           │
	│  │  - Handler: promhttp.Handler()             │           │
	│  └────────────────────────────────────────────┘           │
	└───────────────────────────────────────────────────────────┘

# Metrics Catalog

Fleet Metrics:

partyline_peers_online:
  - Type: Gauge
  - Description: Agents with a heartbeat inside the liveness TTL
  - Example: partyline_peers_online 4

partyline_peers_waiting:
  - Type: Gauge
  - Description: Online agents currently blocked in a receive call

partyline_inbox_queued:
  - Type: Gauge
  - Description: Messages queued for this agent and not yet leased

Delivery Metrics:

partyline_messages_sent_total{kind}:
  - Type: Counter
  - Description: Messages enqueued by this agent
  - Labels: kind (broadcast, direct)

partyline_messages_delivered_total:
  - Type: Counter
  - Description: Messages leased, rendered and acknowledged by this agent

partyline_messages_released_total:
  - Type: Counter
  - Description: Leased messages returned to the queue when a receive
    was cancelled before the batch was handed over

partyline_recv_batch_messages:
  - Type: Histogram
  - Description: Messages per delivered receive batch
  - Buckets: 1, 2, 5, 10, 25, 50, 100

partyline_recv_wait_seconds:
  - Type: Histogram
  - Description: Time blocked in receive before messages arrived
  - Buckets: 0.25, 1, 5, 15, 60, 300, 1800

partyline_send_confirm_seconds:
  - Type: Histogram
  - Description: Time from enqueue to dispatch confirmation
  - Buckets: 0.05, 0.1, 0.25, 0.5, 1, 2

Janitor Metrics:

partyline_is_leader:
  - Type: Gauge
  - Description: Whether this process holds the janitor lease (1 = leader)

partyline_leader_elections_total:
  - Type: Counter
  - Description: Times this process won the janitor lease from cold

partyline_peers_reaped_total{reason}:
  - Type: Counter
  - Description: Agent records removed by the janitor
  - Labels: reason (dead_pid, ttl_expired)

partyline_messages_forwarded_total:
  - Type: Counter
  - Description: Outbox rows moved into recipient inboxes by the leader

partyline_messages_pruned_total:
  - Type: Counter
  - Description: Messages deleted after exceeding their retention age

partyline_leases_recovered_total:
  - Type: Counter
  - Description: Expired inflight messages returned to queued

partyline_deadlock_alerts_total:
  - Type: Counter
  - Description: All-agents-waiting alerts raised by the janitor

Store Metrics:

partyline_store_retries_total:
  - Type: Counter
  - Description: Busy or locked store operations that entered backoff

# Usage

Updating metrics:

	import "github.com/agentry/partyline/pkg/metrics"

	metrics.MessagesSent.WithLabelValues("broadcast").Inc()
	metrics.PeersOnline.Set(4)
	metrics.RecvBatchSize.Observe(float64(len(batch)))

Timing an operation:

	timer := metrics.NewTimer()
	// ... block in receive ...
	timer.ObserveDuration(metrics.RecvWaitSeconds)

Running the collector:

	c := metrics.NewCollector(snapshotFn, 15*time.Second)
	c.Start()
	defer c.Stop()

Exposing the endpoints:

	http.Handle("/metrics", metrics.Handler())
	http.HandleFunc("/health", metrics.HealthHandler())
	http.HandleFunc("/ready", metrics.ReadyHandler())
	http.HandleFunc("/live", metrics.LivenessHandler())

Reporting component health:

	metrics.SetVersion("1.0.0")
	metrics.RegisterComponent("store", true, "")
	metrics.UpdateComponent("identity", false, "id pool exhausted")

# Health and Readiness

The health registry tracks named components reported by the rest of the
process. /health returns 503 when any component is unhealthy. /ready returns
503 until the critical components ("store" and "identity") have registered
healthy: a process that cannot open the pool store or claim an agent id
cannot participate and should not be considered up.

# Design Patterns

Package Init Registration:
  - All metrics registered in init() function
  - MustRegister panics on duplicate registration
  - Ensures metrics available before main()

Label Discipline:
  - Labels are bounded enumerations (kind, reason)
  - Agent ids and message ids never appear as labels

Collector Pattern:
  - Fleet gauges are derived state owned by the store
  - A single Collector goroutine snapshots them on an interval
  - A failed snapshot skips the tick instead of stopping the loop

# Performance Characteristics

Metric Update Overhead:
  - Gauge set/inc: ~50ns per operation
  - Counter inc: ~50ns per operation
  - Histogram observe: ~200ns per operation
  - Negligible against store round trips

Collector Overhead:
  - One store snapshot per interval (default 15s)
  - Snapshot cost: one peer scan plus one queue count

# Troubleshooting

Missing Metrics:
  - Symptom: Metric not appearing in /metrics output
  - Check: Metric registered in init() function
  - Check: Process started with a metrics address configured

Fleet Gauges Stuck at Zero:
  - Symptom: partyline_peers_online stays 0 with agents running
  - Cause: Collector not started, or snapshot function failing
  - Check: Logs for snapshot errors; /ready for store health

Readiness Never Green:
  - Symptom: /ready returns 503 indefinitely
  - Cause: Identity claim failing (id pool exhausted, stale root)
  - Check: /ready response body names the waiting component

# See Also

  - Prometheus client library: https://github.com/prometheus/client_golang
  - Histogram best practices: https://prometheus.io/docs/practices/histograms/
*/
package metrics
