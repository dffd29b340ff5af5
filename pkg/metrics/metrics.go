package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Fleet metrics
	PeersOnline = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "partyline_peers_online",
			Help: "Number of agents with a fresh heartbeat",
		},
	)

	PeersWaiting = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "partyline_peers_waiting",
			Help: "Number of online agents blocked in receive",
		},
	)

	InboxQueued = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "partyline_inbox_queued",
			Help: "Messages currently queued for this agent",
		},
	)

	// Delivery metrics
	MessagesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "partyline_messages_sent_total",
			Help: "Messages enqueued by this agent, by addressing kind",
		},
		[]string{"kind"},
	)

	MessagesDelivered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "partyline_messages_delivered_total",
			Help: "Messages leased, formatted and acknowledged by this agent",
		},
	)

	MessagesReleased = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "partyline_messages_released_total",
			Help: "Leased messages returned to the queue on cancellation",
		},
	)

	RecvBatchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "partyline_recv_batch_messages",
			Help:    "Messages per delivered receive batch",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100},
		},
	)

	RecvWaitSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "partyline_recv_wait_seconds",
			Help:    "Time spent blocked in receive before messages arrived",
			Buckets: []float64{0.25, 1, 5, 15, 60, 300, 1800},
		},
	)

	SendConfirmSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "partyline_send_confirm_seconds",
			Help:    "Time from enqueue to dispatch confirmation",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2},
		},
	)

	// Janitor metrics
	IsLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "partyline_is_leader",
			Help: "Whether this process holds the janitor lease (1 = leader)",
		},
	)

	LeaderElections = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "partyline_leader_elections_total",
			Help: "Times this process won the janitor lease from cold",
		},
	)

	PeersReaped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "partyline_peers_reaped_total",
			Help: "Agent records removed by the janitor, by reason",
		},
		[]string{"reason"},
	)

	MessagesForwarded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "partyline_messages_forwarded_total",
			Help: "Outbox rows moved into recipient inboxes by the leader",
		},
	)

	MessagesPruned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "partyline_messages_pruned_total",
			Help: "Messages deleted after exceeding their retention age",
		},
	)

	LeasesRecovered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "partyline_leases_recovered_total",
			Help: "Expired inflight messages returned to queued",
		},
	)

	DeadlockAlerts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "partyline_deadlock_alerts_total",
			Help: "All-agents-waiting alerts raised by the janitor",
		},
	)

	// Store metrics
	StoreRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "partyline_store_retries_total",
			Help: "Busy/locked store operations that entered backoff",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(PeersOnline)
	prometheus.MustRegister(PeersWaiting)
	prometheus.MustRegister(InboxQueued)
	prometheus.MustRegister(MessagesSent)
	prometheus.MustRegister(MessagesDelivered)
	prometheus.MustRegister(MessagesReleased)
	prometheus.MustRegister(RecvBatchSize)
	prometheus.MustRegister(RecvWaitSeconds)
	prometheus.MustRegister(SendConfirmSeconds)
	prometheus.MustRegister(IsLeader)
	prometheus.MustRegister(LeaderElections)
	prometheus.MustRegister(PeersReaped)
	prometheus.MustRegister(MessagesForwarded)
	prometheus.MustRegister(MessagesPruned)
	prometheus.MustRegister(LeasesRecovered)
	prometheus.MustRegister(DeadlockAlerts)
	prometheus.MustRegister(StoreRetries)
}

// RecordStoreRetry counts one backoff round in the store retry policy. It is
// a function rather than a direct counter touch so the storage package does
// not depend on prometheus types.
func RecordStoreRetry() {
	StoreRetries.Inc()
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
