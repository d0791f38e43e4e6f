package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Protocol traffic metrics
	MessagesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshsync_messages_sent_total",
			Help: "Total number of sync messages sent by protocol",
		},
		[]string{"protocol"},
	)

	MessagesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshsync_messages_received_total",
			Help: "Total number of sync messages received by protocol",
		},
		[]string{"protocol"},
	)

	BytesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshsync_bytes_sent_total",
			Help: "Total bytes sent by protocol",
		},
		[]string{"protocol"},
	)

	BytesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshsync_bytes_received_total",
			Help: "Total bytes received by protocol",
		},
		[]string{"protocol"},
	)

	RoundTrips = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "meshsync_round_trips_per_session",
			Help:    "Request/response round trips per completed session",
			Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128, 256},
		},
		[]string{"protocol"},
	)

	EntitiesMerged = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshsync_entities_merged_total",
			Help: "Total entities merged into local state by protocol",
		},
		[]string{"protocol"},
	)

	DeltasApplied = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "meshsync_deltas_applied_total",
			Help: "Total causal deltas applied",
		},
	)

	DeltasPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "meshsync_deltas_pending",
			Help: "Deltas currently waiting on missing ancestors",
		},
	)

	// Phase timing metrics
	PhaseDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "meshsync_phase_duration_seconds",
			Help:    "Sync phase duration by protocol and phase (handshake, data_transfer, merge, total)",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"protocol", "phase"},
	)

	// Session outcome metrics
	SessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshsync_sessions_total",
			Help: "Completed sync sessions by protocol and outcome",
		},
		[]string{"protocol", "outcome"},
	)

	// Safety invariant counters
	SnapshotBlocked = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "meshsync_snapshot_blocked_total",
			Help: "Snapshot selections refused because local state was non-empty",
		},
	)

	NonceViolations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "meshsync_nonce_violations_total",
			Help: "Sessions terminated by a nonce gap or replayed frame",
		},
	)

	HashVerificationFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "meshsync_hash_verification_failures_total",
			Help: "Recomputed hashes that did not match their stated value",
		},
	)

	BufferDrops = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "meshsync_broadcast_buffer_drops_total",
			Help: "Broadcast deltas dropped from the bounded gossip buffer",
		},
	)

	PeerStrikes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshsync_peer_strikes_total",
			Help: "Reputation strikes recorded against peers by error kind",
		},
		[]string{"kind"},
	)

	PeersBanned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "meshsync_peers_banned_total",
			Help: "Peers banned from a context after repeated strikes",
		},
	)
)

// Register registers all metrics with Prometheus
func Register() {
	prometheus.MustRegister(
		MessagesSent,
		MessagesReceived,
		BytesSent,
		BytesReceived,
		RoundTrips,
		EntitiesMerged,
		DeltasApplied,
		DeltasPending,
		PhaseDuration,
		SessionsTotal,
		SnapshotBlocked,
		NonceViolations,
		HashVerificationFailures,
		BufferDrops,
		PeerStrikes,
		PeersBanned,
	)
}

// Handler returns the Prometheus HTTP handler for the metrics endpoint
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve starts the metrics HTTP server on the given address
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return server.ListenAndServe()
}

// Timer is a helper for observing phase durations
type Timer struct {
	start    time.Time
	protocol string
	phase    string
}

// NewTimer starts a phase timer
func NewTimer(protocol, phase string) *Timer {
	return &Timer{start: time.Now(), protocol: protocol, phase: phase}
}

// ObserveDuration records the elapsed time
func (t *Timer) ObserveDuration() {
	PhaseDuration.WithLabelValues(t.protocol, t.phase).Observe(time.Since(t.start).Seconds())
}
