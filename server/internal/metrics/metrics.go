// Package metrics exposes the server's Prometheus instrumentation.
// Collectors are package-level and registered on the default registry;
// services increment them directly and the router mounts Handler() at
// /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// JobsEnqueued counts job creations by origin.
	JobsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shuttersense_jobs_enqueued_total",
			Help: "Total number of jobs enqueued, by origin",
		},
		[]string{"origin"},
	)

	// JobsClaimed counts successful claim calls.
	JobsClaimed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "shuttersense_jobs_claimed_total",
			Help: "Total number of jobs handed to agents",
		},
	)

	// ClaimsEmpty counts claim calls that found no eligible job.
	ClaimsEmpty = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "shuttersense_claims_empty_total",
			Help: "Total number of claim calls answered with no job",
		},
	)

	// JobsCompleted counts accepted completions by result status.
	JobsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shuttersense_jobs_completed_total",
			Help: "Total number of accepted job completions, by result status",
		},
		[]string{"status"},
	)

	// JobsRewound counts assignments rolled back to pending, by cause.
	JobsRewound = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shuttersense_jobs_rewound_total",
			Help: "Total number of jobs rewound to pending, by cause",
		},
		[]string{"cause"},
	)

	// SignatureFailures counts completions rejected for a bad HMAC.
	SignatureFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "shuttersense_signature_failures_total",
			Help: "Total number of result submissions with an invalid signature",
		},
	)

	// HeartbeatsReceived counts agent heartbeats.
	HeartbeatsReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "shuttersense_heartbeats_received_total",
			Help: "Total number of agent heartbeats received",
		},
	)

	// AgentsByStatus is the current agent population by status, refreshed
	// by the registry sweep.
	AgentsByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "shuttersense_agents",
			Help: "Current number of agents, by status",
		},
		[]string{"status"},
	)

	// OfflineResultsSynced counts spooled results accepted via offline
	// sync.
	OfflineResultsSynced = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "shuttersense_offline_results_synced_total",
			Help: "Total number of offline results accepted",
		},
	)

	// UploadSessionsActive is the number of open chunked upload sessions.
	UploadSessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "shuttersense_upload_sessions_active",
			Help: "Number of chunked upload sessions currently open",
		},
	)

	// RetentionDeleted counts rows removed by the retention sweep.
	RetentionDeleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shuttersense_retention_deleted_total",
			Help: "Total number of rows removed by the retention sweep, by kind",
		},
		[]string{"kind"},
	)

	// WebsocketClients is the number of connected event stream clients.
	WebsocketClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "shuttersense_websocket_clients",
			Help: "Number of connected WebSocket clients",
		},
	)

	// RequestDuration observes HTTP handler latency.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "shuttersense_http_request_duration_seconds",
			Help:    "HTTP request latency, by method and route pattern",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
)

// Handler returns the HTTP handler serving the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
