package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Engine operation metrics
	EngineOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sessionstore_engine_operations_total",
			Help: "Total number of SessionEngine operations by op and status",
		},
		[]string{"op", "status"},
	)

	EngineOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sessionstore_engine_operation_duration_seconds",
			Help:    "SessionEngine operation duration in seconds by op",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	SessionsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sessionstore_sessions_total",
			Help: "Total number of open sessions by tenant",
		},
		[]string{"tenant"},
	)

	// WAL metrics
	WalAppendsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sessionstore_wal_appends_total",
			Help: "Total number of WAL entries appended",
		},
	)

	WalTruncationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sessionstore_wal_truncations_total",
			Help: "Total number of WAL truncations caused by an append from a rewound cursor",
		},
	)

	WalReadDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sessionstore_wal_read_duration_seconds",
			Help:    "Time taken to read a WAL back to a given position in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Checkpoint Store metrics
	CheckpointsSavedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sessionstore_checkpoints_saved_total",
			Help: "Total number of checkpoints saved",
		},
	)

	CheckpointSaveDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sessionstore_checkpoint_save_duration_seconds",
			Help:    "Time taken to save a checkpoint in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	CheckpointsCompactedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sessionstore_checkpoints_compacted_total",
			Help: "Total number of checkpoints removed by compaction",
		},
	)

	// Index metrics
	IndexLockWaitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sessionstore_index_lock_wait_duration_seconds",
			Help:    "Time spent waiting to acquire a tenant index lock in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	IndexContentionTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sessionstore_index_contention_total",
			Help: "Total number of failed attempts to acquire a tenant index lock",
		},
	)

	// Reconciler metrics
	ReconciliationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sessionstore_reconciliation_cycles_total",
			Help: "Total number of reconciliation sync cycles completed",
		},
	)

	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sessionstore_reconciliation_duration_seconds",
			Help:    "Time taken for a reconciliation sync cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	PendingExternalChangesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sessionstore_pending_external_changes",
			Help: "Current number of sessions with a pending unsynced external change, by tenant",
		},
		[]string{"tenant"},
	)

	ExternalChangesDetectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sessionstore_external_changes_detected_total",
			Help: "Total number of external change notifications observed by source kind",
		},
		[]string{"source_kind"},
	)

	// Backend metrics
	BackendRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sessionstore_backend_requests_total",
			Help: "Total number of Backend operations by method and status",
		},
		[]string{"method", "status"},
	)

	BackendRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sessionstore_backend_request_duration_seconds",
			Help:    "Backend operation duration in seconds by method",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// RPC metrics
	RPCRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sessionstore_rpc_requests_total",
			Help: "Total number of SessionStore RPC requests by method and status",
		},
		[]string{"method", "status"},
	)

	RPCRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sessionstore_rpc_request_duration_seconds",
			Help:    "SessionStore RPC request duration in seconds by method",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	prometheus.MustRegister(EngineOperationsTotal)
	prometheus.MustRegister(EngineOperationDuration)
	prometheus.MustRegister(SessionsTotal)

	prometheus.MustRegister(WalAppendsTotal)
	prometheus.MustRegister(WalTruncationsTotal)
	prometheus.MustRegister(WalReadDuration)

	prometheus.MustRegister(CheckpointsSavedTotal)
	prometheus.MustRegister(CheckpointSaveDuration)
	prometheus.MustRegister(CheckpointsCompactedTotal)

	prometheus.MustRegister(IndexLockWaitDuration)
	prometheus.MustRegister(IndexContentionTotal)

	prometheus.MustRegister(ReconciliationCyclesTotal)
	prometheus.MustRegister(ReconciliationDuration)
	prometheus.MustRegister(PendingExternalChangesTotal)
	prometheus.MustRegister(ExternalChangesDetectedTotal)

	prometheus.MustRegister(BackendRequestsTotal)
	prometheus.MustRegister(BackendRequestDuration)

	prometheus.MustRegister(RPCRequestsTotal)
	prometheus.MustRegister(RPCRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
