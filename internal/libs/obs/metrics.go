package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metric names below are part of the external observability contract; do
// not rename without a deprecation cycle.
var (
	// Operation metrics
	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "akidb_operations_total",
			Help: "Total engine operations by kind and status",
		},
		[]string{"op", "status"},
	)

	OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "akidb_operation_duration_seconds",
			Help:    "Engine operation latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	// Cache metrics
	CacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "akidb_cache_hits_total",
			Help: "Hot-tier cache hits",
		},
	)

	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "akidb_cache_misses_total",
			Help: "Hot-tier cache misses",
		},
	)

	// Remote tier metrics
	S3Uploads = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "akidb_s3_uploads_total",
			Help: "Segment uploads that reached the remote tier",
		},
	)

	S3Retries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "akidb_s3_retries_total",
			Help: "Upload attempts retried after a transient failure",
		},
	)

	S3PermanentFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "akidb_s3_permanent_failures_total",
			Help: "Uploads abandoned to the dead-letter queue",
		},
	)

	// Durability metrics
	WALSizeBytes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "akidb_wal_size_bytes",
			Help: "Live write-ahead log bytes per collection",
		},
		[]string{"collection"},
	)

	DLQSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "akidb_dlq_size",
			Help: "Dead-letter queue entries per collection",
		},
		[]string{"collection"},
	)

	CompactionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "akidb_compactions_total",
			Help: "Completed compactions per collection",
		},
		[]string{"collection"},
	)

	// CircuitBreakerState is 0 closed, 1 open, 2 half-open.
	CircuitBreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "akidb_circuit_breaker_state",
			Help: "Remote-tier circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
	)
)
