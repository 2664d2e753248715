package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Job metrics
	JobsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hco_jobs_total",
			Help: "Total number of jobs by status",
		},
		[]string{"status"},
	)

	JobRouteDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hco_job_route_decisions_total",
			Help: "Total number of AutoRouter decisions by route and confidence",
		},
		[]string{"route", "confidence"},
	)

	// Shard metrics
	ShardsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hco_shards_total",
			Help: "Total number of shards by status",
		},
		[]string{"status"},
	)

	ShardClaimsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hco_shard_claims_total",
			Help: "Total number of shard claim attempts by outcome",
		},
		[]string{"outcome"}, // claimed|empty
	)

	ShardReapedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hco_shard_reaped_total",
			Help: "Total number of shards recovered from expired leases",
		},
	)

	ShardRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hco_shard_retries_total",
			Help: "Total number of shard retry transitions by outcome",
		},
		[]string{"outcome"}, // retried|exhausted
	)

	SchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hco_scheduling_latency_seconds",
			Help:    "Time taken for one reap cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Collector metrics
	ItemsCollectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hco_items_collected_total",
			Help: "Total number of collected items by job type and outcome",
		},
		[]string{"job_type", "outcome"}, // success|failure
	)

	BytesCollectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hco_bytes_collected_total",
			Help: "Total number of bytes collected by job type",
		},
		[]string{"job_type"},
	)

	BackoffTriggeredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hco_backoff_triggered_total",
			Help: "Total number of throttling backoff events by driver",
		},
		[]string{"driver"},
	)

	// Manifest metrics
	ManifestsSealedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hco_manifests_sealed_total",
			Help: "Total number of manifests sealed into the WORM namespace",
		},
	)

	ManifestBuildDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hco_manifest_build_duration_seconds",
			Help:    "Time taken to build and hash a manifest in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Reconciler metrics
	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hco_reconciliation_duration_seconds",
			Help:    "Time taken for a reconciliation run in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconciliationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hco_reconciliations_total",
			Help: "Total number of reconciliation runs by gate outcome",
		},
		[]string{"passed"}, // true|false
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hco_api_requests_total",
			Help: "Total number of API requests by route and status",
		},
		[]string{"route", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hco_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)

func init() {
	prometheus.MustRegister(
		JobsTotal,
		JobRouteDecisions,
		ShardsTotal,
		ShardClaimsTotal,
		ShardReapedTotal,
		ShardRetriesTotal,
		SchedulingLatency,
		ItemsCollectedTotal,
		BytesCollectedTotal,
		BackoffTriggeredTotal,
		ManifestsSealedTotal,
		ManifestBuildDuration,
		ReconciliationDuration,
		ReconciliationsTotal,
		APIRequestsTotal,
		APIRequestDuration,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
