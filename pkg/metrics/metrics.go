package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Queue metrics
	TasksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "deckflow_tasks_total",
			Help: "Number of tasks by status",
		},
		[]string{"status"},
	)

	QueueDepthByKind = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "deckflow_queue_depth_by_kind",
			Help: "Number of queued tasks by kind",
		},
		[]string{"kind"},
	)

	// Lease engine metrics
	ClaimsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deckflow_claims_total",
			Help: "Total claim_next calls by outcome (claimed, empty)",
		},
		[]string{"outcome"},
	)

	SettlesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deckflow_settles_total",
			Help: "Total settle calls by result (completed, retried, failed, stale)",
		},
		[]string{"result"},
	)

	LeaseExtensionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deckflow_lease_extensions_total",
			Help: "Total lease extension calls by outcome (ok, stale)",
		},
		[]string{"outcome"},
	)

	// Worker metrics
	HeartbeatsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "deckflow_heartbeats_total",
			Help: "Total heartbeats written by this worker",
		},
	)

	HeartbeatFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "deckflow_heartbeat_failures_total",
			Help: "Total heartbeat writes that failed",
		},
	)

	TasksInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "deckflow_tasks_in_flight",
			Help: "Handlers currently executing in this worker process",
		},
	)

	HandlerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "deckflow_handler_duration_seconds",
			Help:    "Handler execution duration in seconds by kind",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
		},
		[]string{"kind"},
	)

	// Recovery metrics
	RecoverySweepsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "deckflow_recovery_sweeps_total",
			Help: "Total recovery sweeps executed",
		},
	)

	LeasesReclaimedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "deckflow_leases_reclaimed_total",
			Help: "Total expired leases returned to the queue",
		},
	)

	WorkersMarkedDeadTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "deckflow_workers_marked_dead_total",
			Help: "Total workers declared dead for missing heartbeats",
		},
	)

	RecoveryDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "deckflow_recovery_duration_seconds",
			Help:    "Recovery sweep duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Dispatch metrics
	DispatchLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "deckflow_dispatch_latency_seconds",
			Help:    "Time taken by one claim_next round trip in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)
)

// init registers all metrics with the default registry
func init() {
	prometheus.MustRegister(
		TasksTotal,
		QueueDepthByKind,
		ClaimsTotal,
		SettlesTotal,
		LeaseExtensionsTotal,
		HeartbeatsTotal,
		HeartbeatFailuresTotal,
		TasksInFlight,
		HandlerDuration,
		RecoverySweepsTotal,
		LeasesReclaimedTotal,
		WorkersMarkedDeadTotal,
		RecoveryDuration,
		DispatchLatency,
	)
}

// Handler returns the HTTP handler for the /metrics endpoint
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve starts a metrics HTTP server on the given address.
// Returns the server so the caller can shut it down.
func Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		_ = srv.ListenAndServe()
	}()

	return srv
}

// Timer helps measure operation duration
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer starting now
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time in the given histogram
func (t *Timer) ObserveDuration(histogram prometheus.Observer) {
	histogram.Observe(time.Since(t.start).Seconds())
}
