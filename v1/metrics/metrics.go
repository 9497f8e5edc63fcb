package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// SetCounter tracks the number of accepted Set operations.
	SetCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "keep_set_total",
		Help: "Total number of Set operations",
	})
	// GetCounter tracks the number of Get operations.
	GetCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "keep_get_total",
		Help: "Total number of Get operations",
	})
	// DeleteCounter tracks the number of Delete operations.
	DeleteCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "keep_delete_total",
		Help: "Total number of Delete operations",
	})
	// AsyncFailureCounter tracks asynchronous writes that failed after all
	// retries.
	AsyncFailureCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "keep_async_failures_total",
		Help: "Total number of asynchronous writes that failed",
	})
	// PendingGauge reports accepted asynchronous writes not yet finished.
	PendingGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "keep_scheduler_pending",
		Help: "Current number of pending asynchronous writes",
	})
	// ReplaySkippedCounter tracks log records ignored during replay,
	// malformed or already expired.
	ReplaySkippedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "keep_replay_skipped_total",
		Help: "Total number of log records skipped during replay",
	})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterCoreMetrics registers keep engine metrics on the provided registry.
func RegisterCoreMetrics(reg prometheus.Registerer) {
	reg.MustRegister(SetCounter, GetCounter, DeleteCounter, AsyncFailureCounter, PendingGauge, ReplaySkippedCounter)
}
