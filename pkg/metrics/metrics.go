package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Queue gauges, one sample per queue name via the "queue" label.
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "txproc_queue_depth",
			Help: "Events currently queued, awaiting a worker",
		},
		[]string{"queue"},
	)

	WorkerCount = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "txproc_queue_workers",
			Help: "Worker slots by queue and state",
		},
		[]string{"queue", "state"},
	)

	// Execution counters and latency, labeled by queue.
	EventsExecutedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "txproc_events_executed_total",
			Help: "Total number of events a worker finished executing",
		},
		[]string{"queue", "outcome"},
	)

	ExecDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "txproc_exec_duration_seconds",
			Help:    "Wall time a worker spent running one event",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"queue"},
	)

	QueueWaitDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "txproc_queue_wait_duration_seconds",
			Help:    "Time an event spent queued before a worker picked it up",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"queue"},
	)

	// Recovery-log counters.
	RecoveryEntriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "txproc_recovery_entries_total",
			Help: "Total number of entries appended to the recovery log, by reason",
		},
		[]string{"reason"},
	)

	// Reconciler metrics: the periodic orphan-payload sweep.
	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "txproc_reconciliation_duration_seconds",
			Help:    "Time taken for one orphan-sweep reconciliation cycle",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconciliationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "txproc_reconciliation_cycles_total",
			Help: "Total number of reconciliation cycles completed",
		},
	)

	OrphanPayloadsFoundTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "txproc_reconciler_orphan_payloads_found_total",
			Help: "Total number of payload files found with no matching recovery-log index entry",
		},
	)

	OrphanPayloadsRemovedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "txproc_reconciler_orphan_payloads_removed_total",
			Help: "Total number of orphan payload files removed after exceeding the grace period",
		},
	)

	// Worker crash/respawn and health-check counters.
	WorkerCrashesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "txproc_worker_crashes_total",
			Help: "Total number of persistent-app worker crashes observed, by queue",
		},
		[]string{"queue"},
	)

	HealthCheckFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "txproc_health_check_failures_total",
			Help: "Total number of failed liveness probes that forced a worker restart, by queue",
		},
		[]string{"queue"},
	)
)

func init() {
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(WorkerCount)
	prometheus.MustRegister(EventsExecutedTotal)
	prometheus.MustRegister(ExecDuration)
	prometheus.MustRegister(QueueWaitDuration)
	prometheus.MustRegister(RecoveryEntriesTotal)
	prometheus.MustRegister(ReconciliationDuration)
	prometheus.MustRegister(ReconciliationCyclesTotal)
	prometheus.MustRegister(OrphanPayloadsFoundTotal)
	prometheus.MustRegister(OrphanPayloadsRemovedTotal)
	prometheus.MustRegister(WorkerCrashesTotal)
	prometheus.MustRegister(HealthCheckFailuresTotal)
}

// Handler returns the Prometheus scrape handler.
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
