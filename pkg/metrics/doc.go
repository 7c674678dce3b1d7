/*
Package metrics provides Prometheus metrics collection and exposition for
txProc.

Metrics are registered at package init against the default Prometheus
registry and exposed over HTTP via Handler for scraping.

# Categories

	Queue:        depth and worker counts per queue (txproc_queue_*)
	Execution:    events executed and their duration (txproc_events_executed_total,
	              txproc_exec_duration_seconds, txproc_queue_wait_duration_seconds)
	Recovery:     entries appended to the recovery log, by reason
	Reconciler:   orphan-sweep cycle duration and orphan payload counts
	Workers:      crash and health-check-forced-restart counts

Collector polls nucleus.Nucleus.Pools() on a ticker and writes each queue's
pool.Status into the queue gauges. The reconciler increments the
Reconciler counters and histogram as it sweeps. The Execution, Recovery
and Workers metrics are registered and exposed, but nothing in this module
updates them, so they stay at zero.

health.go carries a small component-health registry (RegisterComponent,
UpdateComponent) independent of the Prometheus metrics above, backing the
/health, /ready and /live HTTP handlers a gateway process can mount.
*/
package metrics
