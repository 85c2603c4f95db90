// Package metrics holds the Prometheus collectors for the provisioning queue.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Worker metrics
	itemsProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "provisioner",
			Subsystem: "worker",
			Name:      "items_processed_total",
			Help:      "Total number of worker invocations by result",
		},
		[]string{"result"},
	)

	// Panel API metrics
	panelCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "provisioner",
			Subsystem: "panel",
			Name:      "create_server_calls_total",
			Help:      "Total number of create-server calls by outcome and failure reason",
		},
		[]string{"outcome", "reason"},
	)

	panelCallLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "provisioner",
			Subsystem: "panel",
			Name:      "create_server_latency_seconds",
			Help:      "Latency of create-server calls in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
		},
		[]string{"outcome"},
	)

	// Dispatcher metrics
	dispatchRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "provisioner",
			Subsystem: "dispatcher",
			Name:      "runs_total",
			Help:      "Total number of dispatcher runs by result",
		},
		[]string{"result"},
	)

	dispatchRunDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "provisioner",
			Subsystem: "dispatcher",
			Name:      "run_duration_seconds",
			Help:      "Duration of a dispatcher run in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~80s
		},
	)

	eligibleItems = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "provisioner",
			Subsystem: "dispatcher",
			Name:      "eligible_items",
			Help:      "Number of items selected by the last dispatcher run",
		},
	)

	staleItemsReapedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "provisioner",
			Subsystem: "dispatcher",
			Name:      "stale_items_reaped_total",
			Help:      "Total number of items stuck in processing and parked for an operator",
		},
	)

	// Queue metrics
	queueItems = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "provisioner",
			Subsystem: "queue",
			Name:      "items",
			Help:      "Number of queue items by state",
		},
		[]string{"state"},
	)

	queueEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "provisioner",
			Subsystem: "queue",
			Name:      "events_total",
			Help:      "Total number of queue state changes by kind, counted where they happen",
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(
		itemsProcessedTotal,
		panelCallsTotal,
		panelCallLatency,
		dispatchRunsTotal,
		dispatchRunDuration,
		eligibleItems,
		staleItemsReapedTotal,
		queueItems,
		queueEventsTotal,
	)
}

// RecordItemProcessed records one worker invocation.
func RecordItemProcessed(result string) {
	itemsProcessedTotal.WithLabelValues(result).Inc()
}

// RecordPanelCall records a create-server call.
func RecordPanelCall(success bool, reason string, latency float64) {
	outcome := "failure"
	if success {
		outcome = "success"
	}
	panelCallsTotal.WithLabelValues(outcome, reason).Inc()
	panelCallLatency.WithLabelValues(outcome).Observe(latency)
}

// RecordDispatchRun records a dispatcher run.
func RecordDispatchRun(result string, selected int, duration float64) {
	dispatchRunsTotal.WithLabelValues(result).Inc()
	dispatchRunDuration.Observe(duration)
	eligibleItems.Set(float64(selected))
}

// RecordStaleReaped records items parked after their worker died.
func RecordStaleReaped(n int64) {
	staleItemsReapedTotal.Add(float64(n))
}

// RecordQueueState publishes the queue counters.
func RecordQueueState(pending, processing, failed, exhausted int64) {
	queueItems.WithLabelValues("pending").Set(float64(pending))
	queueItems.WithLabelValues("processing").Set(float64(processing))
	queueItems.WithLabelValues("failed").Set(float64(failed))
	queueItems.WithLabelValues("exhausted").Set(float64(exhausted))
}

// RecordQueueEvent counts one queue state change.
func RecordQueueEvent(kind string) {
	queueEventsTotal.WithLabelValues(kind).Inc()
}
