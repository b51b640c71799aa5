// Package metrics exposes Prometheus collectors for the telemetry core.
// Hosts that scrape metrics mount MetricsHandler; everything else is recorded
// through the package-level helpers so callers never touch collectors
// directly.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Event intake metrics
	eventsTrackedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "telemetry_events_tracked_total",
			Help: "Total number of events accepted into the queue",
		},
	)

	eventsDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telemetry_events_dropped_total",
			Help: "Total number of events dropped before delivery",
		},
		[]string{"reason"},
	)

	// Delivery metrics
	batchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telemetry_batches_total",
			Help: "Total number of delivery batches by outcome",
		},
		[]string{"outcome"},
	)

	deliveryAttemptsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "telemetry_delivery_attempts_total",
			Help: "Total number of HTTP delivery attempts including retries",
		},
	)

	deliveryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "telemetry_delivery_duration_seconds",
			Help:    "Delivery duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"outcome"},
	)

	// Queue metrics
	queueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "telemetry_queue_depth",
			Help: "Number of events currently waiting in the queue",
		},
	)

	// Rule metrics
	rulesEvaluatedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "telemetry_rules_evaluated_total",
			Help: "Total number of rule evaluations",
		},
	)

	rulesFiredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "telemetry_rules_fired_total",
			Help: "Total number of rules whose conditions matched",
		},
	)

	actionsExecutedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telemetry_actions_executed_total",
			Help: "Total number of rule actions executed",
		},
		[]string{"type", "status"},
	)

	// Session metrics
	sessionsStartedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telemetry_sessions_started_total",
			Help: "Total number of sessions started",
		},
		[]string{"source"},
	)
)

// RecordEventTracked records an event accepted into the queue.
func RecordEventTracked() {
	eventsTrackedTotal.Inc()
}

// RecordEventDropped records a dropped event with the drop reason.
func RecordEventDropped(reason string) {
	eventsDroppedTotal.WithLabelValues(reason).Inc()
}

// RecordBatchDelivery records a completed delivery cycle.
func RecordBatchDelivery(outcome string, duration time.Duration) {
	batchesTotal.WithLabelValues(outcome).Inc()
	deliveryDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordDeliveryAttempt records a single HTTP attempt.
func RecordDeliveryAttempt() {
	deliveryAttemptsTotal.Inc()
}

// SetQueueDepth sets the current queue depth.
func SetQueueDepth(count int) {
	queueDepth.Set(float64(count))
}

// RecordRuleEvaluated records a rule evaluation.
func RecordRuleEvaluated() {
	rulesEvaluatedTotal.Inc()
}

// RecordRuleFired records a matched rule.
func RecordRuleFired() {
	rulesFiredTotal.Inc()
}

// RecordActionExecuted records a rule action execution result.
func RecordActionExecuted(actionType string, success bool) {
	status := "ok"
	if !success {
		status = "error"
	}
	actionsExecutedTotal.WithLabelValues(actionType, status).Inc()
}

// RecordSessionStarted records a session start with its source.
func RecordSessionStarted(source string) {
	sessionsStartedTotal.WithLabelValues(source).Inc()
}

// MetricsHandler returns the Prometheus metrics handler.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
