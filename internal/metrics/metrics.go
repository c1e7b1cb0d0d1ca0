// Package metrics holds the Prometheus collectors shared by the scheduler,
// executor and dispatcher. They register with the default registry and are
// served on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "condwatch"

var (
	// Labels: status (success, failed), trigger (schedule, manual, recovery)
	Executions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "executor",
		Name:      "executions_total",
		Help:      "Finished executions by outcome",
	}, []string{"status", "trigger"})

	EvaluationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "executor",
		Name:      "evaluation_duration_seconds",
		Help:      "Time spent in the condition evaluator",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
	})

	// Labels: behavior (once, always, track_state)
	Notifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "executor",
		Name:      "notifications_total",
		Help:      "Executions whose notify decision was true",
	}, []string{"behavior"})

	// Labels: reason (lease_held, invalid_schedule, not_running)
	SchedulerSkips = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "skips_total",
		Help:      "Due tasks the scheduler did not dispatch",
	}, []string{"reason"})

	RecoveredExecutions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "recovered_executions_total",
		Help:      "Abandoned executions closed by crash recovery",
	})

	// Labels: channel (webhook, email), outcome (success, retrying, failed, skipped)
	DeliveryAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "dispatcher",
		Name:      "attempts_total",
		Help:      "Delivery attempts by outcome",
	}, []string{"channel", "outcome"})

	DeliveryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "dispatcher",
		Name:      "attempt_duration_seconds",
		Help:      "Duration of one delivery attempt",
		Buckets:   prometheus.DefBuckets,
	}, []string{"channel"})
)
