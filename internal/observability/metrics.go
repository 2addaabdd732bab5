// Package observability holds the process-wide Prometheus metrics.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MessagesDelivered counts messages whose handler succeeded.
	MessagesDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "provisioner_messages_delivered_total",
		Help: "Messages delivered successfully, by entity and operation",
	}, []string{"entity", "operation"})

	// MessagesRetried counts transient failures that were rescheduled.
	MessagesRetried = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "provisioner_messages_retried_total",
		Help: "Messages rescheduled after a transient failure",
	}, []string{"entity", "operation"})

	// MessagesDeadLettered counts messages abandoned, by reason
	// (permanent, exhausted).
	MessagesDeadLettered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "provisioner_messages_dead_lettered_total",
		Help: "Messages abandoned without further retries",
	}, []string{"entity", "operation", "reason"})

	// MessagesPublished counts accepted publishes.
	MessagesPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "provisioner_messages_published_total",
		Help: "Messages accepted for delivery",
	}, []string{"entity", "operation"})

	// DeliveryDuration tracks handler run time.
	DeliveryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "provisioner_delivery_duration_seconds",
		Help:    "Time spent running message handlers",
		Buckets: prometheus.DefBuckets,
	}, []string{"entity", "operation"})

	// BindDecisions counts binding outcomes (bound, unbound, retried).
	BindDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "provisioner_bind_decisions_total",
		Help: "Outcomes of node binding attempts",
	}, []string{"outcome"})

	// HookRuns counts hook script executions by exit status class.
	HookRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "provisioner_hook_runs_total",
		Help: "Hook script executions",
	}, []string{"hook_type", "event", "result"})

	// HookLockContention counts hook runs that found the hook locked.
	HookLockContention = promauto.NewCounter(prometheus.CounterOpts{
		Name: "provisioner_hook_lock_contention_total",
		Help: "Attempts to lock a hook that another run held",
	})

	// HookDuration tracks script run time.
	HookDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "provisioner_hook_duration_seconds",
		Help:    "Hook script execution time",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
	})

	// CommandsFinished counts commands reaching a terminal status.
	CommandsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "provisioner_commands_finished_total",
		Help: "Commands that reached a terminal status",
	}, []string{"command", "status"})
)
