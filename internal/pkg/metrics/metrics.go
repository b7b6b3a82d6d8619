// Package metrics provides Prometheus metrics for the Kubently coordinator
// and executor (RED + dispatch fabric). Scrapeable at /metrics; dashboards
// and alerts can rely on these names.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "kubently"

var (
	// HTTPRequestTotal counts requests by method, path, status (RED: rate).
	HTTPRequestTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests by method, path, and status.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDurationSeconds is request latency histogram (RED: duration).
	HTTPRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2.5, 10), // 1ms to ~9.3s
		},
		[]string{"method", "path"},
	)

	// CommandsQueuedTotal counts commands accepted onto a cluster queue.
	CommandsQueuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_queued_total",
			Help:      "Total number of commands queued, by cluster.",
		},
		[]string{"cluster"},
	)

	// CommandsDeliveredTotal counts commands popped by an executor (stream or long-poll).
	CommandsDeliveredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_delivered_total",
			Help:      "Total number of commands delivered to executors, by cluster.",
		},
		[]string{"cluster"},
	)

	// CommandResultsTotal counts stored results by cluster and outcome
	// (success, failure, timeout).
	CommandResultsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "command_results_total",
			Help:      "Total number of stored command results, by cluster and outcome.",
		},
		[]string{"cluster", "outcome"},
	)

	// DeliveryLatencySeconds measures queue time: push to pop.
	DeliveryLatencySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "delivery_latency_seconds",
			Help:      "Latency between command push and executor pop, in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~20s
		},
		[]string{"cluster"},
	)

	// ExecutorStreamsActive is the current number of open executor event streams.
	ExecutorStreamsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "executor_streams_active",
			Help:      "Number of active executor event streams.",
		},
	)

	// AuthDecisionsTotal counts authentication verdicts by method and outcome.
	AuthDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_decisions_total",
			Help:      "Total number of authentication decisions, by method and verdict.",
		},
		[]string{"method", "verdict"},
	)

	// SessionsActive is the number of live debugging sessions.
	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of active debugging sessions.",
		},
	)

	// StateStoreFailuresTotal counts state-store operation failures by op.
	StateStoreFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_store_failures_total",
			Help:      "Total number of state store operation failures, by operation.",
		},
		[]string{"op"},
	)

	// WhitelistRejectionsTotal counts executor-side validation rejections.
	WhitelistRejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "whitelist_rejections_total",
			Help:      "Total number of commands rejected by whitelist validation.",
		},
		[]string{"reason"},
	)

	// SubprocessDurationSeconds is executor-side kubectl wall-clock duration.
	SubprocessDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "subprocess_duration_seconds",
			Help:      "kubectl subprocess duration in seconds, by verb.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
		},
		[]string{"verb"},
	)

	// SubprocessSpawnsTotal counts kubectl subprocesses actually spawned.
	// Validation rejections never increment this.
	SubprocessSpawnsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subprocess_spawns_total",
			Help:      "Total number of kubectl subprocesses spawned.",
		},
	)
)
