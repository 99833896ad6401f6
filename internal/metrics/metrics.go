// Package metrics provides Prometheus metrics for the flow engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "mentatlab"
	subsystem = "flowengine"
)

var (
	// RunsTotal counts total runs by final status.
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "runs_total",
			Help:      "Total number of runs by final status",
		},
		[]string{"status"}, // "completed", "failed", "resumed_terminal"
	)

	// RunsActive tracks currently executing runs.
	RunsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "runs_active",
			Help:      "Number of currently executing runs",
		},
	)

	// RunDuration tracks run execution duration.
	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "run_duration_seconds",
			Help:      "Run execution duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"status"},
	)

	// WavesTotal counts scheduling waves dispatched.
	WavesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "waves_total",
			Help:      "Total number of scheduling waves dispatched",
		},
	)

	// NodesTotal counts node executions by type and status.
	NodesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "nodes_total",
			Help:      "Total number of nodes executed by type and status",
		},
		[]string{"type", "status"},
	)

	// NodeDuration tracks node execution duration.
	NodeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "node_duration_seconds",
			Help:      "Node execution duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"type"},
	)

	// EventsPublished counts events published by type.
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "events_published_total",
			Help:      "Total number of events published",
		},
		[]string{"type"},
	)

	// QueueInFlight tracks handler invocations currently running.
	QueueInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "queue_inflight",
			Help:      "Number of run requests currently being handled",
		},
	)

	// QueueMessages counts consumed messages by outcome.
	QueueMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "queue_messages_total",
			Help:      "Total number of run requests consumed by outcome",
		},
		[]string{"result"}, // "ok", "error", "panic", "poison"
	)

	// QueueReclaimed counts messages claimed from dead consumers.
	QueueReclaimed = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "queue_reclaimed_total",
			Help:      "Total number of pending messages claimed from idle consumers",
		},
	)

	// ContextStoreOperations counts execution context store operations.
	ContextStoreOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "context_store_operations_total",
			Help:      "Total number of execution context store operations",
		},
		[]string{"operation", "result"},
	)

	// SandboxExecutions counts sandbox stage outcomes.
	SandboxExecutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sandbox_executions_total",
			Help:      "Total number of sandbox stage executions",
		},
		[]string{"stage", "result"},
	)

	// LLMChunks counts streamed model chunks forwarded to observers.
	LLMChunks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "llm_chunks_total",
			Help:      "Total number of streamed model chunks",
		},
		[]string{"provider"},
	)

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration tracks request latency.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// SSEActiveConnections tracks open event streams.
	SSEActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sse_active_connections",
			Help:      "Number of open event stream connections",
		},
	)
)
