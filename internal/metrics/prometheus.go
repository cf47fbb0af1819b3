// Package metrics provides Prometheus instrumentation and the in-process
// request tracker backing the JSON metrics endpoints.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsTotal counts relayed requests by provider, model and status.
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "llmrelay",
		Name:      "requests_total",
		Help:      "Total relayed requests.",
	}, []string{"provider", "model", "status"})

	// RequestLatency observes end-to-end request latency.
	RequestLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "llmrelay",
		Name:      "request_latency_seconds",
		Help:      "End-to-end request latency.",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	}, []string{"provider", "model"})

	// TimeToFirstToken observes streaming TTFT.
	TimeToFirstToken = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "llmrelay",
		Name:      "time_to_first_token_seconds",
		Help:      "Time to first streamed token.",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"provider", "model"})

	// SlotActive tracks active units per slot.
	SlotActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "llmrelay",
		Name:      "slot_active",
		Help:      "Active requests per provider+model slot.",
	}, []string{"provider", "model"})

	// QueueDepth tracks queued waiters per slot.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "llmrelay",
		Name:      "queue_depth",
		Help:      "Queued waiters per provider+model slot.",
	}, []string{"provider", "model"})

	// QueueTimeouts counts queue deadline expiries.
	QueueTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "llmrelay",
		Name:      "queue_timeouts_total",
		Help:      "Requests that timed out waiting in a slot queue.",
	}, []string{"provider", "model"})

	// CircuitOpens counts breaker trips.
	CircuitOpens = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "llmrelay",
		Name:      "circuit_opens_total",
		Help:      "Circuit breaker trips per slot.",
	}, []string{"provider", "model"})

	// RateLimitMarks counts rate-limit cooldowns applied.
	RateLimitMarks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "llmrelay",
		Name:      "rate_limit_marks_total",
		Help:      "Rate-limit cooldowns applied per slot.",
	}, []string{"provider", "model"})

	// Failovers counts post-failure failover attempts.
	Failovers = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "llmrelay",
		Name:      "failovers_total",
		Help:      "Failover attempts by originating provider.",
	}, []string{"provider", "model"})

	// Races counts proactive parallel dispatches.
	Races = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "llmrelay",
		Name:      "races_total",
		Help:      "Proactive parallel dispatches by primary provider.",
	}, []string{"provider", "model"})

	// UpstreamRetries counts retry-loop attempts beyond the first.
	UpstreamRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "llmrelay",
		Name:      "upstream_retries_total",
		Help:      "Upstream call retries.",
	}, []string{"provider", "model"})

	// Heartbeats counts SSE keepalive comments written.
	Heartbeats = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "llmrelay",
		Name:      "sse_heartbeats_total",
		Help:      "SSE heartbeat comments written to clients.",
	})

	// StreamReconnects counts mid-stream upstream reconnects.
	StreamReconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "llmrelay",
		Name:      "stream_reconnects_total",
		Help:      "Mid-stream upstream reconnect attempts.",
	}, []string{"provider", "model"})

	// StaggeredStreams counts staggered-stream detections.
	StaggeredStreams = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "llmrelay",
		Name:      "staggered_streams_total",
		Help:      "Streams flagged as staggered.",
	}, []string{"provider", "model"})

	// TrackerRecords tracks the live request-tracker size.
	TrackerRecords = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "llmrelay",
		Name:      "tracker_records",
		Help:      "Records currently held by the request tracker.",
	})
)
