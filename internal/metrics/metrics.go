// Package metrics provides the process-wide Prometheus metrics surface for
// the Tool Dispatcher, Model Pipeline, and Analytics Ingestor hot paths.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is constructed once at process startup and threaded as an
// explicit dependency into every collaborator that instruments itself,
// the same wiring discipline as the rest of ConvoAI's ambient stack.
type Metrics struct {
	// DiscoveryDuration measures one discovery fan-out call across all
	// registered tool servers for a single owner.
	// Labels: outcome (ok|timeout|error)
	DiscoveryDuration *prometheus.HistogramVec

	// DiscoveryServerErrors counts per-server discovery failures, the
	// servers that "contribute zero tools" per the design.
	// Labels: reason (timeout|http_error|invalid_schema)
	DiscoveryServerErrors *prometheus.CounterVec

	// ToolInvocations counts Dispatcher invocations routed to a tool
	// server.
	// Labels: outcome (ok|error|rate_limited)
	ToolInvocations *prometheus.CounterVec

	// ToolInvocationDuration measures one tool-server round trip.
	ToolInvocationDuration prometheus.Histogram

	// ModelRetries counts model-invocation retry attempts, one increment
	// per attempt beyond the first.
	ModelRetries prometheus.Counter

	// ModelInvocations counts terminal outcomes of a model completion
	// request, after retries are exhausted.
	// Labels: outcome (ok|unavailable|timeout)
	ModelInvocations *prometheus.CounterVec

	// IngestDropped counts MessageMetric events analytics.HTTPEmitter
	// dropped because delivery to the Ingestor failed.
	IngestDropped prometheus.Counter

	// IngestRecords counts MessageMetric events analytics.HTTPEmitter
	// delivered to the Ingestor.
	// Labels: kind (message)
	IngestRecords *prometheus.CounterVec
}

// New constructs and registers all metrics against the default registry.
// Call once at process startup.
func New() *Metrics {
	return &Metrics{
		DiscoveryDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "convoai_discovery_duration_seconds",
				Help:    "Duration of a tool-server discovery fan-out",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
			},
			[]string{"outcome"},
		),
		DiscoveryServerErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "convoai_discovery_server_errors_total",
				Help: "Per-server discovery failures, by reason",
			},
			[]string{"reason"},
		),
		ToolInvocations: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "convoai_tool_invocations_total",
				Help: "Tool invocations routed through the Dispatcher, by outcome",
			},
			[]string{"outcome"},
		),
		ToolInvocationDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "convoai_tool_invocation_duration_seconds",
				Help:    "Duration of one tool-server invocation round trip",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
			},
		),
		ModelRetries: promauto.NewCounter(prometheus.CounterOpts{
			Name: "convoai_model_retries_total",
			Help: "Model invocation retry attempts",
		}),
		ModelInvocations: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "convoai_model_invocations_total",
				Help: "Terminal model invocation outcomes, by outcome",
			},
			[]string{"outcome"},
		),
		IngestDropped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "convoai_ingest_dropped_total",
			Help: "Analytics Ingestor records dropped",
		}),
		IngestRecords: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "convoai_ingest_records_total",
				Help: "Analytics Ingestor records accepted, by kind",
			},
			[]string{"kind"},
		),
	}
}
