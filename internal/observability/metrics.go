package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments exported by the core.
type Metrics struct {
	StreamReads     *prometheus.CounterVec
	StreamAcks      prometheus.Counter
	DLQEmissions    *prometheus.CounterVec
	GraphRuns       *prometheus.CounterVec
	GraphDuration   prometheus.Histogram
	ToolExecutions  *prometheus.CounterVec
	LLMCalls        *prometheus.CounterVec
	LLMDuration     prometheus.Histogram
	RetriesRecorded prometheus.Counter
	SchedulerFires  *prometheus.CounterVec
}

// NewMetrics registers the core's instruments on reg. Pass
// prometheus.NewRegistry() in tests to avoid default-registry
// collisions.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		StreamReads: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "marlowe_stream_reads_total",
			Help: "Stream entries read, by stream and source (new or reclaimed).",
		}, []string{"stream", "source"}),
		StreamAcks: factory.NewCounter(prometheus.CounterOpts{
			Name: "marlowe_stream_acks_total",
			Help: "Stream entries acknowledged.",
		}),
		DLQEmissions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "marlowe_dlq_emissions_total",
			Help: "Entries routed to the dead-letter stream, by error type.",
		}, []string{"error_type"}),
		GraphRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "marlowe_graph_runs_total",
			Help: "Conversation graph invocations, by outcome.",
		}, []string{"outcome"}),
		GraphDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "marlowe_graph_duration_seconds",
			Help:    "Conversation graph invocation duration.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}),
		ToolExecutions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "marlowe_tool_executions_total",
			Help: "Tool executions, by tool name and outcome.",
		}, []string{"tool", "outcome"}),
		LLMCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "marlowe_llm_calls_total",
			Help: "LLM provider calls, by provider and outcome.",
		}, []string{"provider", "outcome"}),
		LLMDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "marlowe_llm_duration_seconds",
			Help:    "LLM call duration.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 8),
		}),
		RetriesRecorded: factory.NewCounter(prometheus.CounterOpts{
			Name: "marlowe_retries_total",
			Help: "Processing failures that incremented a retry record.",
		}),
		SchedulerFires: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "marlowe_scheduler_fires_total",
			Help: "Reminder fires, by reminder type and outcome.",
		}, []string{"type", "outcome"}),
	}
}
