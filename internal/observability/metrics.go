package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for the orchestration engine.
// Every method is safe to call on a nil *Metrics.
type Metrics struct {
	// Steps counts continuation steps by outcome
	// (continued, done, paused, error, skipped).
	Steps *prometheus.CounterVec

	// StepDuration measures wall time of one continuation step.
	StepDuration prometheus.Histogram

	// ToolExecutions counts tool invocations by tool and status.
	ToolExecutions *prometheus.CounterVec

	// ToolDuration measures tool execution latency.
	ToolDuration *prometheus.HistogramVec

	// LLMRequests counts gateway calls by provider, model and status.
	LLMRequests *prometheus.CounterVec

	// LLMLatency measures gateway latency by provider and model.
	LLMLatency *prometheus.HistogramVec

	// LLMTokens counts tokens by provider, model and direction.
	LLMTokens *prometheus.CounterVec

	// Jobs counts background jobs by kind and final status.
	Jobs *prometheus.CounterVec

	// Dispatches counts inbound events by outcome.
	Dispatches *prometheus.CounterVec

	// EmbeddingFailures counts swallowed embedding errors by record kind.
	EmbeddingFailures *prometheus.CounterVec
}

// NewMetrics registers all collectors with reg. A nil reg uses the default
// Prometheus registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		Steps: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskloop_steps_total",
				Help: "Total number of continuation steps by outcome",
			},
			[]string{"outcome"},
		),
		StepDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "taskloop_step_duration_seconds",
				Help:    "Duration of a continuation step in seconds",
				Buckets: []float64{.1, .5, 1, 2.5, 5, 10, 30, 60, 120},
			},
		),
		ToolExecutions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskloop_tool_executions_total",
				Help: "Total number of tool executions by tool name and status",
			},
			[]string{"tool", "status"},
		),
		ToolDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "taskloop_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"tool"},
		),
		LLMRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskloop_llm_requests_total",
				Help: "Total number of LLM requests by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),
		LLMLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "taskloop_llm_request_duration_seconds",
				Help:    "LLM request latency in seconds",
				Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),
		LLMTokens: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskloop_llm_tokens_total",
				Help: "Total number of tokens used by provider, model, and type (input/output)",
			},
			[]string{"provider", "model", "type"},
		),
		Jobs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskloop_jobs_total",
				Help: "Total number of background jobs by kind and status",
			},
			[]string{"kind", "status"},
		),
		Dispatches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskloop_dispatches_total",
				Help: "Total number of inbound events dispatched by outcome",
			},
			[]string{"outcome"},
		),
		EmbeddingFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskloop_embedding_failures_total",
				Help: "Total number of embedding failures by record kind",
			},
			[]string{"kind"},
		),
	}
}

// RecordStep records the outcome and duration of a continuation step.
func (m *Metrics) RecordStep(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.Steps.WithLabelValues(outcome).Inc()
	m.StepDuration.Observe(duration.Seconds())
}

// RecordToolExecution records a tool execution.
func (m *Metrics) RecordToolExecution(tool, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.ToolExecutions.WithLabelValues(tool, status).Inc()
	m.ToolDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

// RecordLLMRequest records a gateway request with its token usage.
func (m *Metrics) RecordLLMRequest(provider, model, status string, duration time.Duration, inputTokens, outputTokens int) {
	if m == nil {
		return
	}
	m.LLMRequests.WithLabelValues(provider, model, status).Inc()
	m.LLMLatency.WithLabelValues(provider, model).Observe(duration.Seconds())
	if inputTokens > 0 {
		m.LLMTokens.WithLabelValues(provider, model, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		m.LLMTokens.WithLabelValues(provider, model, "output").Add(float64(outputTokens))
	}
}

// RecordJob records the terminal status of a job attempt.
func (m *Metrics) RecordJob(kind, status string) {
	if m == nil {
		return
	}
	m.Jobs.WithLabelValues(kind, status).Inc()
}

// RecordDispatch records the outcome of an inbound event.
func (m *Metrics) RecordDispatch(outcome string) {
	if m == nil {
		return
	}
	m.Dispatches.WithLabelValues(outcome).Inc()
}

// RecordEmbeddingFailure counts a swallowed embedding error.
func (m *Metrics) RecordEmbeddingFailure(kind string) {
	if m == nil {
		return
	}
	m.EmbeddingFailures.WithLabelValues(kind).Inc()
}
