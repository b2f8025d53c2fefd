package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects the counters and histograms exposed on the controller's
// /metrics endpoint.
type Metrics struct {
	// ProviderRequests counts LLM calls.
	// Labels: provider, model, status (success|error)
	ProviderRequests *prometheus.CounterVec

	// ProviderTokens tracks token consumption.
	// Labels: model, type (input|output|cached)
	ProviderTokens *prometheus.CounterVec

	// ToolExecutions counts tool invocations.
	// Labels: tool, status (completed|failed|aborted)
	ToolExecutions *prometheus.CounterVec

	// ToolDuration measures tool execution time in seconds.
	// Labels: tool
	ToolDuration *prometheus.HistogramVec

	// Compactions counts history compactions.
	// Labels: outcome (summarized|truncated)
	Compactions *prometheus.CounterVec

	// ActiveProcesses gauges live engine processes by status.
	ActiveProcesses *prometheus.GaugeVec

	// QueuedEvents gauges outbound events waiting for reconnect.
	QueuedEvents prometheus.Gauge
}

// NewMetrics registers all metrics with reg. Pass a fresh registry in tests
// to avoid duplicate registration.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		ProviderRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "magi_provider_requests_total",
			Help: "LLM provider calls by provider, model and status.",
		}, []string{"provider", "model", "status"}),
		ProviderTokens: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "magi_provider_tokens_total",
			Help: "Token usage by model and token type.",
		}, []string{"model", "type"}),
		ToolExecutions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "magi_tool_executions_total",
			Help: "Tool invocations by tool name and terminal status.",
		}, []string{"tool", "status"}),
		ToolDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "magi_tool_duration_seconds",
			Help:    "Tool execution duration.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"tool"}),
		Compactions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "magi_history_compactions_total",
			Help: "History compactions by outcome.",
		}, []string{"outcome"}),
		ActiveProcesses: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "magi_active_processes",
			Help: "Engine processes by lifecycle status.",
		}, []string{"status"}),
		QueuedEvents: factory.NewGauge(prometheus.GaugeOpts{
			Name: "magi_queued_events",
			Help: "Outbound events queued while the controller socket is down.",
		}),
	}
}
