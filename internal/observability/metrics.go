package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects the core's prometheus metrics: event bus flow, tool
// execution outcomes, and subagent activity.
type Metrics struct {
	// EventsPublished counts events appended to the stream.
	// Labels: event_type
	EventsPublished *prometheus.CounterVec

	// HandlerRetries counts per-handler retry attempts.
	// Labels: handler
	HandlerRetries *prometheus.CounterVec

	// DeadLetters counts events written to the dead-letter log.
	// Labels: handler
	DeadLetters *prometheus.CounterVec

	// ToolExecutions counts tool invocations.
	// Labels: skill, tool, status (success|error|unavailable)
	ToolExecutions *prometheus.CounterVec

	// ToolDuration measures tool execution time in seconds.
	// Labels: skill, tool
	ToolDuration *prometheus.HistogramVec

	// SubagentActive is the number of in-flight subagent runs.
	SubagentActive prometheus.Gauge

	// SubagentTokens counts tokens consumed by subagent runs.
	// Labels: provider, model, type (input|output)
	SubagentTokens *prometheus.CounterVec

	// AlertsRouted counts routed alerts by outcome.
	// Labels: event_type, outcome (delivered|suppressed|no_rule)
	AlertsRouted *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics on the given registerer.
// Pass prometheus.DefaultRegisterer in production; a private registry in
// tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EventsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coda_events_published_total",
				Help: "Events appended to the event stream",
			},
			[]string{"event_type"},
		),
		HandlerRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coda_handler_retries_total",
				Help: "Event handler retry attempts",
			},
			[]string{"handler"},
		),
		DeadLetters: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coda_dead_letters_total",
				Help: "Events written to the dead-letter log",
			},
			[]string{"handler"},
		),
		ToolExecutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coda_tool_executions_total",
				Help: "Tool invocations by outcome",
			},
			[]string{"skill", "tool", "status"},
		),
		ToolDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "coda_tool_duration_seconds",
				Help:    "Tool execution duration in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"skill", "tool"},
		),
		SubagentActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "coda_subagent_active",
				Help: "In-flight subagent runs",
			},
		),
		SubagentTokens: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coda_subagent_tokens_total",
				Help: "Tokens consumed by subagent runs",
			},
			[]string{"provider", "model", "type"},
		),
		AlertsRouted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coda_alerts_routed_total",
				Help: "Alert routing outcomes",
			},
			[]string{"event_type", "outcome"},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.EventsPublished,
			m.HandlerRetries,
			m.DeadLetters,
			m.ToolExecutions,
			m.ToolDuration,
			m.SubagentActive,
			m.SubagentTokens,
			m.AlertsRouted,
		)
	}
	return m
}
