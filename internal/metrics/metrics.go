// Package metrics provides Prometheus instrumentation for chat turns.
//
// A nil *Metrics is valid and records nothing; one-shot commands run the
// agent loop uninstrumented.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "parley"

// Metrics holds the chat turn collectors.
type Metrics struct {
	// TurnsTotal counts completed user turns.
	// Labels: branch (plain, tool, failed)
	TurnsTotal *prometheus.CounterVec

	// ToolInvocationsTotal counts tool invocations requested by the model.
	// Labels: tool, outcome (ok, unknown_tool, malformed_arguments, error)
	ToolInvocationsTotal *prometheus.CounterVec

	// CompletionDuration measures each completion call.
	// Labels: phase (first, second), status (ok, error)
	CompletionDuration *prometheus.HistogramVec

	// TokensTotal counts tokens reported by the provider.
	// Labels: direction (input, output)
	TokensTotal *prometheus.CounterVec

	// ActiveTurns tracks turns currently being processed.
	ActiveTurns prometheus.Gauge

	// ProviderUp is 1 while the provider answers health probes.
	// Labels: provider
	ProviderUp *prometheus.GaugeVec
}

// New creates and registers the collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		TurnsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "chat",
			Name:      "turns_total",
			Help:      "User turns processed, by branch taken.",
		}, []string{"branch"}),
		ToolInvocationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tools",
			Name:      "invocations_total",
			Help:      "Tool invocations requested by the model, by outcome.",
		}, []string{"tool", "outcome"}),
		CompletionDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "completion",
			Name:      "duration_seconds",
			Help:      "Completion call latency.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
		}, []string{"phase", "status"}),
		TokensTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "completion",
			Name:      "tokens_total",
			Help:      "Tokens reported by the completion provider.",
		}, []string{"direction"}),
		ActiveTurns: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "chat",
			Name:      "active_turns",
			Help:      "Turns currently in progress.",
		}),
		ProviderUp: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "provider_up",
			Help:      "Whether the completion provider answered its last probe.",
		}, []string{"provider"}),
	}
}

// TurnStarted marks a turn in progress and returns its completion func.
func (m *Metrics) TurnStarted() func(branch string) {
	if m == nil {
		return func(string) {}
	}
	m.ActiveTurns.Inc()
	return func(branch string) {
		m.ActiveTurns.Dec()
		m.TurnsTotal.WithLabelValues(branch).Inc()
	}
}

// ObserveTool counts one tool invocation.
func (m *Metrics) ObserveTool(tool, outcome string) {
	if m == nil {
		return
	}
	m.ToolInvocationsTotal.WithLabelValues(tool, outcome).Inc()
}

// ObserveCompletion records one completion call.
func (m *Metrics) ObserveCompletion(phase string, err error, elapsed time.Duration, inputTokens, outputTokens int) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.CompletionDuration.WithLabelValues(phase, status).Observe(elapsed.Seconds())
	if inputTokens > 0 {
		m.TokensTotal.WithLabelValues("input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		m.TokensTotal.WithLabelValues("output").Add(float64(outputTokens))
	}
}

// SetProviderUp records the latest probe result for provider.
func (m *Metrics) SetProviderUp(provider string, up bool) {
	if m == nil {
		return
	}
	v := 0.0
	if up {
		v = 1
	}
	m.ProviderUp.WithLabelValues(provider).Set(v)
}
