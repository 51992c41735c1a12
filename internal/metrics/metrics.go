// ABOUTME: Prometheus metrics for the conversation engine
// ABOUTME: Counts turns by terminal state, tool calls by outcome, and registry loads
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is safe to use as a nil pointer; every method is then a no-op
type Metrics struct {
	Turns         *prometheus.CounterVec
	ToolCalls     *prometheus.CounterVec
	RegistryLoads *prometheus.CounterVec
	LLMLatency    *prometheus.HistogramVec
}

// New creates and registers the engine metrics
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "marketplace_agent",
			Name:      "turns_total",
			Help:      "Conversation turns processed, by persona and terminal state.",
		}, []string{"persona", "state"}),
		ToolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "marketplace_agent",
			Name:      "tool_calls_total",
			Help:      "Tool invocations, by tool and outcome.",
		}, []string{"tool", "outcome"}),
		RegistryLoads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "marketplace_agent",
			Name:      "tool_registry_loads_total",
			Help:      "Tool registry load attempts, by persona and outcome.",
		}, []string{"persona", "outcome"}),
		LLMLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "marketplace_agent",
			Name:      "llm_call_duration_seconds",
			Help:      "Chat completion latency, by call stage.",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 8),
		}, []string{"stage", "outcome"}),
	}
	if reg != nil {
		reg.MustRegister(m.Turns, m.ToolCalls, m.RegistryLoads, m.LLMLatency)
	}
	return m
}

func outcome(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}

// ObserveTurn counts a finished turn
func (m *Metrics) ObserveTurn(persona, state string) {
	if m == nil {
		return
	}
	m.Turns.WithLabelValues(persona, state).Inc()
}

// ObserveToolCall counts one tool invocation
func (m *Metrics) ObserveToolCall(tool string, ok bool) {
	if m == nil {
		return
	}
	m.ToolCalls.WithLabelValues(tool, outcome(ok)).Inc()
}

// ObserveRegistryLoad counts one registry load attempt
func (m *Metrics) ObserveRegistryLoad(persona string, ok bool) {
	if m == nil {
		return
	}
	m.RegistryLoads.WithLabelValues(persona, outcome(ok)).Inc()
}

// ObserveLLM records one chat completion
func (m *Metrics) ObserveLLM(stage string, d time.Duration, ok bool) {
	if m == nil {
		return
	}
	m.LLMLatency.WithLabelValues(stage, outcome(ok)).Observe(d.Seconds())
}
