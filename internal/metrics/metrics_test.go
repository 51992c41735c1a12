package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveTurn("buyer", "success")
	m.ObserveTurn("buyer", "success")
	m.ObserveTurn("vendor", "partial")
	m.ObserveToolCall("search_datasets", true)
	m.ObserveToolCall("search_datasets", false)
	m.ObserveRegistryLoad("buyer", false)
	m.ObserveLLM("first", 300*time.Millisecond, true)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Turns.WithLabelValues("buyer", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Turns.WithLabelValues("vendor", "partial")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ToolCalls.WithLabelValues("search_datasets", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RegistryLoads.WithLabelValues("buyer", "error")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.LLMLatency))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveTurn("buyer", "success")
		m.ObserveToolCall("x", true)
		m.ObserveRegistryLoad("buyer", true)
		m.ObserveLLM("first", time.Second, false)
	})
}
