package observability

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is a Sink that records Prometheus instruments on its own registry.
type Metrics struct {
	registry *prometheus.Registry

	ModelCalls    *prometheus.CounterVec
	ModelLatency  *prometheus.HistogramVec
	Tokens        *prometheus.CounterVec
	ToolCalls     *prometheus.CounterVec
	ToolLatency   *prometheus.HistogramVec
	CeilingHits   prometheus.Counter
	Turns         *prometheus.CounterVec
	MemoryFlushes *prometheus.CounterVec
	ActiveAgents  prometheus.Gauge
}

// NewMetrics registers all instruments under namespace. Go runtime and
// process collectors are included.
func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		ModelCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_calls_total",
			Help:      "Model invocations by provider, model and outcome.",
		}, []string{"provider", "model", "outcome"}),
		ModelLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "model_call_duration_seconds",
			Help:      "Model invocation latency.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 4, 8, 16, 32, 64},
		}, []string{"provider"}),
		Tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_total",
			Help:      "Tokens consumed by direction and whether they were estimated.",
		}, []string{"direction", "estimated"}),
		ToolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Tool requests by tool and result (executed, blocked, error).",
		}, []string{"tool", "result"}),
		ToolLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_call_duration_seconds",
			Help:      "Tool execution latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"tool"}),
		CeilingHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_ceiling_reached_total",
			Help:      "Turns that ended because the tool step ceiling was reached.",
		}),
		Turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Handled user messages by outcome.",
		}, []string{"outcome"}),
		MemoryFlushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "memory_flushes_total",
			Help:      "Memory flushes by outcome.",
		}, []string{"outcome"}),
		ActiveAgents: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_agents",
			Help:      "Per-user agents currently held in memory.",
		}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.ModelCalls, m.ModelLatency, m.Tokens,
		m.ToolCalls, m.ToolLatency, m.CeilingHits,
		m.Turns, m.MemoryFlushes, m.ActiveAgents,
	)
	return m
}

func (m *Metrics) ModelCall(_ context.Context, ev ModelCallEvent) {
	m.ModelCalls.WithLabelValues(ev.Provider, ev.Model, Outcome(ev.Err)).Inc()
	m.ModelLatency.WithLabelValues(ev.Provider).Observe(ev.Duration.Seconds())
	if ev.Err != nil {
		return
	}
	est := "false"
	if ev.Estimated {
		est = "true"
	}
	m.Tokens.WithLabelValues("prompt", est).Add(float64(ev.PromptTokens))
	m.Tokens.WithLabelValues("completion", est).Add(float64(ev.CompletionTokens))
}

func (m *Metrics) ToolCall(_ context.Context, ev ToolCallEvent) {
	switch {
	case ev.Blocked:
		m.ToolCalls.WithLabelValues(ev.Tool, "blocked").Inc()
		return
	case ev.Err != nil:
		m.ToolCalls.WithLabelValues(ev.Tool, "error").Inc()
	default:
		m.ToolCalls.WithLabelValues(ev.Tool, "executed").Inc()
	}
	m.ToolLatency.WithLabelValues(ev.Tool).Observe(ev.Duration.Seconds())
}

func (m *Metrics) CeilingReached(context.Context, int) {
	m.CeilingHits.Inc()
}

// ObserveTurn counts one handled message.
func (m *Metrics) ObserveTurn(err error) {
	m.Turns.WithLabelValues(Outcome(err)).Inc()
}

// ObserveFlush counts one memory flush.
func (m *Metrics) ObserveFlush(err error) {
	m.MemoryFlushes.WithLabelValues(Outcome(err)).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
