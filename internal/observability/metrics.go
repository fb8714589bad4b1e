package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the engine's Prometheus instrument set. It registers against a
// caller-supplied registry so the external HTTP surface decides where and
// whether /metrics is exposed; the engine itself never reads metrics back.
type Metrics struct {
	// LLMRequestCounter counts provider calls.
	// Labels: provider, model, status (ok|error|cached)
	LLMRequestCounter *prometheus.CounterVec

	// LLMRequestDuration measures provider call latency in seconds.
	// Labels: provider, model
	LLMRequestDuration *prometheus.HistogramVec

	// LLMTokensUsed tracks token consumption.
	// Labels: provider, model, type (input|output|cache_write|cache_read)
	LLMTokensUsed *prometheus.CounterVec

	// LLMErrorCounter counts terminal provider errors by classified reason.
	// Labels: provider, reason
	LLMErrorCounter *prometheus.CounterVec

	// FailoverCounter counts cross-provider failover hops.
	// Labels: from, to
	FailoverCounter *prometheus.CounterVec

	// CostUSD accumulates metered cost in USD.
	CostUSD prometheus.Counter

	// CacheCounter counts response-cache lookups.
	// Labels: result (hit|miss)
	CacheCounter *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool, status (ok|error)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool
	ToolExecutionDuration *prometheus.HistogramVec

	// LoopIterations observes iterations consumed per user turn.
	LoopIterations prometheus.Histogram

	// ActiveSessions tracks sessions currently held by the store.
	ActiveSessions prometheus.Gauge
}

// NewMetrics creates and registers the instrument set on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		LLMRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_llm_requests_total",
				Help: "Total LLM provider calls by provider, model, and outcome",
			},
			[]string{"provider", "model", "status"},
		),
		LLMRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_llm_request_duration_seconds",
				Help:    "Latency of LLM provider calls in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"provider", "model"},
		),
		LLMTokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_llm_tokens_total",
				Help: "Token consumption by provider, model, and token type",
			},
			[]string{"provider", "model", "type"},
		),
		LLMErrorCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_llm_errors_total",
				Help: "Terminal provider errors by classified reason",
			},
			[]string{"provider", "reason"},
		),
		FailoverCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_llm_failovers_total",
				Help: "Cross-provider failover hops",
			},
			[]string{"from", "to"},
		),
		CostUSD: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "relay_cost_usd_total",
				Help: "Cumulative metered cost in USD",
			},
		),
		CacheCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_response_cache_total",
				Help: "Response cache lookups by result",
			},
			[]string{"result"},
		),
		ToolExecutionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_tool_executions_total",
				Help: "Tool invocations by tool and outcome",
			},
			[]string{"tool", "status"},
		),
		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_tool_execution_duration_seconds",
				Help:    "Tool execution time in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool"},
		),
		LoopIterations: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "relay_loop_iterations",
				Help:    "Agentic loop iterations consumed per user turn",
				Buckets: []float64{1, 2, 3, 4, 6, 8, 12},
			},
		),
		ActiveSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "relay_active_sessions",
				Help: "Sessions currently held by the session store",
			},
		),
	}
}

// NopMetrics returns an instrument set on a throwaway registry. Used in
// tests and when the caller supplies no registry.
func NopMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}
