package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the Prometheus metric set of the orchestrator, namespaced
// "pipelit". A nil *Metrics is a no-op, so tests and embedded uses can skip
// registration entirely.
type Metrics struct {
	executionsStarted  prometheus.Counter
	executionsFinished *prometheus.CounterVec

	nodeLatency *prometheus.HistogramVec
	retries     *prometheus.CounterVec

	tokens    *prometheus.CounterVec
	costUSD   prometheus.Counter
	llmCalls  prometheus.Counter
	toolCalls prometheus.Counter
}

// NewMetrics registers the orchestrator metrics with the given registry.
// A nil registry uses the global default.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		executionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "pipelit",
			Name:      "executions_started_total",
			Help:      "Workflow executions that began running.",
		}),
		executionsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pipelit",
			Name:      "executions_finished_total",
			Help:      "Workflow executions that reached a terminal state.",
		}, []string{"status"}),
		nodeLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "pipelit",
			Name:      "node_duration_ms",
			Help:      "Node attempt duration in milliseconds.",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000, 60000},
		}, []string{"node_id", "status"}),
		retries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pipelit",
			Name:      "node_retries_total",
			Help:      "Node attempts re-enqueued after a transient failure.",
		}, []string{"node_id", "code"}),
		tokens: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pipelit",
			Name:      "tokens_total",
			Help:      "LLM tokens consumed, by direction.",
		}, []string{"direction"}),
		costUSD: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "pipelit",
			Name:      "cost_usd_total",
			Help:      "Estimated LLM spend in US dollars.",
		}),
		llmCalls: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "pipelit",
			Name:      "llm_calls_total",
			Help:      "Model invocations across all executions.",
		}),
		toolCalls: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "pipelit",
			Name:      "tool_invocations_total",
			Help:      "Tool invocations across all executions.",
		}),
	}
}

func (m *Metrics) executionStarted() {
	if m != nil {
		m.executionsStarted.Inc()
	}
}

func (m *Metrics) executionFinished(status string) {
	if m != nil {
		m.executionsFinished.WithLabelValues(status).Inc()
	}
}

func (m *Metrics) nodeAttempt(nodeID, status string, durationMS int64) {
	if m != nil {
		m.nodeLatency.WithLabelValues(nodeID, status).Observe(float64(durationMS))
	}
}

func (m *Metrics) nodeRetry(nodeID, code string) {
	if m != nil {
		m.retries.WithLabelValues(nodeID, code).Inc()
	}
}

func (m *Metrics) usage(inputTokens, outputTokens, llmCalls, toolCalls int, cost float64) {
	if m == nil {
		return
	}
	m.tokens.WithLabelValues("input").Add(float64(inputTokens))
	m.tokens.WithLabelValues("output").Add(float64(outputTokens))
	m.costUSD.Add(cost)
	m.llmCalls.Add(float64(llmCalls))
	m.toolCalls.Add(float64(toolCalls))
}
