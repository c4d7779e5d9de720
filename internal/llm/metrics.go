package llm

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the Prometheus collectors for model calls.
type Metrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	tokens   *prometheus.CounterVec
	retries  *prometheus.CounterVec
}

// NewMetrics registers the collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ipv_llm_requests_total",
			Help: "Model invocations by final status.",
		}, []string{"provider", "model", "status"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ipv_llm_request_duration_seconds",
			Help:    "Wall time of a model invocation including retries.",
			Buckets: []float64{0.25, 0.5, 1, 2, 4, 8, 15, 30, 60, 120},
		}, []string{"provider", "model"}),
		tokens: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ipv_llm_tokens_total",
			Help: "Tokens consumed by kind (prompt, completion).",
		}, []string{"provider", "model", "kind"}),
		retries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ipv_llm_retries_total",
			Help: "Retried model call attempts.",
		}, []string{"provider", "model"}),
	}
}

func (m *Metrics) observe(provider, modelName, status string, seconds float64, prompt, completion int) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(provider, modelName, status).Inc()
	m.duration.WithLabelValues(provider, modelName).Observe(seconds)
	m.tokens.WithLabelValues(provider, modelName, "prompt").Add(float64(prompt))
	m.tokens.WithLabelValues(provider, modelName, "completion").Add(float64(completion))
}

func (m *Metrics) retried(provider, modelName string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(provider, modelName).Inc()
}
