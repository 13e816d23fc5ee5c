// Package metrics exposes Prometheus collectors for the chat pipeline.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	chatRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "support_chat_requests_total",
		Help: "Chat requests by format and outcome",
	}, []string{"format", "outcome"})

	providerLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "support_provider_latency_ms",
		Help:    "Latency of embedding, vector search and LLM calls in milliseconds",
		Buckets: []float64{10, 25, 50, 100, 200, 400, 800, 1500, 3000, 6000, 12000, 30000},
	}, []string{"provider", "result"})

	retrievalResults = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "support_retrieval_results",
		Help:    "Number of chunks kept after threshold filtering",
		Buckets: []float64{0, 1, 2, 3, 5, 10, 20},
	})

	retrievalTop1 = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "support_retrieval_top1",
		Help:    "Similarity score of the best retrieved chunk",
		Buckets: []float64{0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.85, 0.9, 0.95, 1.0},
	})

	rateLimitRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "support_llm_rate_limit_retries_total",
		Help: "LLM calls retried after a rate limit response",
	})

	evictions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "support_engagement_evictions_total",
		Help: "Engagement entries evicted by kind",
	}, []string{"kind"})
)

func ensureRegistered() {
	once.Do(func() {
		prometheus.MustRegister(chatRequests, providerLatency, retrievalResults, retrievalTop1, rateLimitRetries, evictions)
	})
}

// IncChat counts one finished chat request.
func IncChat(format, outcome string) {
	ensureRegistered()
	chatRequests.WithLabelValues(format, outcome).Inc()
}

// ObserveProvider records the latency of one provider call.
func ObserveProvider(provider string, start time.Time, err error) {
	ensureRegistered()
	result := "ok"
	if err != nil {
		result = "error"
	}
	providerLatency.WithLabelValues(provider, result).Observe(float64(time.Since(start).Milliseconds()))
}

// ObserveRetrieval records how many chunks were kept and the best score.
func ObserveRetrieval(results int, top1 float64) {
	ensureRegistered()
	retrievalResults.Observe(float64(results))
	if results > 0 {
		retrievalTop1.Observe(top1)
	}
}

// IncRateLimitRetry counts one LLM retry.
func IncRateLimitRetry() {
	ensureRegistered()
	rateLimitRetries.Inc()
}

// AddEvictions counts evicted engagement entries.
func AddEvictions(kind string, n int) {
	ensureRegistered()
	if n > 0 {
		evictions.WithLabelValues(kind).Add(float64(n))
	}
}

// Handler serves the default registry.
func Handler() http.Handler {
	ensureRegistered()
	return promhttp.Handler()
}
