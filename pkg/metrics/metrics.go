// Package metrics exposes the agent's Prometheus collectors.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Turn kinds.
const (
	TurnKindQuery        = "query"
	TurnKindContinuation = "continuation"
	TurnKindCorrection   = "correction"
)

var (
	agentTurnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlagent_agent_turns_total",
			Help: "Total number of agent turns by kind and outcome status.",
		},
		[]string{"kind", "status"},
	)
	agentTurnLatencyMs = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sqlagent_agent_turn_latency_ms",
			Help:    "Agent turn latency in milliseconds, including the reasoning call.",
			Buckets: []float64{50, 100, 250, 500, 1000, 2000, 5000, 10000, 30000, 60000},
		},
	)
	llmTokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlagent_llm_tokens_total",
			Help: "Total number of LLM tokens by type (prompt, completion).",
		},
		[]string{"type"},
	)
	llmRateLimitRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sqlagent_llm_rate_limit_retries_total",
			Help: "Total number of LLM calls retried after a rate-limit response.",
		},
	)
	metadataSubmissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlagent_metadata_submissions_total",
			Help: "Total number of accepted metadata submissions by type.",
		},
		[]string{"type"},
	)
	contextMergesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlagent_context_merges_total",
			Help: "Total number of workspace context merges by result.",
		},
		[]string{"result"},
	)
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlagent_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sqlagent_http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

func init() {
	prometheus.MustRegister(
		agentTurnsTotal,
		agentTurnLatencyMs,
		llmTokensTotal,
		llmRateLimitRetriesTotal,
		metadataSubmissionsTotal,
		contextMergesTotal,
		httpRequestsTotal,
		httpRequestDurationSeconds,
	)
}

func ObserveTurn(kind, status string, elapsed time.Duration) {
	agentTurnsTotal.WithLabelValues(kind, status).Inc()
	agentTurnLatencyMs.Observe(float64(elapsed.Milliseconds()))
}

func AddTokens(prompt, completion int) {
	if prompt > 0 {
		llmTokensTotal.WithLabelValues("prompt").Add(float64(prompt))
	}
	if completion > 0 {
		llmTokensTotal.WithLabelValues("completion").Add(float64(completion))
	}
}

func IncrementRateLimitRetry() {
	llmRateLimitRetriesTotal.Inc()
}

func IncrementMetadataSubmission(metadataType string) {
	metadataSubmissionsTotal.WithLabelValues(metadataType).Inc()
}

// IncrementContextMerge records a merge attempt; result is one of created,
// merged, conflict or failed.
func IncrementContextMerge(result string) {
	contextMergesTotal.WithLabelValues(result).Inc()
}

// ObserveHTTPRequest records one request. path should be the route pattern,
// not the raw URL, to keep label cardinality bounded.
func ObserveHTTPRequest(method, path string, status int, elapsed time.Duration) {
	statusLabel := strconv.Itoa(status)
	httpRequestsTotal.WithLabelValues(method, path, statusLabel).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, path, statusLabel).Observe(elapsed.Seconds())
}
