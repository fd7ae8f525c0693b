package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Pipeline metrics
	PipelineRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "answerline_pipeline_requests_total",
			Help: "Total number of pipeline requests by cache outcome",
		},
		[]string{"cache_result"},
	)

	PipelineDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "answerline_pipeline_duration_seconds",
			Help:    "End-to-end pipeline duration in seconds",
			Buckets: []float64{0.005, 0.025, 0.1, 0.5, 1, 2.5, 5, 10, 25},
		},
		[]string{"cache_result"},
	)

	PipelinePartial = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "answerline_pipeline_partial_total",
			Help: "Answers assembled from partial retrieval results",
		},
	)

	// Semantic cache metrics
	CacheRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "answerline_cache_requests_total",
			Help: "Cache lookups by result kind",
		},
		[]string{"result"},
	)

	CacheEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "answerline_cache_entries",
			Help: "Current number of cache entries",
		},
	)

	CacheBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "answerline_cache_bytes",
			Help: "Approximate bytes held by cached values",
		},
	)

	CacheEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "answerline_cache_evictions_total",
			Help: "Entries removed from the cache by reason",
		},
		[]string{"reason"},
	)

	CacheTokensSaved = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "answerline_cache_tokens_saved_total",
			Help: "Tokens avoided by serving cached answers",
		},
	)

	CacheTokensSpent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "answerline_cache_tokens_spent_total",
			Help: "Tokens spent producing answers that were cached",
		},
	)

	SemanticScanDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "answerline_cache_semantic_scan_seconds",
			Help:    "Duration of semantic similarity scans",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		},
	)

	SemanticCandidatesScanned = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "answerline_cache_semantic_candidates_scanned",
			Help:    "Entries compared per semantic lookup",
			Buckets: []float64{1, 8, 32, 128, 512, 2048, 8192},
		},
	)

	CacheMirrorOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "answerline_cache_mirror_operations_total",
			Help: "Redis mirror operations by status",
		},
		[]string{"operation", "status"},
	)

	// Embedding metrics
	EmbeddingRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "answerline_embedding_requests_total",
			Help: "Embedding lookups by outcome",
		},
		[]string{"status"},
	)

	EmbeddingLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "answerline_embedding_latency_seconds",
			Help:    "Latency of embedding provider calls",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
	)

	// Vector search metrics
	SourceSearches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "answerline_source_searches_total",
			Help: "Vector searches per source by outcome",
		},
		[]string{"source", "status"},
	)

	SourceSearchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "answerline_source_search_seconds",
			Help:    "Per-source vector search duration",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8},
		},
		[]string{"source"},
	)

	SourceHitsReturned = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "answerline_source_hits_returned",
			Help:    "Hits returned per source search",
			Buckets: []float64{0, 1, 2, 5, 10, 20, 50},
		},
		[]string{"source"},
	)

	// LLM metrics
	LLMRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "answerline_llm_requests_total",
			Help: "LLM completion attempts by provider and status",
		},
		[]string{"provider", "status"},
	)

	LLMLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "answerline_llm_latency_seconds",
			Help:    "LLM completion latency per attempt",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 20, 30},
		},
		[]string{"provider"},
	)

	LLMTokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "answerline_llm_tokens_total",
			Help: "Provider-reported token usage",
		},
		[]string{"kind"},
	)

	LLMTokenEstimateDrift = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "answerline_llm_token_estimate_ratio",
			Help:    "Locally estimated tokens divided by provider-reported tokens",
			Buckets: []float64{0.25, 0.5, 0.75, 0.9, 1, 1.1, 1.25, 1.5, 2, 4},
		},
	)

	LLMRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "answerline_llm_retries_total",
			Help: "LLM attempts retried after transient failures",
		},
		[]string{"provider"},
	)

	// HTTP metrics
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "answerline_http_requests_total",
			Help: "HTTP requests by route, method and status code",
		},
		[]string{"route", "method", "status"},
	)

	HTTPDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "answerline_http_request_duration_seconds",
			Help:    "HTTP request duration by route",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)

// RecordPipeline records one pipeline completion.
func RecordPipeline(cacheResult string, seconds float64, partial bool) {
	PipelineRequests.WithLabelValues(cacheResult).Inc()
	PipelineDuration.WithLabelValues(cacheResult).Observe(seconds)
	if partial {
		PipelinePartial.Inc()
	}
}

// RecordCacheLookup records a cache lookup outcome (exact_hit, semantic_hit, miss).
func RecordCacheLookup(result string) {
	CacheRequests.WithLabelValues(result).Inc()
}

// RecordSourceSearch records one per-source search outcome.
func RecordSourceSearch(source, status string, seconds float64, hits int) {
	SourceSearches.WithLabelValues(source, status).Inc()
	SourceSearchDuration.WithLabelValues(source).Observe(seconds)
	if status == "ok" {
		SourceHitsReturned.WithLabelValues(source).Observe(float64(hits))
	}
}

// RecordLLMCall records one completion attempt.
func RecordLLMCall(provider, status string, seconds float64) {
	LLMRequests.WithLabelValues(provider, status).Inc()
	LLMLatency.WithLabelValues(provider).Observe(seconds)
}

// RecordLLMUsage records provider-reported usage and, when a local estimate
// exists, the drift between the two.
func RecordLLMUsage(promptTokens, completionTokens, estimated int) {
	LLMTokens.WithLabelValues("prompt").Add(float64(promptTokens))
	LLMTokens.WithLabelValues("completion").Add(float64(completionTokens))
	if reported := promptTokens + completionTokens; reported > 0 && estimated > 0 {
		LLMTokenEstimateDrift.Observe(float64(estimated) / float64(reported))
	}
}
