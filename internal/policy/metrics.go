package policy

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	policyEvaluations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "answerline_policy_evaluations_total",
			Help: "Policy evaluations by decision",
		},
		[]string{"decision"},
	)

	policyEvaluationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "answerline_policy_evaluation_duration_seconds",
			Help:    "Time spent evaluating source policies",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
		},
	)

	policyCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "answerline_policy_cache_total",
			Help: "Decision cache lookups by result",
		},
		[]string{"result"},
	)

	policyLoads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "answerline_policy_loads_total",
			Help: "Policy bundle loads by status",
		},
		[]string{"status"},
	)
)

// RecordEvaluation records one policy evaluation outcome.
func RecordEvaluation(allow bool, seconds float64) {
	decision := "allow"
	if !allow {
		decision = "deny"
	}
	policyEvaluations.WithLabelValues(decision).Inc()
	policyEvaluationDuration.Observe(seconds)
}

// RecordCacheLookup records a decision cache hit or miss.
func RecordCacheLookup(result string) {
	policyCacheLookups.WithLabelValues(result).Inc()
}

// RecordLoad records a policy load attempt.
func RecordLoad(status string) {
	policyLoads.WithLabelValues(status).Inc()
}
