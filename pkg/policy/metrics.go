// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Teamkit Contributors

package policy

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for policy evaluation.
var (
	// evaluateDuration tracks the latency of whole evaluations.
	evaluateDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "policy_evaluate_duration_seconds",
		Help:    "Histogram of policy evaluation latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"registry"})

	// evaluationsTotal counts evaluations by registry, operator and outcome.
	evaluationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "policy_evaluations_total",
		Help: "Total number of policy evaluations",
	}, []string{"registry", "operator", "outcome"})

	// policyResultsTotal counts individual policy outcomes.
	policyResultsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "policy_results_total",
		Help: "Total number of individual policy results by outcome",
	}, []string{"policy", "outcome"})

	definitionCacheTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "policy_definition_cache_total",
		Help: "Definition cache lookups by result (hit or miss)",
	}, []string{"registry", "result"})
)

// Individual policy outcome labels.
const (
	outcomeAllow = "allow"
	outcomeDeny  = "deny"
	outcomeSkip  = "skip"
	outcomeError = "error"
)

func recordEvaluation(registry string, op Operator, allowed bool, duration time.Duration) {
	evaluateDuration.WithLabelValues(registry).Observe(duration.Seconds())
	outcome := outcomeDeny
	if allowed {
		outcome = outcomeAllow
	}
	evaluationsTotal.WithLabelValues(registry, string(op), outcome).Inc()
}

func recordPolicyResult(r Result) {
	policyResultsTotal.WithLabelValues(r.PolicyID(), resultOutcome(r)).Inc()
}

func recordCacheLookup(registry string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	definitionCacheTotal.WithLabelValues(registry, result).Inc()
}

func resultOutcome(r Result) string {
	switch {
	case r.Skipped():
		return outcomeSkip
	case r.Allowed:
		return outcomeAllow
	case r.Metadata[MetadataCode] == CodePolicyEvaluationError:
		return outcomeError
	default:
		return outcomeDeny
	}
}
