// Package metrics exposes Prometheus metrics for the disposition engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Engine Metrics
	Evaluations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "policyd_evaluations_total",
		Help: "Total number of message evaluations",
	})

	EvaluationErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "policyd_evaluation_errors_total",
		Help: "Total number of failed evaluations",
	}, []string{"stage"})

	EvaluationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "policyd_evaluation_duration_seconds",
		Help:    "Time taken to evaluate one message",
		Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8), // 100us to ~1.6s
	})

	// Forwarding Metrics
	ForwardsPlanned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "policyd_forwards_planned_total",
		Help: "Total number of forward targets added to disposition plans",
	})

	LoopsSuppressed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "policyd_forward_loops_suppressed_total",
		Help: "Total number of forward targets dropped by the loop guard",
	})

	SelfForwardsSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "policyd_self_forwards_skipped_total",
		Help: "Total number of forwarding rules skipped because the target was the receiving alias",
	})

	// Auto-Reply Metrics
	AutoRepliesFired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "policyd_autoreplies_fired_total",
		Help: "Total number of auto-replies included in disposition plans",
	})

	AutoRepliesSuppressed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "policyd_autoreplies_suppressed_total",
		Help: "Total number of auto-replies suppressed",
	}, []string{"reason"})

	// Sieve Metrics
	SieveActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "policyd_sieve_actions_total",
		Help: "Total Sieve rule actions applied",
	}, []string{"action"})

	// Rule Metrics
	RuleWarnings = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "policyd_rule_warnings_total",
		Help: "Total malformed or unknown rules skipped during evaluation",
	}, []string{"kind"})

	// Throttle Metrics
	ThrottleErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "policyd_throttle_errors_total",
		Help: "Total reply throttle persistence failures",
	})

	// Dispatch Metrics
	DispatchOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "policyd_dispatch_outcomes_total",
		Help: "Total dispatch operations by kind and result",
	}, []string{"kind", "result"})

	DispatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "policyd_dispatch_duration_seconds",
		Help:    "Time taken to execute a disposition plan",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
	})
)
