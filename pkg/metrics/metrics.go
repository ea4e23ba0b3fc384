package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// TradesEvaluated counts match evaluations by classification.
var TradesEvaluated = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "tradematch_evaluations_total",
		Help: "Total number of trade pair evaluations by classification",
	},
	[]string{"classification"},
)

// EvaluationLatency records latency distribution for match evaluations.
var EvaluationLatency = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "tradematch_evaluation_latency_seconds",
		Help:    "Latency in seconds to evaluate a single trade pair",
		Buckets: prometheus.DefBuckets,
	},
)

// ExceptionsRaised counts exceptions by severity tier.
var ExceptionsRaised = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "tradematch_exceptions_raised_total",
		Help: "Total exceptions raised by severity tier",
	},
	[]string{"tier"},
)

// ExceptionsClosed counts closed exceptions by outcome and SLA compliance.
var ExceptionsClosed = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "tradematch_exceptions_closed_total",
		Help: "Total exceptions closed by outcome and whether the SLA held",
	},
	[]string{"outcome", "within_sla"},
)

// DelegationsByTarget counts triage delegations per routing target.
var DelegationsByTarget = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "tradematch_delegations_total",
		Help: "Total triage delegations by routing target",
	},
	[]string{"target"},
)

// MessagesDeadLettered counts messages moved to dead-letter topics.
var MessagesDeadLettered = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "tradematch_dead_lettered_total",
		Help: "Messages moved to a dead-letter topic after exhausting retries",
	},
	[]string{"topic"},
)

// StageHealth exposes registry health per stage (0 healthy, 1 degraded, 2 unhealthy).
var StageHealth = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "tradematch_stage_health",
		Help: "Registry health status per stage (0=healthy 1=degraded 2=unhealthy)",
	},
	[]string{"stage"},
)

// MatchRate is the rolling auto-match ratio computed by the orchestrator.
var MatchRate = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "tradematch_match_rate",
		Help: "Fraction of evaluations classified AUTO_MATCH or PROBABLE_MATCH",
	},
)

func init() {
	prometheus.MustRegister(TradesEvaluated, EvaluationLatency)
	prometheus.MustRegister(ExceptionsRaised, ExceptionsClosed, DelegationsByTarget)
	prometheus.MustRegister(MessagesDeadLettered, StageHealth, MatchRate)
}
