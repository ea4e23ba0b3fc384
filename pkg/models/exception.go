package models

import (
	"fmt"
	"time"
)

// SeverityTier buckets the severity score for SLA and routing purposes.
type SeverityTier string

const (
	TierLow      SeverityTier = "LOW"
	TierMedium   SeverityTier = "MEDIUM"
	TierHigh     SeverityTier = "HIGH"
	TierCritical SeverityTier = "CRITICAL"
)

// TierForScore maps a clamped severity score onto its tier.
func TierForScore(score float64) SeverityTier {
	switch {
	case score < 0.3:
		return TierLow
	case score < 0.6:
		return TierMedium
	case score < 0.85:
		return TierHigh
	default:
		return TierCritical
	}
}

// SLAHours is the resolution window granted to a delegation of this tier.
func (t SeverityTier) SLAHours() time.Duration {
	switch t {
	case TierLow:
		return 72 * time.Hour
	case TierMedium:
		return 24 * time.Hour
	case TierHigh:
		return 8 * time.Hour
	default:
		return 2 * time.Hour
	}
}

// RoutingTarget is a destination handler queue for a delegated exception.
type RoutingTarget string

const (
	TargetAutoResolve RoutingTarget = "AUTO_RESOLVE"
	TargetOpsDesk     RoutingTarget = "OPS_DESK"
	TargetSeniorOps   RoutingTarget = "SENIOR_OPS"
	TargetCompliance  RoutingTarget = "COMPLIANCE"
	TargetEngineering RoutingTarget = "ENGINEERING"
)

// RoutingTargets lists every selectable destination, in a fixed order so the
// policy's action space is stable.
var RoutingTargets = []RoutingTarget{
	TargetAutoResolve,
	TargetOpsDesk,
	TargetSeniorOps,
	TargetCompliance,
	TargetEngineering,
}

// ExceptionStatus is the lifecycle state of an exception record.
type ExceptionStatus string

const (
	ExceptionOpen      ExceptionStatus = "OPEN"
	ExceptionDelegated ExceptionStatus = "DELEGATED"
	ExceptionResolved  ExceptionStatus = "RESOLVED"
	ExceptionEscalated ExceptionStatus = "ESCALATED"
)

// Terminal reports whether the status admits no further transitions.
func (s ExceptionStatus) Terminal() bool {
	return s == ExceptionResolved || s == ExceptionEscalated
}

// Resolution captures how an exception was closed.
type Resolution struct {
	Outcome    ExceptionStatus `json:"outcome"`
	ResolvedBy string          `json:"resolved_by"`
	// FinalTarget is the queue that actually handled the exception according
	// to the closing operator. Disagreement with the routed target is a
	// supervised correction signal for the policy.
	FinalTarget RoutingTarget `json:"final_target,omitempty"`
	Notes       string        `json:"notes,omitempty"`
	ResolvedAt  time.Time     `json:"resolved_at"`
}

// ExceptionRecord tracks an unresolved trade break through triage and
// delegation. Terminal records are immutable.
type ExceptionRecord struct {
	ExceptionID       string          `json:"exception_id"`
	TradeID           string          `json:"trade_id"`
	SourceMatchResult MatchResult     `json:"source_match_result"`
	CounterpartyName  string          `json:"counterparty_name"`
	SeverityScore     float64         `json:"severity_score"`
	SeverityTier      SeverityTier    `json:"severity_tier"`
	RoutingTarget     RoutingTarget   `json:"routing_target,omitempty"`
	SLADeadline       time.Time       `json:"sla_deadline,omitempty"`
	Status            ExceptionStatus `json:"status"`
	Resolution        *Resolution     `json:"resolution_outcome,omitempty"`
	// Escalations counts watchdog re-triages of this exception.
	Escalations int       `json:"escalations"`
	CreatedAt   time.Time `json:"created_at"`
	DelegatedAt time.Time `json:"delegated_at,omitempty"`
}

// Transition validates and applies a status change.
func (e *ExceptionRecord) Transition(to ExceptionStatus) error {
	if e.Status.Terminal() {
		return fmt.Errorf("exception %s is terminal (%s), cannot transition to %s",
			e.ExceptionID, e.Status, to)
	}
	switch to {
	case ExceptionDelegated:
		if e.Status != ExceptionOpen && e.Status != ExceptionDelegated {
			return fmt.Errorf("exception %s: invalid transition %s -> %s", e.ExceptionID, e.Status, to)
		}
	case ExceptionResolved, ExceptionEscalated:
		// Closable from OPEN or DELEGATED.
	default:
		return fmt.Errorf("exception %s: invalid target status %s", e.ExceptionID, to)
	}
	e.Status = to
	return nil
}
