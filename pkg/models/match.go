package models

import (
	"time"
)

// Classification is the terminal disposition of a match evaluation.
type Classification string

const (
	ClassAutoMatch      Classification = "AUTO_MATCH"
	ClassProbableMatch  Classification = "PROBABLE_MATCH"
	ClassReviewRequired Classification = "REVIEW_REQUIRED"
	ClassBreak          Classification = "BREAK"
	ClassDataError      Classification = "DATA_ERROR"
)

// ReasonCode is a taxonomy code explaining a score or classification.
type ReasonCode string

const (
	// Structural codes
	ReasonSourceMisplacement        ReasonCode = "SOURCE_MISPLACEMENT"
	ReasonMissingCounterpartyRecord ReasonCode = "MISSING_COUNTERPARTY_RECORD"
	ReasonMissingOriginatorRecord   ReasonCode = "MISSING_ORIGINATOR_RECORD"
	ReasonTradeIDNormalized         ReasonCode = "TRADE_ID_NORMALIZED"

	// Per-field codes
	ReasonTradeDateMismatch        ReasonCode = "TRADE_DATE_MISMATCH"
	ReasonMaturityDateMismatch     ReasonCode = "MATURITY_DATE_MISMATCH"
	ReasonNotionalOutOfTolerance   ReasonCode = "NOTIONAL_OUT_OF_TOLERANCE"
	ReasonCurrencyMismatch         ReasonCode = "CURRENCY_MISMATCH"
	ReasonCounterpartyNameMismatch ReasonCode = "COUNTERPARTY_NAME_MISMATCH"
	ReasonProductTypeMismatch      ReasonCode = "PRODUCT_TYPE_MISMATCH"
	ReasonFieldMismatch            ReasonCode = "FIELD_MISMATCH"
	ReasonMissingField             ReasonCode = "MISSING_FIELD"
)

// ReasonCategory buckets reason codes for triage features.
type ReasonCategory string

const (
	CategoryStructural ReasonCategory = "STRUCTURAL"
	CategoryEconomic   ReasonCategory = "ECONOMIC"
	CategoryReference  ReasonCategory = "REFERENCE"
)

// Category maps a reason code to its triage bucket.
func (rc ReasonCode) Category() ReasonCategory {
	switch rc {
	case ReasonSourceMisplacement, ReasonMissingCounterpartyRecord,
		ReasonMissingOriginatorRecord, ReasonTradeIDNormalized:
		return CategoryStructural
	case ReasonNotionalOutOfTolerance, ReasonCurrencyMismatch,
		ReasonTradeDateMismatch, ReasonMaturityDateMismatch:
		return CategoryEconomic
	default:
		return CategoryReference
	}
}

// BaseSeverity is the fixed per-code contribution to the severity score.
// Structural defects outrank single-field tolerance misses.
func (rc ReasonCode) BaseSeverity() float64 {
	switch rc {
	case ReasonSourceMisplacement:
		return 0.70
	case ReasonMissingCounterpartyRecord, ReasonMissingOriginatorRecord:
		return 0.55
	case ReasonCurrencyMismatch:
		return 0.45
	case ReasonNotionalOutOfTolerance:
		return 0.40
	case ReasonTradeDateMismatch, ReasonMaturityDateMismatch:
		return 0.30
	case ReasonCounterpartyNameMismatch, ReasonProductTypeMismatch:
		return 0.25
	default:
		return 0.20
	}
}

// FieldDiff records both sides of a compared field and whether the
// difference fell within the configured tolerance.
type FieldDiff struct {
	OriginatorValue   string `json:"originator_value"`
	CounterpartyValue string `json:"counterparty_value"`
	WithinTolerance   bool   `json:"within_tolerance"`
}

// MatchResult is the append-only output of one matching evaluation.
// Re-evaluation produces a new result with a new ResultID and DecidedAt.
type MatchResult struct {
	ResultID       string               `json:"result_id"`
	TradeID        string               `json:"trade_id"`
	MatchScore     float64              `json:"match_score"`
	Classification Classification       `json:"classification"`
	ReasonCodes    []ReasonCode         `json:"reason_codes"`
	FieldDiffs     map[string]FieldDiff `json:"field_diffs"`
	DecidedAt      time.Time            `json:"decided_at"`
}

// HasReason reports whether the result carries the given reason code.
func (m *MatchResult) HasReason(rc ReasonCode) bool {
	for _, r := range m.ReasonCodes {
		if r == rc {
			return true
		}
	}
	return false
}
