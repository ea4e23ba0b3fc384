package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// TradeSource identifies which party's view of the trade a record represents.
type TradeSource string

const (
	SourceOriginator   TradeSource = "ORIGINATOR"
	SourceCounterparty TradeSource = "COUNTERPARTY"
)

// Valid reports whether the source is one of the two known populations.
func (s TradeSource) Valid() bool {
	return s == SourceOriginator || s == SourceCounterparty
}

// Opposite returns the other side of the reconciliation.
func (s TradeSource) Opposite() TradeSource {
	if s == SourceOriginator {
		return SourceCounterparty
	}
	return SourceOriginator
}

// TradeRecord is one party's view of a derivative trade, as produced by the
// extraction collaborator. Records are immutable once persisted; a corrected
// record carries the same TradeID and a higher Version.
type TradeRecord struct {
	TradeID          string            `json:"trade_id"`
	Source           TradeSource       `json:"source"`
	TradeDate        time.Time         `json:"trade_date"`
	MaturityDate     *time.Time        `json:"maturity_date,omitempty"`
	Notional         decimal.Decimal   `json:"notional"`
	Currency         string            `json:"currency"`
	CounterpartyName string            `json:"counterparty_name"`
	ProductType      string            `json:"product_type"`
	Version          int               `json:"version"`
	ExtraFields      map[string]string `json:"extra_fields,omitempty"`
	ExtractedAt      time.Time         `json:"extracted_at"`
}

// Supersedes reports whether this record replaces other (same trade, newer version).
func (r *TradeRecord) Supersedes(other *TradeRecord) bool {
	return other != nil && r.TradeID == other.TradeID && r.Version > other.Version
}
