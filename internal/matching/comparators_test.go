package matching

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestBusinessDaysBetween(t *testing.T) {
	tests := []struct {
		name string
		a, b time.Time
		want int
	}{
		{"same day", day(2026, 3, 2), day(2026, 3, 2), 0},
		{"adjacent weekdays", day(2026, 3, 2), day(2026, 3, 3), 1},
		{"friday to monday spans only weekend", day(2026, 3, 6), day(2026, 3, 9), 1},
		{"friday to tuesday", day(2026, 3, 6), day(2026, 3, 10), 2},
		{"order independent", day(2026, 3, 10), day(2026, 3, 6), 2},
		{"full week", day(2026, 3, 2), day(2026, 3, 9), 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, businessDaysBetween(tt.a, tt.b))
		})
	}
}

func TestNotionalWithinTolerance(t *testing.T) {
	tol := decimal.NewFromFloat(0.0001)
	tests := []struct {
		name string
		a, b string
		want bool
	}{
		{"exact", "1000000", "1000000", true},
		{"50 on a million is inside", "1000000", "1000050", true},
		{"exactly at bound", "1000000", "1000100", true},
		{"just outside", "1000000", "1000101", false},
		{"symmetric", "1000050", "1000000", true},
		{"both zero", "0", "0", true},
		{"sign flip is a mismatch", "1000000", "-1000000", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := decimal.RequireFromString(tt.a)
			b := decimal.RequireFromString(tt.b)
			assert.Equal(t, tt.want, notionalWithinTolerance(a, b, tol))
		})
	}
}

func TestNormalizeCurrency(t *testing.T) {
	assert.Equal(t, "USD", NormalizeCurrency("usd"))
	assert.Equal(t, "USD", NormalizeCurrency(" US$ "))
	assert.Equal(t, "EUR", NormalizeCurrency("Euro"))
	assert.Equal(t, "GBP", NormalizeCurrency("£"))
	assert.Equal(t, "CHF", NormalizeCurrency("chf"))
}

func TestNormalizeName(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Acme Capital LLC", "acme capital"},
		{"ACME CAPITAL", "acme capital"},
		{"Acme Capital, Inc.", "acme capital"},
		{"Goldman  Sachs & Co.", "goldman sachs"},
		{"Deutsche Bank AG", "deutsche bank"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeName(tt.in), "input %q", tt.in)
	}
}

func TestNameSimilarity(t *testing.T) {
	assert.Equal(t, 1.0, NameSimilarity("Acme Capital LLC", "ACME CAPITAL"))
	assert.Equal(t, 1.0, NameSimilarity("", ""))

	typo := NameSimilarity("Acme Capital", "Acme Capitol")
	assert.Greater(t, typo, 0.85)
	assert.Less(t, typo, 1.0)

	different := NameSimilarity("Acme Capital", "Zenith Partners")
	assert.Less(t, different, 0.5)

	// Symmetric by construction.
	assert.Equal(t,
		NameSimilarity("Acme Capital", "Acme Capitol"),
		NameSimilarity("Acme Capitol", "Acme Capital"))
}

func TestTradeIDSimilar(t *testing.T) {
	assert.True(t, TradeIDSimilar("TRD-2026-001", "trd_2026_001"))
	assert.True(t, TradeIDSimilar("TRD 2026.001", "TRD2026001"))
	assert.False(t, TradeIDSimilar("TRD-2026-001", "TRD-2026-002"))
	assert.False(t, TradeIDSimilar("", ""))
}
