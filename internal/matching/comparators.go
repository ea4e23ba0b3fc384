package matching

import (
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/agnivade/levenshtein"
	"github.com/shopspring/decimal"
)

// Tolerances are the per-field comparison rules. All comparators are
// symmetric in their arguments.
type Tolerances struct {
	// TradeDateMaxBusinessDays is the maximum business-day gap between the
	// two parties' trade dates.
	TradeDateMaxBusinessDays int `json:"trade_date_max_business_days" mapstructure:"trade_date_max_business_days"`
	// NotionalRelativeTolerance bounds |a-b| / max(|a|,|b|).
	NotionalRelativeTolerance decimal.Decimal `json:"notional_relative_tolerance" mapstructure:"notional_relative_tolerance"`
	// NameSimilarityThreshold is the minimum normalized edit-distance
	// similarity for counterparty names.
	NameSimilarityThreshold float64 `json:"name_similarity_threshold" mapstructure:"name_similarity_threshold"`
}

// DefaultTolerances returns the standard tolerance rules.
func DefaultTolerances() Tolerances {
	return Tolerances{
		TradeDateMaxBusinessDays:  1,
		NotionalRelativeTolerance: decimal.NewFromFloat(0.0001), // 0.01%
		NameSimilarityThreshold:   0.85,
	}
}

// datesWithinBusinessDays reports whether the two dates are at most maxDays
// business days apart. Saturday and Sunday do not count toward the gap.
func datesWithinBusinessDays(a, b time.Time, maxDays int) bool {
	return businessDaysBetween(a, b) <= maxDays
}

// businessDaysBetween counts the weekdays strictly between the earlier and
// later date (same calendar day, or a gap spanning only a weekend, is 0).
func businessDaysBetween(a, b time.Time) int {
	a = time.Date(a.Year(), a.Month(), a.Day(), 0, 0, 0, 0, time.UTC)
	b = time.Date(b.Year(), b.Month(), b.Day(), 0, 0, 0, 0, time.UTC)
	if a.After(b) {
		a, b = b, a
	}
	days := 0
	for d := a.AddDate(0, 0, 1); !d.After(b); d = d.AddDate(0, 0, 1) {
		if wd := d.Weekday(); wd != time.Saturday && wd != time.Sunday {
			days++
		}
	}
	return days
}

// notionalWithinTolerance applies the relative-difference rule
// |a-b| / max(|a|,|b|) <= tol. Two exact zeros match.
func notionalWithinTolerance(a, b, tol decimal.Decimal) bool {
	if a.Equal(b) {
		return true
	}
	absA, absB := a.Abs(), b.Abs()
	denom := absA
	if absB.GreaterThan(absA) {
		denom = absB
	}
	if denom.IsZero() {
		return true
	}
	rel := a.Sub(b).Abs().Div(denom)
	return rel.LessThanOrEqual(tol)
}

// currencyAliases maps common non-ISO spellings onto ISO 4217 codes.
var currencyAliases = map[string]string{
	"US$":      "USD",
	"$":        "USD",
	"DOLLAR":   "USD",
	"DOLLARS":  "USD",
	"€":        "EUR",
	"EURO":     "EUR",
	"EUROS":    "EUR",
	"£":        "GBP",
	"STERLING": "GBP",
	"¥":        "JPY",
	"YEN":      "JPY",
}

// NormalizeCurrency uppercases, trims and resolves common aliases to the
// ISO 4217 code.
func NormalizeCurrency(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	if iso, ok := currencyAliases[s]; ok {
		return iso
	}
	return s
}

var (
	namePunctuation = regexp.MustCompile(`[^a-z0-9\s]`)
	nameWhitespace  = regexp.MustCompile(`\s+`)
)

// corporateAffixes are legal-form tokens dropped before comparing
// counterparty names, so "Acme Capital LLC" and "ACME CAPITAL" compare equal.
var corporateAffixes = map[string]bool{
	"llc": true, "llp": true, "lp": true, "ltd": true, "limited": true,
	"inc": true, "incorporated": true, "corp": true, "corporation": true,
	"plc": true, "co": true, "company": true, "sa": true, "ag": true,
	"nv": true, "gmbh": true, "holdings": true,
}

// NormalizeName lowercases, strips punctuation and legal-form suffixes, and
// collapses whitespace.
func NormalizeName(name string) string {
	name = strings.ToLower(name)
	name = namePunctuation.ReplaceAllString(name, "")
	tokens := strings.Fields(name)
	kept := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		if !corporateAffixes[tok] {
			kept = append(kept, tok)
		}
	}
	return nameWhitespace.ReplaceAllString(strings.TrimSpace(strings.Join(kept, " ")), " ")
}

// NameSimilarity is the normalized edit-distance similarity of the two
// names after normalization: 1 - distance/maxLen, in [0,1].
func NameSimilarity(a, b string) float64 {
	na, nb := NormalizeName(a), NormalizeName(b)
	if na == nb {
		return 1.0
	}
	maxLen := math.Max(float64(len(na)), float64(len(nb)))
	if maxLen == 0 {
		return 1.0
	}
	distance := levenshtein.ComputeDistance(na, nb)
	return 1.0 - float64(distance)/maxLen
}

// TradeIDSimilar reports whether two trade identifiers refer to the same
// trade after normalization (case folding, separator stripping). Used for
// the fuzzy-join path that yields PROBABLE_MATCH.
func TradeIDSimilar(a, b string) bool {
	return normalizeTradeID(a) != "" && normalizeTradeID(a) == normalizeTradeID(b)
}

var tradeIDSeparators = regexp.MustCompile(`[\s\-_/.]`)

func normalizeTradeID(id string) string {
	return tradeIDSeparators.ReplaceAllString(strings.ToUpper(strings.TrimSpace(id)), "")
}
