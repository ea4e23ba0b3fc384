package matching

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/koushal2018/ai-trade-matching-system/pkg/models"
)

// Field names used for weights, diffs and reason codes.
const (
	FieldTradeDate        = "trade_date"
	FieldMaturityDate     = "maturity_date"
	FieldNotional         = "notional"
	FieldCurrency         = "currency"
	FieldCounterpartyName = "counterparty_name"
	FieldProductType      = "product_type"
)

// Config holds the scoring weights and classification thresholds.
type Config struct {
	// Weights per field. The trade id is the join key and carries no
	// weight. Fields with weight zero are ignored entirely.
	Weights map[string]float64 `json:"weights" mapstructure:"weights"`
	// AutoMatchThreshold is the minimum score for AUTO_MATCH.
	AutoMatchThreshold float64 `json:"auto_match_threshold" mapstructure:"auto_match_threshold"`
	// ReviewThreshold is the minimum score for REVIEW_REQUIRED.
	ReviewThreshold float64 `json:"review_threshold" mapstructure:"review_threshold"`
	Tolerances      Tolerances `json:"tolerances" mapstructure:"tolerances"`
	// TolerantExtraFields lists extra_fields compared after normalization
	// (case folding, punctuation stripping) instead of exactly.
	TolerantExtraFields []string `json:"tolerant_extra_fields" mapstructure:"tolerant_extra_fields"`
}

// DefaultConfig returns the standard weights and thresholds.
func DefaultConfig() Config {
	return Config{
		Weights: map[string]float64{
			FieldTradeDate:        0.2,
			FieldNotional:         0.3,
			FieldCurrency:         0.2,
			FieldCounterpartyName: 0.2,
			FieldProductType:      0.1,
		},
		AutoMatchThreshold: 0.85,
		ReviewThreshold:    0.70,
		Tolerances:         DefaultTolerances(),
	}
}

// Candidate is an ephemeral pairing of the two parties' records for one
// evaluation. Either side may be nil when the record never arrived.
// JoinNormalized marks pairings whose trade ids matched only after
// normalization.
type Candidate struct {
	Originator     *models.TradeRecord
	Counterparty   *models.TradeRecord
	JoinNormalized bool
}

// Engine scores and classifies candidate trade pairs. Evaluation is pure:
// identical inputs always produce the identical score and classification.
type Engine struct {
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

// NewEngine creates a matching engine.
func NewEngine(cfg Config, logger *zap.Logger) *Engine {
	if len(cfg.Weights) == 0 {
		cfg = DefaultConfig()
	}
	return &Engine{cfg: cfg, logger: logger.Named("matching"), now: time.Now}
}

// Evaluate scores the pair per the configured tolerances and weights and
// assigns a terminal classification. The argument position encodes the
// partition each record was read from; a record whose own Source disagrees
// with its position is a data error regardless of score.
func (e *Engine) Evaluate(originator, counterparty *models.TradeRecord) models.MatchResult {
	return e.EvaluateCandidate(Candidate{Originator: originator, Counterparty: counterparty})
}

// EvaluateCandidate is Evaluate with join metadata.
func (e *Engine) EvaluateCandidate(c Candidate) models.MatchResult {
	result := models.MatchResult{
		ResultID:   uuid.NewString(),
		TradeID:    tradeIDOf(c),
		FieldDiffs: make(map[string]models.FieldDiff),
		DecidedAt:  e.now().UTC(),
	}

	misplaced := e.misplacedSource(c)
	structural := e.structuralReasons(c, misplaced)

	var fieldReasons []models.ReasonCode
	if c.Originator != nil && c.Counterparty != nil {
		result.MatchScore, fieldReasons = e.scoreFields(c.Originator, c.Counterparty, result.FieldDiffs)
	}

	result.ReasonCodes = append(structural, fieldReasons...)
	result.Classification = e.classify(c, misplaced, result.MatchScore)
	return result
}

func tradeIDOf(c Candidate) string {
	if c.Originator != nil {
		return c.Originator.TradeID
	}
	if c.Counterparty != nil {
		return c.Counterparty.TradeID
	}
	return ""
}

// misplacedSource reports whether either record sits in the wrong partition.
func (e *Engine) misplacedSource(c Candidate) bool {
	if c.Originator != nil && c.Originator.Source != models.SourceOriginator {
		return true
	}
	if c.Counterparty != nil && c.Counterparty.Source != models.SourceCounterparty {
		return true
	}
	return false
}

func (e *Engine) structuralReasons(c Candidate, misplaced bool) []models.ReasonCode {
	var reasons []models.ReasonCode
	if misplaced {
		reasons = append(reasons, models.ReasonSourceMisplacement)
	}
	if c.Originator == nil && c.Counterparty != nil {
		reasons = append(reasons, models.ReasonMissingOriginatorRecord)
	}
	if c.Counterparty == nil && c.Originator != nil {
		reasons = append(reasons, models.ReasonMissingCounterpartyRecord)
	}
	if c.JoinNormalized && c.Originator != nil && c.Counterparty != nil {
		reasons = append(reasons, models.ReasonTradeIDNormalized)
	}
	return reasons
}

// classify applies the threshold precedence from most to least severe.
func (e *Engine) classify(c Candidate, misplaced bool, score float64) models.Classification {
	switch {
	case misplaced:
		return models.ClassDataError
	case c.Originator == nil || c.Counterparty == nil:
		return models.ClassBreak
	case c.JoinNormalized && score >= e.cfg.AutoMatchThreshold:
		return models.ClassProbableMatch
	case score >= e.cfg.AutoMatchThreshold:
		return models.ClassAutoMatch
	case score >= e.cfg.ReviewThreshold:
		return models.ClassReviewRequired
	default:
		return models.ClassBreak
	}
}

// fieldCheck is one field's comparison outcome.
type fieldCheck struct {
	name       string
	present    bool // present on both sides
	oneSided   bool // present on exactly one side
	match      bool
	origValue  string
	cptyValue  string
	mismatchRC models.ReasonCode
}

// scoreFields runs every weighted comparison and returns the weighted score
// over present fields plus the ordered per-field reason codes. Fields
// missing on either side are excluded from both numerator and denominator
// and recorded as MISSING_FIELD.
func (e *Engine) scoreFields(orig, cpty *models.TradeRecord, diffs map[string]models.FieldDiff) (float64, []models.ReasonCode) {
	tol := e.cfg.Tolerances
	checks := []fieldCheck{
		e.checkDate(FieldTradeDate, orig.TradeDate, cpty.TradeDate, models.ReasonTradeDateMismatch),
		e.checkMaturity(orig.MaturityDate, cpty.MaturityDate),
		e.checkNotional(orig, cpty, tol),
		e.checkCurrency(orig.Currency, cpty.Currency),
		e.checkName(orig.CounterpartyName, cpty.CounterpartyName, tol),
		e.checkProduct(orig.ProductType, cpty.ProductType),
	}
	checks = append(checks, e.checkExtras(orig.ExtraFields, cpty.ExtraFields)...)

	var weightedSum, weightTotal float64
	var reasons []models.ReasonCode
	for _, chk := range checks {
		weight := e.weightOf(chk.name)
		if weight == 0 {
			continue
		}
		if chk.oneSided {
			diffs[chk.name] = models.FieldDiff{
				OriginatorValue:   chk.origValue,
				CounterpartyValue: chk.cptyValue,
				WithinTolerance:   false,
			}
			reasons = append(reasons, models.ReasonMissingField)
			continue
		}
		if !chk.present {
			continue // absent on both sides: not comparable, not penalized
		}
		diffs[chk.name] = models.FieldDiff{
			OriginatorValue:   chk.origValue,
			CounterpartyValue: chk.cptyValue,
			WithinTolerance:   chk.match,
		}
		weightTotal += weight
		if chk.match {
			weightedSum += weight
		} else {
			reasons = append(reasons, chk.mismatchRC)
		}
	}

	if weightTotal == 0 {
		return 0, reasons
	}
	return weightedSum / weightTotal, reasons
}

func (e *Engine) weightOf(field string) float64 {
	if w, ok := e.cfg.Weights[field]; ok {
		return w
	}
	// Extra fields without explicit weights share a small default so a
	// configured field never silently drops out of scoring.
	if _, known := DefaultConfig().Weights[field]; !known && field != FieldMaturityDate {
		return 0.05
	}
	return 0
}

func (e *Engine) checkDate(name string, a, b time.Time, rc models.ReasonCode) fieldCheck {
	chk := fieldCheck{name: name, mismatchRC: rc}
	aPresent, bPresent := !a.IsZero(), !b.IsZero()
	switch {
	case aPresent && bPresent:
		chk.present = true
		chk.match = datesWithinBusinessDays(a, b, e.cfg.Tolerances.TradeDateMaxBusinessDays)
		chk.origValue, chk.cptyValue = a.Format("2006-01-02"), b.Format("2006-01-02")
	case aPresent != bPresent:
		chk.oneSided = true
		if aPresent {
			chk.origValue = a.Format("2006-01-02")
		} else {
			chk.cptyValue = b.Format("2006-01-02")
		}
	}
	return chk
}

func (e *Engine) checkMaturity(a, b *time.Time) fieldCheck {
	var av, bv time.Time
	if a != nil {
		av = *a
	}
	if b != nil {
		bv = *b
	}
	return e.checkDate(FieldMaturityDate, av, bv, models.ReasonMaturityDateMismatch)
}

func (e *Engine) checkNotional(orig, cpty *models.TradeRecord, tol Tolerances) fieldCheck {
	chk := fieldCheck{name: FieldNotional, mismatchRC: models.ReasonNotionalOutOfTolerance}
	aPresent, bPresent := !orig.Notional.IsZero(), !cpty.Notional.IsZero()
	switch {
	case aPresent && bPresent:
		chk.present = true
		chk.match = notionalWithinTolerance(orig.Notional, cpty.Notional, tol.NotionalRelativeTolerance)
		chk.origValue, chk.cptyValue = orig.Notional.String(), cpty.Notional.String()
	case aPresent != bPresent:
		chk.oneSided = true
		if aPresent {
			chk.origValue = orig.Notional.String()
		} else {
			chk.cptyValue = cpty.Notional.String()
		}
	}
	return chk
}

func (e *Engine) checkCurrency(a, b string) fieldCheck {
	chk := fieldCheck{name: FieldCurrency, mismatchRC: models.ReasonCurrencyMismatch}
	aPresent, bPresent := a != "", b != ""
	switch {
	case aPresent && bPresent:
		chk.present = true
		chk.match = NormalizeCurrency(a) == NormalizeCurrency(b)
		chk.origValue, chk.cptyValue = a, b
	case aPresent != bPresent:
		chk.oneSided = true
		chk.origValue, chk.cptyValue = a, b
	}
	return chk
}

func (e *Engine) checkName(a, b string, tol Tolerances) fieldCheck {
	chk := fieldCheck{name: FieldCounterpartyName, mismatchRC: models.ReasonCounterpartyNameMismatch}
	aPresent, bPresent := a != "", b != ""
	switch {
	case aPresent && bPresent:
		chk.present = true
		chk.match = NameSimilarity(a, b) >= tol.NameSimilarityThreshold
		chk.origValue, chk.cptyValue = a, b
	case aPresent != bPresent:
		chk.oneSided = true
		chk.origValue, chk.cptyValue = a, b
	}
	return chk
}

func (e *Engine) checkProduct(a, b string) fieldCheck {
	chk := fieldCheck{name: FieldProductType, mismatchRC: models.ReasonProductTypeMismatch}
	aPresent, bPresent := a != "", b != ""
	switch {
	case aPresent && bPresent:
		chk.present = true
		chk.match = strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
		chk.origValue, chk.cptyValue = a, b
	case aPresent != bPresent:
		chk.oneSided = true
		chk.origValue, chk.cptyValue = a, b
	}
	return chk
}

// checkExtras compares the union of both sides' extra fields in sorted
// order so reason codes stay deterministic.
func (e *Engine) checkExtras(orig, cpty map[string]string) []fieldCheck {
	names := make(map[string]bool, len(orig)+len(cpty))
	for k := range orig {
		names[k] = true
	}
	for k := range cpty {
		names[k] = true
	}
	sorted := make([]string, 0, len(names))
	for k := range names {
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)

	tolerant := make(map[string]bool, len(e.cfg.TolerantExtraFields))
	for _, f := range e.cfg.TolerantExtraFields {
		tolerant[f] = true
	}

	checks := make([]fieldCheck, 0, len(sorted))
	for _, name := range sorted {
		a, aPresent := orig[name]
		b, bPresent := cpty[name]
		chk := fieldCheck{name: name, mismatchRC: models.ReasonFieldMismatch}
		switch {
		case aPresent && bPresent:
			chk.present = true
			if tolerant[name] {
				chk.match = NormalizeName(a) == NormalizeName(b)
			} else {
				chk.match = a == b
			}
			chk.origValue, chk.cptyValue = a, b
		case aPresent != bPresent:
			chk.oneSided = true
			chk.origValue, chk.cptyValue = a, b
		}
		checks = append(checks, chk)
	}
	return checks
}
