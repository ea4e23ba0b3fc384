package triage

import (
	"sync"

	"github.com/koushal2018/ai-trade-matching-system/pkg/models"
)

// gapWeight scales the contribution of the match-score shortfall to severity.
const gapWeight = 0.25

// historyWindow bounds how many recent closures feed the per-pair
// resolution rate.
const historyWindow = 20

// minHistorySamples is how many closures a pair needs before its resolution
// rate moves severity at all.
const minHistorySamples = 3

// maxHistoryAdjustment caps the severity added for a counterparty/reason
// pair with a poor resolution record.
const maxHistoryAdjustment = 0.15

// ResolutionHistory tracks recent closure outcomes per counterparty and
// reason code. Pairs that keep breaching their SLA triage hotter next time.
type ResolutionHistory struct {
	mu      sync.Mutex
	windows map[historyKey][]bool // true = resolved within SLA
}

type historyKey struct {
	counterparty string
	reason       models.ReasonCode
}

// NewResolutionHistory creates an empty tracker.
func NewResolutionHistory() *ResolutionHistory {
	return &ResolutionHistory{windows: make(map[historyKey][]bool)}
}

// Record appends one closure outcome for every reason code on the exception.
func (h *ResolutionHistory) Record(counterparty string, reasons []models.ReasonCode, withinSLA bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, rc := range reasons {
		key := historyKey{counterparty: counterparty, reason: rc}
		window := append(h.windows[key], withinSLA)
		if len(window) > historyWindow {
			window = window[len(window)-historyWindow:]
		}
		h.windows[key] = window
	}
}

// Rate returns the fraction of recent closures for the pair that landed
// within SLA, and the sample count behind it. No history reads as 1.0.
func (h *ResolutionHistory) Rate(counterparty string, reason models.ReasonCode) (float64, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	window := h.windows[historyKey{counterparty: counterparty, reason: reason}]
	if len(window) == 0 {
		return 1.0, 0
	}
	good := 0
	for _, ok := range window {
		if ok {
			good++
		}
	}
	return float64(good) / float64(len(window)), len(window)
}

// adjustment converts a pair's resolution rate into additional severity.
func (h *ResolutionHistory) adjustment(counterparty string, reason models.ReasonCode) float64 {
	rate, samples := h.Rate(counterparty, reason)
	if samples < minHistorySamples {
		return 0
	}
	return maxHistoryAdjustment * (1 - rate)
}

// Scorer computes the severity score and tier for an incoming exception.
type Scorer struct {
	history *ResolutionHistory
}

// NewScorer creates a severity scorer over the given history.
func NewScorer(history *ResolutionHistory) *Scorer {
	return &Scorer{history: history}
}

// WorstReason returns the reason code with the highest base severity, the
// one that drives both scoring and the policy's category feature.
func WorstReason(result models.MatchResult) models.ReasonCode {
	var base float64
	var worst models.ReasonCode
	for _, rc := range result.ReasonCodes {
		if b := rc.BaseSeverity(); b > base {
			base, worst = b, rc
		}
	}
	return worst
}

// Score is base(worst reason) + gap weight * (1 - match score) + the
// historical adjustment for the worst reason, clamped to [0,1].
func (s *Scorer) Score(result models.MatchResult, counterparty string) (float64, models.SeverityTier) {
	worst := WorstReason(result)
	var base float64
	if worst != "" {
		base = worst.BaseSeverity()
	}

	score := base + gapWeight*(1-result.MatchScore)
	if worst != "" {
		score += s.history.adjustment(counterparty, worst)
	}
	score = clamp01(score)
	return score, models.TierForScore(score)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
