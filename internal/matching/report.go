package matching

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/koushal2018/ai-trade-matching-system/pkg/metrics"
	"github.com/koushal2018/ai-trade-matching-system/pkg/models"
)

// Reporter accumulates evaluation outcomes into a batch reconciliation
// report. It keeps the latest result per trade id, so re-evaluations after a
// late-arriving side supersede the earlier BREAK.
type Reporter struct {
	mu      sync.Mutex
	started time.Time
	latest  map[string]models.MatchResult
}

// ReportEntry is one exception line in the report: the trade, its
// classification and the fields that disagreed.
type ReportEntry struct {
	TradeID        string                      `json:"trade_id"`
	Classification models.Classification       `json:"classification"`
	MatchScore     float64                     `json:"match_score"`
	ReasonCodes    []models.ReasonCode         `json:"reason_codes"`
	FieldDiffs     map[string]models.FieldDiff `json:"field_diffs,omitempty"`
}

// Report is the point-in-time summary of a reconciliation run.
type Report struct {
	GeneratedAt    time.Time                     `json:"generated_at"`
	WindowStart    time.Time                     `json:"window_start"`
	TradesTotal    int                           `json:"trades_total"`
	Classification map[models.Classification]int `json:"classification_counts"`
	MatchRate      float64                       `json:"match_rate"`
	Exceptions     []ReportEntry                 `json:"exceptions"`
}

// NewReporter starts an empty reporting window.
func NewReporter() *Reporter {
	return &Reporter{
		started: time.Now().UTC(),
		latest:  make(map[string]models.MatchResult),
	}
}

// Observe records one evaluation outcome, superseding any prior outcome for
// the same trade id.
func (r *Reporter) Observe(result models.MatchResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.latest[result.TradeID] = result
}

// Snapshot builds the current report without resetting the window.
func (r *Reporter) Snapshot() Report {
	r.mu.Lock()
	defer r.mu.Unlock()

	rep := Report{
		GeneratedAt:    time.Now().UTC(),
		WindowStart:    r.started,
		TradesTotal:    len(r.latest),
		Classification: make(map[models.Classification]int),
	}
	matched := 0
	for _, res := range r.latest {
		rep.Classification[res.Classification]++
		switch res.Classification {
		case models.ClassAutoMatch, models.ClassProbableMatch:
			matched++
		case models.ClassBreak, models.ClassDataError:
			rep.Exceptions = append(rep.Exceptions, ReportEntry{
				TradeID:        res.TradeID,
				Classification: res.Classification,
				MatchScore:     res.MatchScore,
				ReasonCodes:    res.ReasonCodes,
				FieldDiffs:     res.FieldDiffs,
			})
		}
	}
	if rep.TradesTotal > 0 {
		rep.MatchRate = float64(matched) / float64(rep.TradesTotal)
	}
	sort.Slice(rep.Exceptions, func(i, j int) bool {
		return rep.Exceptions[i].TradeID < rep.Exceptions[j].TradeID
	})
	metrics.MatchRate.Set(rep.MatchRate)
	return rep
}

// Reset closes the current window and starts a fresh one, returning the
// closed window's report.
func (r *Reporter) Reset() Report {
	rep := r.Snapshot()
	r.mu.Lock()
	r.latest = make(map[string]models.MatchResult)
	r.started = time.Now().UTC()
	r.mu.Unlock()
	return rep
}

// JSON renders the report for machine consumption.
func (rep Report) JSON() ([]byte, error) {
	return json.MarshalIndent(rep, "", "  ")
}

// Markdown renders the report for the ops desk.
func (rep Report) Markdown() string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Reconciliation Report\n\n")
	fmt.Fprintf(&b, "Generated: %s  \nWindow start: %s\n\n",
		rep.GeneratedAt.Format(time.RFC3339), rep.WindowStart.Format(time.RFC3339))
	fmt.Fprintf(&b, "Trades evaluated: %d  \nMatch rate: %.2f%%\n\n", rep.TradesTotal, rep.MatchRate*100)

	b.WriteString("| Classification | Count |\n|---|---|\n")
	for _, c := range []models.Classification{
		models.ClassAutoMatch, models.ClassProbableMatch,
		models.ClassReviewRequired, models.ClassBreak, models.ClassDataError,
	} {
		fmt.Fprintf(&b, "| %s | %d |\n", c, rep.Classification[c])
	}

	if len(rep.Exceptions) > 0 {
		b.WriteString("\n## Exceptions\n\n")
		for _, e := range rep.Exceptions {
			reasons := make([]string, len(e.ReasonCodes))
			for i, rc := range e.ReasonCodes {
				reasons[i] = string(rc)
			}
			fmt.Fprintf(&b, "### %s - %s (score %.3f)\n\nReasons: %s\n\n",
				e.TradeID, e.Classification, e.MatchScore, strings.Join(reasons, ", "))
			if len(e.FieldDiffs) > 0 {
				b.WriteString("| Field | Originator | Counterparty | Within tolerance |\n|---|---|---|---|\n")
				fields := make([]string, 0, len(e.FieldDiffs))
				for f := range e.FieldDiffs {
					fields = append(fields, f)
				}
				sort.Strings(fields)
				for _, f := range fields {
					d := e.FieldDiffs[f]
					fmt.Fprintf(&b, "| %s | %s | %s | %t |\n",
						f, orDash(d.OriginatorValue), orDash(d.CounterpartyValue), d.WithinTolerance)
				}
				b.WriteString("\n")
			}
		}
	}
	return b.String()
}

func orDash(v string) string {
	if v == "" {
		return "(none)"
	}
	return v
}
