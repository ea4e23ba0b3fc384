package triage

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/koushal2018/ai-trade-matching-system/internal/storage"
	"github.com/koushal2018/ai-trade-matching-system/pkg/models"
)

// State is the discretized feature vector the routing policy conditions on.
type State struct {
	Tier             models.SeverityTier   `json:"tier"`
	Category         models.ReasonCategory `json:"category"`
	ResolutionBucket string                `json:"resolution_bucket"`
}

// Resolution-rate buckets for the counterparty feature.
const (
	BucketGood  = "GOOD"  // >= 0.8 recent within-SLA rate
	BucketMixed = "MIXED" // [0.5, 0.8)
	BucketPoor  = "POOR"  // < 0.5
)

// BucketForRate discretizes a within-SLA resolution rate.
func BucketForRate(rate float64) string {
	switch {
	case rate >= 0.8:
		return BucketGood
	case rate >= 0.5:
		return BucketMixed
	default:
		return BucketPoor
	}
}

func (s State) key() string {
	return fmt.Sprintf("%s|%s|%s", s.Tier, s.Category, s.ResolutionBucket)
}

// actionValue is one cell of the value table.
type actionValue struct {
	Q      float64 `json:"q"`
	Visits int     `json:"visits"`
}

// episode is an open (state, action) pair awaiting its reward.
type episode struct {
	StateKey    string               `json:"state_key"`
	Action      models.RoutingTarget `json:"action"`
	DelegatedAt time.Time            `json:"delegated_at"`
}

// policyState is the persisted learner state. It lives under a single key
// with optimistic versioning because concurrent resolutions update it.
type policyState struct {
	Values      map[string]map[models.RoutingTarget]actionValue `json:"values"`
	Episodes    map[string]episode                              `json:"episodes"`
	TotalVisits int                                             `json:"total_visits"`
}

func newPolicyState() *policyState {
	return &policyState{
		Values:   make(map[string]map[models.RoutingTarget]actionValue),
		Episodes: make(map[string]episode),
	}
}

func (ps *policyState) cell(stateKey string, action models.RoutingTarget) actionValue {
	return ps.Values[stateKey][action]
}

func (ps *policyState) setCell(stateKey string, action models.RoutingTarget, v actionValue) {
	if ps.Values[stateKey] == nil {
		ps.Values[stateKey] = make(map[models.RoutingTarget]actionValue)
	}
	ps.Values[stateKey][action] = v
}

// PolicyConfig tunes exploration and the correction penalties.
type PolicyConfig struct {
	// InitialEpsilon is the exploration probability before any visits.
	InitialEpsilon float64 `json:"initial_epsilon" mapstructure:"initial_epsilon"`
	// MinEpsilon is the floor the exploration rate decays toward.
	MinEpsilon float64 `json:"min_epsilon" mapstructure:"min_epsilon"`
	// EpsilonDecayVisits is the visit count at which epsilon has decayed
	// halfway from initial to min.
	EpsilonDecayVisits int `json:"epsilon_decay_visits" mapstructure:"epsilon_decay_visits"`
	// CorrectionPenalty is the extra reward sample applied when a human
	// reviewer's final target disagrees with the routed one.
	CorrectionPenalty float64 `json:"correction_penalty" mapstructure:"correction_penalty"`
	// OverturnPenalty replaces CorrectionPenalty when the overturned
	// decision was AUTO_RESOLVE.
	OverturnPenalty float64 `json:"overturn_penalty" mapstructure:"overturn_penalty"`
	// Seed fixes the exploration source; zero seeds from the clock.
	Seed int64 `json:"seed" mapstructure:"seed"`
}

// DefaultPolicyConfig returns the standard learner tuning.
func DefaultPolicyConfig() PolicyConfig {
	return PolicyConfig{
		InitialEpsilon:     0.2,
		MinEpsilon:         0.02,
		EpsilonDecayVisits: 200,
		CorrectionPenalty:  -0.5,
		OverturnPenalty:    -1.0,
	}
}

// maxPutAttempts bounds the optimistic-write retry loop.
const maxPutAttempts = 5

const policyKey = "routing-policy"

// Policy is an epsilon-greedy contextual bandit over the routing targets.
// The value table and open episodes persist through the versioned store so
// a restart does not forget what it learned.
type Policy struct {
	store  *storage.VersionedStore
	cfg    PolicyConfig
	logger *zap.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

// NewPolicy creates the routing policy.
func NewPolicy(store *storage.VersionedStore, cfg PolicyConfig, logger *zap.Logger) *Policy {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Policy{
		store:  store,
		cfg:    cfg,
		logger: logger.Named("routing-policy"),
		rng:    rand.New(rand.NewSource(seed)),
	}
}

// epsilon decays with total visitation count.
func (p *Policy) epsilon(totalVisits int) float64 {
	decay := float64(p.cfg.EpsilonDecayVisits)
	if decay <= 0 {
		decay = 1
	}
	return p.cfg.MinEpsilon +
		(p.cfg.InitialEpsilon-p.cfg.MinEpsilon)/(1+float64(totalVisits)/decay)
}

// SelectTarget picks a routing target for the state and opens an episode for
// the exception. With probability epsilon the choice is uniform exploration,
// otherwise the current best estimate; ties break in fixed target order so
// an empty table routes deterministically.
func (p *Policy) SelectTarget(ctx context.Context, exceptionID string, state State) (models.RoutingTarget, error) {
	var chosen models.RoutingTarget
	err := p.mutate(ctx, func(ps *policyState) {
		p.mu.Lock()
		explore := p.rng.Float64() < p.epsilon(ps.TotalVisits)
		var pick int
		if explore {
			pick = p.rng.Intn(len(models.RoutingTargets))
		}
		p.mu.Unlock()

		if explore {
			chosen = models.RoutingTargets[pick]
		} else {
			chosen = greedyTarget(ps, state.key())
		}
		ps.Episodes[exceptionID] = episode{
			StateKey:    state.key(),
			Action:      chosen,
			DelegatedAt: time.Now().UTC(),
		}
		ps.TotalVisits++
	})
	if err != nil {
		return "", err
	}
	p.logger.Debug("target selected",
		zap.String("exception_id", exceptionID),
		zap.String("state", state.key()),
		zap.String("target", string(chosen)))
	return chosen, nil
}

func greedyTarget(ps *policyState, stateKey string) models.RoutingTarget {
	best := models.RoutingTargets[0]
	bestQ := ps.cell(stateKey, best).Q
	for _, target := range models.RoutingTargets[1:] {
		if q := ps.cell(stateKey, target).Q; q > bestQ {
			best, bestQ = target, q
		}
	}
	return best
}

// CloseEpisode applies the reward samples to the exception's open episode
// and removes it. Each sample runs one learning step
// Q(s,a) += alpha * (r - Q(s,a)) with alpha = 1/(1+visits).
func (p *Policy) CloseEpisode(ctx context.Context, exceptionID string, rewards ...float64) error {
	return p.mutate(ctx, func(ps *policyState) {
		ep, ok := ps.Episodes[exceptionID]
		if !ok {
			return // already closed; resolutions are at-least-once
		}
		for _, reward := range rewards {
			cell := ps.cell(ep.StateKey, ep.Action)
			alpha := 1.0 / (1.0 + float64(cell.Visits))
			cell.Q += alpha * (reward - cell.Q)
			cell.Visits++
			ps.setCell(ep.StateKey, ep.Action, cell)
		}
		delete(ps.Episodes, exceptionID)
	})
}

// Episode returns the open episode for an exception, if any.
func (p *Policy) Episode(ctx context.Context, exceptionID string) (models.RoutingTarget, bool, error) {
	ps, _, err := p.load(ctx)
	if err != nil {
		return "", false, err
	}
	ep, ok := ps.Episodes[exceptionID]
	return ep.Action, ok, nil
}

// Value returns the current estimate and visit count for a cell.
func (p *Policy) Value(ctx context.Context, state State, action models.RoutingTarget) (float64, int, error) {
	ps, _, err := p.load(ctx)
	if err != nil {
		return 0, 0, err
	}
	cell := ps.cell(state.key(), action)
	return cell.Q, cell.Visits, nil
}

func (p *Policy) load(ctx context.Context) (*policyState, int, error) {
	ps := newPolicyState()
	version, err := p.store.Get(ctx, policyKey, ps)
	if errors.Is(err, storage.ErrNotFound) {
		return newPolicyState(), 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("load routing policy: %w", err)
	}
	if ps.Values == nil {
		ps.Values = make(map[string]map[models.RoutingTarget]actionValue)
	}
	if ps.Episodes == nil {
		ps.Episodes = make(map[string]episode)
	}
	return ps, version, nil
}

// mutate runs a read-modify-write cycle under optimistic versioning,
// retrying on conflict so concurrent resolutions never lose updates.
func (p *Policy) mutate(ctx context.Context, fn func(ps *policyState)) error {
	for attempt := 0; attempt < maxPutAttempts; attempt++ {
		ps, version, err := p.load(ctx)
		if err != nil {
			return err
		}
		fn(ps)
		err = p.store.Put(ctx, policyKey, ps, version)
		if err == nil {
			return nil
		}
		if !errors.Is(err, storage.ErrVersionConflict) {
			return fmt.Errorf("persist routing policy: %w", err)
		}
	}
	return fmt.Errorf("persist routing policy: %w after %d attempts", storage.ErrVersionConflict, maxPutAttempts)
}

// Reward is the pure SLA-based reward for a closed episode: positive and
// larger for faster resolution inside the SLA window, negative for a late
// resolution, strongly negative for an escalation.
func Reward(delegatedAt, deadline, closedAt time.Time, outcome models.ExceptionStatus) float64 {
	if outcome == models.ExceptionResolved {
		window := deadline.Sub(delegatedAt)
		if window <= 0 || closedAt.After(deadline) {
			return -0.5
		}
		used := closedAt.Sub(delegatedAt)
		r := 1.0 - used.Seconds()/window.Seconds()
		if r < 0.05 {
			r = 0.05
		}
		return r
	}
	return -1.0
}
