package triage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/koushal2018/ai-trade-matching-system/internal/messaging"
	"github.com/koushal2018/ai-trade-matching-system/internal/storage"
	"github.com/koushal2018/ai-trade-matching-system/pkg/metrics"
	"github.com/koushal2018/ai-trade-matching-system/pkg/models"
)

// StageName identifies the triage stage in the registry and on control topics.
const StageName = "exception-triage"

// Stage consumes raised exceptions, scores them, routes them through the
// bandit policy and closes them on resolution events.
type Stage struct {
	exceptions *storage.ExceptionStore
	scorer     *Scorer
	history    *ResolutionHistory
	policy     *Policy
	policyCfg  PolicyConfig
	bus        *messaging.Bus
	logger     *zap.Logger
	now        func() time.Time
}

// NewStage wires the triage stage.
func NewStage(
	exceptions *storage.ExceptionStore,
	history *ResolutionHistory,
	policy *Policy,
	policyCfg PolicyConfig,
	bus *messaging.Bus,
	logger *zap.Logger,
) *Stage {
	return &Stage{
		exceptions: exceptions,
		scorer:     NewScorer(history),
		history:    history,
		policy:     policy,
		policyCfg:  policyCfg,
		bus:        bus,
		logger:     logger.Named(StageName),
		now:        time.Now,
	}
}

// Start subscribes the stage to its topics.
func (s *Stage) Start(ctx context.Context) error {
	if err := s.bus.Consume(ctx, messaging.TopicExceptionsRaised, StageName, s.handleRaised); err != nil {
		return fmt.Errorf("subscribe exceptions: %w", err)
	}
	if err := s.bus.Consume(ctx, messaging.TopicResolutions, StageName, s.handleResolved); err != nil {
		return fmt.Errorf("subscribe resolutions: %w", err)
	}
	s.logger.Info("triage stage started")
	return nil
}

// handleRaised triages one EXCEPTION_RAISED delivery. The exception id is
// derived from the result id, so redeliveries converge on the same record
// and an already-delegated exception is left alone.
func (s *Stage) handleRaised(ctx context.Context, d *messaging.Delivery) error {
	var payload messaging.ExceptionRaisedPayload
	if err := d.Envelope.Decode(&payload); err != nil {
		return messaging.DataError(err)
	}
	if payload.Result.ResultID == "" {
		return messaging.DataError(fmt.Errorf("exception payload missing result id"))
	}

	exceptionID := "EXC-" + payload.Result.ResultID
	existing, err := s.exceptions.Get(ctx, exceptionID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return messaging.Transient(err)
	}
	if existing != nil {
		return nil // duplicate delivery; already triaged
	}

	exc := &models.ExceptionRecord{
		ExceptionID:       exceptionID,
		TradeID:           payload.Result.TradeID,
		SourceMatchResult: payload.Result,
		CounterpartyName:  payload.CounterpartyName,
		Status:            models.ExceptionOpen,
		CreatedAt:         s.now().UTC(),
	}
	if err := s.delegate(ctx, exc, false); err != nil {
		return err
	}
	metrics.ExceptionsRaised.WithLabelValues(string(exc.SeverityTier)).Inc()
	return nil
}

// delegate scores the exception, selects a routing target and opens the
// delegation. forceCritical pins the policy's tier feature and the SLA
// window to CRITICAL, used by the watchdog on re-triage.
func (s *Stage) delegate(ctx context.Context, exc *models.ExceptionRecord, forceCritical bool) error {
	score, tier := s.scorer.Score(exc.SourceMatchResult, exc.CounterpartyName)
	if forceCritical {
		tier = models.TierCritical
	}

	worst := WorstReason(exc.SourceMatchResult)
	rate, _ := s.history.Rate(exc.CounterpartyName, worst)
	state := State{
		Tier:             tier,
		Category:         worst.Category(),
		ResolutionBucket: BucketForRate(rate),
	}

	target, err := s.policy.SelectTarget(ctx, exc.ExceptionID, state)
	if err != nil {
		return messaging.Transient(err)
	}

	now := s.now().UTC()
	exc.SeverityScore = score
	exc.SeverityTier = tier
	exc.RoutingTarget = target
	exc.DelegatedAt = now
	exc.SLADeadline = now.Add(tier.SLAHours())
	if err := exc.Transition(models.ExceptionDelegated); err != nil {
		return messaging.DataError(err)
	}
	if err := s.exceptions.Save(ctx, exc); err != nil {
		return messaging.Transient(err)
	}
	if err := s.bus.PublishDelegation(ctx, *exc); err != nil {
		return messaging.Transient(err)
	}

	metrics.DelegationsByTarget.WithLabelValues(string(target)).Inc()
	s.logger.Info("exception delegated",
		zap.String("exception_id", exc.ExceptionID),
		zap.String("trade_id", exc.TradeID),
		zap.Float64("severity", score),
		zap.String("tier", string(tier)),
		zap.String("target", string(target)),
		zap.Time("sla_deadline", exc.SLADeadline))
	return nil
}

// handleResolved closes one EXCEPTION_RESOLVED delivery: it feeds the policy
// its reward, records the closure in the resolution history and makes the
// record terminal.
func (s *Stage) handleResolved(ctx context.Context, d *messaging.Delivery) error {
	var payload messaging.ExceptionResolvedPayload
	if err := d.Envelope.Decode(&payload); err != nil {
		return messaging.DataError(err)
	}
	res := payload.Resolution
	if res.Outcome != models.ExceptionResolved && res.Outcome != models.ExceptionEscalated {
		return messaging.DataError(fmt.Errorf("resolution outcome %q is not terminal", res.Outcome))
	}

	exc, err := s.exceptions.Get(ctx, payload.ExceptionID)
	if errors.Is(err, storage.ErrNotFound) {
		return messaging.DataError(fmt.Errorf("resolution for unknown exception %s", payload.ExceptionID))
	}
	if err != nil {
		return messaging.Transient(err)
	}
	if exc.Status.Terminal() {
		return nil // duplicate delivery
	}
	if res.ResolvedAt.IsZero() {
		res.ResolvedAt = s.now().UTC()
	}

	rewards := []float64{Reward(exc.DelegatedAt, exc.SLADeadline, res.ResolvedAt, res.Outcome)}
	if res.FinalTarget != "" && res.FinalTarget != exc.RoutingTarget {
		// Supervised correction: the reviewer disagreed with the routing.
		penalty := s.policyCfg.CorrectionPenalty
		if exc.RoutingTarget == models.TargetAutoResolve {
			penalty = s.policyCfg.OverturnPenalty
		}
		rewards = append(rewards, penalty)
	}
	if err := s.policy.CloseEpisode(ctx, exc.ExceptionID, rewards...); err != nil {
		return messaging.Transient(err)
	}

	if err := exc.Transition(res.Outcome); err != nil {
		return messaging.DataError(err)
	}
	exc.Resolution = &res
	if err := s.exceptions.Save(ctx, exc); err != nil {
		return messaging.Transient(err)
	}

	withinSLA := res.Outcome == models.ExceptionResolved && !res.ResolvedAt.After(exc.SLADeadline)
	s.history.Record(exc.CounterpartyName, exc.SourceMatchResult.ReasonCodes, withinSLA)
	metrics.ExceptionsClosed.WithLabelValues(string(res.Outcome), strconv.FormatBool(withinSLA)).Inc()
	s.logger.Info("exception closed",
		zap.String("exception_id", exc.ExceptionID),
		zap.String("outcome", string(res.Outcome)),
		zap.Bool("within_sla", withinSLA),
		zap.String("resolved_by", res.ResolvedBy))
	return nil
}

// SubmitDecision is the entry point for the human-review backend: it
// validates the exception and publishes the resolution event, which the
// triage consumer then applies with the same at-least-once semantics as any
// other closure.
func (s *Stage) SubmitDecision(ctx context.Context, exceptionID string, res models.Resolution) error {
	if res.Outcome != models.ExceptionResolved && res.Outcome != models.ExceptionEscalated {
		return fmt.Errorf("decision outcome must be %s or %s, got %q",
			models.ExceptionResolved, models.ExceptionEscalated, res.Outcome)
	}
	exc, err := s.exceptions.Get(ctx, exceptionID)
	if err != nil {
		return err
	}
	if exc.Status.Terminal() {
		return fmt.Errorf("exception %s is already closed (%s)", exceptionID, exc.Status)
	}
	if res.ResolvedAt.IsZero() {
		res.ResolvedAt = s.now().UTC()
	}
	return s.bus.PublishExceptionResolved(ctx, messaging.ExceptionResolvedPayload{
		ExceptionID: exceptionID,
		Resolution:  res,
	})
}

// GetException exposes one record for the exception-management API.
func (s *Stage) GetException(ctx context.Context, exceptionID string) (*models.ExceptionRecord, error) {
	return s.exceptions.Get(ctx, exceptionID)
}

// OpenExceptions lists every non-terminal record.
func (s *Stage) OpenExceptions(ctx context.Context) ([]models.ExceptionRecord, error) {
	var out []models.ExceptionRecord
	err := s.exceptions.ScanOpen(ctx, func(exc *models.ExceptionRecord) error {
		out = append(out, *exc)
		return nil
	})
	return out, err
}
