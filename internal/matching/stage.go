package matching

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/koushal2018/ai-trade-matching-system/internal/idempotency"
	"github.com/koushal2018/ai-trade-matching-system/internal/messaging"
	"github.com/koushal2018/ai-trade-matching-system/internal/storage"
	"github.com/koushal2018/ai-trade-matching-system/pkg/metrics"
	"github.com/koushal2018/ai-trade-matching-system/pkg/models"
)

// StageName identifies the matching stage in the registry and on control topics.
const StageName = "matching-engine"

// keyedMutex serializes work per trade id so at most one MatchResult is
// computed for a trade at a time, while different trades proceed in parallel.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedLock)}
}

func (km *keyedMutex) Lock(key string) {
	km.mu.Lock()
	l, ok := km.locks[key]
	if !ok {
		l = &keyedLock{}
		km.locks[key] = l
	}
	l.refs++
	km.mu.Unlock()
	l.mu.Lock()
}

func (km *keyedMutex) Unlock(key string) {
	km.mu.Lock()
	l := km.locks[key]
	l.refs--
	if l.refs == 0 {
		delete(km.locks, key)
	}
	km.mu.Unlock()
	l.mu.Unlock()
}

// Stage is the matching-engine consumer: it persists extracted records,
// pairs them with the opposite side, evaluates, and emits exactly one
// outbound event per evaluation.
type Stage struct {
	engine  *Engine
	trades  *storage.TradeStore
	results *storage.MatchResultStore
	idem    idempotency.Store
	bus     *messaging.Bus
	report  *Reporter
	logger  *zap.Logger

	keys   *keyedMutex
	pause  chan struct{} // closed when running; replaced when paused
	pauseMu sync.Mutex
	paused  bool

	heartbeatEvery time.Duration
	stats          stageStats
}

type stageStats struct {
	mu        sync.Mutex
	processed int64
	failures  int64
	lastTook  time.Duration
	windowAt  time.Time
}

// NewStage wires the matching stage.
func NewStage(
	engine *Engine,
	trades *storage.TradeStore,
	results *storage.MatchResultStore,
	idem idempotency.Store,
	bus *messaging.Bus,
	report *Reporter,
	logger *zap.Logger,
) *Stage {
	running := make(chan struct{})
	close(running)
	return &Stage{
		engine:         engine,
		trades:         trades,
		results:        results,
		idem:           idem,
		bus:            bus,
		report:         report,
		logger:         logger.Named(StageName),
		keys:           newKeyedMutex(),
		pause:          running,
		heartbeatEvery: 10 * time.Second,
		stats:          stageStats{windowAt: time.Now()},
	}
}

// Start subscribes the stage to its topics and begins heartbeating.
func (s *Stage) Start(ctx context.Context) error {
	if err := s.bus.Consume(ctx, messaging.TopicRecordsExtracted, StageName, s.handleRecord); err != nil {
		return fmt.Errorf("subscribe records: %w", err)
	}
	if err := s.bus.Consume(ctx, messaging.ControlTopic(StageName), StageName+"-control", s.handleControl); err != nil {
		return fmt.Errorf("subscribe control: %w", err)
	}
	go s.heartbeatLoop(ctx)
	s.logger.Info("matching stage started")
	return nil
}

// handleRecord processes one RECORD_EXTRACTED delivery end to end.
func (s *Stage) handleRecord(ctx context.Context, d *messaging.Delivery) error {
	if err := s.waitIfPaused(ctx); err != nil {
		return messaging.Transient(err)
	}
	start := time.Now()

	var payload messaging.RecordExtractedPayload
	if err := d.Envelope.Decode(&payload); err != nil {
		return messaging.DataError(err)
	}
	rec := payload.Record
	if rec.TradeID == "" || !rec.Source.Valid() {
		return messaging.DataError(fmt.Errorf("malformed trade record: id=%q source=%q", rec.TradeID, rec.Source))
	}

	// Collapse duplicate deliveries into one logical execution.
	seen, err := s.idem.CheckAndSet(ctx, d.Envelope.CorrelationID, d.Envelope.RequestHash())
	if err != nil {
		if errors.Is(err, idempotency.ErrHashConflict) {
			return messaging.DataError(err)
		}
		return messaging.Transient(err)
	}
	if seen.AlreadySeen {
		if seen.Cached != nil {
			s.logger.Debug("duplicate delivery collapsed",
				zap.String("correlation_id", d.Envelope.CorrelationID),
				zap.String("trade_id", rec.TradeID))
			return nil
		}
		// Claimed but never completed: a prior attempt failed after the
		// check-and-set. Acking here would drop the evaluation, so run it
		// again under the existing claim.
		s.logger.Warn("re-running evaluation for unfinished claim",
			zap.String("correlation_id", d.Envelope.CorrelationID),
			zap.String("trade_id", rec.TradeID))
	}

	s.keys.Lock(rec.TradeID)
	defer s.keys.Unlock(rec.TradeID)

	result, err := s.evaluate(ctx, &rec)
	if err != nil {
		s.observeFailure()
		return err
	}

	cached, _ := json.Marshal(result)
	if err := s.idem.Complete(ctx, d.Envelope.CorrelationID, cached); err != nil {
		s.logger.Warn("failed to cache evaluation result",
			zap.String("correlation_id", d.Envelope.CorrelationID), zap.Error(err))
	}

	s.observeSuccess(time.Since(start))
	metrics.TradesEvaluated.WithLabelValues(string(result.Classification)).Inc()
	metrics.EvaluationLatency.Observe(time.Since(start).Seconds())
	return nil
}

// evaluate persists the record, pairs it, scores the pair, stores the
// result and emits the single outbound event for this evaluation.
func (s *Stage) evaluate(ctx context.Context, rec *models.TradeRecord) (*models.MatchResult, error) {
	partition := storage.TradePartition(rec.Source)
	if err := s.trades.Put(ctx, partition, rec); err != nil {
		return nil, messaging.Transient(err)
	}

	candidate, err := s.pair(ctx, rec)
	if err != nil {
		return nil, messaging.Transient(err)
	}

	result := s.engine.EvaluateCandidate(candidate)
	if err := s.results.Append(ctx, &result); err != nil {
		return nil, messaging.Transient(err)
	}
	s.report.Observe(result)

	if err := s.emit(ctx, candidate, result); err != nil {
		return nil, err
	}
	s.logger.Info("trade evaluated",
		zap.String("trade_id", result.TradeID),
		zap.Float64("score", result.MatchScore),
		zap.String("classification", string(result.Classification)))
	return &result, nil
}

// pair loads the opposite side for the record's trade id. The side each
// record occupies in the candidate comes from the partition it was read
// from, so a record stored under the wrong partition surfaces as a source
// misplacement during evaluation.
func (s *Stage) pair(ctx context.Context, rec *models.TradeRecord) (Candidate, error) {
	var c Candidate
	if rec.Source == models.SourceOriginator {
		c.Originator = rec
	} else {
		c.Counterparty = rec
	}

	opposite := storage.TradePartition(rec.Source.Opposite())
	other, err := s.trades.Get(ctx, opposite, rec.TradeID)
	if errors.Is(err, storage.ErrNotFound) {
		other, err = s.fuzzyJoin(ctx, opposite, rec.TradeID)
		if err != nil {
			return c, err
		}
		if other == nil {
			return c, nil
		}
		c.JoinNormalized = true
	} else if err != nil {
		return c, err
	}
	if rec.Source == models.SourceOriginator {
		c.Counterparty = other
	} else {
		c.Originator = other
	}
	return c, nil
}

// fuzzyJoin scans the opposite partition for a record whose identifier
// normalizes to the same trade id, so formatting drift between the two
// feeds still pairs. Returns nil when nothing joins.
func (s *Stage) fuzzyJoin(ctx context.Context, partition, tradeID string) (*models.TradeRecord, error) {
	var found *models.TradeRecord
	err := s.trades.Scan(ctx, partition, func(rec *models.TradeRecord) error {
		if found == nil && TradeIDSimilar(tradeID, rec.TradeID) {
			copied := *rec
			found = &copied
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}

// emit publishes exactly one outbound event per evaluation.
func (s *Stage) emit(ctx context.Context, c Candidate, result models.MatchResult) error {
	switch result.Classification {
	case models.ClassAutoMatch, models.ClassProbableMatch:
		return s.bus.PublishMatchEvaluated(ctx, result)
	case models.ClassReviewRequired:
		return s.bus.PublishReviewRequested(ctx, messaging.ReviewRequestedPayload{
			Result:       result,
			Originator:   c.Originator,
			Counterparty: c.Counterparty,
		})
	default: // BREAK, DATA_ERROR
		return s.bus.PublishExceptionRaised(ctx, messaging.ExceptionRaisedPayload{
			Result:           result,
			CounterpartyName: counterpartyNameOf(c),
		})
	}
}

func counterpartyNameOf(c Candidate) string {
	if c.Originator != nil && c.Originator.CounterpartyName != "" {
		return c.Originator.CounterpartyName
	}
	if c.Counterparty != nil {
		return c.Counterparty.CounterpartyName
	}
	return ""
}

// handleControl honors orchestrator commands before the next batch.
func (s *Stage) handleControl(_ context.Context, d *messaging.Delivery) error {
	var cmd messaging.ControlCommandPayload
	if err := d.Envelope.Decode(&cmd); err != nil {
		return messaging.DataError(err)
	}
	switch cmd.Command {
	case messaging.CommandPause:
		s.setPaused(true)
		s.logger.Warn("stage paused", zap.String("reason", cmd.Reason))
	case messaging.CommandResume:
		s.setPaused(false)
		s.logger.Info("stage resumed")
	case messaging.CommandSetPriority:
		// Priority only affects scheduling hints today; recorded for operators.
		s.logger.Info("priority updated", zap.Int("priority", cmd.Priority))
	default:
		return messaging.DataError(fmt.Errorf("unknown control command %q", cmd.Command))
	}
	return nil
}

func (s *Stage) setPaused(paused bool) {
	s.pauseMu.Lock()
	defer s.pauseMu.Unlock()
	if paused == s.paused {
		return
	}
	s.paused = paused
	if paused {
		s.pause = make(chan struct{})
	} else {
		close(s.pause)
	}
}

func (s *Stage) waitIfPaused(ctx context.Context) error {
	s.pauseMu.Lock()
	gate := s.pause
	s.pauseMu.Unlock()
	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Stage) observeSuccess(took time.Duration) {
	s.stats.mu.Lock()
	defer s.stats.mu.Unlock()
	s.stats.processed++
	s.stats.lastTook = took
}

func (s *Stage) observeFailure() {
	s.stats.mu.Lock()
	defer s.stats.mu.Unlock()
	s.stats.failures++
}

// heartbeatLoop publishes the stage's self-reported health sample.
func (s *Stage) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(s.heartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.stats.mu.Lock()
			processed, failures := s.stats.processed, s.stats.failures
			latency := s.stats.lastTook
			elapsed := time.Since(s.stats.windowAt)
			s.stats.processed, s.stats.failures = 0, 0
			s.stats.windowAt = time.Now()
			s.stats.mu.Unlock()

			total := processed + failures
			var errRate float64
			if total > 0 {
				errRate = float64(failures) / float64(total)
			}
			perHour := float64(total) / elapsed.Hours()
			hb := messaging.HeartbeatPayload{
				StageName: StageName,
				Metrics: models.HeartbeatMetrics{
					ObservedLatencyMs: float64(latency.Milliseconds()),
					ProcessedLastHour: perHour,
					ErrorRate:         errRate,
				},
			}
			if err := s.bus.PublishHeartbeat(ctx, hb); err != nil {
				s.logger.Warn("heartbeat publish failed", zap.Error(err))
			}
		}
	}
}
