package triage

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/koushal2018/ai-trade-matching-system/internal/storage"
	"github.com/koushal2018/ai-trade-matching-system/pkg/models"
)

// Watchdog re-escalates exceptions that blow through their SLA deadline.
// It is timer-driven and independent of message delivery, so it fires even
// when no new exceptions arrive.
type Watchdog struct {
	exceptions *storage.ExceptionStore
	stage      *Stage
	interval   time.Duration
	logger     *zap.Logger
	now        func() time.Time
}

// NewWatchdog creates the SLA watchdog.
func NewWatchdog(exceptions *storage.ExceptionStore, stage *Stage, interval time.Duration, logger *zap.Logger) *Watchdog {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Watchdog{
		exceptions: exceptions,
		stage:      stage,
		interval:   interval,
		logger:     logger.Named("sla-watchdog"),
		now:        time.Now,
	}
}

// Run sweeps on a fixed tick until the context ends.
func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.Sweep(ctx); err != nil {
				w.logger.Error("sweep failed", zap.Error(err))
			}
		}
	}
}

// Sweep scans for past-deadline open delegations and re-triages each one:
// the prior delegation's episode closes with the breach penalty, then the
// routing target is re-selected with the CRITICAL bucket forced.
func (w *Watchdog) Sweep(ctx context.Context) error {
	now := w.now().UTC()
	var overdue []*models.ExceptionRecord
	err := w.exceptions.ScanOpen(ctx, func(exc *models.ExceptionRecord) error {
		if !exc.SLADeadline.IsZero() && now.After(exc.SLADeadline) {
			copied := *exc
			overdue = append(overdue, &copied)
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, exc := range overdue {
		breach := Reward(exc.DelegatedAt, exc.SLADeadline, now, models.ExceptionEscalated)
		if err := w.stage.policy.CloseEpisode(ctx, exc.ExceptionID, breach); err != nil {
			w.logger.Error("failed to close breached episode",
				zap.String("exception_id", exc.ExceptionID), zap.Error(err))
			continue
		}
		w.stage.history.Record(exc.CounterpartyName, exc.SourceMatchResult.ReasonCodes, false)

		exc.Escalations++
		w.logger.Warn("sla breached, re-triaging",
			zap.String("exception_id", exc.ExceptionID),
			zap.String("prior_target", string(exc.RoutingTarget)),
			zap.Int("escalations", exc.Escalations),
			zap.Time("deadline", exc.SLADeadline))
		if err := w.stage.delegate(ctx, exc, true); err != nil {
			w.logger.Error("re-triage failed",
				zap.String("exception_id", exc.ExceptionID), zap.Error(err))
		}
	}
	return nil
}
