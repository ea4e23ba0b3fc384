package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/koushal2018/ai-trade-matching-system/internal/matching"
	"github.com/koushal2018/ai-trade-matching-system/internal/messaging"
	"github.com/koushal2018/ai-trade-matching-system/internal/registry"
	"github.com/koushal2018/ai-trade-matching-system/internal/reports"
	"github.com/koushal2018/ai-trade-matching-system/internal/storage"
	"github.com/koushal2018/ai-trade-matching-system/pkg/models"
)

// Config tunes the supervision loop.
type Config struct {
	// TickInterval is the supervision cadence.
	TickInterval time.Duration `json:"tick_interval" mapstructure:"tick_interval"`
	// ReportInterval is how often the batch report is rendered and stored.
	ReportInterval time.Duration `json:"report_interval" mapstructure:"report_interval"`
	// MaxMisfiledRecords is the partition-integrity breach count above which
	// the matching stage is paused for remediation.
	MaxMisfiledRecords int `json:"max_misfiled_records" mapstructure:"max_misfiled_records"`
}

// DefaultConfig returns the standard supervision cadence.
func DefaultConfig() Config {
	return Config{
		TickInterval:       10 * time.Second,
		ReportInterval:     10 * time.Minute,
		MaxMisfiledRecords: 10,
	}
}

// Orchestrator supervises the pipeline: it drains heartbeats into the
// registry, recomputes per-stage health, runs the partition-integrity scan,
// aggregates counters and issues control commands to misbehaving stages.
type Orchestrator struct {
	cfg      Config
	registry *registry.Registry
	trades   *storage.TradeStore
	reporter *matching.Reporter
	reports  *reports.Store // nil when no object store is configured
	bus      *messaging.Bus
	logger   *zap.Logger
	now      func() time.Time

	paused     map[string]bool
	lastReport time.Time
}

// New wires the orchestrator.
func New(
	cfg Config,
	reg *registry.Registry,
	trades *storage.TradeStore,
	reporter *matching.Reporter,
	reportStore *reports.Store,
	bus *messaging.Bus,
	logger *zap.Logger,
) *Orchestrator {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultConfig().TickInterval
	}
	if cfg.ReportInterval <= 0 {
		cfg.ReportInterval = DefaultConfig().ReportInterval
	}
	return &Orchestrator{
		cfg:      cfg,
		registry: reg,
		trades:   trades,
		reporter: reporter,
		reports:  reportStore,
		bus:      bus,
		logger:   logger.Named("orchestrator"),
		now:      time.Now,
		paused:   make(map[string]bool),
	}
}

// Start subscribes the heartbeat drain and begins the supervision loop.
func (o *Orchestrator) Start(ctx context.Context) error {
	if err := o.bus.Consume(ctx, messaging.TopicHeartbeats, "orchestrator", o.handleHeartbeat); err != nil {
		return fmt.Errorf("subscribe heartbeats: %w", err)
	}
	go o.run(ctx)
	o.logger.Info("orchestrator started",
		zap.Duration("tick", o.cfg.TickInterval),
		zap.Duration("report_interval", o.cfg.ReportInterval))
	return nil
}

// handleHeartbeat applies one heartbeat sample to the registry. A stage the
// registry has never seen is registered on first contact, so a stage
// restarting faster than its supervisor does not lose its heartbeats.
func (o *Orchestrator) handleHeartbeat(ctx context.Context, d *messaging.Delivery) error {
	var hb messaging.HeartbeatPayload
	if err := d.Envelope.Decode(&hb); err != nil {
		return messaging.DataError(err)
	}
	if hb.StageName == "" {
		return messaging.DataError(fmt.Errorf("heartbeat missing stage name"))
	}

	err := o.registry.Heartbeat(ctx, hb.StageName, hb.Metrics)
	if errors.Is(err, storage.ErrNotFound) {
		o.logger.Warn("heartbeat from unregistered stage, registering", zap.String("stage", hb.StageName))
		if err := o.registry.Register(ctx, models.AgentRegistryEntry{StageName: hb.StageName}); err != nil {
			return messaging.Transient(err)
		}
		err = o.registry.Heartbeat(ctx, hb.StageName, hb.Metrics)
	}
	if err != nil {
		return messaging.Transient(err)
	}
	return nil
}

func (o *Orchestrator) run(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.tick(ctx)
		}
	}
}

// tick is one supervision pass.
func (o *Orchestrator) tick(ctx context.Context) {
	if _, err := o.registry.MarkSilent(ctx); err != nil {
		o.logger.Error("silence sweep failed", zap.Error(err))
	}
	o.enforceSLA(ctx)

	misfiled, err := o.ScanPartitionIntegrity(ctx)
	if err != nil {
		o.logger.Error("partition integrity scan failed", zap.Error(err))
	} else if len(misfiled) > 0 {
		o.logger.Error("partition integrity breached",
			zap.Int("misfiled_records", len(misfiled)),
			zap.Strings("trade_ids", misfiled))
		o.raiseMisfiled(ctx, misfiled)
		if len(misfiled) > o.cfg.MaxMisfiledRecords {
			o.pause(ctx, matching.StageName,
				fmt.Sprintf("partition integrity breached: %d misfiled records", len(misfiled)))
		}
	}

	o.aggregate(ctx)
}

// enforceSLA pauses stages the registry reports unhealthy and resumes them
// once they recover.
func (o *Orchestrator) enforceSLA(ctx context.Context) {
	entries, err := o.registry.List(ctx)
	if err != nil {
		o.logger.Error("registry list failed", zap.Error(err))
		return
	}
	for _, entry := range entries {
		switch {
		case entry.Health != models.HealthHealthy && !o.paused[entry.StageName]:
			o.pause(ctx, entry.StageName, fmt.Sprintf("stage is %s", entry.Health))
		case entry.Health == models.HealthHealthy && o.paused[entry.StageName]:
			o.resume(ctx, entry.StageName)
		}
	}
}

func (o *Orchestrator) pause(ctx context.Context, stage, reason string) {
	if o.paused[stage] {
		return
	}
	err := o.bus.PublishControl(ctx, messaging.ControlCommandPayload{
		Command: messaging.CommandPause,
		Stage:   stage,
		Reason:  reason,
	})
	if err != nil {
		o.logger.Error("pause command failed", zap.String("stage", stage), zap.Error(err))
		return
	}
	o.paused[stage] = true
	o.logger.Warn("stage paused", zap.String("stage", stage), zap.String("reason", reason))
}

func (o *Orchestrator) resume(ctx context.Context, stage string) {
	err := o.bus.PublishControl(ctx, messaging.ControlCommandPayload{
		Command: messaging.CommandResume,
		Stage:   stage,
	})
	if err != nil {
		o.logger.Error("resume command failed", zap.String("stage", stage), zap.Error(err))
		return
	}
	delete(o.paused, stage)
	o.logger.Info("stage resumed", zap.String("stage", stage))
}

// ScanPartitionIntegrity checks that every persisted trade record's declared
// source matches the partition it lives under, and returns the trade ids
// that violate it.
func (o *Orchestrator) ScanPartitionIntegrity(ctx context.Context) ([]string, error) {
	var misfiled []string
	for _, source := range []models.TradeSource{models.SourceOriginator, models.SourceCounterparty} {
		partition := storage.TradePartition(source)
		expect := source
		err := o.trades.Scan(ctx, partition, func(rec *models.TradeRecord) error {
			if rec.Source != expect {
				misfiled = append(misfiled, rec.TradeID)
			}
			return nil
		})
		if err != nil {
			return misfiled, fmt.Errorf("scan %s: %w", partition, err)
		}
	}
	return misfiled, nil
}

// raiseMisfiled hands each partition-integrity violation to triage as a
// DATA_ERROR. The result id is derived from the trade id so repeat scans of
// the same violation collapse into one exception downstream.
func (o *Orchestrator) raiseMisfiled(ctx context.Context, tradeIDs []string) {
	for _, tradeID := range tradeIDs {
		result := models.MatchResult{
			ResultID:       "integrity-" + tradeID,
			TradeID:        tradeID,
			Classification: models.ClassDataError,
			ReasonCodes:    []models.ReasonCode{models.ReasonSourceMisplacement},
			DecidedAt:      o.now().UTC(),
		}
		if err := o.bus.PublishExceptionRaised(ctx, messaging.ExceptionRaisedPayload{Result: result}); err != nil {
			o.logger.Error("integrity exception publish failed",
				zap.String("trade_id", tradeID), zap.Error(err))
		}
	}
}

// aggregate recomputes the rolling counters and, on the report cadence,
// renders the batch report into the object store.
func (o *Orchestrator) aggregate(ctx context.Context) {
	snap := o.reporter.Snapshot()
	exceptionCount := snap.Classification[models.ClassBreak] + snap.Classification[models.ClassDataError]
	var exceptionRate float64
	if snap.TradesTotal > 0 {
		exceptionRate = float64(exceptionCount) / float64(snap.TradesTotal)
	}
	o.logger.Info("pipeline counters",
		zap.Int("trades_total", snap.TradesTotal),
		zap.Float64("match_rate", snap.MatchRate),
		zap.Float64("exception_rate", exceptionRate))

	if o.reports == nil {
		return
	}
	now := o.now().UTC()
	if now.Sub(o.lastReport) < o.cfg.ReportInterval {
		return
	}
	o.lastReport = now

	stamp := now.Format("150405")
	if data, err := snap.JSON(); err == nil {
		if _, err := o.reports.PutReport(ctx, "reconciliation-"+stamp+".json", "application/json", data); err != nil {
			o.logger.Error("report upload failed", zap.Error(err))
		}
	}
	if _, err := o.reports.PutReport(ctx, "reconciliation-"+stamp+".md", "text/markdown",
		[]byte(snap.Markdown())); err != nil {
		o.logger.Error("report upload failed", zap.Error(err))
	}
}
