package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/koushal2018/ai-trade-matching-system/internal/storage"
	"github.com/koushal2018/ai-trade-matching-system/pkg/metrics"
	"github.com/koushal2018/ai-trade-matching-system/pkg/models"
)

// Config tunes the health state machine.
type Config struct {
	// DegradeAfterBreaches is the consecutive-breach streak that moves a
	// stage from HEALTHY to DEGRADED.
	DegradeAfterBreaches int `json:"degrade_after_breaches" mapstructure:"degrade_after_breaches"`
	// HeartbeatTimeout is how long a stage may stay silent before it is
	// marked UNHEALTHY.
	HeartbeatTimeout time.Duration `json:"heartbeat_timeout" mapstructure:"heartbeat_timeout"`
}

// DefaultConfig returns the standard health thresholds.
func DefaultConfig() Config {
	return Config{
		DegradeAfterBreaches: 3,
		HeartbeatTimeout:     45 * time.Second,
	}
}

// maxPutAttempts bounds the optimistic-write retry loop. Every stage's
// heartbeat writes here, so conflicts are routine.
const maxPutAttempts = 5

// Registry is the directory of processing stages, their capabilities and
// their health, persisted per stage key with optimistic versioning.
type Registry struct {
	store  *storage.VersionedStore
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

// New creates the agent registry over the given store.
func New(store *storage.VersionedStore, cfg Config, logger *zap.Logger) *Registry {
	if cfg.DegradeAfterBreaches <= 0 {
		cfg.DegradeAfterBreaches = DefaultConfig().DegradeAfterBreaches
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = DefaultConfig().HeartbeatTimeout
	}
	return &Registry{
		store:  store,
		cfg:    cfg,
		logger: logger.Named("registry"),
		now:    time.Now,
	}
}

// Register creates or replaces a stage's directory entry. A re-register
// resets health to HEALTHY, the way a restarted stage announces itself.
func (r *Registry) Register(ctx context.Context, entry models.AgentRegistryEntry) error {
	if entry.StageName == "" {
		return fmt.Errorf("registry: entry missing stage name")
	}
	return r.mutate(ctx, entry.StageName, func(stored *models.AgentRegistryEntry) {
		entry.Health = models.HealthHealthy
		entry.LastHeartbeat = r.now().UTC()
		entry.BreachStreak = 0
		*stored = entry
	})
}

// Heartbeat applies one self-reported sample and advances the health state
// machine: a sample outside SLA targets extends the breach streak, and a
// sustained streak degrades the stage. A clean sample recovers it.
func (r *Registry) Heartbeat(ctx context.Context, stageName string, sample models.HeartbeatMetrics) error {
	err := r.mutate(ctx, stageName, func(entry *models.AgentRegistryEntry) {
		entry.LastHeartbeat = r.now().UTC()
		entry.LastMetrics = sample

		if r.breaches(entry.SLATargets, sample) {
			entry.BreachStreak++
		} else {
			entry.BreachStreak = 0
		}

		prev := entry.Health
		switch {
		case entry.BreachStreak >= r.cfg.DegradeAfterBreaches:
			entry.Health = models.HealthDegraded
		default:
			entry.Health = models.HealthHealthy
		}
		if entry.Health != prev {
			r.logger.Warn("stage health changed",
				zap.String("stage", stageName),
				zap.String("from", string(prev)),
				zap.String("to", string(entry.Health)),
				zap.Int("breach_streak", entry.BreachStreak))
		}
		r.exportHealth(entry)
	})
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("registry: heartbeat from unregistered stage %s: %w", stageName, storage.ErrNotFound)
	}
	return err
}

// breaches reports whether a sample violates the stage's declared targets.
func (r *Registry) breaches(targets models.SLATargets, sample models.HeartbeatMetrics) bool {
	if targets.MaxLatencyMs > 0 && sample.ObservedLatencyMs > targets.MaxLatencyMs {
		return true
	}
	if targets.MaxErrorRate > 0 && sample.ErrorRate > targets.MaxErrorRate {
		return true
	}
	return false
}

// MarkSilent sweeps every entry and marks stages whose heartbeats stopped as
// UNHEALTHY. Called from the orchestrator tick.
func (r *Registry) MarkSilent(ctx context.Context) ([]string, error) {
	entries, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	cutoff := r.now().UTC().Add(-r.cfg.HeartbeatTimeout)
	var silent []string
	for _, entry := range entries {
		if entry.Health == models.HealthUnhealthy || !entry.LastHeartbeat.Before(cutoff) {
			continue
		}
		name := entry.StageName
		err := r.mutate(ctx, name, func(stored *models.AgentRegistryEntry) {
			if stored.LastHeartbeat.Before(cutoff) {
				stored.Health = models.HealthUnhealthy
				r.exportHealth(stored)
			}
		})
		if err != nil {
			return silent, err
		}
		silent = append(silent, name)
		r.logger.Error("stage heartbeats stopped", zap.String("stage", name),
			zap.Time("last_heartbeat", entry.LastHeartbeat))
	}
	return silent, nil
}

// Get reads one stage's entry.
func (r *Registry) Get(ctx context.Context, stageName string) (*models.AgentRegistryEntry, error) {
	var entry models.AgentRegistryEntry
	version, err := r.store.Get(ctx, stageName, &entry)
	if err != nil {
		return nil, err
	}
	entry.Version = version
	return &entry, nil
}

// List returns every registered stage.
func (r *Registry) List(ctx context.Context) ([]models.AgentRegistryEntry, error) {
	var out []models.AgentRegistryEntry
	err := r.store.Scan(ctx, func(key string, payload []byte) error {
		var entry models.AgentRegistryEntry
		if err := unmarshalEntry(payload, &entry); err != nil {
			return fmt.Errorf("registry entry %s: %w", key, err)
		}
		out = append(out, entry)
		return nil
	})
	return out, err
}

// Query returns the stages declaring a capability, healthiest first.
func (r *Registry) Query(ctx context.Context, capability string) ([]models.AgentRegistryEntry, error) {
	entries, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	var matched []models.AgentRegistryEntry
	for _, entry := range entries {
		if entry.HasCapability(capability) {
			matched = append(matched, entry)
		}
	}
	sortByHealth(matched)
	return matched, nil
}

// mutate runs an optimistic read-modify-write on one stage's entry.
func (r *Registry) mutate(ctx context.Context, stageName string, fn func(entry *models.AgentRegistryEntry)) error {
	for attempt := 0; attempt < maxPutAttempts; attempt++ {
		var entry models.AgentRegistryEntry
		version, err := r.store.Get(ctx, stageName, &entry)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		missing := errors.Is(err, storage.ErrNotFound)
		if missing {
			version = 0
		}
		fn(&entry)
		if missing && entry.StageName == "" {
			return storage.ErrNotFound
		}
		entry.Version = version + 1
		err = r.store.Put(ctx, stageName, &entry, version)
		if err == nil {
			return nil
		}
		if !errors.Is(err, storage.ErrVersionConflict) {
			return fmt.Errorf("registry: persist %s: %w", stageName, err)
		}
	}
	return fmt.Errorf("registry: persist %s: %w after %d attempts",
		stageName, storage.ErrVersionConflict, maxPutAttempts)
}

func unmarshalEntry(payload []byte, entry *models.AgentRegistryEntry) error {
	return json.Unmarshal(payload, entry)
}

// healthRank orders HEALTHY < DEGRADED < UNHEALTHY for Query results.
func healthRank(h models.HealthStatus) int {
	switch h {
	case models.HealthHealthy:
		return 0
	case models.HealthDegraded:
		return 1
	default:
		return 2
	}
}

func sortByHealth(entries []models.AgentRegistryEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if hi, hj := healthRank(entries[i].Health), healthRank(entries[j].Health); hi != hj {
			return hi < hj
		}
		return entries[i].StageName < entries[j].StageName
	})
}

func (r *Registry) exportHealth(entry *models.AgentRegistryEntry) {
	var level float64
	switch entry.Health {
	case models.HealthDegraded:
		level = 1
	case models.HealthUnhealthy:
		level = 2
	}
	metrics.StageHealth.WithLabelValues(entry.StageName).Set(level)
}
