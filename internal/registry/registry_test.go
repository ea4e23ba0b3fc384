package registry

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"

	"github.com/koushal2018/ai-trade-matching-system/internal/storage"
	"github.com/koushal2018/ai-trade-matching-system/pkg/models"
)

func newTestRegistry(t *testing.T) (*Registry, *time.Time) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	table, err := storage.NewTable(sqlite.Open(dsn), zap.NewNop())
	require.NoError(t, err)

	r := New(storage.NewVersionedStore(table, storage.PartitionRegistry), DefaultConfig(), zap.NewNop())
	clock := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return clock }
	return r, &clock
}

func matchingEntry() models.AgentRegistryEntry {
	return models.AgentRegistryEntry{
		StageName:    "matching-engine",
		Capabilities: []string{"match", "report"},
		SLATargets: models.SLATargets{
			MaxLatencyMs: 500,
			MaxErrorRate: 0.05,
		},
	}
}

func cleanSample() models.HeartbeatMetrics {
	return models.HeartbeatMetrics{ObservedLatencyMs: 120, ErrorRate: 0.01, ProcessedLastHour: 4000}
}

func breachSample() models.HeartbeatMetrics {
	return models.HeartbeatMetrics{ObservedLatencyMs: 900, ErrorRate: 0.01}
}

func TestRegisterAndQuery(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, matchingEntry()))
	require.NoError(t, r.Register(ctx, models.AgentRegistryEntry{
		StageName:    "exception-triage",
		Capabilities: []string{"triage"},
	}))

	got, err := r.Query(ctx, "match")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "matching-engine", got[0].StageName)
	assert.Equal(t, models.HealthHealthy, got[0].Health)

	none, err := r.Query(ctx, "extract")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestHeartbeat_UnregisteredStageRejected(t *testing.T) {
	r, _ := newTestRegistry(t)
	err := r.Heartbeat(context.Background(), "ghost", cleanSample())
	assert.Error(t, err)
}

func TestHeartbeat_SustainedBreachDegrades(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	require.NoError(t, r.Register(ctx, matchingEntry()))

	// Two breaches are not yet a sustained window.
	for i := 0; i < 2; i++ {
		require.NoError(t, r.Heartbeat(ctx, "matching-engine", breachSample()))
	}
	entry, err := r.Get(ctx, "matching-engine")
	require.NoError(t, err)
	assert.Equal(t, models.HealthHealthy, entry.Health)
	assert.Equal(t, 2, entry.BreachStreak)

	// The third consecutive breach degrades the stage.
	require.NoError(t, r.Heartbeat(ctx, "matching-engine", breachSample()))
	entry, err = r.Get(ctx, "matching-engine")
	require.NoError(t, err)
	assert.Equal(t, models.HealthDegraded, entry.Health)
}

func TestHeartbeat_CleanSampleRecovers(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	require.NoError(t, r.Register(ctx, matchingEntry()))

	for i := 0; i < 3; i++ {
		require.NoError(t, r.Heartbeat(ctx, "matching-engine", breachSample()))
	}
	require.NoError(t, r.Heartbeat(ctx, "matching-engine", cleanSample()))

	entry, err := r.Get(ctx, "matching-engine")
	require.NoError(t, err)
	assert.Equal(t, models.HealthHealthy, entry.Health)
	assert.Zero(t, entry.BreachStreak)
}

func TestHeartbeat_ErrorRateBreachCounts(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	require.NoError(t, r.Register(ctx, matchingEntry()))

	require.NoError(t, r.Heartbeat(ctx, "matching-engine",
		models.HeartbeatMetrics{ObservedLatencyMs: 100, ErrorRate: 0.2}))
	entry, err := r.Get(ctx, "matching-engine")
	require.NoError(t, err)
	assert.Equal(t, 1, entry.BreachStreak)
}

func TestMarkSilent(t *testing.T) {
	r, clock := newTestRegistry(t)
	ctx := context.Background()
	require.NoError(t, r.Register(ctx, matchingEntry()))
	require.NoError(t, r.Register(ctx, models.AgentRegistryEntry{StageName: "exception-triage"}))

	// Only the triage stage keeps heartbeating.
	*clock = clock.Add(time.Minute)
	require.NoError(t, r.Heartbeat(ctx, "exception-triage", cleanSample()))

	silent, err := r.MarkSilent(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"matching-engine"}, silent)

	entry, err := r.Get(ctx, "matching-engine")
	require.NoError(t, err)
	assert.Equal(t, models.HealthUnhealthy, entry.Health)

	alive, err := r.Get(ctx, "exception-triage")
	require.NoError(t, err)
	assert.Equal(t, models.HealthHealthy, alive.Health)

	// Already-unhealthy entries are not reported twice.
	silent, err = r.MarkSilent(ctx)
	require.NoError(t, err)
	assert.Empty(t, silent)
}

func TestRegister_RestartResetsHealth(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	require.NoError(t, r.Register(ctx, matchingEntry()))
	for i := 0; i < 3; i++ {
		require.NoError(t, r.Heartbeat(ctx, "matching-engine", breachSample()))
	}

	require.NoError(t, r.Register(ctx, matchingEntry()))
	entry, err := r.Get(ctx, "matching-engine")
	require.NoError(t, err)
	assert.Equal(t, models.HealthHealthy, entry.Health)
	assert.Zero(t, entry.BreachStreak)
}
