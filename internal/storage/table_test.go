package storage

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"

	"github.com/koushal2018/ai-trade-matching-system/pkg/models"
)

func newTestTable(t *testing.T) *Table {
	t.Helper()
	// Named in-memory database so each test gets its own isolated store
	// while GORM's pooled connections still see the same tables.
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	table, err := NewTable(sqlite.Open(dsn), zap.NewNop())
	require.NoError(t, err)
	return table
}

func sampleTrade(id string, source models.TradeSource, version int) *models.TradeRecord {
	return &models.TradeRecord{
		TradeID:          id,
		Source:           source,
		TradeDate:        time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC),
		Notional:         decimal.NewFromInt(1_000_000),
		Currency:         "USD",
		CounterpartyName: "Acme Capital LLC",
		ProductType:      "IRS",
		Version:          version,
		ExtractedAt:      time.Now().UTC(),
	}
}

func TestTable_PutGetScan(t *testing.T) {
	ctx := context.Background()
	table := newTestTable(t)

	require.NoError(t, table.Put(ctx, PartitionOriginatorTrades, "T1", []byte(`{"a":1}`)))
	require.NoError(t, table.Put(ctx, PartitionOriginatorTrades, "T2", []byte(`{"a":2}`)))
	require.NoError(t, table.Put(ctx, PartitionCounterpartyTrades, "T1", []byte(`{"b":1}`)))

	payload, _, err := table.Get(ctx, PartitionOriginatorTrades, "T1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(payload))

	// Partitions do not bleed into each other.
	var keys []string
	require.NoError(t, table.Scan(ctx, PartitionOriginatorTrades, func(key string, _ []byte) error {
		keys = append(keys, key)
		return nil
	}))
	assert.Equal(t, []string{"T1", "T2"}, keys)

	_, _, err = table.Get(ctx, PartitionExceptions, "T1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTable_PutOverwrites(t *testing.T) {
	ctx := context.Background()
	table := newTestTable(t)

	require.NoError(t, table.Put(ctx, PartitionMatchResults, "k", []byte(`1`)))
	require.NoError(t, table.Put(ctx, PartitionMatchResults, "k", []byte(`2`)))

	payload, _, err := table.Get(ctx, PartitionMatchResults, "k")
	require.NoError(t, err)
	assert.Equal(t, "2", string(payload))
}

func TestTable_PutVersioned(t *testing.T) {
	ctx := context.Background()
	table := newTestTable(t)

	require.NoError(t, table.PutVersioned(ctx, PartitionPolicy, "state", []byte(`1`), 0))

	_, version, err := table.Get(ctx, PartitionPolicy, "state")
	require.NoError(t, err)
	assert.Equal(t, 1, version)

	// Stale writer loses.
	err = table.PutVersioned(ctx, PartitionPolicy, "state", []byte(`2`), 0)
	assert.ErrorIs(t, err, ErrVersionConflict)

	// Current writer wins and bumps the version.
	require.NoError(t, table.PutVersioned(ctx, PartitionPolicy, "state", []byte(`2`), 1))
	payload, version, err := table.Get(ctx, PartitionPolicy, "state")
	require.NoError(t, err)
	assert.Equal(t, 2, version)
	assert.Equal(t, "2", string(payload))
}

func TestTradeStore_SupersedeByVersion(t *testing.T) {
	ctx := context.Background()
	store := NewTradeStore(newTestTable(t))

	v1 := sampleTrade("T1", models.SourceOriginator, 1)
	require.NoError(t, store.Put(ctx, PartitionOriginatorTrades, v1))

	v3 := sampleTrade("T1", models.SourceOriginator, 3)
	v3.Currency = "EUR"
	require.NoError(t, store.Put(ctx, PartitionOriginatorTrades, v3))

	// A late redelivery of an older version must not clobber the newer one.
	v2 := sampleTrade("T1", models.SourceOriginator, 2)
	require.NoError(t, store.Put(ctx, PartitionOriginatorTrades, v2))

	got, err := store.Get(ctx, PartitionOriginatorTrades, "T1")
	require.NoError(t, err)
	assert.Equal(t, 3, got.Version)
	assert.Equal(t, "EUR", got.Currency)
}

func TestExceptionStore_TerminalImmutable(t *testing.T) {
	ctx := context.Background()
	store := NewExceptionStore(newTestTable(t))

	exc := &models.ExceptionRecord{
		ExceptionID: "E1",
		TradeID:     "T1",
		Status:      models.ExceptionOpen,
		CreatedAt:   time.Now().UTC(),
	}
	require.NoError(t, store.Save(ctx, exc))

	exc.Status = models.ExceptionResolved
	exc.Resolution = &models.Resolution{
		Outcome:    models.ExceptionResolved,
		ResolvedBy: "ops",
		ResolvedAt: time.Now().UTC(),
	}
	require.NoError(t, store.Save(ctx, exc))

	// Closed on disk: any further write is rejected.
	exc.Status = models.ExceptionOpen
	err := store.Save(ctx, exc)
	assert.ErrorContains(t, err, "terminal")
}

func TestExceptionStore_ScanOpenSkipsTerminal(t *testing.T) {
	ctx := context.Background()
	store := NewExceptionStore(newTestTable(t))

	open := &models.ExceptionRecord{ExceptionID: "E1", Status: models.ExceptionDelegated}
	closed := &models.ExceptionRecord{ExceptionID: "E2", Status: models.ExceptionResolved}
	require.NoError(t, store.Save(ctx, open))
	require.NoError(t, store.Save(ctx, closed))

	var seen []string
	require.NoError(t, store.ScanOpen(ctx, func(exc *models.ExceptionRecord) error {
		seen = append(seen, exc.ExceptionID)
		return nil
	}))
	assert.Equal(t, []string{"E1"}, seen)
}
