package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/koushal2018/ai-trade-matching-system/pkg/models"
)

// TradePartition maps a trade source to its storage partition.
func TradePartition(source models.TradeSource) string {
	if source == models.SourceOriginator {
		return PartitionOriginatorTrades
	}
	return PartitionCounterpartyTrades
}

// TradeStore persists trade records per source partition.
type TradeStore struct {
	table *Table
}

// NewTradeStore wraps the table.
func NewTradeStore(table *Table) *TradeStore {
	return &TradeStore{table: table}
}

// Put stores a record under the given partition. The partition comes from
// message routing, not from the record's own Source field; a disagreement
// between the two is preserved so the matching engine can classify it as a
// data error. Older versions never overwrite newer ones.
func (s *TradeStore) Put(ctx context.Context, partition string, rec *models.TradeRecord) error {
	existing, err := s.Get(ctx, partition, rec.TradeID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if existing != nil && existing.Version > rec.Version {
		return nil // superseded already; immutable history keeps the newest
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal trade %s: %w", rec.TradeID, err)
	}
	return s.table.Put(ctx, partition, rec.TradeID, payload)
}

// Get reads one trade record from a partition.
func (s *TradeStore) Get(ctx context.Context, partition, tradeID string) (*models.TradeRecord, error) {
	payload, _, err := s.table.Get(ctx, partition, tradeID)
	if err != nil {
		return nil, err
	}
	var rec models.TradeRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal trade %s/%s: %w", partition, tradeID, err)
	}
	return &rec, nil
}

// Scan streams every record in a partition.
func (s *TradeStore) Scan(ctx context.Context, partition string, fn func(rec *models.TradeRecord) error) error {
	return s.table.Scan(ctx, partition, func(key string, payload []byte) error {
		var rec models.TradeRecord
		if err := json.Unmarshal(payload, &rec); err != nil {
			return fmt.Errorf("unmarshal trade %s/%s: %w", partition, key, err)
		}
		return fn(&rec)
	})
}

// MatchResultStore keeps the append-only evaluation history.
type MatchResultStore struct {
	table *Table
}

// NewMatchResultStore wraps the table.
func NewMatchResultStore(table *Table) *MatchResultStore {
	return &MatchResultStore{table: table}
}

// Append stores one evaluation, keyed by trade and result id so prior
// results are never edited in place.
func (s *MatchResultStore) Append(ctx context.Context, result *models.MatchResult) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal match result %s: %w", result.ResultID, err)
	}
	key := result.TradeID + "/" + result.ResultID
	return s.table.Put(ctx, PartitionMatchResults, key, payload)
}

// History returns every evaluation recorded for a trade, oldest key first.
func (s *MatchResultStore) History(ctx context.Context, tradeID string) ([]models.MatchResult, error) {
	var out []models.MatchResult
	err := s.table.Scan(ctx, PartitionMatchResults, func(key string, payload []byte) error {
		var r models.MatchResult
		if err := json.Unmarshal(payload, &r); err != nil {
			return fmt.Errorf("unmarshal match result %s: %w", key, err)
		}
		if r.TradeID == tradeID {
			out = append(out, r)
		}
		return nil
	})
	return out, err
}

// ExceptionStore persists exception records through their lifecycle.
type ExceptionStore struct {
	table *Table
}

// NewExceptionStore wraps the table.
func NewExceptionStore(table *Table) *ExceptionStore {
	return &ExceptionStore{table: table}
}

// Save writes an exception record. A record already closed on disk is
// immutable; attempting to overwrite it is a data error.
func (s *ExceptionStore) Save(ctx context.Context, exc *models.ExceptionRecord) error {
	existing, err := s.Get(ctx, exc.ExceptionID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if existing != nil && existing.Status.Terminal() {
		return fmt.Errorf("exception %s is terminal (%s) and immutable", exc.ExceptionID, existing.Status)
	}
	payload, err := json.Marshal(exc)
	if err != nil {
		return fmt.Errorf("marshal exception %s: %w", exc.ExceptionID, err)
	}
	return s.table.Put(ctx, PartitionExceptions, exc.ExceptionID, payload)
}

// Get reads one exception record.
func (s *ExceptionStore) Get(ctx context.Context, exceptionID string) (*models.ExceptionRecord, error) {
	payload, _, err := s.table.Get(ctx, PartitionExceptions, exceptionID)
	if err != nil {
		return nil, err
	}
	var exc models.ExceptionRecord
	if err := json.Unmarshal(payload, &exc); err != nil {
		return nil, fmt.Errorf("unmarshal exception %s: %w", exceptionID, err)
	}
	return &exc, nil
}

// ScanOpen streams every non-terminal exception.
func (s *ExceptionStore) ScanOpen(ctx context.Context, fn func(exc *models.ExceptionRecord) error) error {
	return s.table.Scan(ctx, PartitionExceptions, func(key string, payload []byte) error {
		var exc models.ExceptionRecord
		if err := json.Unmarshal(payload, &exc); err != nil {
			return fmt.Errorf("unmarshal exception %s: %w", key, err)
		}
		if exc.Status.Terminal() {
			return nil
		}
		return fn(&exc)
	})
}
