// Package storage provides the partitioned key-value table used to persist
// trade records, match results, exceptions, policy and registry state.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrNotFound is returned when a (partition, key) pair does not exist.
	ErrNotFound = errors.New("storage: record not found")
	// ErrVersionConflict signals a lost optimistic-concurrency race; the
	// caller should re-read and retry.
	ErrVersionConflict = errors.New("storage: version conflict")
)

// Partition names. A record's partition is part of its identity; the
// orchestrator's integrity scan checks stored trade records against their
// declared source.
const (
	PartitionOriginatorTrades   = "trades_originator"
	PartitionCounterpartyTrades = "trades_counterparty"
	PartitionMatchResults       = "match_results"
	PartitionExceptions         = "exceptions"
	PartitionPolicy             = "routing_policy"
	PartitionRegistry           = "agent_registry"
)

// Row is the single physical schema behind every partition.
type Row struct {
	Partition string    `gorm:"column:partition_name;primaryKey;size:64"`
	Key       string    `gorm:"column:record_key;primaryKey;size:191"`
	Version   int       `gorm:"not null;default:0"`
	Payload   []byte    `gorm:"not null"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

// TableName pins the physical table name.
func (Row) TableName() string { return "kv_records" }

// Table is the key-value abstraction over the storage engine.
type Table struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewTable opens the table over the given GORM dialector and migrates the
// backing schema.
func NewTable(dialector gorm.Dialector, logger *zap.Logger) (*Table, error) {
	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.AutoMigrate(&Row{}); err != nil {
		return nil, fmt.Errorf("migrate kv table: %w", err)
	}
	return &Table{db: db, logger: logger.Named("storage")}, nil
}

// Put writes the payload unconditionally (last write wins).
func (t *Table) Put(ctx context.Context, partition, key string, payload []byte) error {
	row := Row{Partition: partition, Key: key, Payload: payload}
	err := t.db.WithContext(ctx).
		Where("partition_name = ? AND record_key = ?", partition, key).
		Assign(map[string]interface{}{"payload": payload}).
		FirstOrCreate(&row).Error
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", partition, key, err)
	}
	return nil
}

// PutVersioned writes the payload only if the stored version still equals
// expectVersion, bumping the version on success. expectVersion 0 means the
// key must not exist yet.
func (t *Table) PutVersioned(ctx context.Context, partition, key string, payload []byte, expectVersion int) error {
	return t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row Row
		err := tx.Where("partition_name = ? AND record_key = ?", partition, key).Take(&row).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			if expectVersion != 0 {
				return fmt.Errorf("%w: %s/%s expected v%d, not found", ErrVersionConflict, partition, key, expectVersion)
			}
			return tx.Create(&Row{Partition: partition, Key: key, Version: 1, Payload: payload}).Error
		case err != nil:
			return fmt.Errorf("read %s/%s: %w", partition, key, err)
		}

		res := tx.Model(&Row{}).
			Where("partition_name = ? AND record_key = ? AND version = ?", partition, key, expectVersion).
			Updates(map[string]interface{}{"payload": payload, "version": expectVersion + 1})
		if res.Error != nil {
			return fmt.Errorf("update %s/%s: %w", partition, key, res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: %s/%s expected v%d, found v%d", ErrVersionConflict, partition, key, expectVersion, row.Version)
		}
		return nil
	})
}

// Get reads the payload for (partition, key).
func (t *Table) Get(ctx context.Context, partition, key string) ([]byte, int, error) {
	var row Row
	err := t.db.WithContext(ctx).
		Where("partition_name = ? AND record_key = ?", partition, key).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, 0, fmt.Errorf("%w: %s/%s", ErrNotFound, partition, key)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("get %s/%s: %w", partition, key, err)
	}
	return row.Payload, row.Version, nil
}

// Scan streams every row in a partition through fn in key order. Returning
// an error from fn aborts the scan.
func (t *Table) Scan(ctx context.Context, partition string, fn func(key string, payload []byte) error) error {
	rows := make([]Row, 0, 256)
	err := t.db.WithContext(ctx).
		Where("partition_name = ?", partition).
		Order("record_key").
		FindInBatches(&rows, 256, func(_ *gorm.DB, _ int) error {
			for _, row := range rows {
				if err := fn(row.Key, row.Payload); err != nil {
					return err
				}
			}
			return nil
		}).Error
	if err != nil {
		return fmt.Errorf("scan %s: %w", partition, err)
	}
	return nil
}
