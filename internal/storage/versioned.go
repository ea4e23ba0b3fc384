package storage

import (
	"context"
	"encoding/json"
	"fmt"
)

// VersionedStore is a thin optimistic-concurrency wrapper used for the two
// pieces of state mutated by more than one logical stage: the agent registry
// and the routing policy. Read-modify-write cycles carry the version read so
// concurrent writers cannot silently lose updates.
type VersionedStore struct {
	table     *Table
	partition string
}

// NewVersionedStore wraps a partition of the table.
func NewVersionedStore(table *Table, partition string) *VersionedStore {
	return &VersionedStore{table: table, partition: partition}
}

// Get unmarshals the record into out and returns its current version.
// Missing keys return ErrNotFound and version 0.
func (s *VersionedStore) Get(ctx context.Context, key string, out interface{}) (int, error) {
	payload, version, err := s.table.Get(ctx, s.partition, key)
	if err != nil {
		return 0, err
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return 0, fmt.Errorf("unmarshal %s/%s: %w", s.partition, key, err)
	}
	return version, nil
}

// Put writes the record if the stored version still equals expectVersion
// (0 for a fresh key). ErrVersionConflict means the caller lost the race
// and should re-read.
func (s *VersionedStore) Put(ctx context.Context, key string, v interface{}, expectVersion int) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s/%s: %w", s.partition, key, err)
	}
	return s.table.PutVersioned(ctx, s.partition, key, payload, expectVersion)
}

// Scan streams raw payloads in the partition.
func (s *VersionedStore) Scan(ctx context.Context, fn func(key string, payload []byte) error) error {
	return s.table.Scan(ctx, s.partition, fn)
}
