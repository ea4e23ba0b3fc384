package idempotency

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore implements Store in process memory with the same semantics as
// the Redis store. Used in tests and single-process deployments.
type MemoryStore struct {
	mu        sync.Mutex
	entries   map[string]*entry
	retention time.Duration
	now       func() time.Time
}

// NewMemoryStore creates an in-memory store with the given retention window.
func NewMemoryStore(retention time.Duration) *MemoryStore {
	return &MemoryStore{
		entries:   make(map[string]*entry),
		retention: retention,
		now:       time.Now,
	}
}

// CheckAndSet registers the pair if unseen; repeats with the same hash
// replay, differing hashes conflict.
func (s *MemoryStore) CheckAndSet(_ context.Context, correlationID, requestHash string) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictExpired()

	stored, ok := s.entries[correlationID]
	if !ok {
		s.entries[correlationID] = &entry{Hash: requestHash, CreatedAt: s.now().UTC()}
		return Result{AlreadySeen: false}, nil
	}
	if stored.Hash != requestHash {
		return Result{}, fmt.Errorf("%w: %s", ErrHashConflict, correlationID)
	}
	cached := make([]byte, len(stored.Result))
	copy(cached, stored.Result)
	if stored.Result == nil {
		cached = nil
	}
	return Result{AlreadySeen: true, Cached: cached}, nil
}

// Complete attaches the execution result.
func (s *MemoryStore) Complete(_ context.Context, correlationID string, result []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.entries[correlationID]
	if !ok {
		return fmt.Errorf("idempotency: complete for unknown correlation id %s", correlationID)
	}
	stored.Result = append([]byte(nil), result...)
	return nil
}

func (s *MemoryStore) evictExpired() {
	if s.retention <= 0 {
		return
	}
	cutoff := s.now().Add(-s.retention)
	for id, e := range s.entries {
		if e.CreatedAt.Before(cutoff) {
			delete(s.entries, id)
		}
	}
}
