// Package idempotency collapses duplicate at-least-once deliveries into a
// single logical execution, keyed by correlation id.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrHashConflict is returned when a correlation id is reused with a
// different request hash. This signals possible duplicate id reuse and must
// be surfaced, never silently overwritten.
var ErrHashConflict = errors.New("idempotency: request hash conflict for correlation id")

// Result is the outcome of a check-and-set.
type Result struct {
	// AlreadySeen is true when this correlation id was checked before with
	// the same hash. Only a set Cached proves the prior execution finished;
	// AlreadySeen with a nil Cached means the claim was taken but the work
	// never completed, and the caller should run it again.
	AlreadySeen bool
	// Cached holds the stored result of the prior execution, if it finished.
	Cached []byte
}

// Store is the check-and-set cache contract.
type Store interface {
	// CheckAndSet registers the (id, hash) pair if unseen. A repeat call
	// with the same hash reports AlreadySeen together with any cached
	// result; a differing hash returns ErrHashConflict.
	CheckAndSet(ctx context.Context, correlationID, requestHash string) (Result, error)
	// Complete attaches the execution result to an id for replay.
	Complete(ctx context.Context, correlationID string, result []byte) error
}

// entry is the stored record per correlation id.
type entry struct {
	Hash      string          `json:"hash"`
	Result    json.RawMessage `json:"result,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}
