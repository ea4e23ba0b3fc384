package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckAndSet_RoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(time.Hour)

	first, err := store.CheckAndSet(ctx, "corr-1", "hash-a")
	require.NoError(t, err)
	assert.False(t, first.AlreadySeen)

	require.NoError(t, store.Complete(ctx, "corr-1", []byte(`{"ok":true}`)))

	second, err := store.CheckAndSet(ctx, "corr-1", "hash-a")
	require.NoError(t, err)
	assert.True(t, second.AlreadySeen)
	assert.JSONEq(t, `{"ok":true}`, string(second.Cached))

	// Cached result must be unchanged across further replays.
	third, err := store.CheckAndSet(ctx, "corr-1", "hash-a")
	require.NoError(t, err)
	assert.True(t, third.AlreadySeen)
	assert.Equal(t, second.Cached, third.Cached)
}

func TestCheckAndSet_HashConflict(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(time.Hour)

	_, err := store.CheckAndSet(ctx, "corr-1", "hash-a")
	require.NoError(t, err)

	_, err = store.CheckAndSet(ctx, "corr-1", "hash-b")
	require.ErrorIs(t, err, ErrHashConflict)
}

func TestCheckAndSet_PendingReplayHasNoResult(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(time.Hour)

	_, err := store.CheckAndSet(ctx, "corr-1", "hash-a")
	require.NoError(t, err)

	replay, err := store.CheckAndSet(ctx, "corr-1", "hash-a")
	require.NoError(t, err)
	assert.True(t, replay.AlreadySeen)
	assert.Nil(t, replay.Cached)
}

func TestComplete_UnknownID(t *testing.T) {
	store := NewMemoryStore(time.Hour)
	err := store.Complete(context.Background(), "missing", []byte("x"))
	assert.Error(t, err)
}

func TestRetention_Expiry(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(time.Minute)
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return base }

	_, err := store.CheckAndSet(ctx, "corr-1", "hash-a")
	require.NoError(t, err)

	store.now = func() time.Time { return base.Add(2 * time.Minute) }
	res, err := store.CheckAndSet(ctx, "corr-1", "hash-a")
	require.NoError(t, err)
	assert.False(t, res.AlreadySeen, "expired entry should be treated as first sight")
}
