package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const keyPrefix = "idem:"

// RedisConfig configures the Redis-backed store.
type RedisConfig struct {
	Addr      string        `json:"addr" mapstructure:"addr"`
	Password  string        `json:"password" mapstructure:"password"`
	DB        int           `json:"db" mapstructure:"db"`
	Retention time.Duration `json:"retention" mapstructure:"retention"`
}

// DefaultRedisConfig returns defaults for a local Redis.
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		Addr:      "localhost:6379",
		Retention: 24 * time.Hour,
	}
}

// RedisStore implements Store over Redis. Entries expire after the
// configured retention window.
type RedisStore struct {
	client    *redis.Client
	retention time.Duration
	logger    *zap.Logger
}

// NewRedisStore creates a Redis-backed idempotency store and verifies
// connectivity.
func NewRedisStore(ctx context.Context, cfg *RedisConfig, logger *zap.Logger) (*RedisStore, error) {
	if cfg == nil {
		cfg = DefaultRedisConfig()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisStore{
		client:    client,
		retention: cfg.Retention,
		logger:    logger.Named("idempotency"),
	}, nil
}

// CheckAndSet registers the pair with SET NX; on a miss of the NX write the
// existing entry's hash decides between replay and conflict.
func (s *RedisStore) CheckAndSet(ctx context.Context, correlationID, requestHash string) (Result, error) {
	key := keyPrefix + correlationID
	fresh, err := json.Marshal(entry{Hash: requestHash, CreatedAt: time.Now().UTC()})
	if err != nil {
		return Result{}, err
	}

	set, err := s.client.SetNX(ctx, key, fresh, s.retention).Result()
	if err != nil {
		return Result{}, fmt.Errorf("redis setnx %s: %w", key, err)
	}
	if set {
		return Result{AlreadySeen: false}, nil
	}

	raw, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		// Expired between SETNX and GET; treat as first sight.
		return Result{AlreadySeen: false}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("redis get %s: %w", key, err)
	}

	var stored entry
	if err := json.Unmarshal(raw, &stored); err != nil {
		return Result{}, fmt.Errorf("corrupt idempotency entry %s: %w", key, err)
	}
	if stored.Hash != requestHash {
		return Result{}, fmt.Errorf("%w: %s", ErrHashConflict, correlationID)
	}
	return Result{AlreadySeen: true, Cached: stored.Result}, nil
}

// Complete stores the execution result next to the hash, preserving the TTL.
func (s *RedisStore) Complete(ctx context.Context, correlationID string, result []byte) error {
	key := keyPrefix + correlationID
	raw, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return fmt.Errorf("idempotency: complete for unknown correlation id %s", correlationID)
	}
	if err != nil {
		return fmt.Errorf("redis get %s: %w", key, err)
	}
	var stored entry
	if err := json.Unmarshal(raw, &stored); err != nil {
		return fmt.Errorf("corrupt idempotency entry %s: %w", key, err)
	}
	stored.Result = result
	updated, err := json.Marshal(stored)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, key, updated, redis.KeepTTL).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// Close releases the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
