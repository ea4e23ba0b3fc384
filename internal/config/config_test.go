package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, BrokerMemory, cfg.Broker)
	assert.Equal(t, IdempotencyMemory, cfg.Idempotency)
	assert.Equal(t, ":8080", cfg.Server.ListenAddr)
	assert.Equal(t, "sqlite", cfg.Database.Dialect)
	assert.Equal(t, 0.85, cfg.Matching.AutoMatchThreshold)
	assert.Equal(t, 0.70, cfg.Matching.ReviewThreshold)
	assert.InDelta(t, 0.3, cfg.Matching.Weights["notional"], 1e-9)
	assert.Equal(t, 0.2, cfg.Policy.InitialEpsilon)
	assert.Equal(t, 3, cfg.Registry.DegradeAfterBreaches)
	assert.False(t, cfg.Reports.Enabled)
}

func TestLoadYAMLOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := `
log_level: debug
broker: kafka
kafka:
  brokers: ["kafka-1:9092", "kafka-2:9092"]
database:
  dialect: postgres
  dsn: "host=db user=recon dbname=recon"
matching:
  auto_match_threshold: 0.9
orchestrator:
  tick_interval: 30s
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, BrokerKafka, cfg.Broker)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "postgres", cfg.Database.Dialect)
	assert.Equal(t, 0.9, cfg.Matching.AutoMatchThreshold)
	assert.Equal(t, 30*time.Second, cfg.Orchestrator.TickInterval)

	// Untouched sections keep their defaults.
	assert.Equal(t, 0.70, cfg.Matching.ReviewThreshold)
	assert.Equal(t, 45*time.Second, cfg.Registry.HeartbeatTimeout)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("TRADEMATCH_LOG_LEVEL", "warn")
	t.Setenv("TRADEMATCH_SERVER_LISTEN_ADDR", ":9191")
	t.Setenv("TRADEMATCH_REDIS_ADDR", "redis-0:6379")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, ":9191", cfg.Server.ListenAddr)
	assert.Equal(t, "redis-0:6379", cfg.Redis.Addr)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown broker", func(c *Config) { c.Broker = "rabbitmq" }},
		{"unknown idempotency backend", func(c *Config) { c.Idempotency = "dynamo" }},
		{"unknown dialect", func(c *Config) { c.Database.Dialect = "oracle" }},
		{"empty dsn", func(c *Config) { c.Database.DSN = "" }},
		{"kafka without brokers", func(c *Config) {
			c.Broker = BrokerKafka
			c.Kafka.Brokers = nil
		}},
		{"inverted thresholds", func(c *Config) {
			c.Matching.AutoMatchThreshold = 0.5
			c.Matching.ReviewThreshold = 0.7
		}},
		{"inverted epsilon bounds", func(c *Config) {
			c.Policy.InitialEpsilon = 0.01
			c.Policy.MinEpsilon = 0.02
		}},
		{"reports without endpoint", func(c *Config) {
			c.Reports.Enabled = true
			c.Reports.Endpoint = ""
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
