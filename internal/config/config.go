// Package config loads the reconciler configuration from YAML files and
// environment variables. Environment variables use the TRADEMATCH prefix with
// underscores standing in for section separators, e.g. TRADEMATCH_SERVER_LISTEN_ADDR.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/koushal2018/ai-trade-matching-system/internal/idempotency"
	"github.com/koushal2018/ai-trade-matching-system/internal/matching"
	"github.com/koushal2018/ai-trade-matching-system/internal/messaging"
	"github.com/koushal2018/ai-trade-matching-system/internal/orchestrator"
	"github.com/koushal2018/ai-trade-matching-system/internal/registry"
	"github.com/koushal2018/ai-trade-matching-system/internal/reports"
	"github.com/koushal2018/ai-trade-matching-system/internal/server"
	"github.com/koushal2018/ai-trade-matching-system/internal/triage"
)

// Broker backends.
const (
	BrokerKafka  = "kafka"
	BrokerMemory = "memory"
)

// Idempotency backends.
const (
	IdempotencyRedis  = "redis"
	IdempotencyMemory = "memory"
)

// DatabaseConfig selects the relational backend for trade and exception state.
type DatabaseConfig struct {
	// Dialect is either "sqlite" or "postgres".
	Dialect string `json:"dialect" mapstructure:"dialect"`
	DSN     string `json:"dsn" mapstructure:"dsn"`
}

// ReportsConfig wraps the object-store settings with an enable switch so
// deployments without MinIO can run the pipeline unchanged.
type ReportsConfig struct {
	Enabled bool `json:"enabled" mapstructure:"enabled"`

	reports.Config `mapstructure:",squash"`
}

// Config is the full reconciler configuration tree.
type Config struct {
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `json:"log_level" mapstructure:"log_level"`

	// Broker selects the message transport: "kafka" or "memory".
	Broker string `json:"broker" mapstructure:"broker"`

	// Idempotency selects the dedup store backend: "redis" or "memory".
	Idempotency string `json:"idempotency" mapstructure:"idempotency"`

	Server       server.Config           `json:"server" mapstructure:"server"`
	Kafka        messaging.KafkaConfig   `json:"kafka" mapstructure:"kafka"`
	Redis        idempotency.RedisConfig `json:"redis" mapstructure:"redis"`
	Database     DatabaseConfig          `json:"database" mapstructure:"database"`
	Matching     matching.Config         `json:"matching" mapstructure:"matching"`
	Policy       triage.PolicyConfig     `json:"policy" mapstructure:"policy"`
	Registry     registry.Config         `json:"registry" mapstructure:"registry"`
	Orchestrator orchestrator.Config     `json:"orchestrator" mapstructure:"orchestrator"`
	Reports      ReportsConfig           `json:"reports" mapstructure:"reports"`
}

// Default returns the configuration used when no file or environment
// overrides are present: in-memory transport and dedup with an on-disk
// sqlite database, suitable for local runs.
func Default() *Config {
	return &Config{
		LogLevel:    "info",
		Broker:      BrokerMemory,
		Idempotency: IdempotencyMemory,
		Server:      server.DefaultConfig(),
		Kafka:       *messaging.DefaultKafkaConfig(),
		Redis:       *idempotency.DefaultRedisConfig(),
		Database: DatabaseConfig{
			Dialect: "sqlite",
			DSN:     "reconciler.db",
		},
		Matching:     matching.DefaultConfig(),
		Policy:       triage.DefaultPolicyConfig(),
		Registry:     registry.DefaultConfig(),
		Orchestrator: orchestrator.DefaultConfig(),
		Reports: ReportsConfig{
			Enabled: false,
			Config:  reports.DefaultConfig(),
		},
	}
}

// Load reads configuration from the given YAML paths in order, later files
// overriding earlier ones, then applies environment overrides. Missing files
// are skipped. With no paths, the standard candidates ./config.yaml and
// ./config/config.yaml are tried.
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("TRADEMATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if len(paths) == 0 {
		paths = []string{"./config.yaml", "./config/config.yaml"}
	}
	for _, path := range paths {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); ok {
				continue
			}
			if strings.Contains(err.Error(), "no such file") {
				continue
			}
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
	}

	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	def := Default()

	v.SetDefault("log_level", def.LogLevel)
	v.SetDefault("broker", def.Broker)
	v.SetDefault("idempotency", def.Idempotency)

	v.SetDefault("server.listen_addr", def.Server.ListenAddr)
	v.SetDefault("server.shutdown_timeout", def.Server.ShutdownTimeout)

	v.SetDefault("kafka.brokers", def.Kafka.Brokers)
	v.SetDefault("kafka.read_timeout", def.Kafka.ReadTimeout)
	v.SetDefault("kafka.write_timeout", def.Kafka.WriteTimeout)
	v.SetDefault("kafka.batch_size", def.Kafka.BatchSize)
	v.SetDefault("kafka.batch_timeout", def.Kafka.BatchTimeout)
	v.SetDefault("kafka.required_acks", def.Kafka.RequiredAcks)
	v.SetDefault("kafka.compression", def.Kafka.Compression)
	v.SetDefault("kafka.max_message_bytes", def.Kafka.MaxMessageBytes)
	v.SetDefault("kafka.consumer_group_prefix", def.Kafka.ConsumerGroupPrefix)

	v.SetDefault("redis.addr", def.Redis.Addr)
	v.SetDefault("redis.db", def.Redis.DB)
	v.SetDefault("redis.retention", def.Redis.Retention)

	v.SetDefault("database.dialect", def.Database.Dialect)
	v.SetDefault("database.dsn", def.Database.DSN)

	v.SetDefault("matching.auto_match_threshold", def.Matching.AutoMatchThreshold)
	v.SetDefault("matching.review_threshold", def.Matching.ReviewThreshold)

	v.SetDefault("policy.initial_epsilon", def.Policy.InitialEpsilon)
	v.SetDefault("policy.min_epsilon", def.Policy.MinEpsilon)
	v.SetDefault("policy.epsilon_decay_visits", def.Policy.EpsilonDecayVisits)
	v.SetDefault("policy.correction_penalty", def.Policy.CorrectionPenalty)
	v.SetDefault("policy.overturn_penalty", def.Policy.OverturnPenalty)

	v.SetDefault("registry.degrade_after_breaches", def.Registry.DegradeAfterBreaches)
	v.SetDefault("registry.heartbeat_timeout", def.Registry.HeartbeatTimeout)

	v.SetDefault("orchestrator.tick_interval", def.Orchestrator.TickInterval)
	v.SetDefault("orchestrator.report_interval", def.Orchestrator.ReportInterval)
	v.SetDefault("orchestrator.max_misfiled_records", def.Orchestrator.MaxMisfiledRecords)

	v.SetDefault("reports.enabled", def.Reports.Enabled)
	v.SetDefault("reports.endpoint", def.Reports.Endpoint)
	v.SetDefault("reports.use_ssl", def.Reports.UseSSL)
	v.SetDefault("reports.bucket", def.Reports.Bucket)
	v.SetDefault("reports.region", def.Reports.Region)
}

// Validate checks cross-field consistency before any component is started.
func (c *Config) Validate() error {
	switch c.Broker {
	case BrokerKafka, BrokerMemory:
	default:
		return fmt.Errorf("config: unknown broker %q", c.Broker)
	}
	switch c.Idempotency {
	case IdempotencyRedis, IdempotencyMemory:
	default:
		return fmt.Errorf("config: unknown idempotency backend %q", c.Idempotency)
	}
	switch c.Database.Dialect {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("config: unknown database dialect %q", c.Database.Dialect)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("config: database dsn is required")
	}
	if c.Broker == BrokerKafka && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("config: kafka broker requires at least one bootstrap address")
	}
	if c.Matching.AutoMatchThreshold < c.Matching.ReviewThreshold {
		return fmt.Errorf("config: auto_match_threshold %.2f below review_threshold %.2f",
			c.Matching.AutoMatchThreshold, c.Matching.ReviewThreshold)
	}
	if c.Policy.InitialEpsilon < c.Policy.MinEpsilon {
		return fmt.Errorf("config: initial_epsilon %.2f below min_epsilon %.2f",
			c.Policy.InitialEpsilon, c.Policy.MinEpsilon)
	}
	if c.Reports.Enabled && c.Reports.Endpoint == "" {
		return fmt.Errorf("config: reports enabled without endpoint")
	}
	return nil
}
