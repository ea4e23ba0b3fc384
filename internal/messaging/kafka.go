package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// KafkaConfig contains configuration for the Kafka-backed channel.
type KafkaConfig struct {
	Brokers             []string      `json:"brokers" mapstructure:"brokers"`
	ReadTimeout         time.Duration `json:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout        time.Duration `json:"write_timeout" mapstructure:"write_timeout"`
	BatchSize           int           `json:"batch_size" mapstructure:"batch_size"`
	BatchTimeout        time.Duration `json:"batch_timeout" mapstructure:"batch_timeout"`
	RequiredAcks        int           `json:"required_acks" mapstructure:"required_acks"`
	Compression         string        `json:"compression" mapstructure:"compression"`
	MaxMessageBytes     int           `json:"max_message_bytes" mapstructure:"max_message_bytes"`
	ConsumerGroupPrefix string        `json:"consumer_group_prefix" mapstructure:"consumer_group_prefix"`
}

// DefaultKafkaConfig returns defaults suitable for a single-broker deployment.
func DefaultKafkaConfig() *KafkaConfig {
	return &KafkaConfig{
		Brokers:             []string{"localhost:9092"},
		ReadTimeout:         10 * time.Second,
		WriteTimeout:        2 * time.Second,
		BatchSize:           100,
		BatchTimeout:        20 * time.Millisecond,
		RequiredAcks:        -1, // all replicas; reconciliation favors durability over latency
		Compression:         "snappy",
		MaxMessageBytes:     1048576,
		ConsumerGroupPrefix: "tradematch",
	}
}

// Delivery is one received message plus channel metadata.
type Delivery struct {
	Envelope  *EventEnvelope
	Topic     Topic
	Key       string
	Partition int
	Offset    int64
}

// Handler processes one delivery. Returned errors are classified at the
// consumer boundary into retry, dead-letter, or exception paths.
type Handler func(ctx context.Context, d *Delivery) error

// Producer publishes envelopes onto topics. The key determines the
// partition, so identical keys are totally ordered.
type Producer interface {
	Publish(ctx context.Context, topic Topic, key string, env *EventEnvelope) error
	Close() error
}

// Consumer subscribes a consumer group to a topic.
type Consumer interface {
	Subscribe(ctx context.Context, topic Topic, group string, handler Handler) error
	Close() error
}

// KafkaProducer implements Producer over kafka-go writers, one per topic.
type KafkaProducer struct {
	config  *KafkaConfig
	writers map[Topic]*kafka.Writer
	logger  *zap.Logger
	mu      sync.RWMutex
}

// NewKafkaProducer creates a Kafka producer.
func NewKafkaProducer(config *KafkaConfig, logger *zap.Logger) *KafkaProducer {
	if config == nil {
		config = DefaultKafkaConfig()
	}
	return &KafkaProducer{
		config:  config,
		writers: make(map[Topic]*kafka.Writer),
		logger:  logger,
	}
}

func (p *KafkaProducer) getWriter(topic Topic) *kafka.Writer {
	p.mu.RLock()
	writer, exists := p.writers[topic]
	p.mu.RUnlock()
	if exists {
		return writer
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if writer, exists := p.writers[topic]; exists {
		return writer
	}

	writer = &kafka.Writer{
		Addr:         kafka.TCP(p.config.Brokers...),
		Topic:        string(topic),
		Balancer:     kafka.Murmur2Balancer{}, // stable key -> partition mapping
		BatchSize:    p.config.BatchSize,
		BatchTimeout: p.config.BatchTimeout,
		ReadTimeout:  p.config.ReadTimeout,
		WriteTimeout: p.config.WriteTimeout,
		RequiredAcks: kafka.RequiredAcks(p.config.RequiredAcks),
		BatchBytes:   int64(p.config.MaxMessageBytes),
	}
	switch p.config.Compression {
	case "gzip":
		writer.Compression = kafka.Gzip
	case "lz4":
		writer.Compression = kafka.Lz4
	case "zstd":
		writer.Compression = kafka.Zstd
	default:
		writer.Compression = kafka.Snappy
	}

	p.writers[topic] = writer
	return writer
}

// Publish publishes a single envelope. The key should be the trade id (or
// exception id) so per-entity ordering rides partition ordering.
func (p *KafkaProducer) Publish(ctx context.Context, topic Topic, key string, env *EventEnvelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(key),
		Value: data,
		Time:  time.Now(),
	}
	if err := p.getWriter(topic).WriteMessages(ctx, msg); err != nil {
		return Transient(fmt.Errorf("kafka publish to %s: %w", topic, err))
	}
	return nil
}

// Close closes all topic writers.
func (p *KafkaProducer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var lastErr error
	for topic, writer := range p.writers {
		if err := writer.Close(); err != nil {
			lastErr = err
			p.logger.Error("failed to close kafka writer",
				zap.String("topic", string(topic)), zap.Error(err))
		}
	}
	return lastErr
}

// KafkaConsumer implements Consumer over kafka-go group readers.
type KafkaConsumer struct {
	config  *KafkaConfig
	readers []*kafka.Reader
	logger  *zap.Logger
	mu      sync.Mutex
}

// NewKafkaConsumer creates a Kafka consumer.
func NewKafkaConsumer(config *KafkaConfig, logger *zap.Logger) *KafkaConsumer {
	if config == nil {
		config = DefaultKafkaConfig()
	}
	return &KafkaConsumer{config: config, logger: logger}
}

// Subscribe joins the consumer group on a topic and pumps deliveries into the
// handler until the context is cancelled. Messages are committed only after
// the handler returns, so failed handlers see the message again
// (at-least-once).
func (c *KafkaConsumer) Subscribe(ctx context.Context, topic Topic, group string, handler Handler) error {
	fullGroup := fmt.Sprintf("%s-%s", c.config.ConsumerGroupPrefix, group)
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  c.config.Brokers,
		Topic:    string(topic),
		GroupID:  fullGroup,
		MaxBytes: c.config.MaxMessageBytes,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			c.logger.Error(fmt.Sprintf(msg, args...))
		}),
	})

	c.mu.Lock()
	c.readers = append(c.readers, reader)
	c.mu.Unlock()

	go func() {
		defer reader.Close()
		for {
			msg, err := reader.FetchMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				c.logger.Error("kafka fetch failed",
					zap.String("topic", string(topic)), zap.Error(err))
				continue
			}

			var env EventEnvelope
			if err := json.Unmarshal(msg.Value, &env); err != nil {
				// Unparseable messages cannot be retried; commit and log.
				c.logger.Error("unparseable message, skipping",
					zap.String("topic", msg.Topic),
					zap.Int64("offset", msg.Offset),
					zap.Error(err))
				_ = reader.CommitMessages(ctx, msg)
				continue
			}

			d := &Delivery{
				Envelope:  &env,
				Topic:     Topic(msg.Topic),
				Key:       string(msg.Key),
				Partition: msg.Partition,
				Offset:    msg.Offset,
			}
			if err := handler(ctx, d); err != nil {
				c.logger.Error("handler failed",
					zap.String("topic", msg.Topic),
					zap.String("correlation_id", env.CorrelationID),
					zap.Int64("offset", msg.Offset),
					zap.Error(err))
				// The boundary in Bus.Consume has already routed the message
				// to retry or DLQ; commit so the partition is not blocked.
			}
			if err := reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
				c.logger.Error("commit failed",
					zap.String("topic", msg.Topic), zap.Error(err))
			}
		}
	}()

	return nil
}

// Close closes all group readers.
func (c *KafkaConsumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var lastErr error
	for _, reader := range c.readers {
		if err := reader.Close(); err != nil {
			lastErr = err
		}
	}
	return lastErr
}
