package messaging

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/koushal2018/ai-trade-matching-system/pkg/metrics"
	"github.com/koushal2018/ai-trade-matching-system/pkg/models"
)

// Bus coordinates publishing and consumption for every stage. It owns the
// consumer-boundary policy: transient handler failures are redelivered with
// exponential backoff and bounded attempts, everything else is dead-lettered
// with the failure attached.
type Bus struct {
	producer Producer
	consumer Consumer
	retry    RetryPolicy
	logger   *zap.Logger
}

// NewBus creates a message bus over the given channel implementation.
func NewBus(producer Producer, consumer Consumer, retry RetryPolicy, logger *zap.Logger) *Bus {
	return &Bus{
		producer: producer,
		consumer: consumer,
		retry:    retry,
		logger:   logger.Named("bus"),
	}
}

// Producer exposes the underlying producer for components that publish to
// computed topics (delegation queues, control topics).
func (b *Bus) Producer() Producer { return b.producer }

// PublishRecordExtracted feeds one extracted record into the pipeline.
func (b *Bus) PublishRecordExtracted(ctx context.Context, p RecordExtractedPayload) error {
	env, err := NewEnvelope(EventRecordExtracted, p.Record.TradeID, p)
	if err != nil {
		return err
	}
	return b.producer.Publish(ctx, TopicRecordsExtracted, p.Record.TradeID, env)
}

// PublishMatchEvaluated publishes a finished evaluation.
func (b *Bus) PublishMatchEvaluated(ctx context.Context, result models.MatchResult) error {
	env, err := NewEnvelope(EventMatchEvaluated, result.TradeID, MatchEvaluatedPayload{Result: result})
	if err != nil {
		return err
	}
	return b.producer.Publish(ctx, TopicMatchResults, result.TradeID, env)
}

// PublishReviewRequested routes a result to the human-review UI.
func (b *Bus) PublishReviewRequested(ctx context.Context, p ReviewRequestedPayload) error {
	env, err := NewEnvelope(EventReviewRequested, p.Result.TradeID, p)
	if err != nil {
		return err
	}
	return b.producer.Publish(ctx, TopicReviewRequests, p.Result.TradeID, env)
}

// PublishExceptionRaised hands a BREAK or DATA_ERROR to triage.
func (b *Bus) PublishExceptionRaised(ctx context.Context, p ExceptionRaisedPayload) error {
	env, err := NewEnvelope(EventExceptionRaised, p.Result.TradeID, p)
	if err != nil {
		return err
	}
	return b.producer.Publish(ctx, TopicExceptionsRaised, p.Result.TradeID, env)
}

// PublishExceptionResolved closes a delegation; keyed by exception id so
// resolution events for one exception stay ordered.
func (b *Bus) PublishExceptionResolved(ctx context.Context, p ExceptionResolvedPayload) error {
	env, err := NewEnvelope(EventExceptionResolved, "", p)
	if err != nil {
		return err
	}
	return b.producer.Publish(ctx, TopicResolutions, p.ExceptionID, env)
}

// PublishHeartbeat reports a stage's liveness and load sample.
func (b *Bus) PublishHeartbeat(ctx context.Context, p HeartbeatPayload) error {
	env, err := NewEnvelope(EventAgentHeartbeat, "", p)
	if err != nil {
		return err
	}
	return b.producer.Publish(ctx, TopicHeartbeats, p.StageName, env)
}

// PublishControl sends a control command to one stage's control topic.
func (b *Bus) PublishControl(ctx context.Context, p ControlCommandPayload) error {
	env, err := NewEnvelope(EventControlCommand, "", p)
	if err != nil {
		return err
	}
	return b.producer.Publish(ctx, ControlTopic(p.Stage), p.Stage, env)
}

// PublishDelegation places a triaged exception onto its handler queue.
func (b *Bus) PublishDelegation(ctx context.Context, exc models.ExceptionRecord) error {
	env, err := NewEnvelope(EventExceptionRaised, exc.TradeID, exc)
	if err != nil {
		return err
	}
	return b.producer.Publish(ctx, HandlerTopic(exc.RoutingTarget), exc.ExceptionID, env)
}

// Consume subscribes a handler behind the retry/dead-letter boundary.
func (b *Bus) Consume(ctx context.Context, topic Topic, group string, handler Handler) error {
	return b.consumer.Subscribe(ctx, topic, group, func(ctx context.Context, d *Delivery) error {
		start := time.Now()
		err := handler(ctx, d)
		if err == nil {
			b.logger.Debug("message processed",
				zap.String("topic", string(d.Topic)),
				zap.String("event_type", string(d.Envelope.EventType)),
				zap.Duration("took", time.Since(start)))
			return nil
		}

		class := Classify(err)
		attempt := d.Envelope.DeliveryAttempt
		switch {
		case class == ClassTransient && attempt < b.retry.MaxAttempts:
			b.scheduleRedelivery(d, err)
			return nil
		default:
			b.deadLetter(ctx, d, class, err)
			return err
		}
	})
}

// scheduleRedelivery republishes the envelope with an incremented attempt
// counter after the backoff delay, off the consumer goroutine so the
// partition keeps draining.
func (b *Bus) scheduleRedelivery(d *Delivery, cause error) {
	env := *d.Envelope
	env.DeliveryAttempt++
	delay := b.retry.Backoff(d.Envelope.DeliveryAttempt)

	b.logger.Warn("transient failure, scheduling redelivery",
		zap.String("topic", string(d.Topic)),
		zap.String("correlation_id", env.CorrelationID),
		zap.Int("attempt", env.DeliveryAttempt),
		zap.Duration("delay", delay),
		zap.Error(cause))

	go func() {
		time.Sleep(delay)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := b.producer.Publish(ctx, d.Topic, d.Key, &env); err != nil {
			b.logger.Error("redelivery publish failed, dead-lettering",
				zap.String("correlation_id", env.CorrelationID), zap.Error(err))
			b.deadLetter(ctx, d, ClassTransient, fmt.Errorf("redelivery failed: %w", err))
		}
	}()
}

// deadLetter moves the message to the topic's DLQ with the failure recorded,
// for manual inspection rather than retrying forever.
func (b *Bus) deadLetter(ctx context.Context, d *Delivery, class ErrorClass, cause error) {
	dlq := d.Topic.DeadLetter()
	env := *d.Envelope

	b.logger.Error("dead-lettering message",
		zap.String("topic", string(d.Topic)),
		zap.String("dlq", string(dlq)),
		zap.String("correlation_id", env.CorrelationID),
		zap.String("error_class", class.String()),
		zap.Int("attempts", env.DeliveryAttempt+1),
		zap.Error(cause))
	metrics.MessagesDeadLettered.WithLabelValues(string(d.Topic)).Inc()

	wrapper := struct {
		Original   *EventEnvelope `json:"original"`
		Error      string         `json:"error"`
		ErrorClass string         `json:"error_class"`
		Attempts   int            `json:"attempts"`
		FailedAt   time.Time      `json:"failed_at"`
	}{&env, cause.Error(), class.String(), env.DeliveryAttempt + 1, time.Now().UTC()}

	dead, err := NewEnvelope(env.EventType, env.TradeID, wrapper)
	if err != nil {
		b.logger.Error("failed to build dead-letter envelope", zap.Error(err))
		return
	}
	dead.CorrelationID = env.CorrelationID
	if err := b.producer.Publish(ctx, dlq, d.Key, dead); err != nil {
		b.logger.Error("dead-letter publish failed",
			zap.String("correlation_id", env.CorrelationID), zap.Error(err))
	}
}

// Close shuts the underlying channel down.
func (b *Bus) Close() error {
	var producerErr, consumerErr error
	if b.producer != nil {
		producerErr = b.producer.Close()
	}
	if b.consumer != nil {
		consumerErr = b.consumer.Close()
	}
	if producerErr != nil {
		return producerErr
	}
	return consumerErr
}
