package messaging

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		BaseDelay:      time.Millisecond,
		MaxDelay:       10 * time.Millisecond,
		JitterFraction: 0,
	}
}

func newTestBus(t *testing.T) (*Bus, *MemoryBroker) {
	t.Helper()
	broker := NewMemoryBroker()
	t.Cleanup(func() { broker.Close() })
	return NewBus(broker, broker, testRetryPolicy(), zap.NewNop()), broker
}

func publishRecord(t *testing.T, bus *Bus, tradeID string) {
	t.Helper()
	env, err := NewEnvelope(EventRecordExtracted, tradeID, map[string]string{"trade_id": tradeID})
	require.NoError(t, err)
	require.NoError(t, bus.Producer().Publish(context.Background(), TopicRecordsExtracted, tradeID, env))
}

func waitForCount(t *testing.T, counter *atomic.Int64, want int64) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		if counter.Load() >= want {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %d deliveries, saw %d", want, counter.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestConsumeTransientRedelivery(t *testing.T) {
	bus, _ := newTestBus(t)
	ctx := context.Background()

	var calls atomic.Int64
	err := bus.Consume(ctx, TopicRecordsExtracted, "test", func(ctx context.Context, d *Delivery) error {
		if calls.Add(1) < 3 {
			return Transient(errors.New("downstream unavailable"))
		}
		return nil
	})
	require.NoError(t, err)

	publishRecord(t, bus, "T-1")
	waitForCount(t, &calls, 3)
}

func TestConsumeDataErrorDeadLettersImmediately(t *testing.T) {
	bus, broker := newTestBus(t)
	ctx := context.Background()

	var calls atomic.Int64
	require.NoError(t, bus.Consume(ctx, TopicRecordsExtracted, "test", func(ctx context.Context, d *Delivery) error {
		calls.Add(1)
		return DataError(errors.New("malformed record"))
	}))

	dead := make(chan *Delivery, 1)
	require.NoError(t, broker.Subscribe(ctx, TopicRecordsExtracted.DeadLetter(), "dlq-watch", func(ctx context.Context, d *Delivery) error {
		dead <- d
		return nil
	}))

	publishRecord(t, bus, "T-2")

	select {
	case d := <-dead:
		assert.Equal(t, EventRecordExtracted, d.Envelope.EventType)
	case <-time.After(3 * time.Second):
		t.Fatal("expected dead-letter delivery")
	}
	assert.Equal(t, int64(1), calls.Load(), "data errors must not be retried")
}

func TestConsumeExhaustedRetriesDeadLetter(t *testing.T) {
	bus, broker := newTestBus(t)
	ctx := context.Background()

	var calls atomic.Int64
	require.NoError(t, bus.Consume(ctx, TopicRecordsExtracted, "test", func(ctx context.Context, d *Delivery) error {
		calls.Add(1)
		return Transient(errors.New("still down"))
	}))

	dead := make(chan *Delivery, 1)
	require.NoError(t, broker.Subscribe(ctx, TopicRecordsExtracted.DeadLetter(), "dlq-watch", func(ctx context.Context, d *Delivery) error {
		dead <- d
		return nil
	}))

	publishRecord(t, bus, "T-3")

	select {
	case d := <-dead:
		// Original attempt plus MaxAttempts redeliveries, correlation preserved.
		assert.NotEmpty(t, d.Envelope.CorrelationID)
	case <-time.After(3 * time.Second):
		t.Fatal("expected dead-letter after exhausted retries")
	}
	assert.Equal(t, int64(4), calls.Load())
}

func TestConsumeRedeliveryPreservesRequestHash(t *testing.T) {
	bus, _ := newTestBus(t)
	ctx := context.Background()

	hashes := make(chan string, 2)
	var calls atomic.Int64
	require.NoError(t, bus.Consume(ctx, TopicRecordsExtracted, "test", func(ctx context.Context, d *Delivery) error {
		hashes <- d.Envelope.RequestHash()
		if calls.Add(1) == 1 {
			return Transient(errors.New("first attempt fails"))
		}
		return nil
	}))

	publishRecord(t, bus, "T-4")
	waitForCount(t, &calls, 2)

	first, second := <-hashes, <-hashes
	assert.Equal(t, first, second, "delivery metadata must not change the idempotency hash")
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"transient marker", Transient(errors.New("timeout")), ClassTransient},
		{"data marker", DataError(errors.New("bad json")), ClassData},
		{"wrapped transient", Transient(context.DeadlineExceeded), ClassTransient},
		{"deadline exceeded", context.DeadlineExceeded, ClassTransient},
		{"canceled", context.Canceled, ClassTransient},
		{"unmarked", errors.New("logic bug"), ClassPolicy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestBackoff(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}

	assert.Equal(t, 100*time.Millisecond, p.Backoff(0))
	assert.Equal(t, 200*time.Millisecond, p.Backoff(1))
	assert.Equal(t, 400*time.Millisecond, p.Backoff(2))
	assert.Equal(t, time.Second, p.Backoff(10), "delay is capped")

	jittered := RetryPolicy{MaxAttempts: 5, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, JitterFraction: 0.2}
	for i := 0; i < 20; i++ {
		d := jittered.Backoff(1)
		assert.GreaterOrEqual(t, d, 200*time.Millisecond)
		assert.LessOrEqual(t, d, 240*time.Millisecond)
	}
}

func TestMemoryBrokerGroupFanout(t *testing.T) {
	broker := NewMemoryBroker()
	defer broker.Close()
	ctx := context.Background()

	var a, b atomic.Int64
	require.NoError(t, broker.Subscribe(ctx, TopicMatchResults, "group-a", func(ctx context.Context, d *Delivery) error {
		a.Add(1)
		return nil
	}))
	require.NoError(t, broker.Subscribe(ctx, TopicMatchResults, "group-b", func(ctx context.Context, d *Delivery) error {
		b.Add(1)
		return nil
	}))

	env, err := NewEnvelope(EventMatchEvaluated, "T-5", map[string]string{"x": "y"})
	require.NoError(t, err)
	require.NoError(t, broker.Publish(ctx, TopicMatchResults, "T-5", env))

	waitForCount(t, &a, 1)
	waitForCount(t, &b, 1)
}

func TestMemoryBrokerRejectsDuplicateGroup(t *testing.T) {
	broker := NewMemoryBroker()
	defer broker.Close()
	ctx := context.Background()

	handler := func(ctx context.Context, d *Delivery) error { return nil }
	require.NoError(t, broker.Subscribe(ctx, TopicHeartbeats, "g", handler))
	assert.Error(t, broker.Subscribe(ctx, TopicHeartbeats, "g", handler))
}
