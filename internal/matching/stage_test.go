package matching

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"

	"github.com/koushal2018/ai-trade-matching-system/internal/idempotency"
	"github.com/koushal2018/ai-trade-matching-system/internal/messaging"
	"github.com/koushal2018/ai-trade-matching-system/internal/storage"
	"github.com/koushal2018/ai-trade-matching-system/pkg/models"
)

type stageFixture struct {
	bus     *messaging.Bus
	stage   *Stage
	trades  *storage.TradeStore
	results *storage.MatchResultStore

	matched    chan *messaging.Delivery
	reviews    chan *messaging.Delivery
	exceptions chan *messaging.Delivery
}

func newStageFixture(t *testing.T) *stageFixture {
	return newStageFixtureWith(t, func(p messaging.Producer) messaging.Producer { return p })
}

func newStageFixtureWith(t *testing.T, wrapProducer func(messaging.Producer) messaging.Producer) *stageFixture {
	t.Helper()
	logger := zap.NewNop()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	table, err := storage.NewTable(sqlite.Open(dsn), logger)
	require.NoError(t, err)

	broker := messaging.NewMemoryBroker()
	bus := messaging.NewBus(wrapProducer(broker), broker, messaging.DefaultRetryPolicy(), logger)
	t.Cleanup(func() { _ = bus.Close() })

	trades := storage.NewTradeStore(table)
	results := storage.NewMatchResultStore(table)
	idem := idempotency.NewMemoryStore(time.Hour)
	reporter := NewReporter()

	stage := NewStage(NewEngine(DefaultConfig(), logger), trades, results, idem, bus, reporter, logger)

	f := &stageFixture{
		bus:        bus,
		stage:      stage,
		trades:     trades,
		results:    results,
		matched:    make(chan *messaging.Delivery, 16),
		reviews:    make(chan *messaging.Delivery, 16),
		exceptions: make(chan *messaging.Delivery, 16),
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	collect := func(topic messaging.Topic, sink chan *messaging.Delivery) {
		require.NoError(t, bus.Consume(ctx, topic, "test-collector", func(_ context.Context, d *messaging.Delivery) error {
			sink <- d
			return nil
		}))
	}
	collect(messaging.TopicMatchResults, f.matched)
	collect(messaging.TopicReviewRequests, f.reviews)
	collect(messaging.TopicExceptionsRaised, f.exceptions)

	require.NoError(t, stage.Start(ctx))
	return f
}

func (f *stageFixture) publish(t *testing.T, rec *models.TradeRecord) {
	t.Helper()
	require.NoError(t, f.bus.PublishRecordExtracted(context.Background(),
		messaging.RecordExtractedPayload{Record: *rec}))
}

func waitFor(t *testing.T, ch chan *messaging.Delivery) *messaging.Delivery {
	t.Helper()
	select {
	case d := <-ch:
		return d
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for delivery")
		return nil
	}
}

func assertQuiet(t *testing.T, ch chan *messaging.Delivery) {
	t.Helper()
	select {
	case d := <-ch:
		t.Fatalf("unexpected delivery on %s: %s", d.Topic, d.Envelope.EventType)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestStage_SingleSidedRecordRaisesBreak(t *testing.T) {
	f := newStageFixture(t)
	f.publish(t, testRecord(models.SourceOriginator))

	d := waitFor(t, f.exceptions)
	var p messaging.ExceptionRaisedPayload
	require.NoError(t, d.Envelope.Decode(&p))
	require.Equal(t, models.ClassBreak, p.Result.Classification)
	require.True(t, p.Result.HasReason(models.ReasonMissingCounterpartyRecord))
	require.Equal(t, "Acme Capital LLC", p.CounterpartyName)
	assertQuiet(t, f.matched)
}

func TestStage_BothSidesReachAutoMatch(t *testing.T) {
	f := newStageFixture(t)
	f.publish(t, testRecord(models.SourceOriginator))
	waitFor(t, f.exceptions) // the lone first side breaks

	f.publish(t, testRecord(models.SourceCounterparty))

	d := waitFor(t, f.matched)
	var p messaging.MatchEvaluatedPayload
	require.NoError(t, d.Envelope.Decode(&p))
	require.Equal(t, models.ClassAutoMatch, p.Result.Classification)
	require.Equal(t, 1.0, p.Result.MatchScore)

	// Both evaluations are preserved in the append-only history.
	history, err := f.results.History(context.Background(), "TRD-2026-001")
	require.NoError(t, err)
	require.Len(t, history, 2)
}

func TestStage_ReviewBandRoutesToReviewQueue(t *testing.T) {
	f := newStageFixture(t)
	f.publish(t, testRecord(models.SourceOriginator))
	waitFor(t, f.exceptions)

	f.publish(t, testRecord(models.SourceCounterparty, func(r *models.TradeRecord) {
		r.Currency = "EUR"
	}))

	d := waitFor(t, f.reviews)
	var p messaging.ReviewRequestedPayload
	require.NoError(t, d.Envelope.Decode(&p))
	require.Equal(t, models.ClassReviewRequired, p.Result.Classification)
	require.NotNil(t, p.Originator)
	require.NotNil(t, p.Counterparty)
	assertQuiet(t, f.matched)
}

func TestStage_DuplicateDeliveryCollapsed(t *testing.T) {
	f := newStageFixture(t)

	env, err := messaging.NewEnvelope(messaging.EventRecordExtracted, "TRD-2026-001",
		messaging.RecordExtractedPayload{Record: *testRecord(models.SourceOriginator)})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, f.bus.Producer().Publish(ctx, messaging.TopicRecordsExtracted, "TRD-2026-001", env))
	waitFor(t, f.exceptions)

	// The same envelope again: same correlation id, same hash.
	require.NoError(t, f.bus.Producer().Publish(ctx, messaging.TopicRecordsExtracted, "TRD-2026-001", env))
	assertQuiet(t, f.exceptions)

	history, err := f.results.History(ctx, "TRD-2026-001")
	require.NoError(t, err)
	require.Len(t, history, 1)
}

func TestStage_MalformedRecordDeadLettered(t *testing.T) {
	f := newStageFixture(t)

	dlq := make(chan *messaging.Delivery, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, f.bus.Consume(ctx, messaging.TopicRecordsExtracted.DeadLetter(), "dlq-collector",
		func(_ context.Context, d *messaging.Delivery) error {
			dlq <- d
			return nil
		}))

	f.publish(t, testRecord("")) // no source

	d := waitFor(t, dlq)
	require.Equal(t, messaging.EventRecordExtracted, d.Envelope.EventType)
	assertQuiet(t, f.exceptions)
}

func TestStage_PauseGatesProcessing(t *testing.T) {
	f := newStageFixture(t)
	ctx := context.Background()

	require.NoError(t, f.bus.PublishControl(ctx, messaging.ControlCommandPayload{
		Command: messaging.CommandPause,
		Stage:   StageName,
		Reason:  "maintenance",
	}))
	// Let the control command land before publishing work.
	time.Sleep(100 * time.Millisecond)

	f.publish(t, testRecord(models.SourceOriginator))
	assertQuiet(t, f.exceptions)

	require.NoError(t, f.bus.PublishControl(ctx, messaging.ControlCommandPayload{
		Command: messaging.CommandResume,
		Stage:   StageName,
	}))
	waitFor(t, f.exceptions)
}

// flakyProducer fails the first deliveries to one topic with a transient
// error, then recovers.
type flakyProducer struct {
	messaging.Producer
	mu       sync.Mutex
	topic    messaging.Topic
	failures int
}

func (p *flakyProducer) Publish(ctx context.Context, topic messaging.Topic, key string, env *messaging.EventEnvelope) error {
	if topic == p.topic {
		p.mu.Lock()
		if p.failures > 0 {
			p.failures--
			p.mu.Unlock()
			return messaging.Transient(errors.New("producer unavailable"))
		}
		p.mu.Unlock()
	}
	return p.Producer.Publish(ctx, topic, key, env)
}

func TestStage_TransientPublishFailureIsRetriedNotDropped(t *testing.T) {
	flaky := &flakyProducer{topic: messaging.TopicExceptionsRaised, failures: 1}
	f := newStageFixtureWith(t, func(p messaging.Producer) messaging.Producer {
		flaky.Producer = p
		return flaky
	})

	// First attempt claims the correlation id, then fails publishing the
	// outbound event. The redelivery must re-run the evaluation under the
	// existing claim instead of treating it as a completed duplicate.
	f.publish(t, testRecord(models.SourceOriginator))

	d := waitFor(t, f.exceptions)
	var p messaging.ExceptionRaisedPayload
	require.NoError(t, d.Envelope.Decode(&p))
	require.Equal(t, models.ClassBreak, p.Result.Classification)
	require.True(t, p.Result.HasReason(models.ReasonMissingCounterpartyRecord))
}

func TestStage_NormalizedIDJoinIsProbableMatch(t *testing.T) {
	f := newStageFixture(t)
	f.publish(t, testRecord(models.SourceOriginator))
	waitFor(t, f.exceptions) // the lone first side breaks

	// Same trade, but the counterparty feed formats the identifier with
	// spaces and slashes. The exact lookup misses; the normalized join
	// must still pair the sides.
	f.publish(t, testRecord(models.SourceCounterparty, func(r *models.TradeRecord) {
		r.TradeID = "TRD 2026/001"
	}))

	d := waitFor(t, f.matched)
	var p messaging.MatchEvaluatedPayload
	require.NoError(t, d.Envelope.Decode(&p))
	require.Equal(t, models.ClassProbableMatch, p.Result.Classification)
	require.True(t, p.Result.HasReason(models.ReasonTradeIDNormalized))
	assertQuiet(t, f.exceptions)
}

func TestStage_MisfiledRecordIsDataError(t *testing.T) {
	f := newStageFixture(t)
	ctx := context.Background()

	// Plant a COUNTERPARTY-sourced record under the originator partition,
	// as an external loader with a routing bug would.
	misfiled := testRecord(models.SourceCounterparty)
	require.NoError(t, f.trades.Put(ctx, storage.TradePartition(models.SourceOriginator), misfiled))

	f.publish(t, testRecord(models.SourceCounterparty, func(r *models.TradeRecord) {
		r.Notional = decimal.RequireFromString("1000050")
		r.Version = 2
	}))

	d := waitFor(t, f.exceptions)
	var p messaging.ExceptionRaisedPayload
	require.NoError(t, d.Envelope.Decode(&p))
	require.Equal(t, models.ClassDataError, p.Result.Classification)
	require.True(t, p.Result.HasReason(models.ReasonSourceMisplacement))
	assertQuiet(t, f.matched)
}
