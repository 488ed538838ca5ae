package events_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/mock/gomock"

	"cardvault/internal/events"
	"cardvault/internal/events/mocks"
	id "cardvault/pkg/domain"
	"cardvault/pkg/requestcontext"
)

type PublisherSuite struct {
	suite.Suite
	ctrl    *gomock.Controller
	sink    *mocks.MockSink
	metrics *events.Metrics
}

func TestPublisherSuite(t *testing.T) {
	suite.Run(t, new(PublisherSuite))
}

func (s *PublisherSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.sink = mocks.NewMockSink(s.ctrl)
	s.metrics = events.NewMetrics(prometheus.NewRegistry())
}

func (s *PublisherSuite) runUntilCancelled(p *events.Publisher) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.Require().NoError(p.Run(ctx))
}

func (s *PublisherSuite) TestEmit() {
	s.Run("stamps request metadata and delivers on shutdown", func() {
		now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
		actor := id.NewUserID()
		ctx := requestcontext.WithRequestID(requestcontext.WithTime(context.Background(), now), "req-1")
		ctx = requestcontext.WithActor(ctx, actor, false)

		var got []events.Event
		s.sink.EXPECT().Publish(gomock.Any(), gomock.Len(2)).DoAndReturn(func(_ context.Context, batch []events.Event) error {
			got = batch
			return nil
		})

		p := events.NewPublisher(s.sink, events.WithMetrics(s.metrics))
		p.Emit(ctx, events.Event{Type: events.TradeCreated, Subject: "t-1"})
		p.Emit(ctx, events.Event{Type: events.TradeAccepted, Subject: "t-1"})
		s.runUntilCancelled(p)

		s.Require().Len(got, 2)
		s.Equal(events.TradeCreated, got[0].Type)
		s.Equal(now, got[0].OccurredAt)
		s.Equal("req-1", got[0].RequestID)
		s.Equal(actor.String(), got[0].ActorID)
		s.Equal(float64(2), testutil.ToFloat64(s.metrics.Delivered))
	})

	s.Run("batches respect the batch size", func() {
		s.sink.EXPECT().Publish(gomock.Any(), gomock.Len(2)).Return(nil).Times(2)
		s.sink.EXPECT().Publish(gomock.Any(), gomock.Len(1)).Return(nil)

		p := events.NewPublisher(s.sink, events.WithBatchSize(2))
		for i := 0; i < 5; i++ {
			p.Emit(context.Background(), events.Event{Type: events.OfferMade})
		}
		s.runUntilCancelled(p)
		s.Zero(p.Pending())
	})
}

func (s *PublisherSuite) TestSinkFailures() {
	s.Run("errors are absorbed and open the breaker", func() {
		s.sink.EXPECT().Publish(gomock.Any(), gomock.Any()).Return(errors.New("broker down")).Times(2)

		breaker := events.NewCircuitBreaker(2, time.Hour)
		p := events.NewPublisher(s.sink,
			events.WithBatchSize(1),
			events.WithCircuitBreaker(breaker),
			events.WithMetrics(s.metrics),
		)
		for i := 0; i < 4; i++ {
			p.Emit(context.Background(), events.Event{Type: events.GradingCompleted})
		}
		s.runUntilCancelled(p)

		s.True(breaker.IsOpen())
		s.Equal(float64(2), testutil.ToFloat64(s.metrics.SinkFailures))
		s.Equal(float64(4), testutil.ToFloat64(s.metrics.Dropped))
	})
}

func (s *PublisherSuite) TestRunDeliversWhileRunning() {
	delivered := make(chan struct{})
	var once sync.Once
	s.sink.EXPECT().Publish(gomock.Any(), gomock.Any()).DoAndReturn(func(context.Context, []events.Event) error {
		once.Do(func() { close(delivered) })
		return nil
	}).MinTimes(1)

	p := events.NewPublisher(s.sink, events.WithFlushInterval(10*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	p.Emit(context.Background(), events.Event{Type: events.InstanceMinted})
	select {
	case <-delivered:
	case <-time.After(2 * time.Second):
		s.Fail("event was not delivered")
	}
	cancel()
	s.NoError(<-done)
}

func TestRingBuffer(t *testing.T) {
	t.Run("drops oldest when full", func(t *testing.T) {
		b := events.NewRingBuffer(2)
		assert.False(t, b.Enqueue(events.Event{Subject: "1"}))
		assert.False(t, b.Enqueue(events.Event{Subject: "2"}))
		assert.True(t, b.Enqueue(events.Event{Subject: "3"}))

		batch := b.DequeueBatch(10)
		require.Len(t, batch, 2)
		assert.Equal(t, "2", batch[0].Subject)
		assert.Equal(t, "3", batch[1].Subject)
		assert.Equal(t, int64(1), b.Dropped())
		assert.Zero(t, b.Len())
	})

	t.Run("empty buffer yields nil", func(t *testing.T) {
		assert.Nil(t, events.NewRingBuffer(1).DequeueBatch(5))
	})
}

func TestCircuitBreaker(t *testing.T) {
	cb := events.NewCircuitBreaker(2, time.Hour)
	assert.True(t, cb.Allow())
	assert.False(t, cb.RecordFailure())
	assert.True(t, cb.RecordFailure())
	assert.False(t, cb.Allow())
	cb.RecordSuccess()
	assert.True(t, cb.Allow())
}

type fakeProducer struct {
	records []*kgo.Record
	err     error
}

func (f *fakeProducer) ProduceSync(_ context.Context, records ...*kgo.Record) error {
	f.records = append(f.records, records...)
	return f.err
}

func TestKafkaSink(t *testing.T) {
	t.Run("one keyed record per event", func(t *testing.T) {
		producer := &fakeProducer{}
		sink := events.NewKafkaSink(producer)
		err := sink.Publish(context.Background(), []events.Event{
			{Type: events.InstanceTransferred, Subject: "inst-1"},
			{Type: events.TradeAccepted, Subject: "trade-1"},
		})
		require.NoError(t, err)
		require.Len(t, producer.records, 2)
		assert.Equal(t, "inst-1", string(producer.records[0].Key))
		assert.Equal(t, "type", producer.records[1].Headers[0].Key)
		assert.Contains(t, string(producer.records[1].Value), `"trade_accepted"`)
	})

	t.Run("producer errors are returned to the publisher", func(t *testing.T) {
		sink := events.NewKafkaSink(&fakeProducer{err: errors.New("nope")})
		assert.Error(t, sink.Publish(context.Background(), []events.Event{{Type: events.OfferMade}}))
	})
}
