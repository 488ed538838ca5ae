package events

import (
	"context"
	"log/slog"
	"time"

	"cardvault/pkg/requestcontext"
)

const (
	defaultBatchSize     = 100
	defaultFlushInterval = time.Second
	defaultPublishWait   = 5 * time.Second
)

// Publisher buffers events in memory and delivers them from a single worker.
// Emit never blocks on the sink; when the buffer is full the oldest event is
// dropped and counted.
type Publisher struct {
	sink          Sink
	buffer        *RingBuffer
	breaker       *CircuitBreaker
	logger        *slog.Logger
	metrics       *Metrics
	batchSize     int
	flushInterval time.Duration
	publishWait   time.Duration
	wake          chan struct{}
}

type Option func(*Publisher)

func WithLogger(logger *slog.Logger) Option {
	return func(p *Publisher) {
		p.logger = logger
	}
}

func WithMetrics(m *Metrics) Option {
	return func(p *Publisher) {
		p.metrics = m
	}
}

func WithBufferSize(n int) Option {
	return func(p *Publisher) {
		p.buffer = NewRingBuffer(n)
	}
}

func WithBatchSize(n int) Option {
	return func(p *Publisher) {
		if n > 0 {
			p.batchSize = n
		}
	}
}

func WithFlushInterval(d time.Duration) Option {
	return func(p *Publisher) {
		if d > 0 {
			p.flushInterval = d
		}
	}
}

func WithCircuitBreaker(cb *CircuitBreaker) Option {
	return func(p *Publisher) {
		p.breaker = cb
	}
}

func NewPublisher(sink Sink, opts ...Option) *Publisher {
	p := &Publisher{
		sink:          sink,
		buffer:        NewRingBuffer(0),
		breaker:       NewCircuitBreaker(0, 0),
		logger:        slog.Default(),
		batchSize:     defaultBatchSize,
		flushInterval: defaultFlushInterval,
		publishWait:   defaultPublishWait,
		wake:          make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Emit stamps the event with the request clock and id and queues it.
func (p *Publisher) Emit(ctx context.Context, e Event) {
	if e.OccurredAt.IsZero() {
		e.OccurredAt = requestcontext.Now(ctx)
	}
	if e.RequestID == "" {
		e.RequestID = requestcontext.RequestID(ctx)
	}
	if e.ActorID == "" {
		if actor := requestcontext.UserID(ctx); !actor.IsNil() {
			e.ActorID = actor.String()
		}
	}

	if p.buffer.Enqueue(e) {
		p.metrics.addDropped(1)
	}
	p.metrics.incEmitted(e.Type)

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Pending reports how many events are waiting for delivery.
func (p *Publisher) Pending() int {
	return p.buffer.Len()
}

// Run delivers events until ctx is cancelled, then flushes what is left with
// a bounded grace period.
func (p *Publisher) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.publishWait)
			p.drain(flushCtx)
			cancel()
			return nil
		case <-p.wake:
			p.drain(ctx)
		case <-ticker.C:
			p.drain(ctx)
		}
	}
}

func (p *Publisher) drain(ctx context.Context) {
	for {
		batch := p.buffer.DequeueBatch(p.batchSize)
		if len(batch) == 0 {
			return
		}
		p.deliver(ctx, batch)
	}
}

func (p *Publisher) deliver(ctx context.Context, batch []Event) {
	if !p.breaker.Allow() {
		p.metrics.addDropped(len(batch))
		return
	}

	publishCtx, cancel := context.WithTimeout(ctx, p.publishWait)
	defer cancel()

	if err := p.sink.Publish(publishCtx, batch); err != nil {
		open := p.breaker.RecordFailure()
		p.metrics.incSinkFailures()
		p.metrics.addDropped(len(batch))
		p.metrics.setBreakerOpen(open)
		p.logger.WarnContext(ctx, "event delivery failed",
			"error", err,
			"batch_size", len(batch),
			"breaker_open", open,
		)
		return
	}
	p.breaker.RecordSuccess()
	p.metrics.setBreakerOpen(false)
	p.metrics.addDelivered(len(batch))
}
