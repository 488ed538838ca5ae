package events

import (
	"context"
	"log/slog"
)

//go:generate mockgen -source=sink.go -destination=mocks/mocks.go -package=mocks Sink

// Sink delivers a batch of events downstream.
type Sink interface {
	Publish(ctx context.Context, batch []Event) error
}

// LogSink writes events to the logger. Used when no broker is configured.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Publish(ctx context.Context, batch []Event) error {
	for _, e := range batch {
		s.logger.InfoContext(ctx, string(e.Type),
			"log_type", "event",
			"subject", e.Subject,
			"actor_id", e.ActorID,
			"request_id", e.RequestID,
			"attributes", e.Attributes,
			"occurred_at", e.OccurredAt,
		)
	}
	return nil
}
