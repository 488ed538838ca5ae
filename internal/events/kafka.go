package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"
)

// Producer is the slice of the Kafka client the sink needs.
type Producer interface {
	ProduceSync(ctx context.Context, records ...*kgo.Record) error
}

// KafkaSink writes one JSON record per event, keyed by subject so events about
// the same instance, listing or trade stay ordered within a partition.
type KafkaSink struct {
	producer Producer
}

func NewKafkaSink(producer Producer) *KafkaSink {
	return &KafkaSink{producer: producer}
}

func (s *KafkaSink) Publish(ctx context.Context, batch []Event) error {
	records := make([]*kgo.Record, 0, len(batch))
	for _, e := range batch {
		value, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("encode event %s: %w", e.Type, err)
		}
		records = append(records, &kgo.Record{
			Key:       []byte(e.Subject),
			Value:     value,
			Timestamp: e.OccurredAt,
			Headers:   []kgo.RecordHeader{{Key: "type", Value: []byte(e.Type)}},
		})
	}
	if err := s.producer.ProduceSync(ctx, records...); err != nil {
		return fmt.Errorf("produce events: %w", err)
	}
	return nil
}
