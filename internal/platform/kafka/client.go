// Package kafka wraps a franz-go producer for the events topic.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	"cardvault/internal/platform/config"
)

// Client produces to one default topic.
type Client struct {
	kgo   *kgo.Client
	topic string
}

// New connects to the brokers. Returns nil when none are configured.
func New(cfg config.Kafka) (*Client, error) {
	if len(cfg.Brokers) == 0 {
		return nil, nil
	}
	cl, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ClientID(cfg.ClientID),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.ProducerLinger(10*time.Millisecond),
		kgo.RecordRetries(3),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	return &Client{kgo: cl, topic: cfg.Topic}, nil
}

func (c *Client) Topic() string { return c.topic }

// EnsureTopic creates the topic if it does not exist yet.
func (c *Client) EnsureTopic(ctx context.Context, partitions int32, replication int16) error {
	adm := kadm.NewClient(c.kgo)
	resp, err := adm.CreateTopics(ctx, partitions, replication, nil, c.topic)
	if err != nil {
		return fmt.Errorf("create topic %s: %w", c.topic, err)
	}
	for _, r := range resp {
		if r.Err != nil && !errors.Is(r.Err, kerr.TopicAlreadyExists) {
			return fmt.Errorf("create topic %s: %w", r.Topic, r.Err)
		}
	}
	return nil
}

// ProduceSync writes records and waits for every acknowledgement.
func (c *Client) ProduceSync(ctx context.Context, records ...*kgo.Record) error {
	return c.kgo.ProduceSync(ctx, records...).FirstErr()
}

func (c *Client) Health(ctx context.Context) error {
	return c.kgo.Ping(ctx)
}

func (c *Client) Close() {
	c.kgo.Close()
}
