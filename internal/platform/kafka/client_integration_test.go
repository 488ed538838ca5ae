//go:build integration

package kafka

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	"cardvault/internal/events"
	"cardvault/internal/platform/config"
	"cardvault/pkg/testutil/containers"
)

func TestKafkaSinkRoundTrip(t *testing.T) {
	broker := containers.GetManager().GetRedpanda(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	topic := "cardvault.events.test." + time.Now().Format("150405.000000")
	client, err := New(config.Kafka{Brokers: broker.Brokers, Topic: topic, ClientID: "cardvault-test"})
	require.NoError(t, err)
	require.NotNil(t, client)
	defer client.Close()

	require.NoError(t, client.Health(ctx))
	require.NoError(t, client.EnsureTopic(ctx, 1, 1))
	require.NoError(t, client.EnsureTopic(ctx, 1, 1), "existing topics are accepted")

	sink := events.NewKafkaSink(client)
	sent := events.Event{
		Type:       events.InstanceMinted,
		OccurredAt: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
		Subject:    "instance-1",
		Attributes: map[string]string{"mint_number": "7"},
	}
	require.NoError(t, sink.Publish(ctx, []events.Event{sent}))

	consumer, err := kgo.NewClient(
		kgo.SeedBrokers(broker.Brokers...),
		kgo.ConsumeTopics(topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	)
	require.NoError(t, err)
	defer consumer.Close()

	fetches := consumer.PollRecords(ctx, 1)
	require.NoError(t, fetches.Err())
	records := fetches.Records()
	require.Len(t, records, 1)

	rec := records[0]
	assert.Equal(t, "instance-1", string(rec.Key))
	require.Len(t, rec.Headers, 1)
	assert.Equal(t, "instance_minted", string(rec.Headers[0].Value))

	var got events.Event
	require.NoError(t, json.Unmarshal(rec.Value, &got))
	assert.Equal(t, sent.Type, got.Type)
	assert.Equal(t, "7", got.Attributes["mint_number"])
}

func TestNewWithoutBrokers(t *testing.T) {
	client, err := New(config.Kafka{})
	require.NoError(t, err)
	assert.Nil(t, client)
}
