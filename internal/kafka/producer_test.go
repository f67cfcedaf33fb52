package kafka

import (
	"context"
	"fmt"
	"testing"
	"time"

	"ledger-stream/internal/config"

	kafka "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *config.Config {
	return &config.Config{
		Kafka: config.KafkaConfig{
			Brokers:           []string{"localhost:9092"},
			EventsTopic:       "ledger-events",
			DLQTopic:          "ledger-events-dlq",
			ConsumerGroupID:   "ledger-consumer-group",
			Partitions:        6,
			ReplicationFactor: 1,
			Acks:              -1,
		},
		Consumer: config.ConsumerConfig{MaxWait: 100 * time.Millisecond},
		Retry: config.RetryConfig{
			MaxRetries:  3,
			BackoffBase: 10 * time.Millisecond,
			BackoffCap:  100 * time.Millisecond,
		},
	}
}

func TestNewProducer_FromConfig(t *testing.T) {
	producer, err := NewProducer(testConfig(), nil)
	require.NoError(t, err)
	assert.NoError(t, producer.Close())
}

func TestNewProducer_InvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Kafka.Brokers = nil

	_, err := NewProducer(cfg, nil)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "brokers cannot be empty")
}

func TestNewBatchReader_InvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Kafka.ConsumerGroupID = ""

	_, err := NewBatchReader(cfg, nil)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "groupID cannot be empty")
}

func TestTopics(t *testing.T) {
	specs := Topics(testConfig())
	require.Len(t, specs, 2)
	assert.Equal(t, TopicSpec{Name: "ledger-events", Partitions: 6, ReplicationFactor: 1}, specs[0])
	assert.Equal(t, "ledger-events-dlq", specs[1].Name)
}

func TestTopicConfig_Defaults(t *testing.T) {
	assert.Equal(t, kafka.TopicConfig{Topic: "t", NumPartitions: 1, ReplicationFactor: 1}, topicConfig(TopicSpec{Name: "t"}))
	assert.Equal(t, kafka.TopicConfig{Topic: "t", NumPartitions: 12, ReplicationFactor: 3},
		topicConfig(TopicSpec{Name: "t", Partitions: 12, ReplicationFactor: 3}))
}

func TestMockProducer_Behavior(t *testing.T) {
	mock := NewMockProducer()

	err := mock.Publish(context.Background(), "ledger-events", "acc-1", []byte("value1"), map[string]string{
		"header1": "value1",
	})
	require.NoError(t, err)

	messages := mock.GetPublishedMessages()
	assert.Len(t, messages, 1)
	assert.Equal(t, "ledger-events", messages[0].Topic)
	assert.Equal(t, "acc-1", messages[0].Key)
	assert.Equal(t, []byte("value1"), messages[0].Value)
	assert.Equal(t, "value1", messages[0].Headers["header1"])

	mock.Reset()
	assert.Empty(t, mock.GetPublishedMessages())
}

func TestMockProducer_SimulateFailures(t *testing.T) {
	mock := NewMockProducer()
	mock.FailCount = 2

	ctx := context.Background()
	assert.Error(t, mock.Publish(ctx, "ledger-events", "acc-1", []byte("v"), nil))
	assert.Error(t, mock.Publish(ctx, "ledger-events", "acc-1", []byte("v"), nil))
	assert.NoError(t, mock.Publish(ctx, "ledger-events", "acc-1", []byte("v"), nil))

	assert.Len(t, mock.GetPublishedMessages(), 1)
}

func TestMockProducer_CustomPublishFunc(t *testing.T) {
	mock := NewMockProducer()

	callCount := 0
	mock.PublishFunc = func(ctx context.Context, topic, key string, value []byte, headers map[string]string) error {
		callCount++
		if callCount < 3 {
			return fmt.Errorf("temporary error")
		}
		return nil
	}

	ctx := context.Background()
	assert.Error(t, mock.Publish(ctx, "ledger-events", "acc-1", []byte("v"), nil))
	assert.Error(t, mock.Publish(ctx, "ledger-events", "acc-1", []byte("v"), nil))
	assert.NoError(t, mock.Publish(ctx, "ledger-events", "acc-1", []byte("v"), nil))
	assert.Equal(t, 3, callCount)
	assert.Len(t, mock.GetPublishedMessages(), 1)
}

func TestMockDedupeStore(t *testing.T) {
	mock := NewMockDedupeStore()
	ctx := context.Background()

	seen, err := mock.Seen(ctx, "tx-1")
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, mock.Mark(ctx, "tx-1"))
	seen, _ = mock.Seen(ctx, "tx-1")
	assert.True(t, seen)

	mock.SeenFunc = func(ctx context.Context, eventID string) (bool, error) {
		return eventID == "always-seen", nil
	}
	seen, _ = mock.Seen(ctx, "always-seen")
	assert.True(t, seen)
	seen, _ = mock.Seen(ctx, "tx-1")
	assert.False(t, seen)

	mock.Reset()
	mock.SeenFunc = nil
	seen, _ = mock.Seen(ctx, "tx-1")
	assert.False(t, seen)
}
