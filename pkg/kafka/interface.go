package kafka

import (
	"context"
	"errors"
	"time"

	"ledger-stream/internal/retry"
	"ledger-stream/pkg/models"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

// ============================================================================
// Config Structures
// ============================================================================

// DefaultRetryPolicy is the producer's own retry budget for one write.
func DefaultRetryPolicy() retry.Policy {
	return retry.Policy{
		MaxRetries:     3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		BackoffFactor:  2.0,
		Jitter:         true,
	}
}

type ProducerConfig struct {
	Brokers      []string
	WriteTimeout time.Duration
	ReadTimeout  time.Duration
	// RequiredAcks: -1 all, 0 none, 1 leader. Zero means all.
	RequiredAcks kafka.RequiredAcks
	// Balancer defaults to kafka.Hash so equal keys land on one partition.
	Balancer    kafka.Balancer
	Compression kafka.Compression
	RetryPolicy retry.Policy
	Logger      *logrus.Logger
}

type ReaderConfig struct {
	Brokers     []string
	Topic       string
	GroupID     string
	MinBytes    int
	MaxBytes    int
	MaxWait     time.Duration
	StartOffset int64
	Logger      *logrus.Logger
}

// classifyWriteError marks broker errors the protocol flags as non-temporary
// as permanent. Everything else, network errors included, is retryable.
func classifyWriteError(err error) error {
	var kafkaErr kafka.Error
	if errors.As(err, &kafkaErr) && !kafkaErr.Temporary() {
		return retry.Permanent(err)
	}
	return retry.Retryable(err)
}

// ============================================================================
// Interfaces
// ============================================================================

// Publisher is the producing half of the event channel.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte, headers map[string]string) error
	Close() error
}

// BatchSource is the consuming half of the event channel.
type BatchSource interface {
	// FetchBatch blocks for the first delivery, then collects more until
	// maxItems or maxWait is reached.
	FetchBatch(ctx context.Context, maxItems int, maxWait time.Duration) ([]models.Delivery, error)
	// Commit acknowledges deliveries so they are not redelivered to the group.
	Commit(ctx context.Context, deliveries ...models.Delivery) error
}

// ============================================================================
// Conversion
// ============================================================================

func toKafkaHeaders(headers map[string]string) []kafka.Header {
	if len(headers) == 0 {
		return nil
	}
	out := make([]kafka.Header, 0, len(headers))
	for k, v := range headers {
		out = append(out, kafka.Header{Key: k, Value: []byte(v)})
	}
	return out
}

// ToDelivery converts a fetched kafka message.
func ToDelivery(m kafka.Message) models.Delivery {
	headers := make(map[string]string, len(m.Headers))
	for _, h := range m.Headers {
		headers[h.Key] = string(h.Value)
	}
	return models.Delivery{
		Key:       string(m.Key),
		Value:     m.Value,
		Headers:   headers,
		Topic:     m.Topic,
		Partition: m.Partition,
		Offset:    m.Offset,
		Timestamp: m.Time,
	}
}

// toCommit builds the minimal message kafka-go needs to commit an offset.
func toCommit(d models.Delivery) kafka.Message {
	return kafka.Message{Topic: d.Topic, Partition: d.Partition, Offset: d.Offset}
}
