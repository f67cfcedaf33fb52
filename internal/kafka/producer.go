package kafka

import (
	"fmt"

	"ledger-stream/internal/config"
	"ledger-stream/internal/retry"
	pkgkafka "ledger-stream/pkg/kafka"

	kafka "github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

// ProducerClient defines the interface for Kafka producer operations
type ProducerClient = pkgkafka.Publisher

// NewProducer builds the event channel producer from application config.
// Keys are hashed onto partitions so every event of one account lands on the
// same partition.
func NewProducer(cfg *config.Config, logger *logrus.Logger) (*pkgkafka.Producer, error) {
	producer, err := pkgkafka.NewProducer(pkgkafka.ProducerConfig{
		Brokers:      cfg.Kafka.Brokers,
		RequiredAcks: kafka.RequiredAcks(cfg.Kafka.Acks),
		Balancer:     &kafka.Hash{},
		RetryPolicy: retry.Policy{
			MaxRetries:     cfg.Retry.MaxRetries,
			InitialBackoff: cfg.Retry.BackoffBase,
			MaxBackoff:     cfg.Retry.BackoffCap,
			BackoffFactor:  2.0,
			Jitter:         cfg.Retry.Jitter,
		},
		Logger: logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create producer: %w", err)
	}
	return producer, nil
}

// NewBatchReader builds the consumer-group reader for the events topic.
func NewBatchReader(cfg *config.Config, logger *logrus.Logger) (*pkgkafka.BatchReader, error) {
	reader, err := pkgkafka.NewBatchReader(pkgkafka.ReaderConfig{
		Brokers: cfg.Kafka.Brokers,
		Topic:   cfg.Kafka.EventsTopic,
		GroupID: cfg.Kafka.ConsumerGroupID,
		MaxWait: cfg.Consumer.MaxWait,
		Logger:  logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create batch reader: %w", err)
	}
	return reader, nil
}

// Topics lists the topics the pipeline publishes to.
func Topics(cfg *config.Config) []TopicSpec {
	return []TopicSpec{
		{Name: cfg.Kafka.EventsTopic, Partitions: cfg.Kafka.Partitions, ReplicationFactor: cfg.Kafka.ReplicationFactor},
		{Name: cfg.Kafka.DLQTopic, Partitions: cfg.Kafka.Partitions, ReplicationFactor: cfg.Kafka.ReplicationFactor},
	}
}
