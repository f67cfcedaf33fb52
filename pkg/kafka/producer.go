package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ledger-stream/internal/retry"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

// ============================================================================
// Producer Implementation
// ============================================================================

// messageWriter is the part of kafka.Writer the producer uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Producer struct {
	writer messageWriter
	policy retry.Policy
	logger *logrus.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

func NewProducer(config ProducerConfig) (*Producer, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid producer config: %w", err)
	}

	if config.WriteTimeout == 0 {
		config.WriteTimeout = 10 * time.Second
	}
	if config.ReadTimeout == 0 {
		config.ReadTimeout = 10 * time.Second
	}
	if config.RequiredAcks == 0 {
		config.RequiredAcks = kafka.RequireAll
	}
	if config.Balancer == nil {
		config.Balancer = &kafka.Hash{}
	}
	if config.RetryPolicy.InitialBackoff == 0 {
		config.RetryPolicy = DefaultRetryPolicy()
	}
	if config.Logger == nil {
		config.Logger = logrus.StandardLogger()
	}

	// Topic is set per message so one writer serves the event and DLQ topics.
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(config.Brokers...),
		Balancer:               config.Balancer,
		WriteTimeout:           config.WriteTimeout,
		ReadTimeout:            config.ReadTimeout,
		RequiredAcks:           config.RequiredAcks,
		Compression:            config.Compression,
		MaxAttempts:            1,
		AllowAutoTopicCreation: false,
		Async:                  false,
	}

	return newProducer(writer, config.RetryPolicy, config.Logger), nil
}

func newProducer(writer messageWriter, policy retry.Policy, logger *logrus.Logger) *Producer {
	return &Producer{
		writer: writer,
		policy: policy,
		logger: logger,
		sleep:  retry.SleepWithContext,
	}
}

// Publish writes one message keyed by key, retrying retryable failures with
// exponential backoff.
func (p *Producer) Publish(ctx context.Context, topic, key string, value []byte, headers map[string]string) error {
	if topic == "" {
		return retry.Permanent(errors.New("topic cannot be empty"))
	}

	msg := kafka.Message{
		Topic:   topic,
		Key:     []byte(key),
		Value:   value,
		Headers: toKafkaHeaders(headers),
		Time:    time.Now(),
	}

	var lastErr error
	for attempt := 0; attempt <= p.policy.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := p.policy.Delay(attempt - 1)
			p.logger.WithFields(logrus.Fields{
				"attempt": attempt,
				"topic":   topic,
				"key":     key,
				"backoff": backoff,
			}).Info("Retrying message publish")

			if err := p.sleep(ctx, backoff); err != nil {
				return err
			}
		}

		err := p.writer.WriteMessages(ctx, msg)
		if err == nil {
			p.logger.WithFields(logrus.Fields{
				"topic":   topic,
				"key":     key,
				"attempt": attempt + 1,
			}).Debug("Message published successfully")
			return nil
		}

		lastErr = classifyWriteError(err)
		p.logger.WithFields(logrus.Fields{
			"topic":   topic,
			"key":     key,
			"attempt": attempt + 1,
		}).WithError(err).Warn("Failed to publish message")

		if retry.IsPermanent(lastErr) || ctx.Err() != nil {
			return lastErr
		}
	}

	return fmt.Errorf("failed to publish message after %d attempts: %w", p.policy.MaxRetries+1, lastErr)
}

func (p *Producer) Close() error {
	if p.writer == nil {
		return errors.New("writer is nil")
	}
	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("failed to close producer: %w", err)
	}
	return nil
}

func (p *Producer) CloseGracefully(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- p.Close()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

var _ Publisher = (*Producer)(nil)
