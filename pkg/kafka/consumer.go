package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ledger-stream/pkg/models"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

// ============================================================================
// Batch Reader Implementation
// ============================================================================

// messageReader is the part of kafka.Reader the batch reader uses.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// BatchReader pulls deliveries from a consumer group with manual commits.
// Offsets that are never committed are redelivered after a restart or a
// rebalance.
type BatchReader struct {
	reader messageReader
	stats  func() kafka.ReaderStats
	logger *logrus.Logger
}

func NewBatchReader(config ReaderConfig) (*BatchReader, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid reader config: %w", err)
	}

	if config.MinBytes == 0 {
		config.MinBytes = 1
	}
	if config.MaxBytes == 0 {
		config.MaxBytes = 10e6
	}
	if config.MaxWait == 0 {
		config.MaxWait = 500 * time.Millisecond
	}
	if config.StartOffset == 0 {
		config.StartOffset = kafka.FirstOffset
	}
	if config.Logger == nil {
		config.Logger = logrus.StandardLogger()
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        config.Brokers,
		GroupID:        config.GroupID,
		Topic:          config.Topic,
		MinBytes:       config.MinBytes,
		MaxBytes:       config.MaxBytes,
		MaxWait:        config.MaxWait,
		CommitInterval: 0, // Manual commits
		StartOffset:    config.StartOffset,
	})

	return &BatchReader{
		reader: reader,
		stats:  reader.Stats,
		logger: config.Logger,
	}, nil
}

func (br *BatchReader) FetchBatch(ctx context.Context, maxItems int, maxWait time.Duration) ([]models.Delivery, error) {
	if maxItems <= 0 {
		maxItems = 1
	}

	first, err := br.reader.FetchMessage(ctx)
	if err != nil {
		return nil, err
	}
	batch := make([]models.Delivery, 0, maxItems)
	batch = append(batch, ToDelivery(first))

	waitCtx, cancel := context.WithTimeout(ctx, maxWait)
	defer cancel()

	for len(batch) < maxItems {
		m, err := br.reader.FetchMessage(waitCtx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				break
			}
			br.logger.WithError(err).Warn("error reading message, returning partial batch")
			break
		}
		batch = append(batch, ToDelivery(m))
	}

	return batch, nil
}

func (br *BatchReader) Commit(ctx context.Context, deliveries ...models.Delivery) error {
	if len(deliveries) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, len(deliveries))
	for i, d := range deliveries {
		msgs[i] = toCommit(d)
	}
	if err := br.reader.CommitMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("commit %d messages: %w", len(msgs), err)
	}
	return nil
}

func (br *BatchReader) Stats() kafka.ReaderStats {
	if br.stats == nil {
		return kafka.ReaderStats{}
	}
	return br.stats()
}

func (br *BatchReader) Close() error {
	if err := br.reader.Close(); err != nil {
		return fmt.Errorf("failed to close reader: %w", err)
	}
	return nil
}

var _ BatchSource = (*BatchReader)(nil)
