package deadletter

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"ledger-stream/internal/observability"
	"ledger-stream/pkg/models"

	"github.com/sirupsen/logrus"
)

// Sink receives records that exhausted their retries.
type Sink interface {
	Send(ctx context.Context, record Record) error
}

// Publisher is the subset of the event channel producer the Kafka sink needs.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte, headers map[string]string) error
}

// KafkaSink forwards records as JSON to a dead-letter topic keyed by event id.
type KafkaSink struct {
	publisher Publisher
	topic     string
	logger    *logrus.Logger
}

func NewKafkaSink(publisher Publisher, topic string, logger *logrus.Logger) *KafkaSink {
	return &KafkaSink{
		publisher: publisher,
		topic:     topic,
		logger:    observability.LoggerOrDefault(logger),
	}
}

func (s *KafkaSink) Send(ctx context.Context, record Record) error {
	value, err := record.Encode()
	if err != nil {
		return fmt.Errorf("encode dead-letter record: %w", err)
	}

	headers := map[string]string{
		models.HeaderMessageID:     record.EventID,
		models.HeaderOriginalTopic: record.Topic,
		models.HeaderFailureKind:   record.Error.Kind,
		models.HeaderFailureReason: record.Error.Message,
		models.HeaderRetryCount:    strconv.Itoa(record.Attempts),
		models.HeaderProcessedAt:   record.Timestamp.Format(time.RFC3339),
	}

	if err := s.publisher.Publish(ctx, s.topic, record.EventID, value, headers); err != nil {
		s.logger.WithFields(logrus.Fields{
			"topic":    s.topic,
			"event_id": record.EventID,
		}).WithError(err).Error("Failed to send message to DLQ")
		return fmt.Errorf("send to dead-letter topic %s: %w", s.topic, err)
	}

	s.logger.WithFields(logrus.Fields{
		"topic":    s.topic,
		"event_id": record.EventID,
		"attempts": record.Attempts,
	}).Info("Message sent to DLQ")
	return nil
}

// MemorySink keeps records in memory.
type MemorySink struct {
	mu       sync.RWMutex
	records  []Record
	SendFunc func(ctx context.Context, record Record) error
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Send(ctx context.Context, record Record) error {
	if s.SendFunc != nil {
		if err := s.SendFunc(ctx, record); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, record)
	return nil
}

func (s *MemorySink) Records() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Record, len(s.records))
	copy(out, s.records)
	return out
}

var (
	_ Sink = (*KafkaSink)(nil)
	_ Sink = (*MemorySink)(nil)
)
