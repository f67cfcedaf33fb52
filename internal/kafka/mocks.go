package kafka

import (
	"context"
	"fmt"
	"sync"

	"ledger-stream/internal/dedup"
	pkgkafka "ledger-stream/pkg/kafka"
)

// MockProducer is a mock implementation of pkgkafka.Publisher for testing
type MockProducer struct {
	mu                sync.RWMutex
	PublishedMessages []PublishedMessage
	PublishFunc       func(ctx context.Context, topic, key string, value []byte, headers map[string]string) error
	CloseFunc         func() error
	FailCount         int
	failureCounter    int
}

type PublishedMessage struct {
	Topic   string
	Key     string
	Value   []byte
	Headers map[string]string
}

func NewMockProducer() *MockProducer {
	return &MockProducer{
		PublishedMessages: make([]PublishedMessage, 0),
	}
}

func (m *MockProducer) Publish(ctx context.Context, topic, key string, value []byte, headers map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.PublishFunc != nil {
		if err := m.PublishFunc(ctx, topic, key, value, headers); err != nil {
			return err
		}
	} else if m.FailCount > 0 {
		m.failureCounter++
		if m.failureCounter <= m.FailCount {
			return fmt.Errorf("simulated publish failure %d", m.failureCounter)
		}
	}

	m.PublishedMessages = append(m.PublishedMessages, PublishedMessage{
		Topic:   topic,
		Key:     key,
		Value:   value,
		Headers: headers,
	})
	return nil
}

func (m *MockProducer) Close() error {
	if m.CloseFunc != nil {
		return m.CloseFunc()
	}
	return nil
}

func (m *MockProducer) GetPublishedMessages() []PublishedMessage {
	m.mu.RLock()
	defer m.mu.RUnlock()

	messages := make([]PublishedMessage, len(m.PublishedMessages))
	copy(messages, m.PublishedMessages)
	return messages
}

func (m *MockProducer) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.PublishedMessages = make([]PublishedMessage, 0)
	m.failureCounter = 0
}

// MockDedupeStore is a mock implementation of dedup.Store for testing
type MockDedupeStore struct {
	mu          sync.RWMutex
	SeenFunc    func(ctx context.Context, eventID string) (bool, error)
	MarkFunc    func(ctx context.Context, eventID string) error
	existingIDs map[string]bool
}

func NewMockDedupeStore() *MockDedupeStore {
	return &MockDedupeStore{
		existingIDs: make(map[string]bool),
	}
}

func (m *MockDedupeStore) Seen(ctx context.Context, eventID string) (bool, error) {
	if m.SeenFunc != nil {
		return m.SeenFunc(ctx, eventID)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.existingIDs[eventID], nil
}

func (m *MockDedupeStore) Mark(ctx context.Context, eventID string) error {
	if m.MarkFunc != nil {
		return m.MarkFunc(ctx, eventID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.existingIDs[eventID] = true
	return nil
}

func (m *MockDedupeStore) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.existingIDs = make(map[string]bool)
}

var (
	_ pkgkafka.Publisher = (*MockProducer)(nil)
	_ dedup.Store        = (*MockDedupeStore)(nil)
)
