package deadletter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"ledger-stream/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type publishedMessage struct {
	Topic   string
	Key     string
	Value   []byte
	Headers map[string]string
}

type recordingPublisher struct {
	mu       sync.Mutex
	messages []publishedMessage
	err      error
}

func (p *recordingPublisher) Publish(ctx context.Context, topic, key string, value []byte, headers map[string]string) error {
	if p.err != nil {
		return p.err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, publishedMessage{Topic: topic, Key: key, Value: value, Headers: headers})
	return nil
}

func testDelivery() models.Delivery {
	return models.Delivery{
		Key:       "acc-1",
		Value:     []byte(`{"id":"tx-9","value":5}`),
		Topic:     "transactions",
		Partition: 1,
		Offset:    7,
	}
}

func TestNewRecord_CausesChain(t *testing.T) {
	root := errors.New("dial tcp: connection refused")
	err := fmt.Errorf("apply tx-9: %w", fmt.Errorf("get balance: %w", root))

	rec := NewRecord(testDelivery(), "tx-9", "transient", err, 4, "ledger-consumers")

	assert.Equal(t, "tx-9", rec.EventID)
	assert.Equal(t, "transient", rec.Error.Kind)
	assert.Equal(t, err.Error(), rec.Error.Message)
	assert.Equal(t, []string{"get balance: dial tcp: connection refused", "dial tcp: connection refused"}, rec.Error.Causes)
	assert.Equal(t, 4, rec.Attempts)
	assert.Equal(t, "ledger-consumers", rec.ConsumerGroup)
	assert.Equal(t, int64(7), rec.Offset)
	assert.False(t, rec.Timestamp.IsZero())
}

func TestNewRecord_JoinedErrors(t *testing.T) {
	err := errors.Join(errors.New("first"), errors.New("second"))
	rec := NewRecord(testDelivery(), "tx-9", "transient", err, 1, "")
	assert.Equal(t, []string{"first", "second"}, rec.Error.Causes)
}

func TestNewRecord_CopiesOriginalMessage(t *testing.T) {
	d := testDelivery()
	rec := NewRecord(d, "tx-9", "transient", errors.New("x"), 1, "")
	d.Value[0] = 'X'
	assert.Equal(t, byte('{'), rec.OriginalMessage[0])
}

func TestKafkaSink_Send(t *testing.T) {
	pub := &recordingPublisher{}
	sink := NewKafkaSink(pub, "transactions-dlq", nil)

	rec := NewRecord(testDelivery(), "tx-9", "transient", errors.New("timeout"), 4, "g")
	require.NoError(t, sink.Send(context.Background(), rec))

	require.Len(t, pub.messages, 1)
	msg := pub.messages[0]
	assert.Equal(t, "transactions-dlq", msg.Topic)
	assert.Equal(t, "tx-9", msg.Key)
	assert.Equal(t, "transactions", msg.Headers[models.HeaderOriginalTopic])
	assert.Equal(t, "4", msg.Headers[models.HeaderRetryCount])
	assert.Equal(t, "timeout", msg.Headers[models.HeaderFailureReason])

	var decoded Record
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, rec.OriginalMessage, decoded.OriginalMessage)
	assert.Equal(t, rec.Error, decoded.Error)
}

func TestKafkaSink_SendFailure(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("broker unavailable")}
	sink := NewKafkaSink(pub, "transactions-dlq", nil)

	err := sink.Send(context.Background(), NewRecord(testDelivery(), "tx-9", "transient", errors.New("x"), 1, ""))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker unavailable")
}
