package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"ledger-stream/internal/deadletter"
	"ledger-stream/internal/observability"
	"ledger-stream/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(maxRetries int) (*Router, *deadletter.MemorySink, *observability.ProcessingMetrics) {
	sink := deadletter.NewMemorySink()
	metrics := observability.NewProcessingMetrics()
	router := NewRouter(RouterConfig{
		Policy: Policy{
			MaxRetries:     maxRetries,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     5 * time.Millisecond,
			BackoffFactor:  2,
		},
		Sink:          sink,
		Metrics:       metrics,
		ConsumerGroup: "test-group",
	})
	return router, sink, metrics
}

func testItem() Item {
	return Item{
		EventID: "tx-1",
		Delivery: models.Delivery{
			Key:       "acc-1",
			Value:     []byte(`{"id":"tx-1"}`),
			Topic:     "transactions",
			Partition: 2,
			Offset:    42,
		},
	}
}

func TestRouter_AppliedFirstAttempt(t *testing.T) {
	router, sink, metrics := newTestRouter(3)

	outcome, err := router.Execute(context.Background(), testItem(), func(ctx context.Context) error {
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, StateApplied, outcome.State)
	assert.Equal(t, 1, outcome.Attempts)
	assert.Empty(t, sink.Records())
	assert.Equal(t, int64(0), metrics.Snapshot().RetryAttempts)
}

func TestRouter_TransientThenSuccess(t *testing.T) {
	router, sink, metrics := newTestRouter(3)

	calls := 0
	outcome, err := router.Execute(context.Background(), testItem(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return fmt.Errorf("ledger unavailable")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, StateApplied, outcome.State)
	assert.Equal(t, 3, calls)
	assert.Equal(t, int64(2), metrics.Snapshot().RetryAttempts)
	assert.Empty(t, sink.Records())
}

func TestRouter_RetryBoundThenDeadLetter(t *testing.T) {
	const maxRetries = 4
	router, sink, metrics := newTestRouter(maxRetries)

	calls := 0
	cause := errors.New("connection refused")
	outcome, err := router.Execute(context.Background(), testItem(), func(ctx context.Context) error {
		calls++
		return fmt.Errorf("apply transaction: %w", cause)
	})

	require.NoError(t, err)
	assert.Equal(t, StateDeadLettered, outcome.State)
	assert.Equal(t, maxRetries+1, calls)
	assert.Equal(t, maxRetries+1, outcome.Attempts)

	snap := metrics.Snapshot()
	assert.Equal(t, int64(maxRetries), snap.RetryAttempts)
	assert.Equal(t, int64(1), snap.DLTMessages)

	records := sink.Records()
	require.Len(t, records, 1)
	rec := records[0]
	assert.Equal(t, "tx-1", rec.EventID)
	assert.Equal(t, "transactions", rec.Topic)
	assert.Equal(t, 2, rec.Partition)
	assert.Equal(t, int64(42), rec.Offset)
	assert.Equal(t, "test-group", rec.ConsumerGroup)
	assert.Equal(t, string(KindTransient), rec.Error.Kind)
	assert.Equal(t, []string{"connection refused"}, rec.Error.Causes)
	assert.Equal(t, []byte(`{"id":"tx-1"}`), rec.OriginalMessage)
}

func TestRouter_PermanentIsRejectedWithoutRetry(t *testing.T) {
	router, sink, metrics := newTestRouter(3)

	calls := 0
	outcome, err := router.Execute(context.Background(), testItem(), func(ctx context.Context) error {
		calls++
		return Permanent(errors.New("insufficient funds"))
	})

	require.NoError(t, err)
	assert.Equal(t, StateRejected, outcome.State)
	assert.Equal(t, 1, calls)
	assert.True(t, IsPermanent(outcome.Err))
	assert.Empty(t, sink.Records())
	assert.Equal(t, int64(0), metrics.Snapshot().RetryAttempts)
	assert.Equal(t, int64(0), metrics.Snapshot().DLTMessages)
}

func TestRouter_ZeroRetriesDeadLettersImmediately(t *testing.T) {
	router, sink, metrics := newTestRouter(0)

	outcome, err := router.Execute(context.Background(), testItem(), func(ctx context.Context) error {
		return context.DeadlineExceeded
	})

	require.NoError(t, err)
	assert.Equal(t, StateDeadLettered, outcome.State)
	assert.Len(t, sink.Records(), 1)
	assert.Equal(t, int64(0), metrics.Snapshot().RetryAttempts)
}

func TestRouter_SinkFailureIsReturned(t *testing.T) {
	router, sink, metrics := newTestRouter(1)
	sink.SendFunc = func(ctx context.Context, record deadletter.Record) error {
		return errors.New("broker down")
	}

	_, err := router.Execute(context.Background(), testItem(), func(ctx context.Context) error {
		return errors.New("timeout")
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDeadLetterFailed)
	assert.Equal(t, int64(0), metrics.Snapshot().DLTMessages)
	assert.Empty(t, sink.Records())
}

func TestRouter_ContextCancelledWhileBackingOff(t *testing.T) {
	router, sink, _ := newTestRouter(5)
	router.policy.InitialBackoff = time.Hour
	router.policy.MaxBackoff = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := router.Execute(ctx, testItem(), func(ctx context.Context) error {
		calls++
		return errors.New("unavailable")
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
	assert.Empty(t, sink.Records())
}

func TestClassify(t *testing.T) {
	assert.Equal(t, Kind(""), Classify(nil))
	assert.Equal(t, KindPermanent, Classify(fmt.Errorf("wrapped: %w", Permanent(errors.New("x")))))
	assert.Equal(t, KindTransient, Classify(Retryable(errors.New("x"))))
	assert.Equal(t, KindTransient, Classify(context.DeadlineExceeded))
	assert.Equal(t, KindTransient, Classify(errors.New("unknown")))
	assert.True(t, IsTimeout(fmt.Errorf("get balance: %w", context.DeadlineExceeded)))
	assert.Nil(t, Permanent(nil))
	assert.Nil(t, Retryable(nil))
}
