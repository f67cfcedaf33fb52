package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"ledger-stream/internal/kafka"
	"ledger-stream/internal/observability"
	"ledger-stream/pkg/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRelay(repo Repository, pub Publisher, metrics *observability.ProcessingMetrics) *Relay {
	cfg := RelayConfig{
		Topic:        "ledger-events",
		Owner:        "relay-test",
		BatchSize:    10,
		PollInterval: 10 * time.Millisecond,
		Lease:        time.Minute,
		Logger:       observability.Discard(),
	}
	if metrics != nil {
		cfg.Metrics = metrics
	}
	return NewRelay(repo, pub, cfg)
}

// seed inserts rows with strictly increasing created_at.
func seed(t *testing.T, repo *MemoryRepository, aggregateIDs ...string) []*models.OutboxRecord {
	t.Helper()
	base := time.Now().UTC().Add(-time.Hour)
	var out []*models.OutboxRecord
	for i, id := range aggregateIDs {
		rec, err := NewRecord("Account", id, "TransactionApplied", []byte(fmt.Sprintf(`{"seq":%d}`, i)))
		require.NoError(t, err)
		rec.CreatedAt = base.Add(time.Duration(i) * time.Millisecond)
		require.NoError(t, repo.Insert(context.Background(), rec))
		out = append(out, rec)
	}
	return out
}

func payloads(msgs []kafka.PublishedMessage) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, string(m.Value))
	}
	return out
}

func TestRelay_PublishesInCreatedOrderAndMarks(t *testing.T) {
	repo := NewMemoryRepository()
	rows := seed(t, repo, "acc-1", "acc-2", "acc-1")
	pub := kafka.NewMockProducer()
	metrics := observability.NewProcessingMetrics()

	result := newTestRelay(repo, pub, metrics).PollAndPublish(context.Background())

	assert.Equal(t, PollResult{Claimed: 3, Published: 3}, result)
	msgs := pub.GetPublishedMessages()
	assert.Equal(t, []string{`{"seq":0}`, `{"seq":1}`, `{"seq":2}`}, payloads(msgs))
	assert.Equal(t, "acc-1", msgs[0].Key)
	assert.Equal(t, "ledger-events", msgs[0].Topic)
	assert.Equal(t, rows[0].ID.String(), msgs[0].Headers[models.HeaderMessageID])
	assert.Equal(t, "TransactionApplied", msgs[0].Headers[models.HeaderEventType])
	assert.Equal(t, "Account", msgs[0].Headers[models.HeaderAggregateType])

	for _, rec := range repo.Records() {
		assert.True(t, rec.Processed)
		assert.NotNil(t, rec.ProcessedAt)
		assert.Nil(t, rec.ClaimedUntil)
	}
	assert.Equal(t, int64(3), metrics.Snapshot().OutboxPublished)

	again := newTestRelay(repo, pub, metrics).PollAndPublish(context.Background())
	assert.Equal(t, 0, again.Claimed)
	assert.Len(t, pub.GetPublishedMessages(), 3)
}

func TestRelay_FailingPublishesEventuallySucceed(t *testing.T) {
	repo := NewMemoryRepository()
	seed(t, repo, "acc-1")
	pub := kafka.NewMockProducer()
	pub.FailCount = 2
	metrics := observability.NewProcessingMetrics()
	relay := newTestRelay(repo, pub, metrics)

	for i := 0; i < 2; i++ {
		result := relay.PollAndPublish(context.Background())
		assert.Equal(t, 1, result.Failed)
		assert.False(t, repo.Records()[0].Processed)
		assert.Nil(t, repo.Records()[0].ClaimedUntil, "failed row must be released")
	}

	result := relay.PollAndPublish(context.Background())
	assert.Equal(t, 1, result.Published)
	assert.True(t, repo.Records()[0].Processed)
	assert.Len(t, pub.GetPublishedMessages(), 1)
	assert.Equal(t, int64(2), metrics.Snapshot().OutboxPublishFailed)
}

func TestRelay_FailureHoldsBackSameAggregate(t *testing.T) {
	repo := NewMemoryRepository()
	rows := seed(t, repo, "acc-1", "acc-2", "acc-1", "acc-2")
	pub := kafka.NewMockProducer()
	first := rows[0].ID.String()
	failed := false
	pub.PublishFunc = func(ctx context.Context, topic, key string, value []byte, headers map[string]string) error {
		if headers[models.HeaderMessageID] == first && !failed {
			failed = true
			return errors.New("leader not available")
		}
		return nil
	}
	relay := newTestRelay(repo, pub, observability.NewProcessingMetrics())

	result := relay.PollAndPublish(context.Background())
	assert.Equal(t, PollResult{Claimed: 4, Published: 2, Failed: 1, Skipped: 1}, result)
	assert.Equal(t, []string{`{"seq":1}`, `{"seq":3}`}, payloads(pub.GetPublishedMessages()))

	result = relay.PollAndPublish(context.Background())
	assert.Equal(t, PollResult{Claimed: 2, Published: 2}, result)
	assert.Equal(t, []string{`{"seq":1}`, `{"seq":3}`, `{"seq":0}`, `{"seq":2}`}, payloads(pub.GetPublishedMessages()))
}

func TestRelay_MarkFailureRepublishesNextCycle(t *testing.T) {
	repo := NewMemoryRepository()
	seed(t, repo, "acc-1")
	markErr := errors.New("db connection lost")
	repo.MarkFunc = func(id uuid.UUID) error { return markErr }
	pub := kafka.NewMockProducer()
	metrics := observability.NewProcessingMetrics()
	relay := newTestRelay(repo, pub, metrics)

	result := relay.PollAndPublish(context.Background())
	assert.Equal(t, 1, result.Published)
	assert.Equal(t, 1, result.MarkFailed)
	assert.False(t, repo.Records()[0].Processed)

	repo.MarkFunc = nil
	result = relay.PollAndPublish(context.Background())
	assert.Equal(t, 1, result.Published)
	assert.True(t, repo.Records()[0].Processed)

	msgs := pub.GetPublishedMessages()
	require.Len(t, msgs, 2)
	assert.Equal(t, msgs[0].Headers[models.HeaderMessageID], msgs[1].Headers[models.HeaderMessageID])
	assert.Equal(t, int64(1), metrics.Snapshot().OutboxMarkFailed)
}

func TestRelay_ConcurrentRelaysKeepAggregateOrder(t *testing.T) {
	repo := NewMemoryRepository()
	ids := make([]string, 200)
	for i := range ids {
		ids[i] = fmt.Sprintf("acc-%d", i%7)
	}
	seed(t, repo, ids...)

	pending := func() bool {
		for _, rec := range repo.Records() {
			if !rec.Processed {
				return true
			}
		}
		return false
	}

	pub := kafka.NewMockProducer()
	deadline := time.Now().Add(5 * time.Second)
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		relay := NewRelay(repo, pub, RelayConfig{
			Owner:     fmt.Sprintf("relay-%d", i),
			BatchSize: 7,
			Lease:     time.Minute,
			Logger:    observability.Discard(),
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			for pending() && time.Now().Before(deadline) {
				relay.PollAndPublish(context.Background())
			}
		}()
	}
	wg.Wait()
	require.False(t, pending(), "relays did not drain the outbox")

	seen := make(map[string]int)
	lastSeq := make(map[string]int)
	for _, m := range pub.GetPublishedMessages() {
		seen[m.Headers[models.HeaderMessageID]]++

		var seq int
		_, err := fmt.Sscanf(string(m.Value), `{"seq":%d}`, &seq)
		require.NoError(t, err)
		if prev, ok := lastSeq[m.Key]; ok {
			assert.Greater(t, seq, prev, "aggregate %s published out of order", m.Key)
		}
		lastSeq[m.Key] = seq
	}
	assert.Len(t, seen, 200)
	for id, n := range seen {
		assert.Equal(t, 1, n, "row %s published more than once", id)
	}
}

func TestRelay_LeasedRowHoldsBackItsAggregate(t *testing.T) {
	repo := NewMemoryRepository()
	rows := seed(t, repo, "acc-1", "acc-2", "acc-1")

	held, err := repo.ClaimUnprocessed(context.Background(), "relay-a", 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, held, 1)
	assert.Equal(t, rows[0].ID, held[0].ID)

	pub := kafka.NewMockProducer()
	relay := newTestRelay(repo, pub, nil)

	result := relay.PollAndPublish(context.Background())
	assert.Equal(t, PollResult{Claimed: 1, Published: 1}, result)
	assert.Equal(t, []string{`{"seq":1}`}, payloads(pub.GetPublishedMessages()))
	assert.False(t, repo.Records()[2].Processed)

	require.NoError(t, repo.Release(context.Background(), held[0].ID))
	result = relay.PollAndPublish(context.Background())
	assert.Equal(t, PollResult{Claimed: 2, Published: 2}, result)
	assert.Equal(t, []string{`{"seq":1}`, `{"seq":0}`, `{"seq":2}`}, payloads(pub.GetPublishedMessages()))
}

func TestRelay_LiveLeaseIsNotReclaimed(t *testing.T) {
	repo := NewMemoryRepository()
	seed(t, repo, "acc-1", "acc-2")

	claimed, err := repo.ClaimUnprocessed(context.Background(), "other", 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	pub := kafka.NewMockProducer()
	result := newTestRelay(repo, pub, nil).PollAndPublish(context.Background())
	assert.Equal(t, 1, result.Claimed)
	assert.Equal(t, []string{`{"seq":1}`}, payloads(pub.GetPublishedMessages()))
}

func TestRelay_ExpiredLeaseIsReclaimed(t *testing.T) {
	repo := NewMemoryRepository()
	seed(t, repo, "acc-1")

	_, err := repo.ClaimUnprocessed(context.Background(), "crashed", 10, time.Millisecond)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	pub := kafka.NewMockProducer()
	result := newTestRelay(repo, pub, nil).PollAndPublish(context.Background())
	assert.Equal(t, 1, result.Published)
}

func TestRelay_RunAndShutdown(t *testing.T) {
	repo := NewMemoryRepository()
	pub := kafka.NewMockProducer()
	relay := newTestRelay(repo, pub, nil)

	done := make(chan error, 1)
	go func() { done <- relay.Run(context.Background()) }()

	seed(t, repo, "acc-1", "acc-2")
	assert.Eventually(t, func() bool {
		return len(pub.GetPublishedMessages()) == 2
	}, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, relay.Shutdown(ctx))

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("relay did not stop")
	}
}

func TestRelay_NoCycleStartsAfterShutdown(t *testing.T) {
	repo := NewMemoryRepository()
	seed(t, repo, "acc-1")
	pub := kafka.NewMockProducer()
	relay := newTestRelay(repo, pub, nil)

	require.NoError(t, relay.Shutdown(context.Background()))

	relay.cycle(context.Background())
	assert.NoError(t, relay.Run(context.Background()))
	assert.Empty(t, pub.GetPublishedMessages())
	assert.False(t, repo.Records()[0].Processed)
}

func TestRelay_RunRejectsSecondStart(t *testing.T) {
	relay := newTestRelay(NewMemoryRepository(), kafka.NewMockProducer(), nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()
	assert.Eventually(t, func() bool {
		relay.mu.Lock()
		defer relay.mu.Unlock()
		return relay.running
	}, time.Second, time.Millisecond)

	assert.ErrorIs(t, relay.Run(ctx), ErrRelayRunning)
	cancel()
	assert.NoError(t, <-done)
}

func TestRelay_CancelledContextSkipsRemaining(t *testing.T) {
	repo := NewMemoryRepository()
	seed(t, repo, "acc-1", "acc-2", "acc-3")
	ctx, cancel := context.WithCancel(context.Background())

	pub := kafka.NewMockProducer()
	pub.PublishFunc = func(context.Context, string, string, []byte, map[string]string) error {
		cancel()
		return nil
	}

	result := newTestRelay(repo, pub, nil).PollAndPublish(ctx)
	assert.Equal(t, 1, result.Published)
	assert.Equal(t, 2, result.Skipped)
	for _, rec := range repo.Records()[1:] {
		assert.False(t, rec.Processed)
		assert.Nil(t, rec.ClaimedUntil)
	}
}
