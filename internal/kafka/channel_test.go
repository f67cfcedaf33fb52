package kafka

import (
	"context"
	"fmt"
	"testing"
	"time"

	kafka "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func publishN(t *testing.T, ch *MemoryChannel, topic string, keys ...string) {
	t.Helper()
	for i, key := range keys {
		require.NoError(t, ch.Publish(context.Background(), topic, key, []byte(fmt.Sprintf("%s-%d", key, i)), nil))
	}
}

func TestMemoryChannel_KeysHashToStablePartitions(t *testing.T) {
	ch := NewMemoryChannel("ledger-events", 6)
	hash := &kafka.Hash{}

	for i := 0; i < 50; i++ {
		key := fmt.Sprintf("acc-%d", i)
		want := hash.Balance(kafka.Message{Key: []byte(key)}, 0, 1, 2, 3, 4, 5)
		assert.Equal(t, want, ch.PartitionFor(key))
		assert.Equal(t, ch.PartitionFor(key), ch.PartitionFor(key))
	}
}

func TestMemoryChannel_PartitionOrder(t *testing.T) {
	ch := NewMemoryChannel("ledger-events", 4)
	publishN(t, ch, "ledger-events", "acc-1", "acc-2", "acc-1", "acc-3", "acc-1")

	batch, err := ch.FetchBatch(context.Background(), 100, time.Millisecond)
	require.NoError(t, err)
	require.Len(t, batch, 5)

	var acc1 []string
	lastOffset := map[int]int64{}
	for _, d := range batch {
		if prev, ok := lastOffset[d.Partition]; ok {
			assert.Greater(t, d.Offset, prev)
		}
		lastOffset[d.Partition] = d.Offset
		if d.Key == "acc-1" {
			acc1 = append(acc1, string(d.Value))
			assert.Equal(t, ch.PartitionFor("acc-1"), d.Partition)
		}
	}
	assert.Equal(t, []string{"acc-1-0", "acc-1-2", "acc-1-4"}, acc1)
}

func TestMemoryChannel_FetchRespectsMaxItems(t *testing.T) {
	ch := NewMemoryChannel("ledger-events", 1)
	publishN(t, ch, "ledger-events", "a", "a", "a")

	first, err := ch.FetchBatch(context.Background(), 2, time.Millisecond)
	require.NoError(t, err)
	assert.Len(t, first, 2)

	second, err := ch.FetchBatch(context.Background(), 2, time.Millisecond)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, int64(2), second[0].Offset)
}

func TestMemoryChannel_FetchBlocksUntilPublish(t *testing.T) {
	ch := NewMemoryChannel("ledger-events", 2)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = ch.Publish(context.Background(), "ledger-events", "acc-1", []byte("x"), nil)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	batch, err := ch.FetchBatch(ctx, 10, time.Millisecond)
	require.NoError(t, err)
	assert.Len(t, batch, 1)
}

func TestMemoryChannel_FetchHonoursContext(t *testing.T) {
	ch := NewMemoryChannel("ledger-events", 1)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := ch.FetchBatch(ctx, 10, time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMemoryChannel_OtherTopicsAreNotConsumed(t *testing.T) {
	ch := NewMemoryChannel("ledger-events", 1)
	publishN(t, ch, "ledger-events-dlq", "tx-1")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := ch.FetchBatch(ctx, 10, time.Millisecond)
	assert.Error(t, err)
	assert.Len(t, ch.Messages("ledger-events-dlq"), 1)
}

func TestMemoryChannel_RewindRedeliversUncommitted(t *testing.T) {
	ch := NewMemoryChannel("ledger-events", 1)
	publishN(t, ch, "ledger-events", "a", "a", "a")

	batch, err := ch.FetchBatch(context.Background(), 10, time.Millisecond)
	require.NoError(t, err)
	require.Len(t, batch, 3)
	require.NoError(t, ch.Commit(context.Background(), batch[0]))
	assert.Equal(t, []int64{1}, ch.Committed())

	ch.Rewind()
	again, err := ch.FetchBatch(context.Background(), 10, time.Millisecond)
	require.NoError(t, err)
	require.Len(t, again, 2)
	assert.Equal(t, int64(1), again[0].Offset)
}

func TestMemoryChannel_CommitNeverMovesBackwards(t *testing.T) {
	ch := NewMemoryChannel("ledger-events", 1)
	publishN(t, ch, "ledger-events", "a", "a")
	batch, _ := ch.FetchBatch(context.Background(), 10, time.Millisecond)

	require.NoError(t, ch.Commit(context.Background(), batch[1]))
	require.NoError(t, ch.Commit(context.Background(), batch[0]))
	assert.Equal(t, []int64{2}, ch.Committed())

	bad := batch[0]
	bad.Partition = 9
	assert.Error(t, ch.Commit(context.Background(), bad))
}

func TestMemoryChannel_Close(t *testing.T) {
	ch := NewMemoryChannel("ledger-events", 1)
	require.NoError(t, ch.Close())

	_, err := ch.FetchBatch(context.Background(), 1, time.Millisecond)
	assert.Error(t, err)
	assert.Error(t, ch.Publish(context.Background(), "ledger-events", "a", nil, nil))
}
