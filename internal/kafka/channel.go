package kafka

import (
	"context"
	"fmt"
	"sync"
	"time"

	pkgkafka "ledger-stream/pkg/kafka"
	"ledger-stream/pkg/models"

	kafka "github.com/segmentio/kafka-go"
)

// MemoryChannel is an in-process event channel with Kafka's partitioning and
// consumer-group semantics: keys are hashed onto partitions, each partition
// is ordered, and deliveries not committed are served again after Rewind.
type MemoryChannel struct {
	mu         sync.Mutex
	partitions []int
	balancer   kafka.Balancer
	topic      string
	logs       map[string][][]models.Delivery
	fetched    []int64
	committed  []int64
	notify     chan struct{}
	closed     bool
}

// NewMemoryChannel consumes topic, which has the given number of partitions.
func NewMemoryChannel(topic string, partitions int) *MemoryChannel {
	if partitions <= 0 {
		partitions = 1
	}
	ids := make([]int, partitions)
	for i := range ids {
		ids[i] = i
	}
	return &MemoryChannel{
		partitions: ids,
		balancer:   &kafka.Hash{},
		topic:      topic,
		logs:       make(map[string][][]models.Delivery),
		fetched:    make([]int64, partitions),
		committed:  make([]int64, partitions),
		notify:     make(chan struct{}),
	}
}

// PartitionFor returns the partition key is routed to.
func (c *MemoryChannel) PartitionFor(key string) int {
	return c.balancer.Balance(kafka.Message{Key: []byte(key)}, c.partitions...)
}

func (c *MemoryChannel) Publish(ctx context.Context, topic, key string, value []byte, headers map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("memory channel closed")
	}

	log, ok := c.logs[topic]
	if !ok {
		log = make([][]models.Delivery, len(c.partitions))
	}
	p := c.PartitionFor(key)

	hdrs := make(map[string]string, len(headers))
	for k, v := range headers {
		hdrs[k] = v
	}
	val := make([]byte, len(value))
	copy(val, value)

	log[p] = append(log[p], models.Delivery{
		Key:       key,
		Value:     val,
		Headers:   hdrs,
		Topic:     topic,
		Partition: p,
		Offset:    int64(len(log[p])),
		Timestamp: time.Now().UTC(),
	})
	c.logs[topic] = log

	close(c.notify)
	c.notify = make(chan struct{})
	return nil
}

func (c *MemoryChannel) FetchBatch(ctx context.Context, maxItems int, maxWait time.Duration) ([]models.Delivery, error) {
	if maxItems <= 0 {
		maxItems = 1
	}
	for {
		c.mu.Lock()
		batch := c.takeLocked(maxItems)
		notify := c.notify
		closed := c.closed
		c.mu.Unlock()

		if len(batch) > 0 {
			return batch, nil
		}
		if closed {
			return nil, fmt.Errorf("memory channel closed")
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-notify:
		}
	}
}

func (c *MemoryChannel) takeLocked(maxItems int) []models.Delivery {
	log := c.logs[c.topic]
	var batch []models.Delivery
	for _, p := range c.partitions {
		if log == nil {
			break
		}
		for c.fetched[p] < int64(len(log[p])) && len(batch) < maxItems {
			batch = append(batch, log[p][c.fetched[p]])
			c.fetched[p]++
		}
	}
	return batch
}

func (c *MemoryChannel) Commit(ctx context.Context, deliveries ...models.Delivery) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, d := range deliveries {
		if d.Topic != c.topic || d.Partition < 0 || d.Partition >= len(c.partitions) {
			return fmt.Errorf("commit: unknown partition %s/%d", d.Topic, d.Partition)
		}
		if next := d.Offset + 1; next > c.committed[d.Partition] {
			c.committed[d.Partition] = next
		}
	}
	return nil
}

// Rewind moves every partition back to its committed offset, as a group
// rebalance or a restart would.
func (c *MemoryChannel) Rewind() {
	c.mu.Lock()
	defer c.mu.Unlock()
	copy(c.fetched, c.committed)
}

// Committed returns the next offset to be consumed per partition.
func (c *MemoryChannel) Committed() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]int64, len(c.committed))
	copy(out, c.committed)
	return out
}

// Messages returns everything published to topic, partition by partition.
func (c *MemoryChannel) Messages(topic string) []models.Delivery {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []models.Delivery
	for _, part := range c.logs[topic] {
		out = append(out, part...)
	}
	return out
}

func (c *MemoryChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.notify)
		c.notify = make(chan struct{})
	}
	return nil
}

var (
	_ pkgkafka.Publisher   = (*MemoryChannel)(nil)
	_ pkgkafka.BatchSource = (*MemoryChannel)(nil)
)
