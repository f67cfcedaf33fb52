package kafka

import (
	"context"
	"errors"
	"sort"
	"time"

	"ledger-stream/internal/observability"
	"ledger-stream/internal/retry"
	pkgkafka "ledger-stream/pkg/kafka"
	"ledger-stream/pkg/models"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// BatchHandler processes one partition's slice of a fetched batch. A nil
// return means every delivery reached a terminal state and may be committed.
type BatchHandler func(ctx context.Context, deliveries []models.Delivery) error

type ConsumerConfig struct {
	BatchSize int
	MaxWait   time.Duration
	// Workers bounds how many partition groups are processed at once.
	Workers int
	// DrainTimeout bounds how long an in-flight batch may run after shutdown
	// is requested.
	DrainTimeout time.Duration
	// Backoff paces re-processing of a failed partition group and fetch errors.
	Backoff retry.Policy
	Logger  *logrus.Logger
}

func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		BatchSize:    100,
		MaxWait:      500 * time.Millisecond,
		Workers:      4,
		DrainTimeout: 30 * time.Second,
		Backoff: retry.Policy{
			InitialBackoff: 200 * time.Millisecond,
			MaxBackoff:     10 * time.Second,
			BackoffFactor:  2,
			Jitter:         true,
		},
	}
}

// Consumer pulls batches from the event channel, splits them by partition and
// hands each partition group to the handler. Groups run in parallel, records
// within a group stay in offset order, and a group is committed only after
// the handler accepted it.
type Consumer struct {
	source  pkgkafka.BatchSource
	handler BatchHandler
	cfg     ConsumerConfig
	logger  *logrus.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

func NewConsumer(source pkgkafka.BatchSource, handler BatchHandler, cfg ConsumerConfig) *Consumer {
	defaults := DefaultConsumerConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = defaults.MaxWait
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaults.Workers
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = defaults.DrainTimeout
	}
	if cfg.Backoff.InitialBackoff <= 0 {
		cfg.Backoff = defaults.Backoff
	}

	return &Consumer{
		source:  source,
		handler: handler,
		cfg:     cfg,
		logger:  observability.LoggerOrDefault(cfg.Logger),
		sleep:   retry.SleepWithContext,
	}
}

// Start consumes until ctx is cancelled. The batch in flight at cancellation
// is drained before Start returns.
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.WithFields(logrus.Fields{
		"batch_size": c.cfg.BatchSize,
		"workers":    c.cfg.Workers,
		"max_wait":   c.cfg.MaxWait,
	}).Info("Starting consumer")
	defer c.logger.Info("Consumer stopped")

	fetchFailures := 0
	for {
		if ctx.Err() != nil {
			return nil
		}

		batch, err := c.source.FetchBatch(ctx, c.cfg.BatchSize, c.cfg.MaxWait)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			backoff := c.cfg.Backoff.Delay(fetchFailures)
			fetchFailures++
			c.logger.WithError(err).WithField("backoff", backoff).Error("Failed to fetch batch")
			if err := c.sleep(ctx, backoff); err != nil {
				return nil
			}
			continue
		}
		fetchFailures = 0

		if len(batch) == 0 {
			continue
		}
		c.processBatch(ctx, batch)
	}
}

// processBatch runs on a context that survives shutdown for at most
// DrainTimeout so an in-flight batch can finish and commit.
func (c *Consumer) processBatch(ctx context.Context, batch []models.Delivery) {
	procCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()

	stopDrain := context.AfterFunc(ctx, func() {
		timer := time.NewTimer(c.cfg.DrainTimeout)
		defer timer.Stop()
		select {
		case <-timer.C:
			c.logger.WithField("drain_timeout", c.cfg.DrainTimeout).Warn("Drain timeout reached, abandoning in-flight batch")
			cancel()
		case <-procCtx.Done():
		}
	})
	defer stopDrain()

	groups := groupByPartition(batch)

	g := new(errgroup.Group)
	g.SetLimit(c.cfg.Workers)
	for _, group := range groups {
		g.Go(func() error {
			c.processGroup(ctx, procCtx, group)
			return nil
		})
	}
	_ = g.Wait()
}

// processGroup hands one partition group to the handler until it succeeds,
// then commits it. Shutdown stops the retries; the uncommitted group is
// redelivered to whichever consumer owns the partition next.
func (c *Consumer) processGroup(runCtx, procCtx context.Context, group []models.Delivery) {
	first, last := group[0], group[len(group)-1]
	logger := c.logger.WithFields(logrus.Fields{
		"topic":        first.Topic,
		"partition":    first.Partition,
		"first_offset": first.Offset,
		"last_offset":  last.Offset,
		"size":         len(group),
	})

	for attempt := 0; ; attempt++ {
		err := c.handler(procCtx, group)
		if err == nil {
			break
		}
		if runCtx.Err() != nil || procCtx.Err() != nil {
			logger.WithError(err).Warn("Partition group failed during shutdown, leaving uncommitted")
			return
		}

		backoff := c.cfg.Backoff.Delay(attempt)
		logger.WithError(err).WithFields(logrus.Fields{
			"attempt": attempt + 1,
			"backoff": backoff,
		}).Error("Partition group failed, reprocessing")
		if err := c.sleep(runCtx, backoff); err != nil {
			logger.Warn("Shutdown while waiting to reprocess, leaving uncommitted")
			return
		}
	}

	if err := c.source.Commit(procCtx, group...); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.WithError(err).Warn("Commit abandoned")
			return
		}
		logger.WithError(err).Error("Failed to commit partition group")
		return
	}
	logger.Debug("Partition group committed")
}

// groupByPartition splits a batch into per-partition slices, each in offset
// order, sorted by topic and partition.
func groupByPartition(batch []models.Delivery) [][]models.Delivery {
	type tp struct {
		topic     string
		partition int
	}
	index := make(map[tp]int)
	var groups [][]models.Delivery
	for _, d := range batch {
		key := tp{d.Topic, d.Partition}
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], d)
	}

	for _, g := range groups {
		sort.SliceStable(g, func(i, j int) bool { return g[i].Offset < g[j].Offset })
	}
	sort.SliceStable(groups, func(i, j int) bool {
		if groups[i][0].Topic != groups[j][0].Topic {
			return groups[i][0].Topic < groups[j][0].Topic
		}
		return groups[i][0].Partition < groups[j][0].Partition
	})
	return groups
}
