package service

import (
	"context"
	"fmt"
	"time"

	"ledger-stream/internal/dedup"
	"ledger-stream/internal/ledger"
	"ledger-stream/internal/observability"
	"ledger-stream/internal/retry"
	"ledger-stream/pkg/models"

	"github.com/sirupsen/logrus"
)

// Applier applies one decoded event to the ledger.
type Applier interface {
	Apply(ctx context.Context, ev models.TransactionEvent) error
}

// ItemStatus is where one delivery ended up.
type ItemStatus string

const (
	ItemApplied      ItemStatus = "applied"
	ItemDuplicate    ItemStatus = "duplicate"
	ItemRejected     ItemStatus = "rejected"
	ItemDeadLettered ItemStatus = "dead_lettered"
)

type ItemResult struct {
	EventID   string
	Partition int
	Offset    int64
	Status    ItemStatus
	Attempts  int
	Err       error
}

// BatchResult reports every item of a batch that completed.
type BatchResult struct {
	Items        []ItemResult
	Applied      int
	Duplicates   int
	Rejected     int
	DeadLettered int
}

func (r *BatchResult) add(item ItemResult) {
	r.Items = append(r.Items, item)
	switch item.Status {
	case ItemApplied:
		r.Applied++
	case ItemDuplicate:
		r.Duplicates++
	case ItemRejected:
		r.Rejected++
	case ItemDeadLettered:
		r.DeadLettered++
	}
}

type ProcessorConfig struct {
	Applier Applier
	Dedup   dedup.Store
	Router  *retry.Router
	Metrics observability.MetricsCollector
	Logger  *logrus.Logger
}

// TransactionProcessor applies batches of transaction events exactly once
// from the ledger's point of view, on top of at-least-once delivery.
type TransactionProcessor struct {
	applier Applier
	dedup   dedup.Store
	router  *retry.Router
	metrics observability.MetricsCollector
	logger  *logrus.Logger
}

func NewTransactionProcessor(cfg ProcessorConfig) (*TransactionProcessor, error) {
	if cfg.Applier == nil {
		return nil, fmt.Errorf("transaction processor: applier is required")
	}
	if cfg.Dedup == nil {
		return nil, fmt.Errorf("transaction processor: dedup store is required")
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NewProcessingMetrics()
	}
	if cfg.Router == nil {
		cfg.Router = retry.NewRouter(retry.RouterConfig{
			Policy:  retry.DefaultPolicy(),
			Metrics: cfg.Metrics,
			Logger:  cfg.Logger,
		})
	}

	return &TransactionProcessor{
		applier: cfg.Applier,
		dedup:   cfg.Dedup,
		router:  cfg.Router,
		metrics: cfg.Metrics,
		logger:  observability.LoggerOrDefault(cfg.Logger),
	}, nil
}

// Handle adapts ProcessBatch to the consumer's batch handler signature.
func (p *TransactionProcessor) Handle(ctx context.Context, deliveries []models.Delivery) error {
	_, err := p.ProcessBatch(ctx, deliveries)
	return err
}

// ProcessBatch drives every delivery to a terminal state. A non-nil error
// means the batch as a whole failed (dedup store or dead-letter sink
// unavailable, or shutdown mid-retry) and must not be committed; items that
// completed before the failure are idempotent on redelivery.
func (p *TransactionProcessor) ProcessBatch(ctx context.Context, deliveries []models.Delivery) (BatchResult, error) {
	start := time.Now()
	var result BatchResult

	p.metrics.IncTotalBatches()
	for _, d := range deliveries {
		item, err := p.processItem(ctx, d)
		if err != nil {
			p.metrics.IncFailedBatches()
			p.metrics.ObserveBatchTime(time.Since(start))
			p.logger.WithFields(logrus.Fields{
				"batch_size": len(deliveries),
				"completed":  len(result.Items),
				"partition":  d.Partition,
				"offset":     d.Offset,
			}).WithError(err).Error("batch failed")
			return result, err
		}
		result.add(item)
	}

	p.metrics.IncSuccessfulBatches()
	p.metrics.ObserveBatchTime(time.Since(start))
	p.logger.WithFields(logrus.Fields{
		"batch_size":    len(deliveries),
		"applied":       result.Applied,
		"duplicates":    result.Duplicates,
		"rejected":      result.Rejected,
		"dead_lettered": result.DeadLettered,
		"duration":      time.Since(start),
	}).Info("batch processed")
	return result, nil
}

func (p *TransactionProcessor) processItem(ctx context.Context, d models.Delivery) (ItemResult, error) {
	start := time.Now()
	item := ItemResult{Partition: d.Partition, Offset: d.Offset}
	logger := p.logger.WithFields(logrus.Fields{
		"topic":     d.Topic,
		"partition": d.Partition,
		"offset":    d.Offset,
		"key":       d.Key,
	})

	ev, err := models.DecodeTransactionEvent(d.Value)
	if err != nil {
		item.EventID = d.Headers[models.HeaderMessageID]
		item.Status = ItemRejected
		item.Err = retry.Permanent(err)
		p.finishTerminal(start, false)
		logger.WithError(err).Warn("rejecting malformed transaction event")
		return item, nil
	}
	item.EventID = ev.ID
	logger = logger.WithField("event_id", ev.ID)

	seen, err := p.dedup.Seen(ctx, ev.ID)
	if err != nil {
		return item, fmt.Errorf("dedup lookup %s: %w", ev.ID, err)
	}
	if seen {
		item.Status = ItemDuplicate
		p.metrics.IncDuplicateTransactions()
		logger.Info("Duplicate message detected, skipping")
		return item, nil
	}

	outcome, err := p.router.Execute(ctx, retry.Item{EventID: ev.ID, Delivery: d}, func(ctx context.Context) error {
		return p.applier.Apply(ctx, ev)
	})
	item.Attempts = outcome.Attempts
	item.Err = outcome.Err
	if err != nil {
		return item, fmt.Errorf("route event %s: %w", ev.ID, err)
	}

	switch outcome.State {
	case retry.StateApplied:
		if err := p.dedup.Mark(ctx, ev.ID); err != nil {
			return item, fmt.Errorf("dedup mark %s: %w", ev.ID, err)
		}
		item.Status = ItemApplied
		p.finishTerminal(start, true)
		logger.WithField("attempts", outcome.Attempts).Debug("transaction applied")

	case retry.StateRejected:
		if ledger.IsDuplicate(outcome.Err) {
			// Applied before but never marked; the ledger caught it.
			if err := p.dedup.Mark(ctx, ev.ID); err != nil {
				return item, fmt.Errorf("dedup mark %s: %w", ev.ID, err)
			}
			item.Status = ItemDuplicate
			p.metrics.IncDuplicateTransactions()
			logger.Info("transaction already in ledger, skipping")
			return item, nil
		}
		item.Status = ItemRejected
		p.finishTerminal(start, false)
		logger.WithError(outcome.Err).Warn("transaction rejected")

	case retry.StateDeadLettered:
		item.Status = ItemDeadLettered
		p.finishTerminal(start, false)
	}

	return item, nil
}

// finishTerminal books a non-duplicate item that reached a terminal state.
func (p *TransactionProcessor) finishTerminal(start time.Time, ok bool) {
	p.metrics.IncTotalTransactions()
	if ok {
		p.metrics.IncSuccessfulTransactions()
	} else {
		p.metrics.IncFailedTransactions()
	}
	p.metrics.ObserveTransactionTime(time.Since(start))
}
