package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"ledger-stream/internal/observability"
	"ledger-stream/pkg/models"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var ErrRelayRunning = errors.New("outbox relay already running")

// Publisher is the event channel as seen by the relay.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte, headers map[string]string) error
}

type RelayConfig struct {
	Topic string
	// Owner identifies this relay in claim leases. Defaults to a random id.
	Owner          string
	BatchSize      int
	PollInterval   time.Duration
	Lease          time.Duration
	PublishTimeout time.Duration
	Metrics        observability.MetricsCollector
	Logger         *logrus.Logger
}

func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		Topic:          "ledger-events",
		BatchSize:      100,
		PollInterval:   time.Second,
		Lease:          30 * time.Second,
		PublishTimeout: 5 * time.Second,
	}
}

// PollResult summarises one relay cycle.
type PollResult struct {
	Claimed    int
	Published  int
	Failed     int
	Skipped    int
	MarkFailed int
}

// Relay moves committed outbox rows to the event channel, publishing before
// marking each row processed. A row that fails to publish stays pending and
// holds back later rows of the same aggregate until the next cycle.
type Relay struct {
	repo      Repository
	publisher Publisher
	cfg       RelayConfig
	metrics   observability.MetricsCollector
	logger    *logrus.Logger
	now       func() time.Time

	mu         sync.Mutex
	running    bool
	stopped    bool
	stop       chan struct{}
	stopOnce   sync.Once
	dispatchWg sync.WaitGroup
}

func NewRelay(repo Repository, publisher Publisher, cfg RelayConfig) *Relay {
	defaults := DefaultRelayConfig()
	if cfg.Topic == "" {
		cfg.Topic = defaults.Topic
	}
	if cfg.Owner == "" {
		cfg.Owner = "relay-" + uuid.NewString()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaults.PollInterval
	}
	if cfg.Lease <= 0 {
		cfg.Lease = defaults.Lease
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = defaults.PublishTimeout
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NewProcessingMetrics()
	}

	return &Relay{
		repo:      repo,
		publisher: publisher,
		cfg:       cfg,
		metrics:   cfg.Metrics,
		logger:    observability.LoggerOrDefault(cfg.Logger),
		now:       func() time.Time { return time.Now().UTC() },
		stop:      make(chan struct{}),
	}
}

// Run polls once immediately, then every PollInterval until ctx is done or
// Stop is called.
func (r *Relay) Run(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return ErrRelayRunning
	}
	r.running = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
	}()

	r.logger.WithFields(logrus.Fields{
		"owner":         r.cfg.Owner,
		"topic":         r.cfg.Topic,
		"poll_interval": r.cfg.PollInterval,
		"batch_size":    r.cfg.BatchSize,
	}).Info("outbox relay started")
	defer r.logger.WithField("owner", r.cfg.Owner).Info("outbox relay stopped")

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	r.cycle(ctx)

	for {
		select {
		case <-r.stop:
			return nil
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			select {
			case <-r.stop:
				return nil
			case <-ctx.Done():
				return nil
			default:
			}
			r.cycle(ctx)
		}
	}
}

// cycle registers with dispatchWg under mu so no cycle can start once Stop
// has returned.
func (r *Relay) cycle(ctx context.Context) {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.dispatchWg.Add(1)
	r.mu.Unlock()
	defer r.dispatchWg.Done()

	r.PollAndPublish(ctx)
}

// Stop signals Run to return after the in-flight cycle.
func (r *Relay) Stop() {
	r.mu.Lock()
	r.stopped = true
	r.mu.Unlock()
	r.stopOnce.Do(func() { close(r.stop) })
}

// Shutdown stops the relay and waits for the in-flight cycle to finish.
func (r *Relay) Shutdown(ctx context.Context) error {
	r.Stop()

	done := make(chan struct{})
	go func() {
		r.dispatchWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("relay shutdown: %w", ctx.Err())
	}
}

// PollAndPublish runs one claim-publish-mark cycle. Failures are logged and
// counted, never returned.
func (r *Relay) PollAndPublish(ctx context.Context) PollResult {
	var result PollResult

	rows, err := r.repo.ClaimUnprocessed(ctx, r.cfg.Owner, r.cfg.BatchSize, r.cfg.Lease)
	if err != nil {
		r.logger.WithField("owner", r.cfg.Owner).WithError(err).Error("failed to claim outbox rows")
		return result
	}
	result.Claimed = len(rows)
	if len(rows) == 0 {
		return result
	}

	blocked := make(map[string]bool)
	var release []uuid.UUID

	for _, row := range rows {
		logger := r.logger.WithFields(logrus.Fields{
			"outbox_id":      row.ID,
			"aggregate_type": row.AggregateType,
			"aggregate_id":   row.AggregateID,
			"event_type":     row.EventType,
		})

		key := aggregateKey(row)
		if blocked[key] || ctx.Err() != nil {
			result.Skipped++
			release = append(release, row.ID)
			continue
		}

		if err := r.publish(ctx, row); err != nil {
			result.Failed++
			r.metrics.IncOutboxPublishFailed()
			blocked[key] = true
			release = append(release, row.ID)
			logger.WithError(err).Warn("failed to publish outbox row")
			continue
		}
		result.Published++
		r.metrics.IncOutboxPublished()

		if err := r.repo.MarkProcessed(ctx, row.ID, r.now()); err != nil {
			// Already on the channel; the next cycle publishes it again.
			result.MarkFailed++
			r.metrics.IncOutboxMarkFailed()
			release = append(release, row.ID)
			logger.WithError(err).Error("failed to mark outbox row processed")
		}
	}

	if len(release) > 0 {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.PublishTimeout)
		defer cancel()
		if err := r.repo.Release(releaseCtx, release...); err != nil {
			r.logger.WithField("count", len(release)).WithError(err).Error("failed to release outbox rows")
		}
	}

	r.logger.WithFields(logrus.Fields{
		"claimed":     result.Claimed,
		"published":   result.Published,
		"failed":      result.Failed,
		"skipped":     result.Skipped,
		"mark_failed": result.MarkFailed,
	}).Debug("outbox relay cycle completed")
	return result
}

func (r *Relay) publish(ctx context.Context, row *models.OutboxRecord) error {
	publishCtx, cancel := context.WithTimeout(ctx, r.cfg.PublishTimeout)
	defer cancel()

	headers := map[string]string{
		models.HeaderMessageID:     row.ID.String(),
		models.HeaderEventType:     row.EventType,
		models.HeaderAggregateType: row.AggregateType,
	}
	return r.publisher.Publish(publishCtx, r.cfg.Topic, row.AggregateID, row.Payload, headers)
}

func aggregateKey(row *models.OutboxRecord) string {
	return row.AggregateType + "/" + row.AggregateID
}
