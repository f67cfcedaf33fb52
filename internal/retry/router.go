package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ledger-stream/internal/deadletter"
	"ledger-stream/internal/observability"
	"ledger-stream/pkg/models"

	"github.com/sirupsen/logrus"
)

// ErrDeadLetterFailed is returned when a record could not reach the sink.
// The caller must not acknowledge the delivery.
var ErrDeadLetterFailed = errors.New("dead-letter sink rejected record")

// State is the terminal state of one routed item.
type State int

const (
	StateApplied State = iota
	StateRejected
	StateDeadLettered
)

func (s State) String() string {
	switch s {
	case StateApplied:
		return "applied"
	case StateRejected:
		return "rejected"
	case StateDeadLettered:
		return "dead_lettered"
	default:
		return "unknown"
	}
}

// Item identifies the delivery being routed.
type Item struct {
	EventID  string
	Delivery models.Delivery
}

// Outcome reports how an item finished.
type Outcome struct {
	State    State
	Attempts int
	Err      error
}

// Operation is the unit of work retried by the router.
type Operation func(ctx context.Context) error

type RouterConfig struct {
	Policy        Policy
	Sink          deadletter.Sink
	Metrics       observability.MetricsCollector
	ConsumerGroup string
	Logger        *logrus.Logger
}

// Router runs an operation, retries transient failures with backoff up to
// Policy.MaxRetries, rejects permanent failures and dead-letters items whose
// retries are exhausted.
type Router struct {
	policy        Policy
	sink          deadletter.Sink
	metrics       observability.MetricsCollector
	consumerGroup string
	logger        *logrus.Logger
	sleep         func(ctx context.Context, d time.Duration) error
}

func NewRouter(cfg RouterConfig) *Router {
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NewProcessingMetrics()
	}
	if cfg.Sink == nil {
		cfg.Sink = deadletter.NewMemorySink()
	}
	if cfg.Policy.MaxRetries < 0 {
		cfg.Policy.MaxRetries = 0
	}

	return &Router{
		policy:        cfg.Policy,
		sink:          cfg.Sink,
		metrics:       cfg.Metrics,
		consumerGroup: cfg.ConsumerGroup,
		logger:        observability.LoggerOrDefault(cfg.Logger),
		sleep:         SleepWithContext,
	}
}

// Execute drives one item to a terminal state. A non-nil error means the
// item did not reach one (context cancelled while backing off, or the
// dead-letter sink failed) and must be redelivered.
func (r *Router) Execute(ctx context.Context, item Item, op Operation) (Outcome, error) {
	logger := r.logger.WithFields(logrus.Fields{
		"event_id":  item.EventID,
		"topic":     item.Delivery.Topic,
		"partition": item.Delivery.Partition,
		"offset":    item.Delivery.Offset,
	})

	var lastErr error
	attempts := 0
	for {
		attempts++
		err := op(ctx)
		if err == nil {
			return Outcome{State: StateApplied, Attempts: attempts}, nil
		}

		if Classify(err) == KindPermanent {
			logger.WithError(err).Warn("permanent error, skipping retries")
			return Outcome{State: StateRejected, Attempts: attempts, Err: err}, nil
		}

		lastErr = err
		if ctx.Err() != nil {
			return Outcome{Attempts: attempts, Err: lastErr}, fmt.Errorf("context done: %w", ctx.Err())
		}
		if attempts > r.policy.MaxRetries {
			break
		}

		r.metrics.IncRetryAttempts()
		backoff := r.policy.Delay(attempts - 1)
		logger.WithFields(logrus.Fields{
			"attempt":     attempts,
			"max_retries": r.policy.MaxRetries,
			"backoff":     backoff,
		}).WithError(err).Warn("handler error")

		if err := r.sleep(ctx, backoff); err != nil {
			return Outcome{Attempts: attempts, Err: lastErr}, err
		}
	}

	record := deadletter.NewRecord(item.Delivery, item.EventID, string(KindTransient), lastErr, attempts, r.consumerGroup)
	if err := r.sink.Send(ctx, record); err != nil {
		return Outcome{State: StateDeadLettered, Attempts: attempts, Err: lastErr},
			fmt.Errorf("%w: event %s: %w", ErrDeadLetterFailed, item.EventID, err)
	}
	r.metrics.IncDLTMessages()

	logger.WithField("attempts", attempts).WithError(lastErr).Error("retries exhausted, event dead-lettered")
	return Outcome{State: StateDeadLettered, Attempts: attempts, Err: lastErr}, nil
}
