package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ledger-stream/internal/observability"
	"ledger-stream/internal/retry"
	"ledger-stream/pkg/models"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

type BreakerConfig struct {
	Name string
	// MaxRequests allowed through while half-open.
	MaxRequests uint32
	// Interval is the closed-state period after which counts are cleared.
	Interval time.Duration
	// Timeout is how long the breaker stays open before probing.
	Timeout time.Duration
	// ConsecutiveFailures trips the breaker.
	ConsecutiveFailures uint32
	Logger              *logrus.Logger
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Name:                "ledger-store",
		MaxRequests:         1,
		Interval:            time.Minute,
		Timeout:             10 * time.Second,
		ConsecutiveFailures: 5,
	}
}

// BreakerStore protects a Store with a circuit breaker. Business rejections
// count as successes so a run of insufficient-funds events never trips it.
type BreakerStore struct {
	inner  Store
	cb     *gobreaker.CircuitBreaker
	logger *logrus.Logger
}

func NewBreakerStore(inner Store, cfg BreakerConfig) *BreakerStore {
	logger := observability.LoggerOrDefault(cfg.Logger)
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = 5
	}

	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || IsBusinessError(err)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("circuit breaker state changed")
		},
	}

	return &BreakerStore{
		inner:  inner,
		cb:     gobreaker.NewCircuitBreaker(settings),
		logger: logger,
	}
}

// State exposes the breaker state for health reporting.
func (s *BreakerStore) State() gobreaker.State {
	return s.cb.State()
}

func (s *BreakerStore) GetAccount(ctx context.Context, accountID string) (models.Account, error) {
	res, err := s.cb.Execute(func() (interface{}, error) {
		return s.inner.GetAccount(ctx, accountID)
	})
	if err != nil {
		return models.Account{}, s.translate(err)
	}
	return res.(models.Account), nil
}

func (s *BreakerStore) GetBalance(ctx context.Context, accountID string) (decimal.Decimal, error) {
	res, err := s.cb.Execute(func() (interface{}, error) {
		return s.inner.GetBalance(ctx, accountID)
	})
	if err != nil {
		return decimal.Zero, s.translate(err)
	}
	return res.(decimal.Decimal), nil
}

func (s *BreakerStore) HasTransaction(ctx context.Context, eventID string) (bool, error) {
	res, err := s.cb.Execute(func() (interface{}, error) {
		return s.inner.HasTransaction(ctx, eventID)
	})
	if err != nil {
		return false, s.translate(err)
	}
	return res.(bool), nil
}

func (s *BreakerStore) CompareAndSetBalance(ctx context.Context, accountID string, expected, next decimal.Decimal) (bool, error) {
	res, err := s.cb.Execute(func() (interface{}, error) {
		return s.inner.CompareAndSetBalance(ctx, accountID, expected, next)
	})
	if err != nil {
		return false, s.translate(err)
	}
	return res.(bool), nil
}

func (s *BreakerStore) AppendTransaction(ctx context.Context, rec models.TransactionRecord) (string, error) {
	res, err := s.cb.Execute(func() (interface{}, error) {
		return s.inner.AppendTransaction(ctx, rec)
	})
	if err != nil {
		return "", s.translate(err)
	}
	return res.(string), nil
}

// RunInTx counts the whole unit of work as one breaker request. Calls made
// through tx go straight to the inner store.
func (s *BreakerStore) RunInTx(ctx context.Context, fn func(tx Store) error) error {
	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.inner.RunInTx(ctx, fn)
	})
	return s.translate(err)
}

func (s *BreakerStore) translate(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		s.logger.WithError(err).Warn("ledger store request rejected by circuit breaker")
		return retry.Retryable(fmt.Errorf("%w: %w", ErrCircuitOpen, err))
	}
	return err
}

var _ Store = (*BreakerStore)(nil)
