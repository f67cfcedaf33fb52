package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"ledger-stream/internal/observability"
	"ledger-stream/internal/retry"
	"ledger-stream/pkg/models"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// leg is one balance movement produced by a transaction event.
type leg struct {
	AccountID string
	Delta     decimal.Decimal
}

type legFunc func(ev models.TransactionEvent) []leg

// legTable maps every transaction type to the balance movements it causes.
var legTable = map[models.TransactionType]legFunc{
	models.TransactionDeposit: func(ev models.TransactionEvent) []leg {
		return []leg{{AccountID: ev.BankAccountID, Delta: ev.Value}}
	},
	models.TransactionWithdrawal: func(ev models.TransactionEvent) []leg {
		return []leg{{AccountID: ev.BankAccountID, Delta: ev.Value.Neg()}}
	},
	models.TransactionPayment: func(ev models.TransactionEvent) []leg {
		legs := []leg{{AccountID: ev.BankAccountID, Delta: ev.Value.Neg()}}
		if ev.TargetAccount != nil {
			target := strings.TrimSpace(*ev.TargetAccount)
			if target != "" && target != ev.BankAccountID {
				legs = append(legs, leg{AccountID: target, Delta: ev.Value})
			}
		}
		return legs
	},
}

type ApplierConfig struct {
	// CASRetries bounds how many times a conflicting compare-and-set is
	// re-read and retried before giving up with ErrConcurrentModification.
	CASRetries int
	// Timeout bounds one whole apply, including every store call.
	Timeout time.Duration
	Logger  *logrus.Logger
}

func DefaultApplierConfig() ApplierConfig {
	return ApplierConfig{
		CASRetries: 5,
		Timeout:    5 * time.Second,
	}
}

// Applier turns transaction events into balance changes and ledger rows.
type Applier struct {
	store  Store
	cfg    ApplierConfig
	logger *logrus.Logger
	now    func() time.Time
}

func NewApplier(store Store, cfg ApplierConfig) *Applier {
	if cfg.CASRetries < 0 {
		cfg.CASRetries = 0
	}
	return &Applier{
		store:  store,
		cfg:    cfg,
		logger: observability.LoggerOrDefault(cfg.Logger),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Apply commits every leg of ev and its ledger rows in one unit of work. An
// event already in the ledger is reported as ErrDuplicateTransaction before
// any balance is checked.
// Business rejections come back wrapped in retry.PermanentError; everything
// else, including a timeout, is transient.
func (a *Applier) Apply(ctx context.Context, ev models.TransactionEvent) error {
	legsFor, ok := legTable[ev.Type]
	if !ok {
		return retry.Permanent(fmt.Errorf("%w: %q", ErrUnsupportedType, ev.Type))
	}
	if ev.Value.IsNegative() {
		return retry.Permanent(fmt.Errorf("%w: %s", ErrInvalidAmount, ev.Value))
	}

	if a.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cfg.Timeout)
		defer cancel()
	}

	legs := legsFor(ev)
	err := a.store.RunInTx(ctx, func(tx Store) error {
		applied, err := tx.HasTransaction(ctx, ev.ID)
		if err != nil {
			return fmt.Errorf("look up event %s: %w", ev.ID, err)
		}
		if applied {
			return fmt.Errorf("%w: event %s", ErrDuplicateTransaction, ev.ID)
		}

		for _, l := range legs {
			balance, err := a.applyLeg(ctx, tx, l)
			if err != nil {
				return err
			}

			_, err = tx.AppendTransaction(ctx, models.TransactionRecord{
				EventID:      ev.ID,
				AccountID:    l.AccountID,
				Type:         ev.Type,
				Amount:       l.Delta,
				Category:     ev.Category,
				BalanceAfter: balance,
				CreatedDate:  ev.CreatedDate,
				AppliedAt:    a.now(),
			})
			if err != nil {
				return fmt.Errorf("append transaction: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		if IsBusinessError(err) {
			return retry.Permanent(err)
		}
		return fmt.Errorf("apply transaction %s: %w", ev.ID, err)
	}

	a.logger.WithFields(logrus.Fields{
		"event_id": ev.ID,
		"type":     ev.Type,
		"legs":     len(legs),
	}).Debug("transaction applied")
	return nil
}

// applyLeg runs the read-compute-CAS cycle for one account.
func (a *Applier) applyLeg(ctx context.Context, tx Store, l leg) (decimal.Decimal, error) {
	acct, err := tx.GetAccount(ctx, l.AccountID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("get account %s: %w", l.AccountID, err)
	}
	if acct.Blocked {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrAccountBlocked, l.AccountID)
	}

	current := acct.Balance
	for attempt := 0; ; attempt++ {
		next := current.Add(l.Delta)
		if next.IsNegative() && !acct.AllowOverdraft {
			return decimal.Zero, fmt.Errorf("%w: account %s balance %s, change %s",
				ErrInsufficientFunds, l.AccountID, current, l.Delta)
		}

		swapped, err := tx.CompareAndSetBalance(ctx, l.AccountID, current, next)
		if err != nil {
			return decimal.Zero, fmt.Errorf("compare and set balance %s: %w", l.AccountID, err)
		}
		if swapped {
			return next, nil
		}
		if attempt >= a.cfg.CASRetries {
			return decimal.Zero, fmt.Errorf("%w: account %s after %d attempts",
				ErrConcurrentModification, l.AccountID, attempt+1)
		}

		current, err = tx.GetBalance(ctx, l.AccountID)
		if err != nil {
			return decimal.Zero, fmt.Errorf("get balance %s: %w", l.AccountID, err)
		}
	}
}

// IsDuplicate reports whether err says the event is already in the ledger.
func IsDuplicate(err error) bool {
	return errors.Is(err, ErrDuplicateTransaction)
}
