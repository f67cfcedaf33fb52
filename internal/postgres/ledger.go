package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ledger-stream/internal/ledger"
	"ledger-stream/internal/observability"
	"ledger-stream/pkg/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// LedgerStore implements ledger.Store on the accounts and
// transaction_records tables. Balances change only through a conditional
// UPDATE on the expected value.
type LedgerStore struct {
	db     *gorm.DB
	logger *logrus.Logger
	inTx   bool
}

func NewLedgerStore(db *gorm.DB, logger *logrus.Logger) *LedgerStore {
	return &LedgerStore{db: db, logger: observability.LoggerOrDefault(logger)}
}

// CreateAccount inserts acct. An existing id is an error.
func (s *LedgerStore) CreateAccount(ctx context.Context, acct models.Account) error {
	row := accountModelFromEntity(acct)
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("account %s already exists", acct.ID)
		}
		return s.logError("create account", err, logrus.Fields{"account_id": acct.ID})
	}
	return nil
}

// EnsureAccount inserts acct unless an account with its id already exists.
func (s *LedgerStore) EnsureAccount(ctx context.Context, acct models.Account) error {
	row := accountModelFromEntity(acct)
	if err := s.db.WithContext(ctx).Where("id = ?", row.ID).FirstOrCreate(&row).Error; err != nil {
		return s.logError("ensure account", err, logrus.Fields{"account_id": acct.ID})
	}
	return nil
}

func (s *LedgerStore) SetBlocked(ctx context.Context, accountID string, blocked bool) error {
	res := s.db.WithContext(ctx).Model(&accountModel{}).
		Where("id = ?", accountID).
		Updates(map[string]any{"blocked": blocked, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return s.logError("set blocked", res.Error, logrus.Fields{"account_id": accountID})
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ledger.ErrAccountNotFound, accountID)
	}
	return nil
}

func (s *LedgerStore) GetAccount(ctx context.Context, accountID string) (models.Account, error) {
	var row accountModel
	err := s.db.WithContext(ctx).Where("id = ?", accountID).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.Account{}, fmt.Errorf("%w: %s", ledger.ErrAccountNotFound, accountID)
		}
		return models.Account{}, s.logError("get account", err, logrus.Fields{"account_id": accountID})
	}
	return row.toEntity(), nil
}

func (s *LedgerStore) GetBalance(ctx context.Context, accountID string) (decimal.Decimal, error) {
	acct, err := s.GetAccount(ctx, accountID)
	if err != nil {
		return decimal.Zero, err
	}
	return acct.Balance, nil
}

func (s *LedgerStore) HasTransaction(ctx context.Context, eventID string) (bool, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&transactionRecordModel{}).
		Where("event_id = ?", eventID).
		Count(&n).Error; err != nil {
		return false, s.logError("has transaction", err, logrus.Fields{"event_id": eventID})
	}
	return n > 0, nil
}

func (s *LedgerStore) CompareAndSetBalance(ctx context.Context, accountID string, expected, next decimal.Decimal) (bool, error) {
	res := s.db.WithContext(ctx).Model(&accountModel{}).
		Where("id = ? AND balance = ?", accountID, expected).
		Updates(map[string]any{
			"balance":    next,
			"version":    gorm.Expr("version + 1"),
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return false, s.logError("compare and set balance", res.Error, logrus.Fields{"account_id": accountID})
	}
	return res.RowsAffected == 1, nil
}

func (s *LedgerStore) AppendTransaction(ctx context.Context, rec models.TransactionRecord) (string, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	row := transactionRecordModelFromEntity(rec)
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		if isUniqueViolation(err) {
			return "", fmt.Errorf("%w: event %s account %s", ledger.ErrDuplicateTransaction, rec.EventID, rec.AccountID)
		}
		return "", s.logError("append transaction", err, logrus.Fields{
			"event_id":   rec.EventID,
			"account_id": rec.AccountID,
		})
	}
	return row.ID, nil
}

// RunInTx opens a database transaction, or joins the current one when the
// store is already transactional.
func (s *LedgerStore) RunInTx(ctx context.Context, fn func(tx ledger.Store) error) error {
	if s.inTx {
		return fn(s)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&LedgerStore{db: tx, logger: s.logger, inTx: true})
	})
}

// Transactions lists the ledger rows of one account, oldest first.
func (s *LedgerStore) Transactions(ctx context.Context, accountID string) ([]models.TransactionRecord, error) {
	var rows []transactionRecordModel
	if err := s.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("applied_at ASC").
		Find(&rows).Error; err != nil {
		return nil, s.logError("list transactions", err, logrus.Fields{"account_id": accountID})
	}
	out := make([]models.TransactionRecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toEntity())
	}
	return out, nil
}

func (s *LedgerStore) logError(op string, err error, fields logrus.Fields) error {
	s.logger.WithFields(fields).WithField("op", op).WithError(err).Error("ledger store operation failed")
	return fmt.Errorf("%s: %w", op, err)
}

var _ ledger.Store = (*LedgerStore)(nil)
