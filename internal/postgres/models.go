package postgres

import (
	"time"

	"ledger-stream/pkg/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type accountModel struct {
	ID             string          `gorm:"column:id;primaryKey"`
	AccountNumber  string          `gorm:"column:account_number"`
	Balance        decimal.Decimal `gorm:"column:balance;type:numeric(20,4);not null"`
	OwnerRef       string          `gorm:"column:owner_ref"`
	Blocked        bool            `gorm:"column:blocked;not null;default:false"`
	AllowOverdraft bool            `gorm:"column:allow_overdraft;not null;default:false"`
	Version        int64           `gorm:"column:version;not null;default:0"`
	CreatedAt      time.Time       `gorm:"column:created_at"`
	UpdatedAt      time.Time       `gorm:"column:updated_at"`
}

func (accountModel) TableName() string {
	return "accounts"
}

func accountModelFromEntity(acct models.Account) accountModel {
	return accountModel{
		ID:             acct.ID,
		AccountNumber:  acct.AccountNumber,
		Balance:        acct.Balance,
		OwnerRef:       acct.OwnerRef,
		Blocked:        acct.Blocked,
		AllowOverdraft: acct.AllowOverdraft,
	}
}

func (m accountModel) toEntity() models.Account {
	return models.Account{
		ID:             m.ID,
		AccountNumber:  m.AccountNumber,
		Balance:        m.Balance,
		OwnerRef:       m.OwnerRef,
		Blocked:        m.Blocked,
		AllowOverdraft: m.AllowOverdraft,
	}
}

type transactionRecordModel struct {
	ID           string          `gorm:"column:id;primaryKey"`
	EventID      string          `gorm:"column:event_id;not null;uniqueIndex:idx_transaction_records_event_account"`
	AccountID    string          `gorm:"column:account_id;not null;uniqueIndex:idx_transaction_records_event_account;index"`
	Type         string          `gorm:"column:type;not null"`
	Amount       decimal.Decimal `gorm:"column:amount;type:numeric(20,4);not null"`
	Category     string          `gorm:"column:category"`
	BalanceAfter decimal.Decimal `gorm:"column:balance_after;type:numeric(20,4);not null"`
	CreatedDate  time.Time       `gorm:"column:created_date"`
	AppliedAt    time.Time       `gorm:"column:applied_at;not null"`
}

func (transactionRecordModel) TableName() string {
	return "transaction_records"
}

func transactionRecordModelFromEntity(rec models.TransactionRecord) transactionRecordModel {
	return transactionRecordModel{
		ID:           rec.ID,
		EventID:      rec.EventID,
		AccountID:    rec.AccountID,
		Type:         string(rec.Type),
		Amount:       rec.Amount,
		Category:     rec.Category,
		BalanceAfter: rec.BalanceAfter,
		CreatedDate:  rec.CreatedDate,
		AppliedAt:    rec.AppliedAt,
	}
}

func (m transactionRecordModel) toEntity() models.TransactionRecord {
	return models.TransactionRecord{
		ID:           m.ID,
		EventID:      m.EventID,
		AccountID:    m.AccountID,
		Type:         models.TransactionType(m.Type),
		Amount:       m.Amount,
		Category:     m.Category,
		BalanceAfter: m.BalanceAfter,
		CreatedDate:  m.CreatedDate,
		AppliedAt:    m.AppliedAt,
	}
}

type outboxModel struct {
	ID            uuid.UUID  `gorm:"column:id;type:uuid;primaryKey"`
	AggregateType string     `gorm:"column:aggregate_type;not null"`
	AggregateID   string     `gorm:"column:aggregate_id;not null;index"`
	EventType     string     `gorm:"column:event_type;not null"`
	Payload       []byte     `gorm:"column:payload;type:jsonb;not null"`
	Processed     bool       `gorm:"column:processed;not null;default:false;index:idx_outbox_pending,priority:1"`
	CreatedAt     time.Time  `gorm:"column:created_at;not null;index:idx_outbox_pending,priority:2"`
	ProcessedAt   *time.Time `gorm:"column:processed_at"`
	ClaimedBy     string     `gorm:"column:claimed_by"`
	ClaimedUntil  *time.Time `gorm:"column:claimed_until"`
}

func (outboxModel) TableName() string {
	return "outbox_records"
}

// before orders rows the way ClaimUnprocessed does: created_at, then id.
func (m outboxModel) before(other outboxModel) bool {
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}
	return m.ID.String() < other.ID.String()
}

func outboxModelFromEntity(rec *models.OutboxRecord) outboxModel {
	return outboxModel{
		ID:            rec.ID,
		AggregateType: rec.AggregateType,
		AggregateID:   rec.AggregateID,
		EventType:     rec.EventType,
		Payload:       rec.Payload,
		Processed:     rec.Processed,
		CreatedAt:     rec.CreatedAt,
		ProcessedAt:   rec.ProcessedAt,
		ClaimedBy:     rec.ClaimedBy,
		ClaimedUntil:  rec.ClaimedUntil,
	}
}

func (m outboxModel) toEntity() *models.OutboxRecord {
	return &models.OutboxRecord{
		ID:            m.ID,
		AggregateType: m.AggregateType,
		AggregateID:   m.AggregateID,
		EventType:     m.EventType,
		Payload:       m.Payload,
		Processed:     m.Processed,
		CreatedAt:     m.CreatedAt,
		ProcessedAt:   m.ProcessedAt,
		ClaimedBy:     m.ClaimedBy,
		ClaimedUntil:  m.ClaimedUntil,
	}
}

type processedEventModel struct {
	EventID     string    `gorm:"column:event_id;primaryKey"`
	ProcessedAt time.Time `gorm:"column:processed_at;not null"`
	ExpiresAt   time.Time `gorm:"column:expires_at;not null;index"`
}

func (processedEventModel) TableName() string {
	return "processed_events"
}
