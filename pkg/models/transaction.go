package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// TransactionType is the closed set of ledger event kinds.
type TransactionType string

const (
	TransactionPayment    TransactionType = "PAYMENT"
	TransactionDeposit    TransactionType = "DEPOSIT"
	TransactionWithdrawal TransactionType = "WITHDRAWAL"
)

// ParseTransactionType validates a raw wire value.
func ParseTransactionType(raw string) (TransactionType, error) {
	t := TransactionType(strings.ToUpper(strings.TrimSpace(raw)))
	if !t.IsValid() {
		return "", fmt.Errorf("unknown transaction type %q", raw)
	}
	return t, nil
}

func (t TransactionType) IsValid() bool {
	switch t {
	case TransactionPayment, TransactionDeposit, TransactionWithdrawal:
		return true
	default:
		return false
	}
}

func (t TransactionType) String() string {
	return string(t)
}

// TransactionEvent is the wire payload exchanged over the event channel.
// ID is the deduplication key.
type TransactionEvent struct {
	ID            string          `json:"id"`
	Value         decimal.Decimal `json:"value"`
	Type          TransactionType `json:"type"`
	Category      string          `json:"category"`
	CreatedDate   time.Time       `json:"createdDate"`
	SourceAccount *string         `json:"sourceAccount,omitempty"`
	TargetAccount *string         `json:"targetAccount,omitempty"`
	BankAccountID string          `json:"bankAccountId"`
}

// DecodeTransactionEvent parses and validates a wire payload.
func DecodeTransactionEvent(data []byte) (TransactionEvent, error) {
	var ev TransactionEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return TransactionEvent{}, fmt.Errorf("decode transaction event: %w", err)
	}
	if t, err := ParseTransactionType(string(ev.Type)); err == nil {
		ev.Type = t
	}
	if err := ev.Validate(); err != nil {
		return TransactionEvent{}, err
	}
	return ev, nil
}

// Validate checks the fields every consumer relies on.
func (e TransactionEvent) Validate() error {
	if strings.TrimSpace(e.ID) == "" {
		return fmt.Errorf("transaction event: id is required")
	}
	if strings.TrimSpace(e.BankAccountID) == "" {
		return fmt.Errorf("transaction event %s: bankAccountId is required", e.ID)
	}
	if !e.Type.IsValid() {
		return fmt.Errorf("transaction event %s: unknown transaction type %q", e.ID, e.Type)
	}
	if e.Value.IsNegative() {
		return fmt.Errorf("transaction event %s: value must be non-negative, got %s", e.ID, e.Value)
	}
	return nil
}

// Account is a ledger account.
type Account struct {
	ID             string          `json:"id"`
	AccountNumber  string          `json:"accountNumber"`
	Balance        decimal.Decimal `json:"balance"`
	OwnerRef       string          `json:"ownerRef"`
	Blocked        bool            `json:"blocked"`
	AllowOverdraft bool            `json:"allowOverdraft"`
}

// TransactionRecord is the ledger row appended for every applied event leg.
type TransactionRecord struct {
	ID           string          `json:"id"`
	EventID      string          `json:"eventId"`
	AccountID    string          `json:"accountId"`
	Type         TransactionType `json:"type"`
	Amount       decimal.Decimal `json:"amount"`
	Category     string          `json:"category"`
	BalanceAfter decimal.Decimal `json:"balanceAfter"`
	CreatedDate  time.Time       `json:"createdDate"`
	AppliedAt    time.Time       `json:"appliedAt"`
}
