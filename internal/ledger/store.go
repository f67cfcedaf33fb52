package ledger

import (
	"context"

	"ledger-stream/pkg/models"

	"github.com/shopspring/decimal"
)

// Store is the ledger's persistence contract. Balances only change through
// CompareAndSetBalance.
type Store interface {
	GetAccount(ctx context.Context, accountID string) (models.Account, error)
	GetBalance(ctx context.Context, accountID string) (decimal.Decimal, error)
	// HasTransaction reports whether any ledger row exists for eventID.
	HasTransaction(ctx context.Context, eventID string) (bool, error)
	// CompareAndSetBalance writes next only if the stored balance still equals
	// expected. It returns false, nil when another writer got there first.
	CompareAndSetBalance(ctx context.Context, accountID string, expected, next decimal.Decimal) (bool, error)
	// AppendTransaction stores rec and returns its id. A second record for the
	// same event and account yields ErrDuplicateTransaction.
	AppendTransaction(ctx context.Context, rec models.TransactionRecord) (string, error)
	// RunInTx runs fn against a transactional view of the store. Everything fn
	// wrote is discarded when it returns an error.
	RunInTx(ctx context.Context, fn func(tx Store) error) error
}
