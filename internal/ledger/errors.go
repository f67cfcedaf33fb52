package ledger

import (
	"errors"

	"ledger-stream/internal/retry"
)

// Business rejections. The applier wraps these with retry.Permanent so the
// router never retries them.
var (
	ErrAccountNotFound      = errors.New("account not found")
	ErrAccountBlocked       = errors.New("account is blocked")
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrInvalidAmount        = errors.New("invalid amount")
	ErrDuplicateTransaction = errors.New("transaction already applied")
	ErrUnsupportedType      = errors.New("unsupported transaction type")
)

// Transient failures.
var (
	ErrConcurrentModification = errors.New("balance changed concurrently")
	ErrCircuitOpen            = errors.New("ledger circuit breaker open")
)

// IsBusinessError reports whether err is a rejection that no retry can fix.
func IsBusinessError(err error) bool {
	switch {
	case errors.Is(err, ErrAccountNotFound),
		errors.Is(err, ErrAccountBlocked),
		errors.Is(err, ErrInsufficientFunds),
		errors.Is(err, ErrInvalidAmount),
		errors.Is(err, ErrDuplicateTransaction),
		errors.Is(err, ErrUnsupportedType):
		return true
	}
	return retry.IsPermanent(err)
}
