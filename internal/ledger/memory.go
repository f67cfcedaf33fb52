package ledger

import (
	"context"
	"fmt"
	"sync"

	"ledger-stream/pkg/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MemoryStore keeps accounts and ledger rows in maps. A transaction takes a
// per-account row lock on its first compare-and-set against an account and
// holds it until commit or rollback, the way a database row lock behaves.
// Writers on different accounts never wait on each other; a writer on the
// same account waits, then loses its compare-and-set and re-reads.
type MemoryStore struct {
	mu       sync.Mutex
	accounts map[string]models.Account
	records  map[string]models.TransactionRecord
	byEvent  map[string]string
	rowLocks map[string]chan struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]models.Account),
		records:  make(map[string]models.TransactionRecord),
		byEvent:  make(map[string]string),
		rowLocks: make(map[string]chan struct{}),
	}
}

// OpenAccount creates or replaces an account.
func (s *MemoryStore) OpenAccount(acct models.Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[acct.ID] = acct
}

// SetBlocked flips the blocked flag of an existing account.
func (s *MemoryStore) SetBlocked(accountID string, blocked bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[accountID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
	}
	acct.Blocked = blocked
	s.accounts[accountID] = acct
	return nil
}

// Records returns the ledger rows appended for accountID.
func (s *MemoryStore) Records(accountID string) []models.TransactionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.TransactionRecord
	for _, rec := range s.records {
		if rec.AccountID == accountID {
			out = append(out, rec)
		}
	}
	return out
}

func (s *MemoryStore) GetAccount(ctx context.Context, accountID string) (models.Account, error) {
	if err := ctx.Err(); err != nil {
		return models.Account{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getAccountLocked(accountID)
}

func (s *MemoryStore) GetBalance(ctx context.Context, accountID string) (decimal.Decimal, error) {
	acct, err := s.GetAccount(ctx, accountID)
	if err != nil {
		return decimal.Zero, err
	}
	return acct.Balance, nil
}

func (s *MemoryStore) HasTransaction(ctx context.Context, eventID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.records {
		if rec.EventID == eventID {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) CompareAndSetBalance(ctx context.Context, accountID string, expected, next decimal.Decimal) (bool, error) {
	if err := s.lockRow(ctx, accountID); err != nil {
		return false, err
	}
	defer s.unlockRow(accountID)

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.casLocked(accountID, expected, next)
}

func (s *MemoryStore) AppendTransaction(ctx context.Context, rec models.TransactionRecord) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkDuplicateLocked(rec); err != nil {
		return "", err
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	s.putRecordLocked(rec)
	return rec.ID, nil
}

// RunInTx stages every write fn makes and commits them together when fn
// returns nil. Row locks taken by fn are released either way.
func (s *MemoryStore) RunInTx(ctx context.Context, fn func(tx Store) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &memoryTx{
		parent:   s,
		held:     make(map[string]bool),
		balances: make(map[string]decimal.Decimal),
		byEvent:  make(map[string]string),
	}
	defer tx.releaseRows()

	if err := fn(tx); err != nil {
		return err
	}
	return s.commit(tx)
}

func (s *MemoryStore) commit(tx *memoryTx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rec := range tx.records {
		if err := s.checkDuplicateLocked(rec); err != nil {
			return err
		}
	}
	for id, balance := range tx.balances {
		acct, err := s.getAccountLocked(id)
		if err != nil {
			return err
		}
		acct.Balance = balance
		s.accounts[id] = acct
	}
	for _, rec := range tx.records {
		s.putRecordLocked(rec)
	}
	return nil
}

// lockRow blocks until the row lock of accountID is free or ctx ends.
func (s *MemoryStore) lockRow(ctx context.Context, accountID string) error {
	s.mu.Lock()
	l, ok := s.rowLocks[accountID]
	if !ok {
		l = make(chan struct{}, 1)
		s.rowLocks[accountID] = l
	}
	s.mu.Unlock()

	select {
	case l <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("lock account %s: %w", accountID, ctx.Err())
	}
}

func (s *MemoryStore) unlockRow(accountID string) {
	s.mu.Lock()
	l := s.rowLocks[accountID]
	s.mu.Unlock()
	<-l
}

func (s *MemoryStore) getAccountLocked(accountID string) (models.Account, error) {
	acct, ok := s.accounts[accountID]
	if !ok {
		return models.Account{}, fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
	}
	return acct, nil
}

func (s *MemoryStore) casLocked(accountID string, expected, next decimal.Decimal) (bool, error) {
	acct, err := s.getAccountLocked(accountID)
	if err != nil {
		return false, err
	}
	if !acct.Balance.Equal(expected) {
		return false, nil
	}
	acct.Balance = next
	s.accounts[accountID] = acct
	return true, nil
}

func (s *MemoryStore) checkDuplicateLocked(rec models.TransactionRecord) error {
	if _, dup := s.byEvent[eventKey(rec)]; dup {
		return fmt.Errorf("%w: event %s account %s", ErrDuplicateTransaction, rec.EventID, rec.AccountID)
	}
	return nil
}

func (s *MemoryStore) putRecordLocked(rec models.TransactionRecord) {
	s.records[rec.ID] = rec
	s.byEvent[eventKey(rec)] = rec.ID
}

func eventKey(rec models.TransactionRecord) string {
	return rec.EventID + "|" + rec.AccountID
}

// memoryTx reads committed state plus its own staged writes. It is used by
// one goroutine at a time.
type memoryTx struct {
	parent   *MemoryStore
	held     map[string]bool
	balances map[string]decimal.Decimal
	records  []models.TransactionRecord
	byEvent  map[string]string
}

func (t *memoryTx) GetAccount(ctx context.Context, accountID string) (models.Account, error) {
	acct, err := t.parent.GetAccount(ctx, accountID)
	if err != nil {
		return models.Account{}, err
	}
	if staged, ok := t.balances[accountID]; ok {
		acct.Balance = staged
	}
	return acct, nil
}

func (t *memoryTx) GetBalance(ctx context.Context, accountID string) (decimal.Decimal, error) {
	acct, err := t.GetAccount(ctx, accountID)
	if err != nil {
		return decimal.Zero, err
	}
	return acct.Balance, nil
}

func (t *memoryTx) HasTransaction(ctx context.Context, eventID string) (bool, error) {
	for _, rec := range t.records {
		if rec.EventID == eventID {
			return true, nil
		}
	}
	return t.parent.HasTransaction(ctx, eventID)
}

// CompareAndSetBalance takes the row lock on first use, so the balance it
// compares against cannot move until this transaction ends.
func (t *memoryTx) CompareAndSetBalance(ctx context.Context, accountID string, expected, next decimal.Decimal) (bool, error) {
	if !t.held[accountID] {
		if err := t.parent.lockRow(ctx, accountID); err != nil {
			return false, err
		}
		t.held[accountID] = true
	}

	current, err := t.GetBalance(ctx, accountID)
	if err != nil {
		return false, err
	}
	if !current.Equal(expected) {
		return false, nil
	}
	t.balances[accountID] = next
	return true, nil
}

func (t *memoryTx) AppendTransaction(ctx context.Context, rec models.TransactionRecord) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	key := eventKey(rec)
	if _, staged := t.byEvent[key]; staged {
		return "", fmt.Errorf("%w: event %s account %s", ErrDuplicateTransaction, rec.EventID, rec.AccountID)
	}
	t.parent.mu.Lock()
	err := t.parent.checkDuplicateLocked(rec)
	t.parent.mu.Unlock()
	if err != nil {
		return "", err
	}

	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	t.records = append(t.records, rec)
	t.byEvent[key] = rec.ID
	return rec.ID, nil
}

// RunInTx on a transaction joins it.
func (t *memoryTx) RunInTx(ctx context.Context, fn func(tx Store) error) error {
	return fn(t)
}

func (t *memoryTx) releaseRows() {
	for id := range t.held {
		t.parent.unlockRow(id)
	}
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*memoryTx)(nil)
)
