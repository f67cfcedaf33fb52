package outbox

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"ledger-stream/pkg/models"

	"github.com/google/uuid"
)

// MemoryRepository is a mutex-guarded Repository with the same claim
// semantics as the postgres one.
type MemoryRepository struct {
	mu   sync.Mutex
	rows []*models.OutboxRecord
	now  func() time.Time

	// MarkFunc, when set, runs before MarkProcessed and can fail it.
	MarkFunc func(id uuid.UUID) error
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{now: func() time.Time { return time.Now().UTC() }}
}

func (r *MemoryRepository) Insert(ctx context.Context, rec *models.OutboxRecord) error {
	if rec == nil {
		return fmt.Errorf("outbox: nil record")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, row := range r.rows {
		if row.ID == rec.ID {
			return fmt.Errorf("outbox: duplicate id %s", rec.ID)
		}
	}
	cp := *rec
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = r.now()
	}
	r.rows = append(r.rows, &cp)
	sort.SliceStable(r.rows, func(i, j int) bool {
		return r.rows[i].CreatedAt.Before(r.rows[j].CreatedAt)
	})
	return nil
}

func (r *MemoryRepository) ClaimUnprocessed(ctx context.Context, owner string, limit int, lease time.Duration) ([]*models.OutboxRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	until := now.Add(lease)
	var claimed []*models.OutboxRecord
	// Aggregates with an older pending row under someone else's lease.
	held := make(map[string]bool)
	for _, row := range r.rows {
		if limit > 0 && len(claimed) >= limit {
			break
		}
		if row.Processed {
			continue
		}
		key := aggregateKey(row)
		if row.ClaimedUntil != nil && row.ClaimedUntil.After(now) {
			held[key] = true
			continue
		}
		if held[key] {
			continue
		}
		row.ClaimedBy = owner
		leaseEnd := until
		row.ClaimedUntil = &leaseEnd

		cp := *row
		claimed = append(claimed, &cp)
	}
	return claimed, nil
}

func (r *MemoryRepository) MarkProcessed(ctx context.Context, id uuid.UUID, at time.Time) error {
	if r.MarkFunc != nil {
		if err := r.MarkFunc(id); err != nil {
			return err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	row := r.find(id)
	if row == nil {
		return fmt.Errorf("%w: %s", ErrRecordNotFound, id)
	}
	processedAt := at
	row.Processed = true
	row.ProcessedAt = &processedAt
	row.ClaimedBy = ""
	row.ClaimedUntil = nil
	return nil
}

func (r *MemoryRepository) Release(ctx context.Context, ids ...uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range ids {
		if row := r.find(id); row != nil && !row.Processed {
			row.ClaimedBy = ""
			row.ClaimedUntil = nil
		}
	}
	return nil
}

// Records returns a copy of every row in created order.
func (r *MemoryRepository) Records() []models.OutboxRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]models.OutboxRecord, 0, len(r.rows))
	for _, row := range r.rows {
		out = append(out, *row)
	}
	return out
}

func (r *MemoryRepository) find(id uuid.UUID) *models.OutboxRecord {
	for _, row := range r.rows {
		if row.ID == id {
			return row
		}
	}
	return nil
}

var _ Repository = (*MemoryRepository)(nil)
