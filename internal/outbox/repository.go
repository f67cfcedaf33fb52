package outbox

import (
	"context"
	"time"

	"ledger-stream/pkg/models"

	"github.com/google/uuid"
)

// Repository is the outbox table as seen by writers and relays.
type Repository interface {
	Insert(ctx context.Context, rec *models.OutboxRecord) error
	// ClaimUnprocessed leases up to limit unprocessed rows, oldest first, to
	// owner until now+lease. Rows under another live lease are skipped, and so
	// is every later row of the same aggregate, so one aggregate is never
	// published by two relays at once.
	ClaimUnprocessed(ctx context.Context, owner string, limit int, lease time.Duration) ([]*models.OutboxRecord, error)
	MarkProcessed(ctx context.Context, id uuid.UUID, at time.Time) error
	// Release drops the lease on rows that were not processed.
	Release(ctx context.Context, ids ...uuid.UUID) error
}
