package postgres

import (
	"context"
	"fmt"
	"time"

	"ledger-stream/internal/observability"
	"ledger-stream/internal/outbox"
	"ledger-stream/pkg/models"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// OutboxRepository implements outbox.Repository on the outbox_records table.
type OutboxRepository struct {
	db     *gorm.DB
	logger *logrus.Logger
}

func NewOutboxRepository(db *gorm.DB, logger *logrus.Logger) *OutboxRepository {
	return &OutboxRepository{db: db, logger: observability.LoggerOrDefault(logger)}
}

func (r *OutboxRepository) Insert(ctx context.Context, rec *models.OutboxRecord) error {
	return r.InsertWithTx(ctx, r.db, rec)
}

// InsertWithTx writes rec through tx so it commits together with the business
// change made in the same transaction.
func (r *OutboxRepository) InsertWithTx(ctx context.Context, tx *gorm.DB, rec *models.OutboxRecord) error {
	if rec == nil {
		return fmt.Errorf("outbox: nil record")
	}
	row := outboxModelFromEntity(rec)
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	if err := tx.WithContext(ctx).Create(&row).Error; err != nil {
		return r.logError("insert", err, logrus.Fields{"outbox_id": rec.ID})
	}
	return nil
}

// ClaimUnprocessed locks up to limit pending rows with FOR UPDATE SKIP LOCKED,
// oldest first, and stamps them with owner's lease. Rows locked or leased by
// another relay are skipped, along with every later row of their aggregate.
func (r *OutboxRepository) ClaimUnprocessed(ctx context.Context, owner string, limit int, lease time.Duration) ([]*models.OutboxRecord, error) {
	var claimed []*models.OutboxRecord

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()

		var rows []outboxModel
		q := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("processed = ?", false).
			Where("(claimed_until IS NULL OR claimed_until < ?)", now).
			Order("created_at ASC, id ASC")
		if limit > 0 {
			q = q.Limit(limit)
		}
		if err := q.Find(&rows).Error; err != nil {
			return fmt.Errorf("select pending: %w", err)
		}
		if len(rows) == 0 {
			return nil
		}

		rows, err := holdBackAggregates(tx, rows)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}

		until := now.Add(lease)
		ids := make([]uuid.UUID, 0, len(rows))
		for i := range rows {
			ids = append(ids, rows[i].ID)
			rows[i].ClaimedBy = owner
			rows[i].ClaimedUntil = &until
		}
		if err := tx.Model(&outboxModel{}).
			Where("id IN ?", ids).
			Updates(map[string]any{"claimed_by": owner, "claimed_until": until}).Error; err != nil {
			return fmt.Errorf("stamp lease: %w", err)
		}

		claimed = make([]*models.OutboxRecord, 0, len(rows))
		for _, row := range rows {
			claimed = append(claimed, row.toEntity())
		}
		return nil
	})
	if err != nil {
		return nil, r.logError("claim", err, logrus.Fields{"owner": owner, "limit": limit})
	}
	return claimed, nil
}

// holdBackAggregates drops candidates that have an older pending row outside
// the candidate set. Such a row is leased by another relay or locked by a
// concurrent claim.
func holdBackAggregates(tx *gorm.DB, rows []outboxModel) ([]outboxModel, error) {
	ids := make([]uuid.UUID, 0, len(rows))
	aggregates := make([]string, 0, len(rows))
	seen := make(map[string]bool, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ID)
		if !seen[row.AggregateID] {
			seen[row.AggregateID] = true
			aggregates = append(aggregates, row.AggregateID)
		}
	}

	var others []outboxModel
	if err := tx.Model(&outboxModel{}).
		Select("id", "aggregate_type", "aggregate_id", "created_at").
		Where("processed = ? AND aggregate_id IN ? AND id NOT IN ?", false, aggregates, ids).
		Find(&others).Error; err != nil {
		return nil, fmt.Errorf("select held aggregates: %w", err)
	}
	if len(others) == 0 {
		return rows, nil
	}

	oldest := make(map[string]outboxModel, len(others))
	for _, o := range others {
		key := o.AggregateType + "/" + o.AggregateID
		if cur, ok := oldest[key]; !ok || o.before(cur) {
			oldest[key] = o
		}
	}

	kept := rows[:0]
	for _, row := range rows {
		if o, ok := oldest[row.AggregateType+"/"+row.AggregateID]; ok && o.before(row) {
			continue
		}
		kept = append(kept, row)
	}
	return kept, nil
}

func (r *OutboxRepository) MarkProcessed(ctx context.Context, id uuid.UUID, at time.Time) error {
	res := r.db.WithContext(ctx).Model(&outboxModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"processed":     true,
			"processed_at":  at,
			"claimed_by":    "",
			"claimed_until": nil,
		})
	if res.Error != nil {
		return r.logError("mark processed", res.Error, logrus.Fields{"outbox_id": id})
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", outbox.ErrRecordNotFound, id)
	}
	return nil
}

func (r *OutboxRepository) Release(ctx context.Context, ids ...uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	err := r.db.WithContext(ctx).Model(&outboxModel{}).
		Where("id IN ? AND processed = ?", ids, false).
		Updates(map[string]any{"claimed_by": "", "claimed_until": nil}).Error
	if err != nil {
		return r.logError("release", err, logrus.Fields{"count": len(ids)})
	}
	return nil
}

// PurgeProcessed deletes rows processed before cutoff and reports how many
// went.
func (r *OutboxRepository) PurgeProcessed(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("processed = ? AND processed_at < ?", true, cutoff).
		Delete(&outboxModel{})
	if res.Error != nil {
		return 0, r.logError("purge processed", res.Error, logrus.Fields{"cutoff": cutoff})
	}
	return res.RowsAffected, nil
}

// Get loads one row by id.
func (r *OutboxRepository) Get(ctx context.Context, id uuid.UUID) (*models.OutboxRecord, error) {
	var row outboxModel
	res := r.db.WithContext(ctx).Where("id = ?", id).Limit(1).Find(&row)
	if res.Error != nil {
		return nil, r.logError("get", res.Error, logrus.Fields{"outbox_id": id})
	}
	if res.RowsAffected == 0 {
		return nil, fmt.Errorf("%w: %s", outbox.ErrRecordNotFound, id)
	}
	return row.toEntity(), nil
}

func (r *OutboxRepository) logError(op string, err error, fields logrus.Fields) error {
	r.logger.WithFields(fields).WithField("op", op).WithError(err).Error("outbox repository operation failed")
	return fmt.Errorf("outbox %s: %w", op, err)
}

var _ outbox.Repository = (*OutboxRepository)(nil)
