package postgres

import (
	"context"
	"fmt"
	"time"

	"ledger-stream/internal/dedup"
	"ledger-stream/internal/observability"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DedupStore implements dedup.Store on the processed_events table. Entries
// expire after the retention window; Purge removes them.
type DedupStore struct {
	db        *gorm.DB
	retention time.Duration
	logger    *logrus.Logger
	now       func() time.Time
}

func NewDedupStore(db *gorm.DB, retention time.Duration, logger *logrus.Logger) *DedupStore {
	if retention <= 0 {
		retention = dedup.DefaultRetention
	}
	return &DedupStore{
		db:        db,
		retention: retention,
		logger:    observability.LoggerOrDefault(logger),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *DedupStore) Seen(ctx context.Context, eventID string) (bool, error) {
	if eventID == "" {
		return false, dedup.ErrEmptyID
	}
	var count int64
	err := s.db.WithContext(ctx).Model(&processedEventModel{}).
		Where("event_id = ? AND expires_at > ?", eventID, s.now()).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("dedup lookup %s: %w", eventID, err)
	}
	return count > 0, nil
}

func (s *DedupStore) Mark(ctx context.Context, eventID string) error {
	if eventID == "" {
		return dedup.ErrEmptyID
	}
	now := s.now()
	row := processedEventModel{
		EventID:     eventID,
		ProcessedAt: now,
		ExpiresAt:   now.Add(s.retention),
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "event_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"processed_at", "expires_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("dedup mark %s: %w", eventID, err)
	}
	return nil
}

// Purge deletes entries that expired at or before now.
func (s *DedupStore) Purge(ctx context.Context, now time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("expires_at <= ?", now).Delete(&processedEventModel{})
	if res.Error != nil {
		return 0, fmt.Errorf("dedup purge: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		s.logger.WithField("purged", res.RowsAffected).Info("expired dedup entries purged")
	}
	return res.RowsAffected, nil
}

// PurgeLoop runs Purge every interval until ctx is done.
func (s *DedupStore) PurgeLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Purge(ctx, s.now()); err != nil {
				s.logger.WithError(err).Warn("dedup purge failed")
			}
		}
	}
}

var _ dedup.Store = (*DedupStore)(nil)
