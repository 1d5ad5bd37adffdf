package postgres

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/classforge/attempt-service/internal/models"
	"github.com/classforge/attempt-service/internal/repositories"
)

// AttemptEventPostgreSQL is the append-only audit trail. It deliberately
// implements no update or delete so the never-overwrite invariant holds
// at the type level, not by convention.
type AttemptEventPostgreSQL struct {
	db *gorm.DB
}

func NewAttemptEventPostgreSQL(db *gorm.DB) repositories.AttemptEventRepository {
	return &AttemptEventPostgreSQL{db: db}
}

func (e *AttemptEventPostgreSQL) Append(ctx context.Context, tx *gorm.DB, event *models.AttemptEvent) error {
	db := e.getDB(tx)
	if err := db.WithContext(ctx).Create(event).Error; err != nil {
		return fmt.Errorf("failed to append attempt event: %w", err)
	}
	return nil
}

func (e *AttemptEventPostgreSQL) AppendBatch(ctx context.Context, tx *gorm.DB, events []*models.AttemptEvent) error {
	if len(events) == 0 {
		return nil
	}

	db := e.getDB(tx)
	if err := db.WithContext(ctx).CreateInBatches(events, 100).Error; err != nil {
		return fmt.Errorf("failed to append attempt events batch: %w", err)
	}
	return nil
}

// ListByAttempt returns the full log in occurrence order, for replay at
// finalization when the realtime session is missing.
func (e *AttemptEventPostgreSQL) ListByAttempt(ctx context.Context, tx *gorm.DB, attemptID uint) ([]*models.AttemptEvent, error) {
	db := e.getDB(tx)
	var events []*models.AttemptEvent
	if err := db.WithContext(ctx).
		Where("attempt_id = ?", attemptID).
		Order("occurred_at ASC, id ASC").
		Find(&events).Error; err != nil {
		return nil, fmt.Errorf("failed to list attempt events: %w", err)
	}
	return events, nil
}

func (e *AttemptEventPostgreSQL) CountByType(ctx context.Context, tx *gorm.DB, attemptID uint, eventType models.AttemptEventType) (int64, error) {
	db := e.getDB(tx)
	var count int64
	if err := db.WithContext(ctx).
		Model(&models.AttemptEvent{}).
		Where("attempt_id = ? AND type = ?", attemptID, eventType).
		Count(&count).Error; err != nil {
		return 0, fmt.Errorf("failed to count attempt events: %w", err)
	}
	return count, nil
}

// getDB returns the transaction DB if provided, otherwise returns the default DB
func (e *AttemptEventPostgreSQL) getDB(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return e.db
}
