package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/classforge/attempt-service/internal/cache"
	"github.com/classforge/attempt-service/internal/models"
	"github.com/classforge/attempt-service/internal/repositories"
)

type AttemptPostgreSQL struct {
	db           *gorm.DB
	helpers      *SharedHelpers
	cacheManager *cache.CacheManager
}

func NewAttemptPostgreSQL(db *gorm.DB, redisClient *redis.Client) repositories.AttemptRepository {
	return &AttemptPostgreSQL{
		db:           db,
		helpers:      NewSharedHelpers(db),
		cacheManager: cache.NewCacheManager(redisClient),
	}
}

func (a *AttemptPostgreSQL) Create(ctx context.Context, tx *gorm.DB, attempt *models.TestAttempt) error {
	db := a.getDB(tx)
	return db.WithContext(ctx).Create(attempt).Error
}

func (a *AttemptPostgreSQL) GetByID(ctx context.Context, tx *gorm.DB, id uint) (*models.TestAttempt, error) {
	db := a.getDB(tx)
	var attempt models.TestAttempt
	if err := db.WithContext(ctx).First(&attempt, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, repositories.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get attempt: %w", err)
	}
	return &attempt, nil
}

func (a *AttemptPostgreSQL) GetByIDWithTest(ctx context.Context, tx *gorm.DB, id uint) (*models.TestAttempt, error) {
	db := a.getDB(tx)
	var attempt models.TestAttempt
	if err := db.WithContext(ctx).
		Preload("Test").
		Preload("Test.Questions", func(db *gorm.DB) *gorm.DB {
			return db.Order("question_order ASC")
		}).
		First(&attempt, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, repositories.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get attempt with test: %w", err)
	}
	return &attempt, nil
}

func (a *AttemptPostgreSQL) Update(ctx context.Context, tx *gorm.DB, attempt *models.TestAttempt) error {
	db := a.getDB(tx)
	if err := db.WithContext(ctx).Save(attempt).Error; err != nil {
		return fmt.Errorf("failed to update attempt: %w", err)
	}

	cache.InvalidateAttemptCache(ctx, a.cacheManager, attempt.ID)
	return nil
}

// GetByTestAndStudent retrieves all attempts by a student for a test,
// ordered by attempt number
func (a *AttemptPostgreSQL) GetByTestAndStudent(ctx context.Context, tx *gorm.DB, testID uint, studentID string) ([]*models.TestAttempt, error) {
	db := a.getDB(tx)
	var attempts []*models.TestAttempt
	if err := db.WithContext(ctx).
		Where("test_id = ? AND student_id = ?", testID, studentID).
		Order("attempt_number ASC").
		Find(&attempts).Error; err != nil {
		return nil, fmt.Errorf("failed to get attempts by test and student: %w", err)
	}
	return attempts, nil
}

func (a *AttemptPostgreSQL) GetLatest(ctx context.Context, tx *gorm.DB, testID uint, studentID string) (*models.TestAttempt, error) {
	db := a.getDB(tx)
	var attempt models.TestAttempt
	if err := db.WithContext(ctx).
		Where("test_id = ? AND student_id = ?", testID, studentID).
		Order("attempt_number DESC").
		First(&attempt).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, repositories.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get latest attempt: %w", err)
	}
	return &attempt, nil
}

func (a *AttemptPostgreSQL) CountByTestAndStudent(ctx context.Context, tx *gorm.DB, testID uint, studentID string) (int, error) {
	count, err := a.helpers.CountAttemptsByStudent(ctx, testID, studentID)
	return int(count), err
}

// NextAttemptNumber must be called inside the same transaction as the
// insert; the unique (test, student, number) index serializes racers.
func (a *AttemptPostgreSQL) NextAttemptNumber(ctx context.Context, tx *gorm.DB, testID uint, studentID string) (int, error) {
	db := a.getDB(tx)
	var maxNumber int
	err := db.WithContext(ctx).
		Model(&models.TestAttempt{}).
		Where("test_id = ? AND student_id = ?", testID, studentID).
		Select("COALESCE(MAX(attempt_number), 0)").
		Scan(&maxNumber).Error
	if err != nil {
		return 0, fmt.Errorf("failed to get next attempt number: %w", err)
	}
	return maxNumber + 1, nil
}

// LockForFinalize performs the atomic terminal-status lock. The
// conditional UPDATE only matches active statuses, so exactly one of two
// racing finalizers observes a row change.
func (a *AttemptPostgreSQL) LockForFinalize(ctx context.Context, tx *gorm.DB, id uint, to models.AttemptStatus) (bool, error) {
	db := a.getDB(tx)
	result := db.WithContext(ctx).
		Model(&models.TestAttempt{}).
		Where("id = ? AND status IN ?", id, []models.AttemptStatus{
			models.AttemptNotStarted,
			models.AttemptInProgress,
			models.AttemptPaused,
		}).
		Update("status", to)
	if result.Error != nil {
		return false, fmt.Errorf("failed to lock attempt for finalize: %w", result.Error)
	}

	cache.InvalidateAttemptCache(ctx, a.cacheManager, id)
	return result.RowsAffected > 0, nil
}

// GetExpired returns active attempts whose deadline has passed, for the
// auto-submit sweeper.
func (a *AttemptPostgreSQL) GetExpired(ctx context.Context, tx *gorm.DB, now time.Time, limit int) ([]*models.TestAttempt, error) {
	db := a.getDB(tx)
	var attempts []*models.TestAttempt
	query := db.WithContext(ctx).
		Where("status IN ? AND deadline_at IS NOT NULL AND deadline_at <= ?", []models.AttemptStatus{
			models.AttemptNotStarted,
			models.AttemptInProgress,
			models.AttemptPaused,
		}, now).
		Order("deadline_at ASC")

	if limit > 0 {
		query = query.Limit(limit)
	}

	if err := query.Find(&attempts).Error; err != nil {
		return nil, fmt.Errorf("failed to get expired attempts: %w", err)
	}
	return attempts, nil
}

func (a *AttemptPostgreSQL) UpdateActivity(ctx context.Context, tx *gorm.DB, id uint, update repositories.ActivityUpdate) error {
	db := a.getDB(tx)
	err := db.WithContext(ctx).
		Model(&models.TestAttempt{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":             update.Status,
			"last_active_at":     update.LastActiveAt,
			"time_spent":         update.TimeSpent,
			"offline_time":       update.OfflineTime,
			"current_question":   update.CurrentQuestion,
			"questions_answered": update.QuestionsAnswered,
			"disconnect_count":   update.DisconnectCount,
			"tab_switch_count":   update.TabSwitchCount,
		}).Error
	if err != nil {
		return fmt.Errorf("failed to update attempt activity: %w", err)
	}

	cache.InvalidateAttemptCache(ctx, a.cacheManager, id)
	return nil
}

func (a *AttemptPostgreSQL) List(ctx context.Context, tx *gorm.DB, filters repositories.AttemptFilters) ([]*models.TestAttempt, int64, error) {
	db := a.getDB(tx)
	var attempts []*models.TestAttempt
	var total int64

	query := db.WithContext(ctx).Model(&models.TestAttempt{})
	query = a.helpers.ApplyAttemptFilters(query, filters)

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	query = a.helpers.ApplyPaginationAndSort(query, filters.SortBy, filters.SortOrder, filters.Limit, filters.Offset)

	if err := query.Preload("Test").Find(&attempts).Error; err != nil {
		return nil, 0, err
	}

	return attempts, total, nil
}

// getDB returns the transaction DB if provided, otherwise returns the default DB
func (a *AttemptPostgreSQL) getDB(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return a.db
}
