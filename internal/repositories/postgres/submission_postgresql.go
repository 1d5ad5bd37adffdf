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

type SubmissionPostgreSQL struct {
	db           *gorm.DB
	cacheManager *cache.CacheManager
}

func NewSubmissionPostgreSQL(db *gorm.DB, redisClient *redis.Client) repositories.SubmissionRepository {
	return &SubmissionPostgreSQL{
		db:           db,
		cacheManager: cache.NewCacheManager(redisClient),
	}
}

// Create inserts the submission together with its answers. The unique
// index on attempt_id is the exactly-once backstop under races.
func (s *SubmissionPostgreSQL) Create(ctx context.Context, tx *gorm.DB, submission *models.Submission) error {
	db := s.getDB(tx)
	if err := db.WithContext(ctx).Create(submission).Error; err != nil {
		return fmt.Errorf("failed to create submission: %w", err)
	}
	return nil
}

func (s *SubmissionPostgreSQL) GetByID(ctx context.Context, tx *gorm.DB, id uint) (*models.Submission, error) {
	db := s.getDB(tx)
	var submission models.Submission
	if err := db.WithContext(ctx).
		Preload("Answers").
		First(&submission, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, repositories.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get submission: %w", err)
	}
	return &submission, nil
}

func (s *SubmissionPostgreSQL) GetByAttempt(ctx context.Context, tx *gorm.DB, attemptID uint) (*models.Submission, error) {
	db := s.getDB(tx)
	cacheKey := fmt.Sprintf("attempt:%d", attemptID)
	var submission models.Submission

	err := s.cacheManager.Submission.CacheOrExecute(ctx, cacheKey, &submission, cache.SubmissionCacheConfig.TTL, func() (interface{}, error) {
		var dbSubmission models.Submission
		if err := db.WithContext(ctx).
			Preload("Answers").
			Where("attempt_id = ?", attemptID).
			First(&dbSubmission).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, repositories.ErrNotFound
			}
			return nil, fmt.Errorf("failed to get submission by attempt: %w", err)
		}
		return &dbSubmission, nil
	})
	if err != nil {
		return nil, err
	}

	return &submission, nil
}

func (s *SubmissionPostgreSQL) GetByTestAndStudent(ctx context.Context, tx *gorm.DB, testID uint, studentID string) ([]*models.Submission, error) {
	db := s.getDB(tx)
	var submissions []*models.Submission
	if err := db.WithContext(ctx).
		Where("test_id = ? AND student_id = ?", testID, studentID).
		Order("attempt_number ASC").
		Find(&submissions).Error; err != nil {
		return nil, fmt.Errorf("failed to get submissions by test and student: %w", err)
	}
	return submissions, nil
}

func (s *SubmissionPostgreSQL) ListByTest(ctx context.Context, tx *gorm.DB, testID uint) ([]*models.Submission, error) {
	db := s.getDB(tx)
	var submissions []*models.Submission
	if err := db.WithContext(ctx).
		Where("test_id = ?", testID).
		Order("student_id ASC, attempt_number ASC").
		Find(&submissions).Error; err != nil {
		return nil, fmt.Errorf("failed to list submissions by test: %w", err)
	}
	return submissions, nil
}

func (s *SubmissionPostgreSQL) GetAnswer(ctx context.Context, tx *gorm.DB, answerID uint) (*models.SubmissionAnswer, error) {
	db := s.getDB(tx)
	var answer models.SubmissionAnswer
	if err := db.WithContext(ctx).First(&answer, answerID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, repositories.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get submission answer: %w", err)
	}
	return &answer, nil
}

func (s *SubmissionPostgreSQL) UpdateAnswerGrade(ctx context.Context, tx *gorm.DB, answerID uint, score float64, feedback *string, graderID string) error {
	db := s.getDB(tx)
	now := time.Now().UTC()
	updates := map[string]interface{}{
		"score":                  score,
		"graded_by":              graderID,
		"graded_at":              &now,
		"manual_grading_pending": false,
	}
	if feedback != nil {
		updates["feedback"] = *feedback
	}

	if err := db.WithContext(ctx).
		Model(&models.SubmissionAnswer{}).
		Where("id = ?", answerID).
		Updates(updates).Error; err != nil {
		return fmt.Errorf("failed to update answer grade: %w", err)
	}
	return nil
}

func (s *SubmissionPostgreSQL) UpdateTotals(ctx context.Context, tx *gorm.DB, submissionID uint, totals repositories.SubmissionTotals) error {
	db := s.getDB(tx)
	updates := map[string]interface{}{
		"manual_score":           totals.ManualScore,
		"total_score":            totals.TotalScore,
		"percentage":             totals.Percentage,
		"passed":                 totals.Passed,
		"manual_grading_pending": totals.ManualGradingPending,
	}

	if err := db.WithContext(ctx).
		Model(&models.Submission{}).
		Where("id = ?", submissionID).
		Updates(updates).Error; err != nil {
		return fmt.Errorf("failed to update submission totals: %w", err)
	}

	var submission models.Submission
	if err := db.WithContext(ctx).Select("id, attempt_id").First(&submission, submissionID).Error; err == nil {
		cache.InvalidateSubmissionCache(ctx, s.cacheManager, submission.ID, submission.AttemptID)
	}

	return nil
}

// getDB returns the transaction DB if provided, otherwise returns the default DB
func (s *SubmissionPostgreSQL) getDB(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return s.db
}
