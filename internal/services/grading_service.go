package services

import (
	"context"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"github.com/classforge/attempt-service/internal/events"
	"github.com/classforge/attempt-service/internal/models"
	"github.com/classforge/attempt-service/internal/repositories"
	"github.com/classforge/attempt-service/internal/validator"
)

type gradingService struct {
	repo      repositories.Repository
	db        *gorm.DB
	logger    *slog.Logger
	validator *validator.Validator
	publisher events.EventPublisher

	now func() time.Time
}

func NewGradingService(repo repositories.Repository, db *gorm.DB, logger *slog.Logger, v *validator.Validator, publisher events.EventPublisher) GradingService {
	return &gradingService{
		repo:      repo,
		db:        db,
		logger:    logger,
		validator: v,
		publisher: publisher,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// GradeEssayAnswer records a manual grade for one essay answer and, once
// no pending answers remain, locks in the submission totals.
func (s *gradingService) GradeEssayAnswer(ctx context.Context, graderID string, answerID uint, req GradeEssayRequest) (*models.Submission, error) {
	if verr := s.validator.Validate(req); verr != nil {
		return nil, verr
	}

	answer, err := s.repo.Submission().GetAnswer(ctx, nil, answerID)
	if err != nil {
		if repositories.IsNotFoundError(err) {
			return nil, ErrAnswerNotFound
		}
		return nil, NewTransientStoreError("answer lookup", err)
	}

	if answer.QuestionType != models.QuestionEssay || !answer.ManualGradingPending {
		return nil, ErrAnswerNotManuallyGradable
	}
	if req.Score > answer.PointsPossible {
		return nil, NewBusinessRuleError("grade_score",
			"Score cannot exceed the points possible for this question")
	}

	submission, err := s.repo.Submission().GetByID(ctx, nil, answer.SubmissionID)
	if err != nil {
		if repositories.IsNotFoundError(err) {
			return nil, ErrSubmissionNotFound
		}
		return nil, NewTransientStoreError("submission lookup", err)
	}

	test, err := s.repo.Test().GetByID(ctx, nil, submission.TestID)
	if err != nil {
		if repositories.IsNotFoundError(err) {
			return nil, ErrTestNotFound
		}
		return nil, NewTransientStoreError("test lookup", err)
	}
	if err := s.authorizeGrader(ctx, graderID, test); err != nil {
		return nil, err
	}

	err = s.repo.WithTransaction(ctx, func(txRepo repositories.Repository) error {
		if err := txRepo.Submission().UpdateAnswerGrade(ctx, nil, answerID, req.Score, req.Feedback, graderID); err != nil {
			return err
		}

		// Recompute totals from the freshly graded answer set.
		updated, err := txRepo.Submission().GetByID(ctx, nil, submission.ID)
		if err != nil {
			return err
		}
		totals := computeTotals(updated, test.PassingScore)
		return txRepo.Submission().UpdateTotals(ctx, nil, submission.ID, totals)
	})
	if err != nil {
		return nil, NewTransientStoreError("grade update", err)
	}

	result, err := s.repo.Submission().GetByID(ctx, nil, submission.ID)
	if err != nil {
		return nil, NewTransientStoreError("submission reload", err)
	}

	if !result.ManualGradingPending {
		s.publish(ctx, events.EventSubmissionGraded, map[string]interface{}{
			"submission_id": result.ID,
			"attempt_id":    result.AttemptID,
			"test_id":       result.TestID,
			"student_id":    result.StudentID,
			"total_score":   result.TotalScore,
			"percentage":    result.Percentage,
			"passed":        result.Passed,
		})
	}

	s.logger.Info("essay answer graded",
		"answer_id", answerID,
		"submission_id", result.ID,
		"grader_id", graderID,
		"score", req.Score,
		"grading_complete", !result.ManualGradingPending)

	return result, nil
}

// GetSubmission enforces that students only read their own results.
func (s *gradingService) GetSubmission(ctx context.Context, submissionID uint, requesterID string, role models.UserRole) (*models.Submission, error) {
	submission, err := s.repo.Submission().GetByID(ctx, nil, submissionID)
	if err != nil {
		if repositories.IsNotFoundError(err) {
			return nil, ErrSubmissionNotFound
		}
		return nil, NewTransientStoreError("submission lookup", err)
	}

	if role == models.RoleStudent && submission.StudentID != requesterID {
		return nil, NewPermissionError(requesterID, "view this submission")
	}
	return submission, nil
}

// GetBestAttempt picks the submission with the highest percentage; on a
// tie the higher auto-graded score wins, since that part is beyond
// grader discretion.
func (s *gradingService) GetBestAttempt(ctx context.Context, testID uint, studentID string) (*models.Submission, error) {
	submissions, err := s.repo.Submission().GetByTestAndStudent(ctx, nil, testID, studentID)
	if err != nil {
		return nil, NewTransientStoreError("submission list", err)
	}
	if len(submissions) == 0 {
		return nil, ErrSubmissionNotFound
	}
	return bestSubmission(submissions), nil
}

// bestSubmission picks the highest percentage from a non-empty slice;
// ties resolve by the higher auto-graded score.
func bestSubmission(submissions []*models.Submission) *models.Submission {
	best := submissions[0]
	for _, candidate := range submissions[1:] {
		if candidate.Percentage > best.Percentage {
			best = candidate
			continue
		}
		if candidate.Percentage == best.Percentage && candidate.AutoGradedScore > best.AutoGradedScore {
			best = candidate
		}
	}
	return best
}

// ===== INTERNALS =====

func (s *gradingService) authorizeGrader(ctx context.Context, graderID string, test *models.Test) error {
	if test.TeacherID == graderID {
		return nil
	}
	user, err := s.repo.User().GetByID(ctx, graderID)
	if err == nil && user.Role == models.RoleAdmin {
		return nil
	}
	return NewPermissionError(graderID, "grade submissions for this test")
}

// computeTotals derives the submission-level scores from its answers.
// Totals stay provisional while any essay answer is ungraded.
func computeTotals(submission *models.Submission, passingScore int) repositories.SubmissionTotals {
	var manualScore float64
	pending := false
	for _, answer := range submission.Answers {
		if answer.QuestionType != models.QuestionEssay {
			continue
		}
		if answer.ManualGradingPending {
			pending = true
			continue
		}
		if answer.Score != nil {
			manualScore += *answer.Score
		}
	}

	totals := repositories.SubmissionTotals{
		ManualGradingPending: pending,
		Percentage:           submission.Percentage,
	}
	if pending {
		return totals
	}

	total := submission.AutoGradedScore + manualScore
	percentage := 0.0
	if submission.PointsPossible > 0 {
		percentage = total / submission.PointsPossible * 100
	}
	passed := percentage >= float64(passingScore)

	totals.ManualScore = &manualScore
	totals.TotalScore = &total
	totals.Percentage = percentage
	totals.Passed = &passed
	return totals
}

func (s *gradingService) publish(ctx context.Context, eventType string, data map[string]interface{}) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, events.NewEvent(eventType, data)); err != nil {
		s.logger.Error("failed to publish event", "type", eventType, "error", err)
	}
}
