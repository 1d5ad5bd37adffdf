package services

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"github.com/classforge/attempt-service/internal/events"
	"github.com/classforge/attempt-service/internal/models"
	"github.com/classforge/attempt-service/internal/repositories"
)

const sweepBatchSize = 100

type finalizerService struct {
	repo      repositories.Repository
	db        *gorm.DB
	logger    *slog.Logger
	publisher events.EventPublisher

	now func() time.Time
}

func NewFinalizerService(repo repositories.Repository, db *gorm.DB, logger *slog.Logger, publisher events.EventPublisher) FinalizerService {
	return &finalizerService{
		repo:      repo,
		db:        db,
		logger:    logger,
		publisher: publisher,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Submit is the student-triggered finalization path. A submit arriving
// after the deadline is honored but recorded as deadline-triggered, so
// the attempt ends as auto_submitted.
func (s *finalizerService) Submit(ctx context.Context, attemptID uint, studentID string) (*models.Submission, error) {
	attempt, err := s.repo.Attempt().GetByID(ctx, nil, attemptID)
	if err != nil {
		if repositories.IsNotFoundError(err) {
			return nil, ErrAttemptNotFound
		}
		return nil, NewTransientStoreError("attempt lookup", err)
	}
	if attempt.StudentID != studentID {
		return nil, NewPermissionError(studentID, "submit this attempt")
	}

	trigger := models.TriggerStudent
	if attempt.DeadlineAt != nil && !s.now().Before(*attempt.DeadlineAt) {
		trigger = models.TriggerDeadline
	}

	return s.Finalize(ctx, attemptID, trigger)
}

// Finalize turns an active attempt into exactly one submission.
//
// The status lock is the race decider: a conditional update moves the
// attempt out of its active status, and whoever wins the row owns the
// finalization. The loser absorbs the conflict and returns the winner's
// submission, so both a student submit and a deadline sweep racing on
// the same attempt each observe one successful result. The lock and the
// submission insert commit in one transaction, so a failed insert rolls
// the status back and a retry finds the attempt still active.
func (s *finalizerService) Finalize(ctx context.Context, attemptID uint, trigger models.SubmissionTrigger) (*models.Submission, error) {
	attempt, err := s.repo.Attempt().GetByIDWithTest(ctx, nil, attemptID)
	if err != nil {
		if repositories.IsNotFoundError(err) {
			return nil, ErrAttemptNotFound
		}
		return nil, NewTransientStoreError("attempt lookup", err)
	}

	if attempt.Status.IsTerminal() {
		return s.existingSubmission(ctx, attemptID)
	}

	finalStatus := models.AttemptSubmitted
	endReason := models.EndReasonStudentSubmit
	if trigger == models.TriggerDeadline {
		finalStatus = models.AttemptAutoSubmitted
		endReason = models.EndReasonDeadline
	}

	test := attempt.Test
	if test == nil || len(test.Questions) == 0 {
		test, err = s.repo.Test().GetByIDWithQuestions(ctx, nil, attempt.TestID)
		if err != nil {
			return nil, NewTransientStoreError("test lookup", err)
		}
	}

	session, degraded := s.sessionForFinalize(ctx, attempt)

	now := s.now()
	nowMs := models.EpochMs(now)
	if nowMs > session.DeadlineAtMs {
		nowMs = session.DeadlineAtMs
	}

	submission := s.buildSubmission(attempt, test, session, trigger, degraded, now)

	locked := false
	err = s.repo.WithTransaction(ctx, func(txRepo repositories.Repository) error {
		won, err := txRepo.Attempt().LockForFinalize(ctx, nil, attemptID, finalStatus)
		if err != nil {
			return err
		}
		if !won {
			return nil
		}
		locked = true

		if err := txRepo.Submission().Create(ctx, nil, submission); err != nil {
			return err
		}

		attempt.Status = finalStatus
		attempt.SubmittedAt = &now
		attempt.EndReason = &endReason
		attempt.TimeSpent = int(session.TimeSpentMs(nowMs) / 1000)
		attempt.OfflineTime = int(session.OfflineTotalMs(nowMs) / 1000)
		attempt.QuestionsAnswered = len(session.Answers)
		return txRepo.Attempt().Update(ctx, nil, attempt)
	})
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			// The unique attempt_id index is the last backstop; someone
			// else already persisted the submission.
			return s.existingSubmission(ctx, attemptID)
		}
		return nil, NewTransientStoreError("finalize", err)
	}
	if !locked {
		// Lost the race. The conflict stays internal; the caller gets the
		// winner's submission.
		conflict := &IntegrityConflictError{AttemptID: attemptID}
		s.logger.Info("finalization race absorbed",
			"attempt_id", attemptID, "trigger", trigger, "conflict", conflict.Error())
		return s.existingSubmission(ctx, attemptID)
	}

	if err := s.repo.Session().Delete(ctx, attemptID); err != nil {
		s.logger.Warn("failed to delete realtime session after finalize",
			"attempt_id", attemptID, "error", err)
	}

	eventType := events.EventAttemptSubmitted
	if trigger == models.TriggerDeadline {
		eventType = events.EventAttemptAutoSubmitted
	}
	s.publish(ctx, eventType, map[string]interface{}{
		"attempt_id":             attemptID,
		"submission_id":          submission.ID,
		"test_id":                attempt.TestID,
		"student_id":             attempt.StudentID,
		"trigger":                trigger,
		"auto_graded_score":      submission.AutoGradedScore,
		"manual_grading_pending": submission.ManualGradingPending,
	})

	s.logger.Info("attempt finalized",
		"attempt_id", attemptID,
		"submission_id", submission.ID,
		"trigger", trigger,
		"status", finalStatus,
		"degraded", degraded)

	return submission, nil
}

// SweepExpired finalizes attempts whose deadline has passed. Per-attempt
// failures are logged and skipped so one bad row cannot stall the sweep.
func (s *finalizerService) SweepExpired(ctx context.Context) (int, error) {
	expired, err := s.repo.Attempt().GetExpired(ctx, nil, s.now(), sweepBatchSize)
	if err != nil {
		return 0, NewTransientStoreError("expired attempt scan", err)
	}

	finalized := 0
	for _, attempt := range expired {
		if _, err := s.Finalize(ctx, attempt.ID, models.TriggerDeadline); err != nil {
			s.logger.Error("failed to auto-submit expired attempt",
				"attempt_id", attempt.ID, "error", err)
			continue
		}
		finalized++
	}

	if finalized > 0 {
		s.logger.Info("expired attempts swept", "count", finalized)
	}
	return finalized, nil
}

// ===== INTERNALS =====

// existingSubmission serves the idempotent and race-loser paths. The
// winner inserts the submission right after taking the lock, so a short
// retry covers the gap between lock and insert.
func (s *finalizerService) existingSubmission(ctx context.Context, attemptID uint) (*models.Submission, error) {
	var lastErr error
	for i := 0; i < 3; i++ {
		submission, err := s.repo.Submission().GetByAttempt(ctx, nil, attemptID)
		if err == nil {
			return submission, nil
		}
		if !repositories.IsNotFoundError(err) {
			return nil, NewTransientStoreError("submission lookup", err)
		}
		lastErr = err
		time.Sleep(time.Duration(i+1) * 50 * time.Millisecond)
	}
	s.logger.Error("terminal attempt has no submission", "attempt_id", attemptID, "error", lastErr)
	return nil, ErrSubmissionNotFound
}

// sessionForFinalize reads the realtime projection best-effort. When the
// store lost it, the durable event log is replayed instead and the
// resulting integrity report is marked degraded.
func (s *finalizerService) sessionForFinalize(ctx context.Context, attempt *models.TestAttempt) (*models.LiveSession, bool) {
	session, err := s.repo.Session().Get(ctx, attempt.ID)
	if err == nil {
		return session, false
	}
	if !errors.Is(err, repositories.ErrSessionNotFound) {
		s.logger.Warn("realtime session read failed at finalize, replaying event log",
			"attempt_id", attempt.ID, "error", err)
	}

	session, rebuildErr := RebuildSession(ctx, s.repo, attempt)
	if rebuildErr != nil {
		s.logger.Error("event log replay failed, finalizing from durable counters",
			"attempt_id", attempt.ID, "error", rebuildErr)
		session = &models.LiveSession{
			AttemptID:   attempt.ID,
			TestID:      attempt.TestID,
			StudentID:   attempt.StudentID,
			Status:      attempt.Status,
			OfflineMs:   int64(attempt.OfflineTime) * 1000,
			TabSwitches: attempt.TabSwitchCount,
			Disconnects: attempt.DisconnectCount,
			Answers:     map[uint]*models.SessionAnswer{},
			Flagged:     map[uint]bool{},
		}
		if attempt.StartedAt != nil {
			session.StartedAtMs = models.EpochMs(*attempt.StartedAt)
		}
		if attempt.DeadlineAt != nil {
			session.DeadlineAtMs = models.EpochMs(*attempt.DeadlineAt)
		}
	}
	return session, true
}

// buildSubmission scores the captured answers. MCQ answers are graded
// against the stored correct option; essay answers are left for manual
// grading. The integrity report is copied from the session as-is.
func (s *finalizerService) buildSubmission(attempt *models.TestAttempt, test *models.Test, session *models.LiveSession, trigger models.SubmissionTrigger, degraded bool, now time.Time) *models.Submission {
	var (
		autoScore      float64
		pointsPossible float64
		manualPending  bool
		answers        []models.SubmissionAnswer
	)

	for _, question := range test.Questions {
		pointsPossible += question.Points

		answer := models.SubmissionAnswer{
			QuestionID:     question.ID,
			QuestionType:   question.Type,
			PointsPossible: question.Points,
		}

		captured := session.Answers[question.ID]

		switch question.Type {
		case models.QuestionMCQ:
			score := 0.0
			correct := false
			if captured != nil {
				selected := captured.Value
				answer.SelectedOption = &selected
				if question.CorrectOption != nil && selected == *question.CorrectOption {
					score = question.Points
					correct = true
				}
			}
			answer.Score = &score
			answer.IsCorrect = &correct
			autoScore += score

		case models.QuestionEssay:
			if captured != nil && captured.Value != "" {
				text := captured.Value
				answer.EssayText = &text
				answer.ManualGradingPending = true
				manualPending = true
			} else {
				// Unanswered essays score zero with nothing left to grade.
				zero := 0.0
				answer.Score = &zero
			}
		}

		answers = append(answers, answer)
	}

	percentage := 0.0
	if pointsPossible > 0 {
		percentage = autoScore / pointsPossible * 100
	}

	integrity := session.Integrity()
	integrity.Degraded = degraded
	report, err := json.Marshal(integrity)
	if err != nil {
		report = nil
	}

	submission := &models.Submission{
		AttemptID:            attempt.ID,
		TestID:               attempt.TestID,
		StudentID:            attempt.StudentID,
		AttemptNumber:        attempt.AttemptNumber,
		Trigger:              trigger,
		AutoGradedScore:      autoScore,
		PointsPossible:       pointsPossible,
		Percentage:           percentage,
		ManualGradingPending: manualPending,
		IntegrityReport:      report,
		SubmittedAt:          now,
		Answers:              answers,
	}

	if !manualPending {
		total := autoScore
		submission.TotalScore = &total
		passed := percentage >= float64(test.PassingScore)
		submission.Passed = &passed
	}

	return submission
}

func (s *finalizerService) publish(ctx context.Context, eventType string, data map[string]interface{}) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, events.NewEvent(eventType, data)); err != nil {
		s.logger.Error("failed to publish event", "type", eventType, "error", err)
	}
}
