package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/classforge/attempt-service/internal/events"
	"github.com/classforge/attempt-service/internal/models"
	"github.com/classforge/attempt-service/internal/validator"
)

func newTestGradingService(repo *fakeRepository) (*gradingService, *events.MockEventPublisher) {
	logger := testLogger()
	publisher := events.NewMockEventPublisher(logger)
	svc := &gradingService{
		repo:      repo,
		logger:    logger,
		validator: validator.New(),
		publisher: publisher,
		now:       func() time.Time { return time.Now().UTC() },
	}
	return svc, publisher
}

func seedSubmissionWithEssay(t *testing.T, repo *fakeRepository) *models.Submission {
	t.Helper()
	ctx := context.Background()

	repo.test.tests[1] = testWithQuestions(1)

	essay := "The proof follows by induction."
	score := 5.0
	correct := true
	zero := 0.0
	wrong := false
	submission := &models.Submission{
		AttemptID:            1,
		TestID:               1,
		StudentID:            "student-1",
		AttemptNumber:        1,
		Trigger:              models.TriggerStudent,
		AutoGradedScore:      5,
		PointsPossible:       20,
		Percentage:           25,
		ManualGradingPending: true,
		SubmittedAt:          time.Now().UTC(),
		Answers: []models.SubmissionAnswer{
			{QuestionID: 10, QuestionType: models.QuestionMCQ, PointsPossible: 5, Score: &score, IsCorrect: &correct},
			{QuestionID: 11, QuestionType: models.QuestionMCQ, PointsPossible: 5, Score: &zero, IsCorrect: &wrong},
			{QuestionID: 12, QuestionType: models.QuestionEssay, PointsPossible: 10, EssayText: &essay, ManualGradingPending: true},
		},
	}
	if err := repo.submission.Create(ctx, nil, submission); err != nil {
		t.Fatalf("failed to seed submission: %v", err)
	}
	return submission
}

func TestGradingService_GradeEssayAnswer(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepository()
	svc, publisher := newTestGradingService(repo)

	submission := seedSubmissionWithEssay(t, repo)
	essayAnswerID := submission.Answers[2].ID

	t.Run("score above points possible is rejected", func(t *testing.T) {
		_, err := svc.GradeEssayAnswer(ctx, "teacher-1", essayAnswerID, GradeEssayRequest{Score: 11})
		var ruleErr *BusinessRuleError
		if !errors.As(err, &ruleErr) {
			t.Errorf("expected BusinessRuleError, got %v", err)
		}
	})

	t.Run("foreign teacher is rejected", func(t *testing.T) {
		_, err := svc.GradeEssayAnswer(ctx, "teacher-2", essayAnswerID, GradeEssayRequest{Score: 8})
		var permErr *PermissionError
		if !errors.As(err, &permErr) {
			t.Errorf("expected PermissionError, got %v", err)
		}
	})

	t.Run("grading the last essay locks in totals", func(t *testing.T) {
		feedback := "Clear reasoning."
		graded, err := svc.GradeEssayAnswer(ctx, "teacher-1", essayAnswerID, GradeEssayRequest{
			Score: 8, Feedback: &feedback,
		})
		if err != nil {
			t.Fatalf("GradeEssayAnswer failed: %v", err)
		}

		if graded.ManualGradingPending {
			t.Error("expected grading complete")
		}
		if graded.ManualScore == nil || *graded.ManualScore != 8 {
			t.Errorf("expected manual score 8, got %v", graded.ManualScore)
		}
		if graded.TotalScore == nil || *graded.TotalScore != 13 {
			t.Errorf("expected total 13 (5 auto + 8 manual), got %v", graded.TotalScore)
		}
		if graded.Percentage != 65 {
			t.Errorf("expected 65%%, got %.1f", graded.Percentage)
		}
		if graded.Passed == nil || !*graded.Passed {
			t.Errorf("expected passed at 65%% against passing score 50, got %v", graded.Passed)
		}

		published := publisher.GetPublishedEvents()
		if len(published) != 1 || published[0].Type != events.EventSubmissionGraded {
			t.Errorf("expected one submission.graded event, got %+v", published)
		}
	})

	t.Run("already graded answer is rejected", func(t *testing.T) {
		_, err := svc.GradeEssayAnswer(ctx, "teacher-1", essayAnswerID, GradeEssayRequest{Score: 9})
		if !errors.Is(err, ErrAnswerNotManuallyGradable) {
			t.Errorf("expected ErrAnswerNotManuallyGradable, got %v", err)
		}
	})
}

func TestGradingService_GetSubmission(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepository()
	svc, _ := newTestGradingService(repo)

	submission := seedSubmissionWithEssay(t, repo)

	t.Run("owner can read", func(t *testing.T) {
		got, err := svc.GetSubmission(ctx, submission.ID, "student-1", models.RoleStudent)
		if err != nil {
			t.Fatalf("GetSubmission failed: %v", err)
		}
		if got.ID != submission.ID {
			t.Errorf("expected submission %d, got %d", submission.ID, got.ID)
		}
	})

	t.Run("other students cannot read", func(t *testing.T) {
		_, err := svc.GetSubmission(ctx, submission.ID, "student-2", models.RoleStudent)
		var permErr *PermissionError
		if !errors.As(err, &permErr) {
			t.Errorf("expected PermissionError, got %v", err)
		}
	})

	t.Run("teachers can read any", func(t *testing.T) {
		if _, err := svc.GetSubmission(ctx, submission.ID, "teacher-1", models.RoleTeacher); err != nil {
			t.Errorf("expected teacher read to succeed: %v", err)
		}
	})
}

func TestGradingService_GetBestAttempt(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepository()
	svc, _ := newTestGradingService(repo)

	// Three attempts: raw scores 11, 16, 17 at 55%, 80%, 80%. The two
	// tied on percentage resolve by the higher auto-graded score.
	seed := func(attemptID uint, number int, auto, points float64, pct float64) {
		repo.submission.Create(ctx, nil, &models.Submission{
			AttemptID:       attemptID,
			TestID:          1,
			StudentID:       "student-1",
			AttemptNumber:   number,
			Trigger:         models.TriggerStudent,
			AutoGradedScore: auto,
			PointsPossible:  points,
			Percentage:      pct,
			SubmittedAt:     time.Now().UTC(),
		})
	}
	seed(1, 1, 11, 20, 55)
	seed(2, 2, 16, 20, 80)
	seed(3, 3, 17, 21.25, 80)

	best, err := svc.GetBestAttempt(ctx, 1, "student-1")
	if err != nil {
		t.Fatalf("GetBestAttempt failed: %v", err)
	}
	if best.AutoGradedScore != 17 {
		t.Errorf("expected tie to resolve to raw 17, got %.1f", best.AutoGradedScore)
	}
	if best.AttemptNumber != 3 {
		t.Errorf("expected attempt 3 as best, got %d", best.AttemptNumber)
	}

	t.Run("no submissions yields not found", func(t *testing.T) {
		_, err := svc.GetBestAttempt(ctx, 1, "student-2")
		if !errors.Is(err, ErrSubmissionNotFound) {
			t.Errorf("expected ErrSubmissionNotFound, got %v", err)
		}
	})
}
