package services

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/classforge/attempt-service/internal/models"
)

func newTestExportService(repo *fakeRepository) *exportService {
	return &exportService{
		repo:   repo,
		logger: testLogger(),
	}
}

func TestExportService_ExportResults(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepository()
	svc := newTestExportService(repo)

	repo.test.tests[1] = testWithQuestions(1)

	seed := func(attemptID uint, student string, number int, auto, pct float64) {
		repo.submission.Create(ctx, nil, &models.Submission{
			AttemptID:       attemptID,
			TestID:          1,
			StudentID:       student,
			AttemptNumber:   number,
			Trigger:         models.TriggerStudent,
			AutoGradedScore: auto,
			PointsPossible:  20,
			Percentage:      pct,
			SubmittedAt:     time.Now().UTC(),
		})
	}
	// Three attempts for one student, one for the other. The workbook
	// carries one row per student, showing the best attempt.
	seed(1, "student-1", 1, 11, 55)
	seed(2, "student-1", 2, 16, 80)
	seed(3, "student-1", 3, 17, 80)
	seed(4, "student-2", 1, 10, 50)

	data, err := svc.ExportResults(ctx, 1, "teacher-1")
	if err != nil {
		t.Fatalf("ExportResults failed: %v", err)
	}

	file, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("failed to open exported workbook: %v", err)
	}
	defer file.Close()

	rows, err := file.GetRows("Results")
	if err != nil {
		t.Fatalf("failed to read Results sheet: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected header plus one row per student, got %d rows", len(rows))
	}
	if rows[0][0] != "Student ID" {
		t.Errorf("expected header row, got %v", rows[0])
	}
	if rows[1][0] != "student-1" || rows[1][1] != "3" {
		t.Errorf("expected student-1 row to carry best attempt 3, got %v", rows[1][:2])
	}
	if rows[2][0] != "student-2" || rows[2][1] != "1" {
		t.Errorf("expected student-2 row with attempt 1, got %v", rows[2][:2])
	}

	t.Run("foreign teacher cannot export", func(t *testing.T) {
		_, err := svc.ExportResults(ctx, 1, "teacher-2")
		var permErr *PermissionError
		if !errors.As(err, &permErr) {
			t.Errorf("expected PermissionError, got %v", err)
		}
	})

	t.Run("missing test yields not found", func(t *testing.T) {
		_, err := svc.ExportResults(ctx, 99, "teacher-1")
		if !errors.Is(err, ErrTestNotFound) {
			t.Errorf("expected ErrTestNotFound, got %v", err)
		}
	})
}
