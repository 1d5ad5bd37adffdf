package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/xuri/excelize/v2"
	"gorm.io/gorm"

	"github.com/classforge/attempt-service/internal/models"
	"github.com/classforge/attempt-service/internal/repositories"
)

type exportService struct {
	repo   repositories.Repository
	db     *gorm.DB
	logger *slog.Logger
}

func NewExportService(repo repositories.Repository, db *gorm.DB, logger *slog.Logger) ExportService {
	return &exportService{
		repo:   repo,
		db:     db,
		logger: logger,
	}
}

var exportHeaders = []string{
	"Student ID", "Attempt #", "Trigger", "Submitted At",
	"Auto Score", "Manual Score", "Total Score", "Points Possible",
	"Percentage", "Passed", "Grading Pending",
	"Tab Switches", "Disconnects",
}

// ExportResults builds an xlsx workbook with one row per student,
// showing that student's best attempt. Only the owning teacher or an
// admin may export.
func (s *exportService) ExportResults(ctx context.Context, testID uint, requesterID string) ([]byte, error) {
	test, err := s.repo.Test().GetByID(ctx, nil, testID)
	if err != nil {
		if repositories.IsNotFoundError(err) {
			return nil, ErrTestNotFound
		}
		return nil, NewTransientStoreError("test lookup", err)
	}
	if err := s.authorizeExport(ctx, requesterID, test); err != nil {
		return nil, err
	}

	submissions, err := s.repo.Submission().ListByTest(ctx, nil, testID)
	if err != nil {
		return nil, NewTransientStoreError("submission list", err)
	}
	rows := bestPerStudent(submissions)

	file := excelize.NewFile()
	defer file.Close()

	const sheet = "Results"
	file.SetSheetName("Sheet1", sheet)

	for col, header := range exportHeaders {
		cell, _ := excelize.CoordinatesToCellName(col+1, 1)
		file.SetCellValue(sheet, cell, header)
	}

	for row, submission := range rows {
		values := s.exportRow(submission)
		for col, value := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, row+2)
			file.SetCellValue(sheet, cell, value)
		}
	}

	buf, err := file.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("failed to write results workbook: %w", err)
	}

	s.logger.Info("results exported",
		"test_id", testID,
		"requester_id", requesterID,
		"students", len(rows))

	return buf.Bytes(), nil
}

// bestPerStudent collapses the submission list to each student's best
// attempt, using the same selection the best-attempt endpoint applies,
// ordered by student ID for stable workbooks.
func bestPerStudent(submissions []*models.Submission) []*models.Submission {
	byStudent := map[string][]*models.Submission{}
	for _, submission := range submissions {
		byStudent[submission.StudentID] = append(byStudent[submission.StudentID], submission)
	}

	students := make([]string, 0, len(byStudent))
	for studentID := range byStudent {
		students = append(students, studentID)
	}
	sort.Strings(students)

	out := make([]*models.Submission, 0, len(students))
	for _, studentID := range students {
		out = append(out, bestSubmission(byStudent[studentID]))
	}
	return out
}

func (s *exportService) exportRow(submission *models.Submission) []interface{} {
	manualScore := ""
	if submission.ManualScore != nil {
		manualScore = fmt.Sprintf("%.2f", *submission.ManualScore)
	}
	totalScore := ""
	if submission.TotalScore != nil {
		totalScore = fmt.Sprintf("%.2f", *submission.TotalScore)
	}
	passed := ""
	if submission.Passed != nil {
		passed = fmt.Sprintf("%t", *submission.Passed)
	}

	var report models.IntegrityReport
	if len(submission.IntegrityReport) > 0 {
		// Best-effort decode; a malformed report exports as zeros.
		_ = json.Unmarshal(submission.IntegrityReport, &report)
	}

	return []interface{}{
		submission.StudentID,
		submission.AttemptNumber,
		string(submission.Trigger),
		submission.SubmittedAt.Format(time.RFC3339),
		submission.AutoGradedScore,
		manualScore,
		totalScore,
		submission.PointsPossible,
		submission.Percentage,
		passed,
		submission.ManualGradingPending,
		report.TabSwitches,
		report.Disconnects,
	}
}

func (s *exportService) authorizeExport(ctx context.Context, requesterID string, test *models.Test) error {
	if test.TeacherID == requesterID {
		return nil
	}
	user, err := s.repo.User().GetByID(ctx, requesterID)
	if err == nil && user.Role == models.RoleAdmin {
		return nil
	}
	return NewPermissionError(requesterID, "export results for this test")
}
