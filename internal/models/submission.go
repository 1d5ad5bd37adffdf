package models

import (
	"time"

	"gorm.io/datatypes"
)

type SubmissionTrigger string

const (
	TriggerStudent  SubmissionTrigger = "student"
	TriggerDeadline SubmissionTrigger = "deadline"
)

// Submission is the durable, gradable artifact produced exactly once per
// attempt at finalization. After creation only manual grading mutates it;
// answers and the integrity report are immutable.
type Submission struct {
	ID        uint   `json:"id" gorm:"primaryKey"`
	AttemptID uint   `json:"attempt_id" gorm:"not null;uniqueIndex"`
	TestID    uint   `json:"test_id" gorm:"not null;index"`
	StudentID string `json:"student_id" gorm:"not null;size:255;index"`

	AttemptNumber int               `json:"attempt_number" gorm:"not null"`
	Trigger       SubmissionTrigger `json:"trigger" gorm:"not null;size:20"`

	// AutoGradedScore covers MCQ items only. TotalScore stays nil until
	// every essay answer has been graded.
	AutoGradedScore float64  `json:"auto_graded_score" gorm:"default:0"`
	ManualScore     *float64 `json:"manual_score"`
	TotalScore      *float64 `json:"total_score"`
	PointsPossible  float64  `json:"points_possible" gorm:"default:0"`
	Percentage      float64  `json:"percentage" gorm:"default:0"`
	Passed          *bool    `json:"passed"`

	ManualGradingPending bool `json:"manual_grading_pending" gorm:"default:false"`

	// IntegrityReport is copied verbatim from the realtime session at
	// finalization and never rewritten.
	IntegrityReport datatypes.JSON `json:"integrity_report,omitempty"`

	SubmittedAt time.Time `json:"submitted_at" gorm:"not null"`

	Answers []SubmissionAnswer `json:"answers,omitempty" gorm:"foreignKey:SubmissionID"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Submission) TableName() string {
	return "submissions"
}

// SubmissionAnswer is one finalized answer. MCQ answers are scored at
// finalization; essay answers carry ManualGradingPending until a teacher
// grades them.
type SubmissionAnswer struct {
	ID           uint         `json:"id" gorm:"primaryKey"`
	SubmissionID uint         `json:"submission_id" gorm:"not null;index"`
	QuestionID   uint         `json:"question_id" gorm:"not null;index"`
	QuestionType QuestionType `json:"question_type" gorm:"not null;size:20"`

	SelectedOption *string `json:"selected_option" gorm:"size:500"`
	EssayText      *string `json:"essay_text" gorm:"type:text"`

	PointsPossible float64  `json:"points_possible" gorm:"default:0"`
	Score          *float64 `json:"score"`
	IsCorrect      *bool    `json:"is_correct"`

	ManualGradingPending bool       `json:"manual_grading_pending" gorm:"default:false"`
	GradedBy             *string    `json:"graded_by" gorm:"size:255"`
	GradedAt             *time.Time `json:"graded_at"`
	Feedback             *string    `json:"feedback" gorm:"type:text"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (SubmissionAnswer) TableName() string {
	return "submission_answers"
}
