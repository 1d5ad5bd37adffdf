package models

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type TestType string

const (
	// TestLive has a fixed scheduled start shared by all students and a single allowed attempt
	TestLive TestType = "live"
	// TestFlexible can be taken any time inside its availability window
	TestFlexible TestType = "flexible"
)

type QuestionType string

const (
	QuestionMCQ   QuestionType = "mcq"
	QuestionEssay QuestionType = "essay"
)

// Test is the immutable definition students attempt. It is created by a
// teacher and must not change once attempts reference it.
type Test struct {
	ID        uint     `json:"id" gorm:"primaryKey"`
	Title     string   `json:"title" gorm:"not null;size:200"`
	TeacherID string   `json:"teacher_id" gorm:"not null;size:255;index"`
	SubjectID *uint    `json:"subject_id" gorm:"index"`
	ClassID   *uint    `json:"class_id" gorm:"index"`
	Type      TestType `json:"type" gorm:"not null;size:20;index"`

	// Duration in minutes; the per-attempt deadline is started_at + duration
	Duration     int `json:"duration" gorm:"not null"`
	MaxAttempts  int `json:"max_attempts" gorm:"not null;default:1"`
	PassingScore int `json:"passing_score" gorm:"default:0"`

	// Availability window. Flexible tests use AvailableFrom/AvailableTo,
	// live tests use ScheduledStartAt/ActualEndAt.
	AvailableFrom    *time.Time `json:"available_from"`
	AvailableTo      *time.Time `json:"available_to"`
	ScheduledStartAt *time.Time `json:"scheduled_start_at"`
	ActualEndAt      *time.Time `json:"actual_end_at"`

	Questions []TestQuestion `json:"questions,omitempty" gorm:"foreignKey:TestID"`

	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"-" gorm:"index"`
}

func (Test) TableName() string {
	return "tests"
}

// AttemptsAllowed returns the configured attempt limit; live tests are
// fixed at a single attempt regardless of configuration.
func (t *Test) AttemptsAllowed() int {
	if t.Type == TestLive {
		return 1
	}
	if t.MaxAttempts < 1 {
		return 1
	}
	return t.MaxAttempts
}

// IsAvailableAt reports whether the test window is open at the given instant.
func (t *Test) IsAvailableAt(now time.Time) bool {
	switch t.Type {
	case TestLive:
		if t.ScheduledStartAt == nil || now.Before(*t.ScheduledStartAt) {
			return false
		}
		if t.ActualEndAt != nil && now.After(*t.ActualEndAt) {
			return false
		}
		return true
	default:
		if t.AvailableFrom != nil && now.Before(*t.AvailableFrom) {
			return false
		}
		if t.AvailableTo != nil && now.After(*t.AvailableTo) {
			return false
		}
		return true
	}
}

// TotalPoints sums the points of all loaded questions.
func (t *Test) TotalPoints() float64 {
	var total float64
	for _, q := range t.Questions {
		total += q.Points
	}
	return total
}

// TestQuestion is one question inside a test. Options holds the MCQ
// choices as a JSON array; CorrectOption is nil for essay questions.
type TestQuestion struct {
	ID     uint         `json:"id" gorm:"primaryKey"`
	TestID uint         `json:"test_id" gorm:"not null;index"`
	Order  int          `json:"order" gorm:"not null;column:question_order"`
	Type   QuestionType `json:"type" gorm:"not null;size:20"`
	Text   string       `json:"text" gorm:"not null;type:text"`
	Points float64      `json:"points" gorm:"not null;default:1"`

	Options       datatypes.JSON `json:"options,omitempty"`
	CorrectOption *string        `json:"-" gorm:"size:500"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (TestQuestion) TableName() string {
	return "test_questions"
}
