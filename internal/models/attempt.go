package models

import (
	"time"

	"gorm.io/datatypes"
)

type AttemptStatus string

const (
	AttemptNotStarted    AttemptStatus = "not_started"
	AttemptInProgress    AttemptStatus = "in_progress"
	AttemptPaused        AttemptStatus = "paused"
	AttemptSubmitted     AttemptStatus = "submitted"
	AttemptAutoSubmitted AttemptStatus = "auto_submitted"
	AttemptAbandoned     AttemptStatus = "abandoned"
	AttemptTerminated    AttemptStatus = "terminated"
)

// IsTerminal reports whether no further mutation is allowed.
func (s AttemptStatus) IsTerminal() bool {
	switch s {
	case AttemptSubmitted, AttemptAutoSubmitted, AttemptAbandoned, AttemptTerminated:
		return true
	}
	return false
}

// IsCompleted reports whether the attempt finished in a way that permits
// starting a new one. Abandoned and terminated attempts do not count.
func (s AttemptStatus) IsCompleted() bool {
	return s == AttemptSubmitted || s == AttemptAutoSubmitted
}

// IsActive reports whether the attempt still accepts session writes.
func (s AttemptStatus) IsActive() bool {
	return s == AttemptNotStarted || s == AttemptInProgress || s == AttemptPaused
}

type EndReason string

const (
	EndReasonStudentSubmit EndReason = "student_submit"
	EndReasonDeadline      EndReason = "deadline"
	EndReasonAbandoned     EndReason = "abandoned"
	EndReasonTerminated    EndReason = "terminated"
)

// TestAttempt is the durable record of one timed instance of a student
// taking a test. Attempts per (test, student) are totally ordered by
// AttemptNumber; the unique index is the authoritative serializer for
// concurrent starts.
type TestAttempt struct {
	ID            uint          `json:"id" gorm:"primaryKey"`
	TestID        uint          `json:"test_id" gorm:"not null;uniqueIndex:idx_test_student_number;index"`
	StudentID     string        `json:"student_id" gorm:"not null;size:255;uniqueIndex:idx_test_student_number;index"`
	AttemptNumber int           `json:"attempt_number" gorm:"not null;uniqueIndex:idx_test_student_number"`
	Status        AttemptStatus `json:"status" gorm:"not null;size:20;index"`

	// Timing. DeadlineAt = StartedAt + test duration and is the
	// authoritative expiry instant, enforced server-side.
	StartedAt    *time.Time `json:"started_at"`
	LastActiveAt *time.Time `json:"last_active_at"`
	SubmittedAt  *time.Time `json:"submitted_at"`
	DeadlineAt   *time.Time `json:"deadline_at" gorm:"index"`

	// Time accounting in seconds. TimeSpent excludes OfflineTime.
	TotalTimeAllowed int `json:"total_time_allowed" gorm:"not null"`
	TimeSpent        int `json:"time_spent" gorm:"default:0"`
	OfflineTime      int `json:"offline_time" gorm:"default:0"`

	// Progress
	CurrentQuestion   int `json:"current_question" gorm:"default:0"`
	QuestionsAnswered int `json:"questions_answered" gorm:"default:0"`
	TotalQuestions    int `json:"total_questions" gorm:"default:0"`

	// Integrity counters mirrored from the realtime session
	DisconnectCount int `json:"disconnect_count" gorm:"default:0"`
	TabSwitchCount  int `json:"tab_switch_count" gorm:"default:0"`

	EndReason *EndReason `json:"end_reason" gorm:"size:30"`

	Test *Test `json:"test,omitempty" gorm:"foreignKey:TestID"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (TestAttempt) TableName() string {
	return "test_attempts"
}

type AttemptEventType string

const (
	EventAnswerChange AttemptEventType = "answer_change"
	EventNavigation   AttemptEventType = "navigation"
	EventFlagToggle   AttemptEventType = "flag_toggle"
	EventConnection   AttemptEventType = "connection"
	EventTabSwitch    AttemptEventType = "tab_switch"
)

// AttemptEvent is one row of the append-only audit trail. Rows are only
// ever inserted; the repository exposes no update or delete path, which
// enforces the never-overwrite rule structurally.
type AttemptEvent struct {
	ID        uint             `json:"id" gorm:"primaryKey"`
	AttemptID uint             `json:"attempt_id" gorm:"not null;index:idx_attempt_occurred"`
	Type      AttemptEventType `json:"type" gorm:"not null;size:30;index"`

	QuestionID     *uint          `json:"question_id"`
	PreviousValue  datatypes.JSON `json:"previous_value,omitempty"`
	NewValue       datatypes.JSON `json:"new_value,omitempty"`
	TimeOnQuestion int            `json:"time_on_question" gorm:"default:0"`

	OccurredAt time.Time `json:"occurred_at" gorm:"not null;index:idx_attempt_occurred"`
	CreatedAt  time.Time `json:"created_at"`
}

func (AttemptEvent) TableName() string {
	return "attempt_events"
}
