package services

import (
	"context"
	"time"

	"gorm.io/datatypes"

	"github.com/classforge/attempt-service/internal/models"
)

// ===== REQUEST / RESPONSE TYPES =====

type StartAttemptRequest struct {
	TestID uint `json:"test_id" validate:"required"`
}

// QuestionView is a question as shown to a student mid-attempt. The
// correct option is stripped before anything leaves the service layer.
type QuestionView struct {
	ID      uint                `json:"id"`
	Order   int                 `json:"order"`
	Type    models.QuestionType `json:"type"`
	Text    string              `json:"text"`
	Points  float64             `json:"points"`
	Options datatypes.JSON      `json:"options,omitempty"`
}

// TimeAccounting is the derived timing view of an attempt, in seconds.
// Invariant: TimeSpent + OfflineTime + TimeRemaining == TotalAllowed.
type TimeAccounting struct {
	TotalAllowed  int `json:"total_allowed"`
	TimeSpent     int `json:"time_spent"`
	OfflineTime   int `json:"offline_time"`
	TimeRemaining int `json:"time_remaining"`
}

type AttemptResponse struct {
	ID            uint                 `json:"id"`
	TestID        uint                 `json:"test_id"`
	StudentID     string               `json:"student_id"`
	AttemptNumber int                  `json:"attempt_number"`
	Status        models.AttemptStatus `json:"status"`

	StartedAt  *time.Time `json:"started_at,omitempty"`
	DeadlineAt *time.Time `json:"deadline_at,omitempty"`

	Time TimeAccounting `json:"time"`

	CurrentQuestion   int `json:"current_question"`
	QuestionsAnswered int `json:"questions_answered"`
	TotalQuestions    int `json:"total_questions"`

	Questions []QuestionView `json:"questions,omitempty"`
}

// AttemptInfo summarizes a student's standing against a test's attempt
// policy. TimeUntilNextAttempt is a cooldown extension point and is
// always nil today.
type AttemptInfo struct {
	AttemptsAllowed      int            `json:"attempts_allowed"`
	AttemptsUsed         int            `json:"attempts_used"`
	CanReAttempt         bool           `json:"can_re_attempt"`
	NextAttemptNumber    int            `json:"next_attempt_number"`
	TimeUntilNextAttempt *time.Duration `json:"time_until_next_attempt,omitempty"`
}

// StartValidation is the pass/fail outcome of the start gate. Reason is
// student-facing; a false CanStart is not an error.
type StartValidation struct {
	CanStart bool   `json:"can_start"`
	Reason   string `json:"reason,omitempty"`
}

type HeartbeatRequest struct {
	// Connected false reports a client-observed disconnect and pauses
	// the attempt; true (the default) resumes it.
	Connected       *bool `json:"connected"`
	CurrentQuestion int   `json:"current_question"`
	TabSwitched     bool  `json:"tab_switched"`
}

type HeartbeatResponse struct {
	Status models.AttemptStatus `json:"status"`
	Time   TimeAccounting       `json:"time"`
}

type AnswerChangeRequest struct {
	QuestionID     uint   `json:"question_id" validate:"required"`
	Value          string `json:"value"`
	TimeOnQuestion int    `json:"time_on_question" validate:"min=0"`
}

type NavigationRequest struct {
	FromQuestion int `json:"from_question" validate:"min=0"`
	ToQuestion   int `json:"to_question" validate:"min=0"`
}

type FlagRequest struct {
	QuestionID uint `json:"question_id" validate:"required"`
	Flagged    bool `json:"flagged"`
}

type GradeEssayRequest struct {
	Score    float64 `json:"score" validate:"min=0"`
	Feedback *string `json:"feedback"`
}

// ===== SERVICE INTERFACES =====

// PolicyService gates the creation of new attempts.
type PolicyService interface {
	GetAttemptInfo(ctx context.Context, testID uint, studentID string) (*AttemptInfo, error)
	ValidateAttemptStart(ctx context.Context, testID uint, studentID string) (*StartValidation, error)

	// GetTimeUntilNextAttempt is a cooldown extension point; it always
	// returns nil until cooldown behavior is specified.
	GetTimeUntilNextAttempt(ctx context.Context, testID uint, studentID string) (*time.Duration, error)
}

// SessionService drives the realtime attempt state machine.
type SessionService interface {
	StartAttempt(ctx context.Context, studentID string, req StartAttemptRequest) (*AttemptResponse, error)
	GetAttempt(ctx context.Context, attemptID uint, studentID string) (*AttemptResponse, error)
	Heartbeat(ctx context.Context, attemptID uint, studentID string, req HeartbeatRequest) (*HeartbeatResponse, error)
	RecordAnswerChange(ctx context.Context, attemptID uint, studentID string, req AnswerChangeRequest) error
	RecordNavigation(ctx context.Context, attemptID uint, studentID string, req NavigationRequest) error
	ToggleFlag(ctx context.Context, attemptID uint, studentID string, req FlagRequest) error
	GetTimeRemaining(ctx context.Context, attemptID uint, studentID string) (*TimeAccounting, error)
}

// FinalizerService converts a terminal session into exactly one durable
// submission.
type FinalizerService interface {
	// Submit is the student-triggered path; it enforces ownership before
	// finalizing.
	Submit(ctx context.Context, attemptID uint, studentID string) (*models.Submission, error)

	// Finalize is idempotent: invoked on an already-terminal attempt it
	// returns the existing submission without modification.
	Finalize(ctx context.Context, attemptID uint, trigger models.SubmissionTrigger) (*models.Submission, error)

	// SweepExpired auto-submits attempts past their deadline and returns
	// how many were finalized.
	SweepExpired(ctx context.Context) (int, error)
}

// GradingService covers manual essay grading and result selection.
type GradingService interface {
	GradeEssayAnswer(ctx context.Context, graderID string, answerID uint, req GradeEssayRequest) (*models.Submission, error)
	GetSubmission(ctx context.Context, submissionID uint, requesterID string, role models.UserRole) (*models.Submission, error)
	GetBestAttempt(ctx context.Context, testID uint, studentID string) (*models.Submission, error)
}

// ExportService produces teacher-facing result workbooks.
type ExportService interface {
	ExportResults(ctx context.Context, testID uint, requesterID string) ([]byte, error)
}

// ServiceManager manages the lifecycle of all services.
type ServiceManager interface {
	Policy() PolicyService
	Session() SessionService
	Finalizer() FinalizerService
	Grading() GradingService
	Export() ExportService

	Initialize(ctx context.Context) error
	HealthCheck(ctx context.Context) error
	Shutdown(ctx context.Context) error
}
