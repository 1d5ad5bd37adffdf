package repositories

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/classforge/attempt-service/internal/models"
)

// ErrNotFound is returned by repositories when a record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrSessionNotFound is returned by the session store when no realtime
// projection exists for an attempt.
var ErrSessionNotFound = errors.New("session not found")

// IsNotFoundError reports whether err is a missing-record condition from
// either the repositories or gorm directly.
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, gorm.ErrRecordNotFound)
}

// TestRepository provides read-mostly access to test definitions.
type TestRepository interface {
	Create(ctx context.Context, tx *gorm.DB, test *models.Test) error
	GetByID(ctx context.Context, tx *gorm.DB, id uint) (*models.Test, error)
	GetByIDWithQuestions(ctx context.Context, tx *gorm.DB, id uint) (*models.Test, error)
	Update(ctx context.Context, tx *gorm.DB, test *models.Test) error
	List(ctx context.Context, tx *gorm.DB, filters TestFilters) ([]*models.Test, int64, error)
	HasAttempts(ctx context.Context, tx *gorm.DB, id uint) (bool, error)
}

// AttemptRepository owns the durable attempt records.
type AttemptRepository interface {
	Create(ctx context.Context, tx *gorm.DB, attempt *models.TestAttempt) error
	GetByID(ctx context.Context, tx *gorm.DB, id uint) (*models.TestAttempt, error)
	GetByIDWithTest(ctx context.Context, tx *gorm.DB, id uint) (*models.TestAttempt, error)
	Update(ctx context.Context, tx *gorm.DB, attempt *models.TestAttempt) error

	// GetByTestAndStudent returns all attempts ordered by attempt_number ascending.
	GetByTestAndStudent(ctx context.Context, tx *gorm.DB, testID uint, studentID string) ([]*models.TestAttempt, error)
	GetLatest(ctx context.Context, tx *gorm.DB, testID uint, studentID string) (*models.TestAttempt, error)
	CountByTestAndStudent(ctx context.Context, tx *gorm.DB, testID uint, studentID string) (int, error)
	NextAttemptNumber(ctx context.Context, tx *gorm.DB, testID uint, studentID string) (int, error)

	// LockForFinalize atomically moves an attempt out of an active status.
	// It returns false when the attempt was already terminal, which means
	// the caller lost the finalization race.
	LockForFinalize(ctx context.Context, tx *gorm.DB, id uint, to models.AttemptStatus) (bool, error)

	// GetExpired returns active attempts whose deadline has passed.
	GetExpired(ctx context.Context, tx *gorm.DB, now time.Time, limit int) ([]*models.TestAttempt, error)

	UpdateActivity(ctx context.Context, tx *gorm.DB, id uint, update ActivityUpdate) error
	List(ctx context.Context, tx *gorm.DB, filters AttemptFilters) ([]*models.TestAttempt, int64, error)
}

// ActivityUpdate carries the mutable heartbeat-driven fields of an
// active attempt.
type ActivityUpdate struct {
	Status            models.AttemptStatus
	LastActiveAt      time.Time
	TimeSpent         int
	OfflineTime       int
	CurrentQuestion   int
	QuestionsAnswered int
	DisconnectCount   int
	TabSwitchCount    int
}

// AttemptEventRepository is insert-only: the audit trail must never be
// compacted or overwritten, so no update or delete is exposed.
type AttemptEventRepository interface {
	Append(ctx context.Context, tx *gorm.DB, event *models.AttemptEvent) error
	AppendBatch(ctx context.Context, tx *gorm.DB, events []*models.AttemptEvent) error
	ListByAttempt(ctx context.Context, tx *gorm.DB, attemptID uint) ([]*models.AttemptEvent, error)
	CountByType(ctx context.Context, tx *gorm.DB, attemptID uint, eventType models.AttemptEventType) (int64, error)
}

// SubmissionRepository owns the finalized submissions and their answers.
type SubmissionRepository interface {
	Create(ctx context.Context, tx *gorm.DB, submission *models.Submission) error
	GetByID(ctx context.Context, tx *gorm.DB, id uint) (*models.Submission, error)
	GetByAttempt(ctx context.Context, tx *gorm.DB, attemptID uint) (*models.Submission, error)
	GetByTestAndStudent(ctx context.Context, tx *gorm.DB, testID uint, studentID string) ([]*models.Submission, error)
	ListByTest(ctx context.Context, tx *gorm.DB, testID uint) ([]*models.Submission, error)

	GetAnswer(ctx context.Context, tx *gorm.DB, answerID uint) (*models.SubmissionAnswer, error)
	UpdateAnswerGrade(ctx context.Context, tx *gorm.DB, answerID uint, score float64, feedback *string, graderID string) error
	UpdateTotals(ctx context.Context, tx *gorm.DB, submissionID uint, totals SubmissionTotals) error
}

// SubmissionTotals carries recomputed scores after manual grading.
type SubmissionTotals struct {
	ManualScore          *float64
	TotalScore           *float64
	Percentage           float64
	Passed               *bool
	ManualGradingPending bool
}

// UserRepository resolves verified identities.
type UserRepository interface {
	GetByID(ctx context.Context, id string) (*models.User, error)
	GetByEmail(ctx context.Context, email string) (*models.User, error)
}

// SessionStore is the realtime projection of in-progress attempts. It is
// a staging area, not the system of record; reads at finalization are
// best-effort.
type SessionStore interface {
	Save(ctx context.Context, session *models.LiveSession) error
	Get(ctx context.Context, attemptID uint) (*models.LiveSession, error)
	Delete(ctx context.Context, attemptID uint) error
}

// ===== FILTERS =====

type TestFilters struct {
	TeacherID *string
	Type      *models.TestType
	SubjectID *uint
	ClassID   *uint
	Limit     int
	Offset    int
	SortBy    string
	SortOrder string
}

type AttemptFilters struct {
	TestID    *uint
	StudentID *string
	Status    *models.AttemptStatus
	DateFrom  *time.Time
	DateTo    *time.Time
	Limit     int
	Offset    int
	SortBy    string
	SortOrder string
}
