package services

import (
	"context"
	"sort"
	"time"

	"gorm.io/gorm"

	"github.com/classforge/attempt-service/internal/models"
	"github.com/classforge/attempt-service/internal/repositories"
)

// In-memory repository fakes shared by the service tests. Each fake
// honors the same not-found and unique-index semantics as the real
// PostgreSQL implementations.

// ===== TEST REPOSITORY =====

type fakeTestRepo struct {
	tests map[uint]*models.Test
	err   error
}

func newFakeTestRepo() *fakeTestRepo {
	return &fakeTestRepo{tests: map[uint]*models.Test{}}
}

func (f *fakeTestRepo) Create(ctx context.Context, tx *gorm.DB, test *models.Test) error {
	f.tests[test.ID] = test
	return nil
}

func (f *fakeTestRepo) GetByID(ctx context.Context, tx *gorm.DB, id uint) (*models.Test, error) {
	if f.err != nil {
		return nil, f.err
	}
	test, ok := f.tests[id]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	return test, nil
}

func (f *fakeTestRepo) GetByIDWithQuestions(ctx context.Context, tx *gorm.DB, id uint) (*models.Test, error) {
	return f.GetByID(ctx, tx, id)
}

func (f *fakeTestRepo) Update(ctx context.Context, tx *gorm.DB, test *models.Test) error {
	f.tests[test.ID] = test
	return nil
}

func (f *fakeTestRepo) List(ctx context.Context, tx *gorm.DB, filters repositories.TestFilters) ([]*models.Test, int64, error) {
	return nil, 0, nil
}

func (f *fakeTestRepo) HasAttempts(ctx context.Context, tx *gorm.DB, id uint) (bool, error) {
	return false, nil
}

// ===== ATTEMPT REPOSITORY =====

type fakeAttemptRepo struct {
	attempts map[uint]*models.TestAttempt
	nextID   uint

	testRepo *fakeTestRepo

	countErr  error
	latestErr error
	createErr error
}

func newFakeAttemptRepo(testRepo *fakeTestRepo) *fakeAttemptRepo {
	return &fakeAttemptRepo{attempts: map[uint]*models.TestAttempt{}, nextID: 1, testRepo: testRepo}
}

func (f *fakeAttemptRepo) Create(ctx context.Context, tx *gorm.DB, attempt *models.TestAttempt) error {
	if f.createErr != nil {
		return f.createErr
	}
	for _, existing := range f.attempts {
		if existing.TestID == attempt.TestID &&
			existing.StudentID == attempt.StudentID &&
			existing.AttemptNumber == attempt.AttemptNumber {
			return gorm.ErrDuplicatedKey
		}
	}
	attempt.ID = f.nextID
	f.nextID++
	f.attempts[attempt.ID] = attempt
	return nil
}

func (f *fakeAttemptRepo) GetByID(ctx context.Context, tx *gorm.DB, id uint) (*models.TestAttempt, error) {
	attempt, ok := f.attempts[id]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	return attempt, nil
}

func (f *fakeAttemptRepo) GetByIDWithTest(ctx context.Context, tx *gorm.DB, id uint) (*models.TestAttempt, error) {
	attempt, err := f.GetByID(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if f.testRepo != nil {
		attempt.Test = f.testRepo.tests[attempt.TestID]
	}
	return attempt, nil
}

func (f *fakeAttemptRepo) Update(ctx context.Context, tx *gorm.DB, attempt *models.TestAttempt) error {
	f.attempts[attempt.ID] = attempt
	return nil
}

func (f *fakeAttemptRepo) GetByTestAndStudent(ctx context.Context, tx *gorm.DB, testID uint, studentID string) ([]*models.TestAttempt, error) {
	var out []*models.TestAttempt
	for _, a := range f.attempts {
		if a.TestID == testID && a.StudentID == studentID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AttemptNumber < out[j].AttemptNumber })
	return out, nil
}

func (f *fakeAttemptRepo) GetLatest(ctx context.Context, tx *gorm.DB, testID uint, studentID string) (*models.TestAttempt, error) {
	if f.latestErr != nil {
		return nil, f.latestErr
	}
	all, _ := f.GetByTestAndStudent(ctx, tx, testID, studentID)
	if len(all) == 0 {
		return nil, repositories.ErrNotFound
	}
	return all[len(all)-1], nil
}

func (f *fakeAttemptRepo) CountByTestAndStudent(ctx context.Context, tx *gorm.DB, testID uint, studentID string) (int, error) {
	if f.countErr != nil {
		return 0, f.countErr
	}
	all, _ := f.GetByTestAndStudent(ctx, tx, testID, studentID)
	return len(all), nil
}

func (f *fakeAttemptRepo) NextAttemptNumber(ctx context.Context, tx *gorm.DB, testID uint, studentID string) (int, error) {
	all, _ := f.GetByTestAndStudent(ctx, tx, testID, studentID)
	max := 0
	for _, a := range all {
		if a.AttemptNumber > max {
			max = a.AttemptNumber
		}
	}
	return max + 1, nil
}

func (f *fakeAttemptRepo) LockForFinalize(ctx context.Context, tx *gorm.DB, id uint, to models.AttemptStatus) (bool, error) {
	attempt, ok := f.attempts[id]
	if !ok || !attempt.Status.IsActive() {
		return false, nil
	}
	attempt.Status = to
	return true, nil
}

func (f *fakeAttemptRepo) GetExpired(ctx context.Context, tx *gorm.DB, now time.Time, limit int) ([]*models.TestAttempt, error) {
	var out []*models.TestAttempt
	for _, a := range f.attempts {
		if a.Status.IsActive() && a.DeadlineAt != nil && !a.DeadlineAt.After(now) {
			out = append(out, a)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeAttemptRepo) UpdateActivity(ctx context.Context, tx *gorm.DB, id uint, update repositories.ActivityUpdate) error {
	attempt, ok := f.attempts[id]
	if !ok {
		return repositories.ErrNotFound
	}
	attempt.Status = update.Status
	attempt.LastActiveAt = &update.LastActiveAt
	attempt.TimeSpent = update.TimeSpent
	attempt.OfflineTime = update.OfflineTime
	attempt.CurrentQuestion = update.CurrentQuestion
	attempt.QuestionsAnswered = update.QuestionsAnswered
	attempt.DisconnectCount = update.DisconnectCount
	attempt.TabSwitchCount = update.TabSwitchCount
	return nil
}

func (f *fakeAttemptRepo) List(ctx context.Context, tx *gorm.DB, filters repositories.AttemptFilters) ([]*models.TestAttempt, int64, error) {
	return nil, 0, nil
}

// ===== ATTEMPT EVENT REPOSITORY =====

type fakeEventRepo struct {
	events    []*models.AttemptEvent
	nextID    uint
	appendErr error
	listErr   error
}

func newFakeEventRepo() *fakeEventRepo {
	return &fakeEventRepo{nextID: 1}
}

func (f *fakeEventRepo) Append(ctx context.Context, tx *gorm.DB, event *models.AttemptEvent) error {
	if f.appendErr != nil {
		return f.appendErr
	}
	event.ID = f.nextID
	f.nextID++
	f.events = append(f.events, event)
	return nil
}

func (f *fakeEventRepo) AppendBatch(ctx context.Context, tx *gorm.DB, events []*models.AttemptEvent) error {
	for _, ev := range events {
		if err := f.Append(ctx, tx, ev); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeEventRepo) ListByAttempt(ctx context.Context, tx *gorm.DB, attemptID uint) ([]*models.AttemptEvent, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []*models.AttemptEvent
	for _, ev := range f.events {
		if ev.AttemptID == attemptID {
			out = append(out, ev)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].OccurredAt.Before(out[j].OccurredAt) })
	return out, nil
}

func (f *fakeEventRepo) CountByType(ctx context.Context, tx *gorm.DB, attemptID uint, eventType models.AttemptEventType) (int64, error) {
	var count int64
	for _, ev := range f.events {
		if ev.AttemptID == attemptID && ev.Type == eventType {
			count++
		}
	}
	return count, nil
}

// ===== SUBMISSION REPOSITORY =====

type fakeSubmissionRepo struct {
	submissions map[uint]*models.Submission
	nextID      uint
	nextAnswer  uint

	createErr error
}

func newFakeSubmissionRepo() *fakeSubmissionRepo {
	return &fakeSubmissionRepo{submissions: map[uint]*models.Submission{}, nextID: 1, nextAnswer: 1}
}

func (f *fakeSubmissionRepo) Create(ctx context.Context, tx *gorm.DB, submission *models.Submission) error {
	if f.createErr != nil {
		return f.createErr
	}
	for _, existing := range f.submissions {
		if existing.AttemptID == submission.AttemptID {
			return gorm.ErrDuplicatedKey
		}
	}
	submission.ID = f.nextID
	f.nextID++
	for i := range submission.Answers {
		submission.Answers[i].ID = f.nextAnswer
		submission.Answers[i].SubmissionID = submission.ID
		f.nextAnswer++
	}
	f.submissions[submission.ID] = submission
	return nil
}

func (f *fakeSubmissionRepo) GetByID(ctx context.Context, tx *gorm.DB, id uint) (*models.Submission, error) {
	submission, ok := f.submissions[id]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	return submission, nil
}

func (f *fakeSubmissionRepo) GetByAttempt(ctx context.Context, tx *gorm.DB, attemptID uint) (*models.Submission, error) {
	for _, s := range f.submissions {
		if s.AttemptID == attemptID {
			return s, nil
		}
	}
	return nil, repositories.ErrNotFound
}

func (f *fakeSubmissionRepo) GetByTestAndStudent(ctx context.Context, tx *gorm.DB, testID uint, studentID string) ([]*models.Submission, error) {
	var out []*models.Submission
	for _, s := range f.submissions {
		if s.TestID == testID && s.StudentID == studentID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AttemptNumber < out[j].AttemptNumber })
	return out, nil
}

func (f *fakeSubmissionRepo) ListByTest(ctx context.Context, tx *gorm.DB, testID uint) ([]*models.Submission, error) {
	var out []*models.Submission
	for _, s := range f.submissions {
		if s.TestID == testID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeSubmissionRepo) GetAnswer(ctx context.Context, tx *gorm.DB, answerID uint) (*models.SubmissionAnswer, error) {
	for _, s := range f.submissions {
		for i := range s.Answers {
			if s.Answers[i].ID == answerID {
				return &s.Answers[i], nil
			}
		}
	}
	return nil, repositories.ErrNotFound
}

func (f *fakeSubmissionRepo) UpdateAnswerGrade(ctx context.Context, tx *gorm.DB, answerID uint, score float64, feedback *string, graderID string) error {
	for _, s := range f.submissions {
		for i := range s.Answers {
			if s.Answers[i].ID == answerID {
				now := time.Now()
				s.Answers[i].Score = &score
				s.Answers[i].Feedback = feedback
				s.Answers[i].GradedBy = &graderID
				s.Answers[i].GradedAt = &now
				s.Answers[i].ManualGradingPending = false
				return nil
			}
		}
	}
	return repositories.ErrNotFound
}

func (f *fakeSubmissionRepo) UpdateTotals(ctx context.Context, tx *gorm.DB, submissionID uint, totals repositories.SubmissionTotals) error {
	s, ok := f.submissions[submissionID]
	if !ok {
		return repositories.ErrNotFound
	}
	s.ManualScore = totals.ManualScore
	s.TotalScore = totals.TotalScore
	s.Percentage = totals.Percentage
	s.Passed = totals.Passed
	s.ManualGradingPending = totals.ManualGradingPending
	return nil
}

// ===== USER REPOSITORY =====

type fakeUserRepo struct {
	users map[string]*models.User
}

func newFakeUserRepo() *fakeUserRepo {
	return &fakeUserRepo{users: map[string]*models.User{}}
}

func (f *fakeUserRepo) GetByID(ctx context.Context, id string) (*models.User, error) {
	user, ok := f.users[id]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	return user, nil
}

func (f *fakeUserRepo) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	for _, u := range f.users {
		if u.Email == email {
			return u, nil
		}
	}
	return nil, repositories.ErrNotFound
}

// ===== SESSION STORE =====

type fakeSessionStore struct {
	sessions map[uint]*models.LiveSession
	getErr   error
	saveErr  error
}

func newFakeSessionStore() *fakeSessionStore {
	return &fakeSessionStore{sessions: map[uint]*models.LiveSession{}}
}

func (f *fakeSessionStore) Save(ctx context.Context, session *models.LiveSession) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	f.sessions[session.AttemptID] = session
	return nil
}

func (f *fakeSessionStore) Get(ctx context.Context, attemptID uint) (*models.LiveSession, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	session, ok := f.sessions[attemptID]
	if !ok {
		return nil, repositories.ErrSessionNotFound
	}
	return session, nil
}

func (f *fakeSessionStore) Delete(ctx context.Context, attemptID uint) error {
	delete(f.sessions, attemptID)
	return nil
}

// ===== AGGREGATE =====

type fakeRepository struct {
	test       *fakeTestRepo
	attempt    *fakeAttemptRepo
	event      *fakeEventRepo
	submission *fakeSubmissionRepo
	user       *fakeUserRepo
	session    *fakeSessionStore
}

func newFakeRepository() *fakeRepository {
	testRepo := newFakeTestRepo()
	return &fakeRepository{
		test:       testRepo,
		attempt:    newFakeAttemptRepo(testRepo),
		event:      newFakeEventRepo(),
		submission: newFakeSubmissionRepo(),
		user:       newFakeUserRepo(),
		session:    newFakeSessionStore(),
	}
}

func (f *fakeRepository) Test() repositories.TestRepository                 { return f.test }
func (f *fakeRepository) Attempt() repositories.AttemptRepository           { return f.attempt }
func (f *fakeRepository) AttemptEvent() repositories.AttemptEventRepository { return f.event }
func (f *fakeRepository) Submission() repositories.SubmissionRepository     { return f.submission }
func (f *fakeRepository) User() repositories.UserRepository                 { return f.user }
func (f *fakeRepository) Session() repositories.SessionStore                { return f.session }

// WithTransaction mimics rollback for the stores the real transaction
// covers: attempt and submission writes made by fn are discarded when
// it returns an error.
func (f *fakeRepository) WithTransaction(ctx context.Context, fn func(repositories.Repository) error) error {
	attempts := make(map[uint]*models.TestAttempt, len(f.attempt.attempts))
	for id, a := range f.attempt.attempts {
		copied := *a
		attempts[id] = &copied
	}
	submissions := make(map[uint]*models.Submission, len(f.submission.submissions))
	for id, s := range f.submission.submissions {
		copied := *s
		submissions[id] = &copied
	}

	if err := fn(f); err != nil {
		f.attempt.attempts = attempts
		f.submission.submissions = submissions
		return err
	}
	return nil
}

func (f *fakeRepository) Ping(ctx context.Context) error { return nil }
func (f *fakeRepository) Close() error                   { return nil }
