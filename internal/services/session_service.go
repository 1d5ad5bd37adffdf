package services

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/classforge/attempt-service/internal/config"
	"github.com/classforge/attempt-service/internal/events"
	"github.com/classforge/attempt-service/internal/models"
	"github.com/classforge/attempt-service/internal/repositories"
	"github.com/classforge/attempt-service/internal/validator"
)

type sessionService struct {
	repo      repositories.Repository
	db        *gorm.DB
	logger    *slog.Logger
	validator *validator.Validator
	policy    PolicyService
	publisher events.EventPublisher
	cfg       config.SessionConfig

	now func() time.Time
}

func NewSessionService(repo repositories.Repository, db *gorm.DB, logger *slog.Logger, v *validator.Validator, policy PolicyService, publisher events.EventPublisher, cfg config.SessionConfig) SessionService {
	return &sessionService{
		repo:      repo,
		db:        db,
		logger:    logger,
		validator: v,
		policy:    policy,
		publisher: publisher,
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// ===== ATTEMPT START =====

// StartAttempt runs the policy gate and creates the durable attempt plus
// its realtime session. The attempt number is assigned inside the insert
// transaction; the unique (test, student, number) index serializes
// concurrent starts, and the loser retries once with the next number.
func (s *sessionService) StartAttempt(ctx context.Context, studentID string, req StartAttemptRequest) (*AttemptResponse, error) {
	if verr := s.validator.Validate(req); verr != nil {
		return nil, verr
	}

	validation, err := s.policy.ValidateAttemptStart(ctx, req.TestID, studentID)
	if err != nil {
		return nil, err
	}
	if !validation.CanStart {
		return nil, NewBusinessRuleError("attempt_start", validation.Reason)
	}

	test, err := s.repo.Test().GetByIDWithQuestions(ctx, nil, req.TestID)
	if err != nil {
		if repositories.IsNotFoundError(err) {
			return nil, ErrTestNotFound
		}
		return nil, NewTransientStoreError("test lookup", err)
	}

	var attempt *models.TestAttempt
	for retry := 0; retry < 2; retry++ {
		attempt, err = s.createAttempt(ctx, test, studentID)
		if err == nil {
			break
		}
		if !errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, NewTransientStoreError("attempt create", err)
		}
		// Lost the attempt-number race; one retry picks up the next number.
	}
	if err != nil {
		return nil, NewTransientStoreError("attempt create", err)
	}

	session := s.newSession(attempt, test)
	if err := s.repo.Session().Save(ctx, session); err != nil {
		// The durable attempt exists; the projection will be rebuilt from
		// it on the next session operation.
		s.logger.Warn("failed to save realtime session at start",
			"attempt_id", attempt.ID, "error", err)
	}

	s.publish(ctx, events.EventAttemptStarted, map[string]interface{}{
		"attempt_id":     attempt.ID,
		"test_id":        test.ID,
		"student_id":     studentID,
		"attempt_number": attempt.AttemptNumber,
	})

	s.logger.Info("attempt started",
		"attempt_id", attempt.ID,
		"test_id", test.ID,
		"student_id", studentID,
		"attempt_number", attempt.AttemptNumber)

	return s.buildAttemptResponse(attempt, test, session), nil
}

func (s *sessionService) createAttempt(ctx context.Context, test *models.Test, studentID string) (*models.TestAttempt, error) {
	now := s.now()
	deadline := now.Add(time.Duration(test.Duration) * time.Minute)

	var created *models.TestAttempt
	err := s.repo.WithTransaction(ctx, func(txRepo repositories.Repository) error {
		number, err := txRepo.Attempt().NextAttemptNumber(ctx, nil, test.ID, studentID)
		if err != nil {
			return err
		}

		attempt := &models.TestAttempt{
			TestID:           test.ID,
			StudentID:        studentID,
			AttemptNumber:    number,
			Status:           models.AttemptNotStarted,
			StartedAt:        &now,
			LastActiveAt:     &now,
			DeadlineAt:       &deadline,
			TotalTimeAllowed: test.Duration * 60,
			TotalQuestions:   len(test.Questions),
		}
		if err := txRepo.Attempt().Create(ctx, nil, attempt); err != nil {
			return err
		}

		created = attempt
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func (s *sessionService) newSession(attempt *models.TestAttempt, test *models.Test) *models.LiveSession {
	return &models.LiveSession{
		AttemptID:       attempt.ID,
		TestID:          test.ID,
		StudentID:       attempt.StudentID,
		Status:          attempt.Status,
		StartedAtMs:     models.EpochMs(*attempt.StartedAt),
		DeadlineAtMs:    models.EpochMs(*attempt.DeadlineAt),
		LastHeartbeatMs: models.EpochMs(*attempt.StartedAt),
		Answers:         map[uint]*models.SessionAnswer{},
		Flagged:         map[uint]bool{},
	}
}

// ===== HEARTBEAT =====

func (s *sessionService) Heartbeat(ctx context.Context, attemptID uint, studentID string, req HeartbeatRequest) (*HeartbeatResponse, error) {
	attempt, session, err := s.loadActiveSession(ctx, attemptID, studentID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	nowMs := models.EpochMs(now)
	if session.IsExpired(nowMs) {
		return nil, ErrAttemptDeadlinePassed
	}

	connected := req.Connected == nil || *req.Connected

	switch {
	case session.Status == models.AttemptNotStarted && connected:
		// First heartbeat moves the attempt into progress.
		session.Status = models.AttemptInProgress
		s.appendEvent(ctx, session, models.EventConnection, nil, nil, jsonValue("in_progress"), 0, now)

	case session.Status == models.AttemptInProgress && !connected:
		session.Status = models.AttemptPaused
		session.PausedAtMs = nowMs
		session.Disconnects++
		s.appendEvent(ctx, session, models.EventConnection, nil, jsonValue("connected"), jsonValue("disconnected"), 0, now)

	case session.Status == models.AttemptPaused && connected:
		if session.PausedAtMs > 0 && nowMs > session.PausedAtMs {
			session.OfflineMs += nowMs - session.PausedAtMs
		}
		session.PausedAtMs = 0
		session.Status = models.AttemptInProgress
		s.appendEvent(ctx, session, models.EventConnection, nil, jsonValue("disconnected"), jsonValue("connected"), 0, now)
	}

	if req.TabSwitched {
		session.TabSwitches++
		s.appendEvent(ctx, session, models.EventTabSwitch, nil, nil, nil, 0, now)
	}

	if req.CurrentQuestion > 0 {
		session.CurrentQuestion = req.CurrentQuestion
	}
	session.LastHeartbeatMs = nowMs

	if err := s.saveSession(ctx, attempt, session, now); err != nil {
		return nil, err
	}

	return &HeartbeatResponse{
		Status: session.Status,
		Time:   s.timeAccounting(session, nowMs),
	}, nil
}

// ===== SESSION WRITES =====

func (s *sessionService) RecordAnswerChange(ctx context.Context, attemptID uint, studentID string, req AnswerChangeRequest) error {
	if verr := s.validator.Validate(req); verr != nil {
		return verr
	}

	attempt, session, err := s.loadActiveSession(ctx, attemptID, studentID)
	if err != nil {
		return err
	}

	now := s.now()
	nowMs := models.EpochMs(now)
	if session.IsExpired(nowMs) {
		return ErrAttemptDeadlinePassed
	}

	var previous datatypes.JSON
	prev := session.Answers[req.QuestionID]
	if prev != nil {
		previous = jsonValue(prev.Value)

		// Rapid-change detection is an integrity signal, never a failure.
		window := s.cfg.RapidChangeWindow.Milliseconds()
		if window > 0 && nowMs-prev.UpdatedAtMs < window && prev.Changes+1 > s.cfg.RapidChangeLimit {
			session.RapidChanges++
		}
	}

	changes := 1
	if prev != nil {
		changes = prev.Changes + 1
	}
	session.Answers[req.QuestionID] = &models.SessionAnswer{
		Value:       req.Value,
		UpdatedAtMs: nowMs,
		Changes:     changes,
	}

	qid := req.QuestionID
	s.appendEvent(ctx, session, models.EventAnswerChange, &qid, previous, jsonValue(req.Value), req.TimeOnQuestion, now)

	return s.saveSession(ctx, attempt, session, now)
}

func (s *sessionService) RecordNavigation(ctx context.Context, attemptID uint, studentID string, req NavigationRequest) error {
	attempt, session, err := s.loadActiveSession(ctx, attemptID, studentID)
	if err != nil {
		return err
	}

	now := s.now()
	if session.IsExpired(models.EpochMs(now)) {
		return ErrAttemptDeadlinePassed
	}

	session.CurrentQuestion = req.ToQuestion
	s.appendEvent(ctx, session, models.EventNavigation, nil,
		jsonValue(req.FromQuestion), jsonValue(req.ToQuestion), 0, now)

	return s.saveSession(ctx, attempt, session, now)
}

func (s *sessionService) ToggleFlag(ctx context.Context, attemptID uint, studentID string, req FlagRequest) error {
	if verr := s.validator.Validate(req); verr != nil {
		return verr
	}

	attempt, session, err := s.loadActiveSession(ctx, attemptID, studentID)
	if err != nil {
		return err
	}

	now := s.now()
	if session.IsExpired(models.EpochMs(now)) {
		return ErrAttemptDeadlinePassed
	}

	if session.Flagged == nil {
		session.Flagged = map[uint]bool{}
	}
	previous := session.Flagged[req.QuestionID]
	session.Flagged[req.QuestionID] = req.Flagged

	qid := req.QuestionID
	s.appendEvent(ctx, session, models.EventFlagToggle, &qid,
		jsonValue(previous), jsonValue(req.Flagged), 0, now)

	return s.saveSession(ctx, attempt, session, now)
}

// ===== READS =====

func (s *sessionService) GetAttempt(ctx context.Context, attemptID uint, studentID string) (*AttemptResponse, error) {
	attempt, err := s.repo.Attempt().GetByIDWithTest(ctx, nil, attemptID)
	if err != nil {
		if repositories.IsNotFoundError(err) {
			return nil, ErrAttemptNotFound
		}
		return nil, NewTransientStoreError("attempt lookup", err)
	}
	if attempt.StudentID != studentID {
		return nil, NewPermissionError(studentID, "view this attempt")
	}

	var session *models.LiveSession
	if attempt.Status.IsActive() {
		session, err = s.sessionOrRebuild(ctx, attempt)
		if err != nil {
			return nil, err
		}
	}

	return s.buildAttemptResponse(attempt, attempt.Test, session), nil
}

func (s *sessionService) GetTimeRemaining(ctx context.Context, attemptID uint, studentID string) (*TimeAccounting, error) {
	attempt, err := s.repo.Attempt().GetByID(ctx, nil, attemptID)
	if err != nil {
		if repositories.IsNotFoundError(err) {
			return nil, ErrAttemptNotFound
		}
		return nil, NewTransientStoreError("attempt lookup", err)
	}
	if attempt.StudentID != studentID {
		return nil, NewPermissionError(studentID, "view this attempt")
	}

	if attempt.Status.IsTerminal() {
		return &TimeAccounting{
			TotalAllowed: attempt.TotalTimeAllowed,
			TimeSpent:    attempt.TimeSpent,
			OfflineTime:  attempt.OfflineTime,
		}, nil
	}

	session, err := s.sessionOrRebuild(ctx, attempt)
	if err != nil {
		return nil, err
	}

	acct := s.timeAccounting(session, models.EpochMs(s.now()))
	return &acct, nil
}

// ===== HELPERS =====

// loadActiveSession checks ownership and terminal status, then returns
// the realtime projection, rebuilding it from the durable record when
// the store lost it.
func (s *sessionService) loadActiveSession(ctx context.Context, attemptID uint, studentID string) (*models.TestAttempt, *models.LiveSession, error) {
	attempt, err := s.repo.Attempt().GetByID(ctx, nil, attemptID)
	if err != nil {
		if repositories.IsNotFoundError(err) {
			return nil, nil, ErrAttemptNotFound
		}
		return nil, nil, NewTransientStoreError("attempt lookup", err)
	}

	if attempt.StudentID != studentID {
		return nil, nil, NewPermissionError(studentID, "modify this attempt")
	}
	if attempt.Status.IsTerminal() {
		return nil, nil, ErrAttemptNotActive
	}

	session, err := s.sessionOrRebuild(ctx, attempt)
	if err != nil {
		return nil, nil, err
	}
	return attempt, session, nil
}

func (s *sessionService) sessionOrRebuild(ctx context.Context, attempt *models.TestAttempt) (*models.LiveSession, error) {
	session, err := s.repo.Session().Get(ctx, attempt.ID)
	if err == nil {
		return session, nil
	}
	if !errors.Is(err, repositories.ErrSessionNotFound) {
		s.logger.Warn("realtime session read failed, rebuilding from durable state",
			"attempt_id", attempt.ID, "error", err)
	}

	session, err = RebuildSession(ctx, s.repo, attempt)
	if err != nil {
		return nil, err
	}

	if err := s.repo.Session().Save(ctx, session); err != nil {
		s.logger.Warn("failed to save rebuilt session", "attempt_id", attempt.ID, "error", err)
	}
	return session, nil
}

// RebuildSession reconstructs the realtime projection by replaying the
// durable event log over the attempt record. It is shared with the
// finalizer, which uses it when the realtime read comes back empty.
func RebuildSession(ctx context.Context, repo repositories.Repository, attempt *models.TestAttempt) (*models.LiveSession, error) {
	session := &models.LiveSession{
		AttemptID:       attempt.ID,
		TestID:          attempt.TestID,
		StudentID:       attempt.StudentID,
		Status:          attempt.Status,
		OfflineMs:       int64(attempt.OfflineTime) * 1000,
		CurrentQuestion: attempt.CurrentQuestion,
		TabSwitches:     attempt.TabSwitchCount,
		Disconnects:     attempt.DisconnectCount,
		Answers:         map[uint]*models.SessionAnswer{},
		Flagged:         map[uint]bool{},
	}
	if attempt.StartedAt != nil {
		session.StartedAtMs = models.EpochMs(*attempt.StartedAt)
	}
	if attempt.DeadlineAt != nil {
		session.DeadlineAtMs = models.EpochMs(*attempt.DeadlineAt)
	}
	if attempt.LastActiveAt != nil {
		session.LastHeartbeatMs = models.EpochMs(*attempt.LastActiveAt)
	}

	eventLog, err := repo.AttemptEvent().ListByAttempt(ctx, nil, attempt.ID)
	if err != nil {
		return nil, NewTransientStoreError("event log replay", err)
	}

	for _, ev := range eventLog {
		switch ev.Type {
		case models.EventAnswerChange:
			if ev.QuestionID == nil {
				continue
			}
			value, ok := decodeValue(ev.NewValue)
			if !ok {
				continue
			}
			prev := session.Answers[*ev.QuestionID]
			changes := 1
			if prev != nil {
				changes = prev.Changes + 1
			}
			session.Answers[*ev.QuestionID] = &models.SessionAnswer{
				Value:       value,
				UpdatedAtMs: models.EpochMs(ev.OccurredAt),
				Changes:     changes,
			}
		case models.EventFlagToggle:
			if ev.QuestionID == nil {
				continue
			}
			if flagged, ok := decodeBool(ev.NewValue); ok {
				session.Flagged[*ev.QuestionID] = flagged
			}
		}
	}

	return session, nil
}

// saveSession persists the projection and mirrors the derived counters
// into the durable attempt row.
func (s *sessionService) saveSession(ctx context.Context, attempt *models.TestAttempt, session *models.LiveSession, now time.Time) error {
	if err := s.repo.Session().Save(ctx, session); err != nil {
		return NewTransientStoreError("session save", err)
	}

	nowMs := models.EpochMs(now)
	update := repositories.ActivityUpdate{
		Status:            session.Status,
		LastActiveAt:      now,
		TimeSpent:         int(session.TimeSpentMs(nowMs) / 1000),
		OfflineTime:       int(session.OfflineTotalMs(nowMs) / 1000),
		CurrentQuestion:   session.CurrentQuestion,
		QuestionsAnswered: len(session.Answers),
		DisconnectCount:   session.Disconnects,
		TabSwitchCount:    session.TabSwitches,
	}
	if err := s.repo.Attempt().UpdateActivity(ctx, nil, attempt.ID, update); err != nil {
		return NewTransientStoreError("attempt activity update", err)
	}
	return nil
}

// appendEvent writes one audit row. Append failures are logged and
// absorbed; they must not fail the student's action.
func (s *sessionService) appendEvent(ctx context.Context, session *models.LiveSession, eventType models.AttemptEventType, questionID *uint, previous, next datatypes.JSON, timeOnQuestion int, now time.Time) {
	event := &models.AttemptEvent{
		AttemptID:      session.AttemptID,
		Type:           eventType,
		QuestionID:     questionID,
		PreviousValue:  previous,
		NewValue:       next,
		TimeOnQuestion: timeOnQuestion,
		OccurredAt:     now,
	}
	if err := s.repo.AttemptEvent().Append(ctx, nil, event); err != nil {
		s.logger.Error("failed to append attempt event",
			"attempt_id", session.AttemptID,
			"type", eventType,
			"error", err)
	}
}

func (s *sessionService) timeAccounting(session *models.LiveSession, nowMs int64) TimeAccounting {
	return TimeAccounting{
		TotalAllowed:  int((session.DeadlineAtMs - session.StartedAtMs) / 1000),
		TimeSpent:     int(session.TimeSpentMs(nowMs) / 1000),
		OfflineTime:   int(session.OfflineTotalMs(nowMs) / 1000),
		TimeRemaining: int(session.TimeRemainingMs(nowMs) / 1000),
	}
}

func (s *sessionService) buildAttemptResponse(attempt *models.TestAttempt, test *models.Test, session *models.LiveSession) *AttemptResponse {
	resp := &AttemptResponse{
		ID:                attempt.ID,
		TestID:            attempt.TestID,
		StudentID:         attempt.StudentID,
		AttemptNumber:     attempt.AttemptNumber,
		Status:            attempt.Status,
		StartedAt:         attempt.StartedAt,
		DeadlineAt:        attempt.DeadlineAt,
		CurrentQuestion:   attempt.CurrentQuestion,
		QuestionsAnswered: attempt.QuestionsAnswered,
		TotalQuestions:    attempt.TotalQuestions,
		Time: TimeAccounting{
			TotalAllowed: attempt.TotalTimeAllowed,
			TimeSpent:    attempt.TimeSpent,
			OfflineTime:  attempt.OfflineTime,
		},
	}

	if session != nil {
		nowMs := models.EpochMs(s.now())
		resp.Status = session.Status
		resp.CurrentQuestion = session.CurrentQuestion
		resp.QuestionsAnswered = len(session.Answers)
		resp.Time = s.timeAccounting(session, nowMs)
	}

	if test != nil {
		resp.Questions = make([]QuestionView, 0, len(test.Questions))
		for _, q := range test.Questions {
			resp.Questions = append(resp.Questions, QuestionView{
				ID:      q.ID,
				Order:   q.Order,
				Type:    q.Type,
				Text:    q.Text,
				Points:  q.Points,
				Options: q.Options,
			})
		}
	}

	return resp
}

func (s *sessionService) publish(ctx context.Context, eventType string, data map[string]interface{}) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, events.NewEvent(eventType, data)); err != nil {
		s.logger.Error("failed to publish event", "type", eventType, "error", err)
	}
}

// jsonValue wraps a scalar into the {"value": ...} shape used by event
// rows so previous/new values stay uniform across event types.
func jsonValue(v interface{}) datatypes.JSON {
	data, err := json.Marshal(map[string]interface{}{"value": v})
	if err != nil {
		return nil
	}
	return datatypes.JSON(data)
}

func decodeValue(data datatypes.JSON) (string, bool) {
	if len(data) == 0 {
		return "", false
	}
	var wrapper struct {
		Value string `json:"value"`
	}
	if err := json.Unmarshal(data, &wrapper); err != nil {
		return "", false
	}
	return wrapper.Value, true
}

func decodeBool(data datatypes.JSON) (bool, bool) {
	if len(data) == 0 {
		return false, false
	}
	var wrapper struct {
		Value bool `json:"value"`
	}
	if err := json.Unmarshal(data, &wrapper); err != nil {
		return false, false
	}
	return wrapper.Value, true
}
