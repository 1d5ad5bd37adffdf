package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/classforge/attempt-service/internal/config"
	"github.com/classforge/attempt-service/internal/events"
	"github.com/classforge/attempt-service/internal/models"
	"github.com/classforge/attempt-service/internal/validator"
)

func newTestSessionService(repo *fakeRepository, clock *time.Time) (*sessionService, *events.MockEventPublisher) {
	logger := testLogger()
	publisher := events.NewMockEventPublisher(logger)
	cfg := config.SessionConfig{
		RapidChangeWindow: 10 * time.Second,
		RapidChangeLimit:  3,
	}
	policy := &policyService{
		repo:      repo,
		logger:    logger,
		validator: validator.New(),
		cfg:       cfg,
		now:       func() time.Time { return *clock },
	}
	svc := &sessionService{
		repo:      repo,
		logger:    logger,
		validator: validator.New(),
		policy:    policy,
		publisher: publisher,
		cfg:       cfg,
		now:       func() time.Time { return *clock },
	}
	return svc, publisher
}

func testWithQuestions(id uint) *models.Test {
	correct := "B"
	return &models.Test{
		ID:           id,
		Title:        "Geometry midterm",
		TeacherID:    "teacher-1",
		Type:         models.TestFlexible,
		Duration:     30,
		MaxAttempts:  3,
		PassingScore: 50,
		Questions: []models.TestQuestion{
			{ID: 10, TestID: id, Order: 1, Type: models.QuestionMCQ, Points: 5, CorrectOption: &correct},
			{ID: 11, TestID: id, Order: 2, Type: models.QuestionMCQ, Points: 5, CorrectOption: &correct},
			{ID: 12, TestID: id, Order: 3, Type: models.QuestionEssay, Points: 10},
		},
	}
}

func startTestAttempt(t *testing.T, svc *sessionService, repo *fakeRepository) *AttemptResponse {
	t.Helper()
	resp, err := svc.StartAttempt(context.Background(), "student-1", StartAttemptRequest{TestID: 1})
	if err != nil {
		t.Fatalf("StartAttempt failed: %v", err)
	}
	return resp
}

func TestSessionService_StartAttempt(t *testing.T) {
	ctx := context.Background()
	clock := time.Now().UTC()
	repo := newFakeRepository()
	repo.test.tests[1] = testWithQuestions(1)
	svc, publisher := newTestSessionService(repo, &clock)

	resp := startTestAttempt(t, svc, repo)

	if resp.AttemptNumber != 1 {
		t.Errorf("expected attempt number 1, got %d", resp.AttemptNumber)
	}
	if resp.Status != models.AttemptNotStarted {
		t.Errorf("expected not_started before first heartbeat, got %s", resp.Status)
	}
	if resp.Time.TotalAllowed != 30*60 {
		t.Errorf("expected 1800s allowed, got %d", resp.Time.TotalAllowed)
	}
	if resp.DeadlineAt == nil || !resp.DeadlineAt.Equal(clock.Add(30*time.Minute)) {
		t.Errorf("expected deadline 30m after start, got %v", resp.DeadlineAt)
	}
	if len(resp.Questions) != 3 {
		t.Fatalf("expected 3 questions, got %d", len(resp.Questions))
	}
	if resp.TotalQuestions != 3 {
		t.Errorf("expected 3 total questions, got %d", resp.TotalQuestions)
	}

	if _, err := repo.session.Get(ctx, resp.ID); err != nil {
		t.Errorf("expected realtime session saved: %v", err)
	}

	published := publisher.GetPublishedEvents()
	if len(published) != 1 || published[0].Type != events.EventAttemptStarted {
		t.Errorf("expected one attempt.started event, got %+v", published)
	}

	t.Run("second active attempt is rejected", func(t *testing.T) {
		_, err := svc.StartAttempt(ctx, "student-1", StartAttemptRequest{TestID: 1})
		var ruleErr *BusinessRuleError
		if !errors.As(err, &ruleErr) {
			t.Fatalf("expected BusinessRuleError, got %v", err)
		}
		if ruleErr.Message != ReasonPriorNotCompleted {
			t.Errorf("expected prior-not-completed reason, got %q", ruleErr.Message)
		}
	})
}

func TestSessionService_HeartbeatTransitions(t *testing.T) {
	ctx := context.Background()
	clock := time.Now().UTC()
	repo := newFakeRepository()
	repo.test.tests[1] = testWithQuestions(1)
	svc, _ := newTestSessionService(repo, &clock)

	resp := startTestAttempt(t, svc, repo)

	// First heartbeat moves not_started to in_progress.
	clock = clock.Add(5 * time.Second)
	hb, err := svc.Heartbeat(ctx, resp.ID, "student-1", HeartbeatRequest{})
	if err != nil {
		t.Fatalf("Heartbeat failed: %v", err)
	}
	if hb.Status != models.AttemptInProgress {
		t.Errorf("expected in_progress after first heartbeat, got %s", hb.Status)
	}

	// Disconnect pauses.
	clock = clock.Add(time.Minute)
	disconnected := false
	hb, err = svc.Heartbeat(ctx, resp.ID, "student-1", HeartbeatRequest{Connected: &disconnected})
	if err != nil {
		t.Fatalf("Heartbeat failed: %v", err)
	}
	if hb.Status != models.AttemptPaused {
		t.Errorf("expected paused after disconnect, got %s", hb.Status)
	}

	// Reconnect resumes and folds the gap into offline time.
	clock = clock.Add(2 * time.Minute)
	hb, err = svc.Heartbeat(ctx, resp.ID, "student-1", HeartbeatRequest{})
	if err != nil {
		t.Fatalf("Heartbeat failed: %v", err)
	}
	if hb.Status != models.AttemptInProgress {
		t.Errorf("expected in_progress after reconnect, got %s", hb.Status)
	}
	if hb.Time.OfflineTime != 120 {
		t.Errorf("expected 120s offline, got %d", hb.Time.OfflineTime)
	}

	// Invariant: spent + offline + remaining == total.
	sum := hb.Time.TimeSpent + hb.Time.OfflineTime + hb.Time.TimeRemaining
	if sum != hb.Time.TotalAllowed {
		t.Errorf("time invariant broken: %d + %d + %d != %d",
			hb.Time.TimeSpent, hb.Time.OfflineTime, hb.Time.TimeRemaining, hb.Time.TotalAllowed)
	}

	// Disconnect counter reflected on the durable attempt.
	attempt, err := repo.attempt.GetByID(ctx, nil, resp.ID)
	if err != nil {
		t.Fatalf("attempt lookup failed: %v", err)
	}
	if attempt.DisconnectCount != 1 {
		t.Errorf("expected 1 disconnect recorded, got %d", attempt.DisconnectCount)
	}

	t.Run("tab switch increments counter and appends event", func(t *testing.T) {
		clock = clock.Add(time.Second)
		if _, err := svc.Heartbeat(ctx, resp.ID, "student-1", HeartbeatRequest{TabSwitched: true}); err != nil {
			t.Fatalf("Heartbeat failed: %v", err)
		}
		count, _ := repo.event.CountByType(ctx, nil, resp.ID, models.EventTabSwitch)
		if count != 1 {
			t.Errorf("expected 1 tab_switch event, got %d", count)
		}
	})

	t.Run("heartbeat past deadline is rejected", func(t *testing.T) {
		clock = clock.Add(time.Hour)
		_, err := svc.Heartbeat(ctx, resp.ID, "student-1", HeartbeatRequest{})
		if !errors.Is(err, ErrAttemptDeadlinePassed) {
			t.Errorf("expected ErrAttemptDeadlinePassed, got %v", err)
		}
	})
}

func TestSessionService_RecordAnswerChange(t *testing.T) {
	ctx := context.Background()
	clock := time.Now().UTC()
	repo := newFakeRepository()
	repo.test.tests[1] = testWithQuestions(1)
	svc, _ := newTestSessionService(repo, &clock)

	resp := startTestAttempt(t, svc, repo)

	clock = clock.Add(time.Second)
	if err := svc.RecordAnswerChange(ctx, resp.ID, "student-1", AnswerChangeRequest{
		QuestionID: 10, Value: "A", TimeOnQuestion: 12,
	}); err != nil {
		t.Fatalf("RecordAnswerChange failed: %v", err)
	}

	clock = clock.Add(time.Second)
	if err := svc.RecordAnswerChange(ctx, resp.ID, "student-1", AnswerChangeRequest{
		QuestionID: 10, Value: "B", TimeOnQuestion: 4,
	}); err != nil {
		t.Fatalf("RecordAnswerChange failed: %v", err)
	}

	// The event log keeps both versions; the session keeps the latest.
	log, err := repo.event.ListByAttempt(ctx, nil, resp.ID)
	if err != nil {
		t.Fatalf("ListByAttempt failed: %v", err)
	}
	answerEvents := 0
	for _, ev := range log {
		if ev.Type == models.EventAnswerChange {
			answerEvents++
		}
	}
	if answerEvents != 2 {
		t.Errorf("expected 2 answer_change events, got %d", answerEvents)
	}

	session, err := repo.session.Get(ctx, resp.ID)
	if err != nil {
		t.Fatalf("session lookup failed: %v", err)
	}
	if session.Answers[10] == nil || session.Answers[10].Value != "B" {
		t.Errorf("expected latest answer B, got %+v", session.Answers[10])
	}
	if session.Answers[10].Changes != 2 {
		t.Errorf("expected 2 changes tracked, got %d", session.Answers[10].Changes)
	}

	t.Run("rapid changes raise the integrity counter without failing", func(t *testing.T) {
		for i := 0; i < 5; i++ {
			clock = clock.Add(100 * time.Millisecond)
			value := "A"
			if i%2 == 0 {
				value = "B"
			}
			if err := svc.RecordAnswerChange(ctx, resp.ID, "student-1", AnswerChangeRequest{
				QuestionID: 10, Value: value,
			}); err != nil {
				t.Fatalf("RecordAnswerChange failed: %v", err)
			}
		}
		session, _ := repo.session.Get(ctx, resp.ID)
		if session.RapidChanges == 0 {
			t.Error("expected rapid change counter to increase")
		}
	})
}

func TestSessionService_TerminalAttemptRejectsWrites(t *testing.T) {
	ctx := context.Background()
	clock := time.Now().UTC()
	repo := newFakeRepository()
	repo.test.tests[1] = testWithQuestions(1)
	svc, _ := newTestSessionService(repo, &clock)

	resp := startTestAttempt(t, svc, repo)

	attempt, _ := repo.attempt.GetByID(ctx, nil, resp.ID)
	attempt.Status = models.AttemptSubmitted

	if err := svc.RecordAnswerChange(ctx, resp.ID, "student-1", AnswerChangeRequest{
		QuestionID: 10, Value: "A",
	}); !errors.Is(err, ErrAttemptNotActive) {
		t.Errorf("expected ErrAttemptNotActive, got %v", err)
	}
	if _, err := svc.Heartbeat(ctx, resp.ID, "student-1", HeartbeatRequest{}); !errors.Is(err, ErrAttemptNotActive) {
		t.Errorf("expected ErrAttemptNotActive, got %v", err)
	}
}

func TestSessionService_SessionRebuildFromEventLog(t *testing.T) {
	ctx := context.Background()
	clock := time.Now().UTC()
	repo := newFakeRepository()
	repo.test.tests[1] = testWithQuestions(1)
	svc, _ := newTestSessionService(repo, &clock)

	resp := startTestAttempt(t, svc, repo)

	clock = clock.Add(time.Second)
	if err := svc.RecordAnswerChange(ctx, resp.ID, "student-1", AnswerChangeRequest{
		QuestionID: 10, Value: "B",
	}); err != nil {
		t.Fatalf("RecordAnswerChange failed: %v", err)
	}
	clock = clock.Add(time.Second)
	if err := svc.ToggleFlag(ctx, resp.ID, "student-1", FlagRequest{QuestionID: 11, Flagged: true}); err != nil {
		t.Fatalf("ToggleFlag failed: %v", err)
	}

	// Simulate losing the realtime store.
	repo.session.Delete(ctx, resp.ID)

	acct, err := svc.GetTimeRemaining(ctx, resp.ID, "student-1")
	if err != nil {
		t.Fatalf("GetTimeRemaining after session loss failed: %v", err)
	}
	if acct.TimeRemaining <= 0 {
		t.Errorf("expected positive remaining time, got %d", acct.TimeRemaining)
	}

	session, err := repo.session.Get(ctx, resp.ID)
	if err != nil {
		t.Fatalf("expected rebuilt session saved: %v", err)
	}
	if session.Answers[10] == nil || session.Answers[10].Value != "B" {
		t.Errorf("expected answer replayed from event log, got %+v", session.Answers[10])
	}
	if !session.Flagged[11] {
		t.Error("expected flag replayed from event log")
	}
}

func TestSessionService_OwnershipChecks(t *testing.T) {
	ctx := context.Background()
	clock := time.Now().UTC()
	repo := newFakeRepository()
	repo.test.tests[1] = testWithQuestions(1)
	svc, _ := newTestSessionService(repo, &clock)

	resp := startTestAttempt(t, svc, repo)

	_, err := svc.Heartbeat(ctx, resp.ID, "someone-else", HeartbeatRequest{})
	var permErr *PermissionError
	if !errors.As(err, &permErr) {
		t.Errorf("expected PermissionError for foreign attempt, got %v", err)
	}
}
