package models

import (
	"testing"
	"time"
)

func TestLiveSession_TimeAccounting(t *testing.T) {
	start := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	session := &LiveSession{
		AttemptID:    1,
		Status:       AttemptInProgress,
		StartedAtMs:  EpochMs(start),
		DeadlineAtMs: EpochMs(start.Add(30 * time.Minute)),
		OfflineMs:    2 * 60 * 1000,
	}

	now := EpochMs(start.Add(10 * time.Minute))

	spent := session.TimeSpentMs(now)
	offline := session.OfflineTotalMs(now)
	remaining := session.TimeRemainingMs(now)
	total := session.DeadlineAtMs - session.StartedAtMs

	if spent != 8*60*1000 {
		t.Errorf("expected 8m spent, got %dms", spent)
	}
	if spent+offline+remaining != total {
		t.Errorf("invariant broken: %d + %d + %d != %d", spent, offline, remaining, total)
	}

	t.Run("open pause gap counts as offline", func(t *testing.T) {
		session.Status = AttemptPaused
		session.PausedAtMs = now
		later := EpochMs(start.Add(15 * time.Minute))

		offline := session.OfflineTotalMs(later)
		if offline != 7*60*1000 {
			t.Errorf("expected 7m offline (2m closed + 5m open), got %dms", offline)
		}
		if session.TimeSpentMs(later)+offline+session.TimeRemainingMs(later) != total {
			t.Error("invariant broken while paused")
		}
	})

	t.Run("time past deadline clamps", func(t *testing.T) {
		session.Status = AttemptInProgress
		session.PausedAtMs = 0
		after := EpochMs(start.Add(45 * time.Minute))

		if session.TimeRemainingMs(after) != 0 {
			t.Error("expected zero remaining past deadline")
		}
		if !session.IsExpired(after) {
			t.Error("expected expired past deadline")
		}
		if got := session.TimeSpentMs(after); got != total-session.OfflineMs {
			t.Errorf("expected spent clamped to deadline, got %dms", got)
		}
	})
}

func TestAttemptStatus_Classification(t *testing.T) {
	cases := []struct {
		status    AttemptStatus
		terminal  bool
		completed bool
		active    bool
	}{
		{AttemptNotStarted, false, false, true},
		{AttemptInProgress, false, false, true},
		{AttemptPaused, false, false, true},
		{AttemptSubmitted, true, true, false},
		{AttemptAutoSubmitted, true, true, false},
		{AttemptAbandoned, true, false, false},
		{AttemptTerminated, true, false, false},
	}
	for _, tc := range cases {
		if tc.status.IsTerminal() != tc.terminal {
			t.Errorf("%s: IsTerminal = %v", tc.status, tc.status.IsTerminal())
		}
		if tc.status.IsCompleted() != tc.completed {
			t.Errorf("%s: IsCompleted = %v", tc.status, tc.status.IsCompleted())
		}
		if tc.status.IsActive() != tc.active {
			t.Errorf("%s: IsActive = %v", tc.status, tc.status.IsActive())
		}
	}
}

func TestTest_AttemptsAllowed(t *testing.T) {
	live := &Test{Type: TestLive, MaxAttempts: 5}
	if live.AttemptsAllowed() != 1 {
		t.Errorf("live tests allow 1 attempt, got %d", live.AttemptsAllowed())
	}

	flexible := &Test{Type: TestFlexible, MaxAttempts: 3}
	if flexible.AttemptsAllowed() != 3 {
		t.Errorf("expected 3, got %d", flexible.AttemptsAllowed())
	}

	unset := &Test{Type: TestFlexible}
	if unset.AttemptsAllowed() != 1 {
		t.Errorf("unset limit defaults to 1, got %d", unset.AttemptsAllowed())
	}
}
