package models

import "time"

// LiveSession is the realtime projection of an in-progress attempt,
// stored in Redis and rebuilt from the durable event log when missing.
// It is a staging area with no durability guarantee; the finalizer is
// the sole writer of record.
//
// All instants are integer epoch milliseconds. Conversion from
// time.Time happens once, at the system boundary, via EpochMs.
type LiveSession struct {
	AttemptID uint   `json:"attempt_id"`
	TestID    uint   `json:"test_id"`
	StudentID string `json:"student_id"`

	Status AttemptStatus `json:"status"`

	StartedAtMs     int64 `json:"started_at_ms"`
	DeadlineAtMs    int64 `json:"deadline_at_ms"`
	LastHeartbeatMs int64 `json:"last_heartbeat_ms"`

	// PausedAtMs is non-zero only while paused; on reconnect the gap is
	// folded into OfflineMs and the field cleared.
	PausedAtMs int64 `json:"paused_at_ms,omitempty"`
	OfflineMs  int64 `json:"offline_ms"`

	CurrentQuestion int                     `json:"current_question"`
	Answers         map[uint]*SessionAnswer `json:"answers"`
	Flagged         map[uint]bool           `json:"flagged,omitempty"`

	TabSwitches  int `json:"tab_switches"`
	Disconnects  int `json:"disconnects"`
	RapidChanges int `json:"rapid_changes"`
}

// SessionAnswer is the current answer to one question inside the
// realtime projection. Changes counts mutations for rapid-change
// detection; the full history lives in the durable event log.
type SessionAnswer struct {
	Value       string `json:"value"`
	UpdatedAtMs int64  `json:"updated_at_ms"`
	Changes     int    `json:"changes"`
}

// IntegrityReport is the suspicious-activity summary copied verbatim
// from the session into the submission at finalization.
type IntegrityReport struct {
	TabSwitches  int  `json:"tab_switches"`
	Disconnects  int  `json:"disconnects"`
	RapidChanges int  `json:"rapid_changes"`
	Degraded     bool `json:"degraded,omitempty"`
}

// EpochMs is the single time-normalization point: every external instant
// is converted to integer epoch milliseconds here and nowhere else.
func EpochMs(t time.Time) int64 {
	return t.UnixMilli()
}

// FromEpochMs converts a stored instant back to UTC time.
func FromEpochMs(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// OfflineTotalMs returns accumulated offline time including the
// currently open pause gap, observed at now.
func (s *LiveSession) OfflineTotalMs(nowMs int64) int64 {
	total := s.OfflineMs
	if s.Status == AttemptPaused && s.PausedAtMs > 0 && nowMs > s.PausedAtMs {
		total += nowMs - s.PausedAtMs
	}
	return total
}

// TimeSpentMs derives active time from wall clock minus offline time.
// It is computed, never stored and trusted.
func (s *LiveSession) TimeSpentMs(nowMs int64) int64 {
	if nowMs > s.DeadlineAtMs {
		nowMs = s.DeadlineAtMs
	}
	spent := nowMs - s.StartedAtMs - s.OfflineTotalMs(nowMs)
	if spent < 0 {
		return 0
	}
	return spent
}

// TimeRemainingMs is measured against the wall-clock deadline; offline
// time does not extend it.
func (s *LiveSession) TimeRemainingMs(nowMs int64) int64 {
	remaining := s.DeadlineAtMs - nowMs
	if remaining < 0 {
		return 0
	}
	return remaining
}

// IsExpired uses server-observed time only.
func (s *LiveSession) IsExpired(nowMs int64) bool {
	return nowMs >= s.DeadlineAtMs
}

// Integrity snapshots the session counters.
func (s *LiveSession) Integrity() IntegrityReport {
	return IntegrityReport{
		TabSwitches:  s.TabSwitches,
		Disconnects:  s.Disconnects,
		RapidChanges: s.RapidChanges,
	}
}
