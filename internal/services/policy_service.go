package services

import (
	"context"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"github.com/classforge/attempt-service/internal/config"
	"github.com/classforge/attempt-service/internal/models"
	"github.com/classforge/attempt-service/internal/repositories"
	"github.com/classforge/attempt-service/internal/validator"
)

// Student-facing rejection reasons.
const (
	ReasonLimitReached      = "Attempt limit reached"
	ReasonWindowClosed      = "Test is not currently available"
	ReasonPriorNotCompleted = "Previous attempt must be completed first"
)

type policyService struct {
	repo      repositories.Repository
	db        *gorm.DB
	logger    *slog.Logger
	validator *validator.Validator
	cfg       config.SessionConfig

	// now is swappable for tests; policy decisions use server time only.
	now func() time.Time
}

func NewPolicyService(repo repositories.Repository, db *gorm.DB, logger *slog.Logger, v *validator.Validator, cfg config.SessionConfig) PolicyService {
	return &policyService{
		repo:      repo,
		db:        db,
		logger:    logger,
		validator: v,
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// GetAttemptInfo counts prior attempts and reports whether a new one is
// permitted. A missing test is fatal; a failed count propagates because
// the limit check must never degrade.
func (s *policyService) GetAttemptInfo(ctx context.Context, testID uint, studentID string) (*AttemptInfo, error) {
	test, err := s.repo.Test().GetByID(ctx, nil, testID)
	if err != nil {
		if repositories.IsNotFoundError(err) {
			return nil, ErrTestNotFound
		}
		return nil, NewTransientStoreError("test lookup", err)
	}

	used, err := s.repo.Attempt().CountByTestAndStudent(ctx, nil, testID, studentID)
	if err != nil {
		// Fail-closed: without a trustworthy count the limit cannot be
		// enforced, so the caller gets the error rather than a permit.
		return nil, NewTransientStoreError("attempt count", err)
	}

	allowed := test.AttemptsAllowed()

	info := &AttemptInfo{
		AttemptsAllowed:   allowed,
		AttemptsUsed:      used,
		NextAttemptNumber: used + 1,
	}

	if used >= allowed {
		return info, nil
	}

	latest := s.latestAttempt(ctx, testID, studentID)
	if latest != nil && !latest.Status.IsCompleted() {
		return info, nil
	}

	info.CanReAttempt = true
	return info, nil
}

// ValidateAttemptStart wraps the policy decision into a pass/fail plus a
// reason the caller can show directly. Decision order: limit, window,
// prior-attempt completion.
func (s *policyService) ValidateAttemptStart(ctx context.Context, testID uint, studentID string) (*StartValidation, error) {
	test, err := s.repo.Test().GetByID(ctx, nil, testID)
	if err != nil {
		if repositories.IsNotFoundError(err) {
			return nil, ErrTestNotFound
		}
		return nil, NewTransientStoreError("test lookup", err)
	}

	used, err := s.repo.Attempt().CountByTestAndStudent(ctx, nil, testID, studentID)
	if err != nil {
		return nil, NewTransientStoreError("attempt count", err)
	}

	if used >= test.AttemptsAllowed() {
		return &StartValidation{CanStart: false, Reason: ReasonLimitReached}, nil
	}

	if !test.IsAvailableAt(s.now()) {
		return &StartValidation{CanStart: false, Reason: ReasonWindowClosed}, nil
	}

	if latest := s.latestAttempt(ctx, testID, studentID); latest != nil && !latest.Status.IsCompleted() {
		return &StartValidation{CanStart: false, Reason: ReasonPriorNotCompleted}, nil
	}

	return &StartValidation{CanStart: true}, nil
}

// GetTimeUntilNextAttempt always returns nil: the cooldown knob exists in
// configuration but no cooldown behavior is defined yet.
func (s *policyService) GetTimeUntilNextAttempt(ctx context.Context, testID uint, studentID string) (*time.Duration, error) {
	return nil, nil
}

// latestAttempt reads attempt history fail-open: a store failure here
// degrades to "no prior attempts" instead of blocking the student. The
// limit count above is the fail-closed half.
func (s *policyService) latestAttempt(ctx context.Context, testID uint, studentID string) *models.TestAttempt {
	latest, err := s.repo.Attempt().GetLatest(ctx, nil, testID, studentID)
	if err != nil {
		if !repositories.IsNotFoundError(err) {
			s.logger.Warn("attempt history read failed, treating as no prior attempts",
				"test_id", testID,
				"student_id", studentID,
				"error", err)
		}
		return nil
	}
	return latest
}
