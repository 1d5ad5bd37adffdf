package services

import (
	"errors"
	"fmt"
)

// ===== SENTINEL ERRORS =====

var (
	ErrTestNotFound       = errors.New("test not found")
	ErrAttemptNotFound    = errors.New("attempt not found")
	ErrSubmissionNotFound = errors.New("submission not found")
	ErrAnswerNotFound     = errors.New("submission answer not found")

	ErrAttemptNotActive          = errors.New("attempt is not active")
	ErrAttemptAlreadyFinal       = errors.New("attempt is already finalized")
	ErrAttemptDeadlinePassed     = errors.New("attempt deadline has passed")
	ErrAttemptLimitExceeded      = errors.New("attempt limit exceeded")
	ErrAttemptCannotStart        = errors.New("attempt cannot be started")
	ErrGradingNotAllowed         = errors.New("grading not allowed")
	ErrAnswerNotManuallyGradable = errors.New("answer is not manually gradable")
)

// IsNotFound reports whether err is one of the fatal missing-record
// conditions.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrTestNotFound) ||
		errors.Is(err, ErrAttemptNotFound) ||
		errors.Is(err, ErrSubmissionNotFound) ||
		errors.Is(err, ErrAnswerNotFound)
}

// ===== TYPED ERRORS =====

// BusinessRuleError is an expected policy violation. It carries the
// human-readable reason shown to the student and is never logged as an
// error.
type BusinessRuleError struct {
	Rule    string
	Message string
}

func (e *BusinessRuleError) Error() string {
	return e.Message
}

func NewBusinessRuleError(rule, message string) *BusinessRuleError {
	return &BusinessRuleError{Rule: rule, Message: message}
}

// PermissionError indicates the caller's role or identity does not allow
// the operation.
type PermissionError struct {
	UserID string
	Action string
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("user %s is not allowed to %s", e.UserID, e.Action)
}

func NewPermissionError(userID, action string) *PermissionError {
	return &PermissionError{UserID: userID, Action: action}
}

// TransientStoreError wraps a store failure that callers may recover
// from by degrading. History reads degrade to empty; limit counts never
// degrade and propagate this error instead.
type TransientStoreError struct {
	Op  string
	Err error
}

func (e *TransientStoreError) Error() string {
	return fmt.Sprintf("transient store failure during %s: %v", e.Op, e.Err)
}

func (e *TransientStoreError) Unwrap() error {
	return e.Err
}

func NewTransientStoreError(op string, err error) *TransientStoreError {
	return &TransientStoreError{Op: op, Err: err}
}

// IntegrityConflictError marks a finalization invoked on an already
// terminal attempt. The finalizer absorbs it internally; it must never
// reach a client, because the losing racer still sees one successful
// submission.
type IntegrityConflictError struct {
	AttemptID uint
}

func (e *IntegrityConflictError) Error() string {
	return fmt.Sprintf("attempt %d is already finalized", e.AttemptID)
}
