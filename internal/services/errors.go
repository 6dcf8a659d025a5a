package services

import (
	"errors"
	"fmt"

	apperrors "github.com/classworks/attempt-service/internal/errors"
)

// ===== COMMON SERVICE ERRORS =====

var (
	// Generic errors
	ErrNotFound         = errors.New("resource not found")
	ErrValidationFailed = errors.New("validation failed")
	ErrInternalError    = errors.New("internal server error")
	ErrConflict         = errors.New("resource conflict")

	// Assessment specific errors
	ErrAssessmentNotFound = errors.New("assessment not found")

	// Attempt specific errors
	ErrAttemptNotFound         = errors.New("attempt not found")
	ErrAttemptNotStartable     = errors.New("assessment is not open for attempts")
	ErrAttemptAlreadyCompleted = errors.New("assessment was already submitted and may not be retaken")
	ErrAttemptNotActive        = errors.New("attempt is not active")
	ErrAttemptAlreadySubmitted = errors.New("attempt already submitted")
	ErrAttemptAccessDenied     = errors.New("access denied to attempt")
)

// ===== CUSTOM ERROR TYPES =====

// Use shared validation errors from errors package
type ValidationError = apperrors.ValidationError
type ValidationErrors = apperrors.ValidationErrors

// TransientIOError wraps a store failure recoverable by bounded retry.
type TransientIOError struct {
	Op  string `json:"op"`
	Err error  `json:"-"`
}

func (te *TransientIOError) Error() string {
	return fmt.Sprintf("transient store failure during %s: %v", te.Op, te.Err)
}

func (te *TransientIOError) Unwrap() error {
	return te.Err
}

type PermissionError struct {
	StudentID string `json:"student_id"`
	AttemptID string `json:"attempt_id"`
	Action    string `json:"action"`
	Reason    string `json:"reason"`
}

func (pe *PermissionError) Error() string {
	return fmt.Sprintf("permission denied: student %s cannot %s attempt %s - %s",
		pe.StudentID, pe.Action, pe.AttemptID, pe.Reason)
}

// ===== ERROR HELPERS =====

func NewTransientIOError(op string, err error) *TransientIOError {
	return &TransientIOError{Op: op, Err: err}
}

func NewPermissionError(studentID, attemptID, action, reason string) *PermissionError {
	return &PermissionError{
		StudentID: studentID,
		AttemptID: attemptID,
		Action:    action,
		Reason:    reason,
	}
}

// IsNotFound checks if error represents a "not found" condition
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrAssessmentNotFound) ||
		errors.Is(err, ErrAttemptNotFound)
}

// IsTerminalRejection checks if error means the attempt may never proceed
func IsTerminalRejection(err error) bool {
	return errors.Is(err, ErrAttemptAlreadyCompleted) ||
		errors.Is(err, ErrAttemptAlreadySubmitted)
}

// IsTransient checks if error represents a retryable store failure
func IsTransient(err error) bool {
	var te *TransientIOError
	return errors.As(err, &te)
}

// IsValidation checks if error represents a validation failure
func IsValidation(err error) bool {
	if errors.Is(err, ErrValidationFailed) {
		return true
	}
	var ve apperrors.ValidationErrors
	return errors.As(err, &ve)
}

// IsConflict checks if error represents a resource conflict
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}
