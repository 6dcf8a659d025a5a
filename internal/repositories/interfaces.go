package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/classworks/attempt-service/internal/models"
)

// ErrConflict is returned by Create when an active attempt already exists
// for the same (student, assessment). Callers recover by refetching.
var ErrConflict = errors.New("active attempt already exists")

// ===== SHARED FILTER STRUCTS =====

type AttemptFilters struct {
	AssessmentID *uint      `json:"assessment_id"`
	StudentID    *string    `json:"student_id"`
	IsSubmitted  *bool      `json:"is_submitted"`
	DateFrom     *time.Time `json:"date_from"`
	DateTo       *time.Time `json:"date_to"`
	Limit        int        `json:"limit"`
	Offset       int        `json:"offset"`
	SortBy       string     `json:"sort_by"`    // "started_at", "submitted_at"
	SortOrder    string     `json:"sort_order"` // "asc", "desc"
}

// ===== REPOSITORY INTERFACES =====

// AssessmentRepository is the read-only view of the authoring side.
type AssessmentRepository interface {
	GetByID(ctx context.Context, id uint) (*models.Assessment, error)
	GetByIDWithQuestions(ctx context.Context, id uint) (*models.Assessment, error)
}

// AttemptRepository owns the attempt record. Mutations that can race across
// callers (violation counting, submit) are atomic store operations.
type AttemptRepository interface {
	Create(ctx context.Context, attempt *models.Attempt) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Attempt, error)
	GetByIDWithAnswers(ctx context.Context, id uuid.UUID) (*models.Attempt, error)
	GetActiveAttempt(ctx context.Context, assessmentID uint, studentID string) (*models.Attempt, error)
	HasSubmittedAttempt(ctx context.Context, assessmentID uint, studentID string) (bool, error)
	List(ctx context.Context, filters AttemptFilters) ([]*models.Attempt, int64, error)

	// IncrementViolation atomically bumps violation_count and returns the
	// authoritative new value. Fails once the attempt is submitted.
	IncrementViolation(ctx context.Context, id uuid.UUID) (int, error)

	// MarkSubmitted flips is_submitted exactly once. Exactly one caller
	// observes AlreadySubmitted == false; late callers get the recorded
	// terminal outcome.
	MarkSubmitted(ctx context.Context, id uuid.UUID, reason models.SubmitReason, at time.Time) (*models.SubmitOutcome, error)
}

// AnswerRepository persists per-question answers; writes are upserts so that
// the last successful flush wins.
type AnswerRepository interface {
	Upsert(ctx context.Context, attemptID uuid.UUID, pair models.AnswerPair) error
	UpsertBatch(ctx context.Context, attemptID uuid.UUID, pairs []models.AnswerPair) error
	GetByAttempt(ctx context.Context, attemptID uuid.UUID) ([]*models.AttemptAnswer, error)
}

// ViolationRepository keeps the audit trail of counted violations.
type ViolationRepository interface {
	Record(ctx context.Context, event *models.ViolationEvent) error
	ListByAttempt(ctx context.Context, attemptID uuid.UUID) ([]*models.ViolationEvent, error)
}

// Repository aggregates all repositories behind one handle.
type Repository interface {
	Assessment() AssessmentRepository
	Attempt() AttemptRepository
	Answer() AnswerRepository
	Violation() ViolationRepository
}

// IsNotFoundError checks if error represents a "record not found" condition
func IsNotFoundError(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}

// IsConflictError checks if error represents a duplicate active attempt
func IsConflictError(err error) bool {
	return errors.Is(err, ErrConflict)
}
