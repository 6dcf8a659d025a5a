package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/classworks/attempt-service/internal/models"
	"github.com/classworks/attempt-service/internal/repositories"
)

type AttemptPostgreSQL struct {
	db *gorm.DB
}

func NewAttemptPostgreSQL(db *gorm.DB) repositories.AttemptRepository {
	return &AttemptPostgreSQL{db: db}
}

func (a *AttemptPostgreSQL) Create(ctx context.Context, attempt *models.Attempt) error {
	if err := a.db.WithContext(ctx).Create(attempt).Error; err != nil {
		// The partial unique index on (assessment_id, student_id) where
		// is_submitted = false turns a concurrent begin into a conflict.
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return repositories.ErrConflict
		}
		return err
	}
	return nil
}

func (a *AttemptPostgreSQL) GetByID(ctx context.Context, id uuid.UUID) (*models.Attempt, error) {
	var attempt models.Attempt
	if err := a.db.WithContext(ctx).First(&attempt, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &attempt, nil
}

func (a *AttemptPostgreSQL) GetByIDWithAnswers(ctx context.Context, id uuid.UUID) (*models.Attempt, error) {
	var attempt models.Attempt
	if err := a.db.WithContext(ctx).
		Preload("Answers").
		First(&attempt, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &attempt, nil
}

func (a *AttemptPostgreSQL) GetActiveAttempt(ctx context.Context, assessmentID uint, studentID string) (*models.Attempt, error) {
	var attempt models.Attempt
	if err := a.db.WithContext(ctx).
		Where("assessment_id = ? AND student_id = ? AND is_submitted = ?", assessmentID, studentID, false).
		Preload("Answers").
		First(&attempt).Error; err != nil {
		return nil, err
	}
	return &attempt, nil
}

func (a *AttemptPostgreSQL) HasSubmittedAttempt(ctx context.Context, assessmentID uint, studentID string) (bool, error) {
	var count int64
	if err := a.db.WithContext(ctx).
		Model(&models.Attempt{}).
		Where("assessment_id = ? AND student_id = ? AND is_submitted = ?", assessmentID, studentID, true).
		Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

func (a *AttemptPostgreSQL) List(ctx context.Context, filters repositories.AttemptFilters) ([]*models.Attempt, int64, error) {
	var attempts []*models.Attempt
	var total int64

	query := a.db.WithContext(ctx).Model(&models.Attempt{})
	query = a.applyFilters(query, filters)

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	query = a.applyPaginationAndSort(query, filters)
	if err := query.Find(&attempts).Error; err != nil {
		return nil, 0, err
	}

	return attempts, total, nil
}

// IncrementViolation is server-authoritative: concurrent callers each get a
// distinct count, so duplicate events from multiple tabs never under-count.
func (a *AttemptPostgreSQL) IncrementViolation(ctx context.Context, id uuid.UUID) (int, error) {
	var newCount int
	err := a.db.WithContext(ctx).Raw(`
		UPDATE attempts
		SET violation_count = violation_count + 1, updated_at = NOW()
		WHERE id = ? AND is_submitted = false
		RETURNING violation_count`, id).Scan(&newCount).Error
	if err != nil {
		return 0, err
	}
	if newCount == 0 {
		// No row matched: the attempt is gone or already terminal.
		var attempt models.Attempt
		if err := a.db.WithContext(ctx).First(&attempt, "id = ?", id).Error; err != nil {
			return 0, err
		}
		return attempt.ViolationCount, gorm.ErrRecordNotFound
	}
	return newCount, nil
}

// MarkSubmitted performs the conditional terminal transition. The WHERE
// clause on is_submitted closes the check-then-act race: the winning caller
// sees RowsAffected == 1, everyone else reads the recorded outcome.
func (a *AttemptPostgreSQL) MarkSubmitted(ctx context.Context, id uuid.UUID, reason models.SubmitReason, at time.Time) (*models.SubmitOutcome, error) {
	res := a.db.WithContext(ctx).
		Model(&models.Attempt{}).
		Where("id = ? AND is_submitted = ?", id, false).
		Updates(map[string]interface{}{
			"is_submitted":  true,
			"submitted_at":  at,
			"submit_reason": reason,
		})
	if res.Error != nil {
		return nil, res.Error
	}

	if res.RowsAffected == 1 {
		return &models.SubmitOutcome{
			AlreadySubmitted: false,
			SubmittedAt:      at,
			Reason:           reason,
		}, nil
	}

	var attempt models.Attempt
	if err := a.db.WithContext(ctx).First(&attempt, "id = ?", id).Error; err != nil {
		return nil, err
	}
	if !attempt.IsSubmitted || attempt.SubmittedAt == nil {
		return nil, errors.New("attempt in inconsistent submit state")
	}
	outcome := &models.SubmitOutcome{
		AlreadySubmitted: true,
		SubmittedAt:      *attempt.SubmittedAt,
	}
	if attempt.SubmitReason != nil {
		outcome.Reason = *attempt.SubmitReason
	}
	return outcome, nil
}

func (a *AttemptPostgreSQL) applyFilters(query *gorm.DB, filters repositories.AttemptFilters) *gorm.DB {
	if filters.AssessmentID != nil {
		query = query.Where("assessment_id = ?", *filters.AssessmentID)
	}
	if filters.StudentID != nil {
		query = query.Where("student_id = ?", *filters.StudentID)
	}
	if filters.IsSubmitted != nil {
		query = query.Where("is_submitted = ?", *filters.IsSubmitted)
	}
	if filters.DateFrom != nil {
		query = query.Where("started_at >= ?", *filters.DateFrom)
	}
	if filters.DateTo != nil {
		query = query.Where("started_at <= ?", *filters.DateTo)
	}
	return query
}

func (a *AttemptPostgreSQL) applyPaginationAndSort(query *gorm.DB, filters repositories.AttemptFilters) *gorm.DB {
	sortBy := filters.SortBy
	switch sortBy {
	case "started_at", "submitted_at":
	default:
		sortBy = "started_at"
	}
	order := "desc"
	if filters.SortOrder == "asc" {
		order = "asc"
	}
	query = query.Order(sortBy + " " + order)

	if filters.Limit > 0 {
		query = query.Limit(filters.Limit)
	}
	if filters.Offset > 0 {
		query = query.Offset(filters.Offset)
	}
	return query
}
