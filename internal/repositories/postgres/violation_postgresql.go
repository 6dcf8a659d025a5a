package postgres

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/classworks/attempt-service/internal/models"
	"github.com/classworks/attempt-service/internal/repositories"
)

type ViolationPostgreSQL struct {
	db *gorm.DB
}

func NewViolationPostgreSQL(db *gorm.DB) repositories.ViolationRepository {
	return &ViolationPostgreSQL{db: db}
}

func (r *ViolationPostgreSQL) Record(ctx context.Context, event *models.ViolationEvent) error {
	return r.db.WithContext(ctx).Create(event).Error
}

func (r *ViolationPostgreSQL) ListByAttempt(ctx context.Context, attemptID uuid.UUID) ([]*models.ViolationEvent, error) {
	var events []*models.ViolationEvent
	if err := r.db.WithContext(ctx).
		Where("attempt_id = ?", attemptID).
		Order("created_at ASC").
		Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}
