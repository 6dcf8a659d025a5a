package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/classworks/attempt-service/internal/models"
	"github.com/classworks/attempt-service/internal/repositories"
)

type AnswerPostgreSQL struct {
	db *gorm.DB
}

func NewAnswerPostgreSQL(db *gorm.DB) repositories.AnswerRepository {
	return &AnswerPostgreSQL{db: db}
}

func (r *AnswerPostgreSQL) Upsert(ctx context.Context, attemptID uuid.UUID, pair models.AnswerPair) error {
	return r.UpsertBatch(ctx, attemptID, []models.AnswerPair{pair})
}

// UpsertBatch writes the latest value per question; conflicting rapid edits
// to the same question resolve to the last successful flush.
func (r *AnswerPostgreSQL) UpsertBatch(ctx context.Context, attemptID uuid.UUID, pairs []models.AnswerPair) error {
	if len(pairs) == 0 {
		return nil
	}

	now := time.Now()
	rows := make([]models.AttemptAnswer, len(pairs))
	for i, p := range pairs {
		rows[i] = models.AttemptAnswer{
			AttemptID:  attemptID,
			QuestionID: p.QuestionID,
			Answer:     p.Answer,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
	}

	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "attempt_id"}, {Name: "question_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"answer", "updated_at"}),
		}).
		Create(&rows).Error
}

func (r *AnswerPostgreSQL) GetByAttempt(ctx context.Context, attemptID uuid.UUID) ([]*models.AttemptAnswer, error) {
	var answers []*models.AttemptAnswer
	if err := r.db.WithContext(ctx).
		Where("attempt_id = ?", attemptID).
		Find(&answers).Error; err != nil {
		return nil, err
	}
	return answers, nil
}
