package postgres

import (
	"gorm.io/gorm"

	"github.com/classworks/attempt-service/internal/repositories"
)

type repository struct {
	assessment repositories.AssessmentRepository
	attempt    repositories.AttemptRepository
	answer     repositories.AnswerRepository
	violation  repositories.ViolationRepository
}

func NewRepository(db *gorm.DB) repositories.Repository {
	return &repository{
		assessment: NewAssessmentPostgreSQL(db),
		attempt:    NewAttemptPostgreSQL(db),
		answer:     NewAnswerPostgreSQL(db),
		violation:  NewViolationPostgreSQL(db),
	}
}

func (r *repository) Assessment() repositories.AssessmentRepository { return r.assessment }
func (r *repository) Attempt() repositories.AttemptRepository       { return r.attempt }
func (r *repository) Answer() repositories.AnswerRepository         { return r.answer }
func (r *repository) Violation() repositories.ViolationRepository   { return r.violation }
