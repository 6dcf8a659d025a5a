package models

import (
	"time"

	"gorm.io/datatypes"
)

type QuestionType string

const (
	MultipleChoice QuestionType = "multiple_choice"
	Essay          QuestionType = "essay"
)

// Question is immutable for this service. Options is a JSONB array of
// option objects and is present only for multiple choice questions.
type Question struct {
	ID           uint           `json:"id" gorm:"primaryKey"`
	AssessmentID uint           `json:"assessment_id" gorm:"not null;index"`
	Text         string         `json:"text" gorm:"type:text;not null" validate:"required"`
	Type         QuestionType   `json:"type" gorm:"not null;index" validate:"required,oneof=multiple_choice essay"`
	Options      datatypes.JSON `json:"options,omitempty" gorm:"type:jsonb"`
	Points       int            `json:"points" gorm:"default:1" validate:"min=0"`
	Position     int            `json:"position" gorm:"not null"` // document order within the assessment

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Question) TableName() string {
	return "questions"
}

type QuestionOption struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}
