package models

import (
	"time"

	"gorm.io/gorm"
)

type AssessmentStatus string

const (
	StatusDraft    AssessmentStatus = "Draft"
	StatusActive   AssessmentStatus = "Active"
	StatusExpired  AssessmentStatus = "Expired"
	StatusArchived AssessmentStatus = "Archived"
)

type AssessmentKind string

const (
	KindQuiz AssessmentKind = "quiz"
	KindExam AssessmentKind = "exam"
)

// Assessment is read-only for this service; authoring owns it.
type Assessment struct {
	ID       uint             `json:"id" gorm:"primaryKey"`
	Title    string           `json:"title" gorm:"not null;size:200;index" validate:"required,min=1,max=200"`
	Kind     AssessmentKind   `json:"kind" gorm:"not null;default:quiz;index" validate:"omitempty,oneof=quiz exam"`
	Duration int              `json:"duration" gorm:"not null" validate:"required,min=5,max=300"` // minutes
	Status   AssessmentStatus `json:"status" gorm:"default:Draft;index" validate:"omitempty,oneof=Draft Active Expired Archived"`

	// Exam-only controls
	IsRandomized  bool `json:"is_randomized" gorm:"default:false"`
	MaxViolations int  `json:"max_violations" gorm:"default:0" validate:"min=0,max=20"` // 0 disables proctoring

	// Metadata
	CreatedBy string         `json:"created_by" gorm:"size:255;index"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"-" gorm:"index"`

	// Relations
	Questions []Question `json:"questions" gorm:"foreignKey:AssessmentID"`
}

func (Assessment) TableName() string {
	return "assessments"
}

// IsProctored reports whether violation counting applies to attempts.
func (a *Assessment) IsProctored() bool {
	return a.Kind == KindExam && a.MaxViolations > 0
}
