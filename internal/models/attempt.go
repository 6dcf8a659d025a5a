package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type SubmitReason string

const (
	SubmitReasonManual         SubmitReason = "manual"
	SubmitReasonTimeout        SubmitReason = "timeout"
	SubmitReasonViolationLimit SubmitReason = "violation_limit"
)

// Attempt is one student's try at one assessment. At most one non-submitted
// attempt may exist per (student, assessment); the partial unique index
// idx_attempts_active enforces it at the store.
type Attempt struct {
	ID           uuid.UUID `json:"id" gorm:"type:uuid;primaryKey;default:gen_random_uuid()"`
	AssessmentID uint      `json:"assessment_id" gorm:"not null;index:idx_attempts_active,unique,where:is_submitted = false"`
	StudentID    string    `json:"student_id" gorm:"not null;size:255;index:idx_attempts_active,unique,where:is_submitted = false"`

	// StartedAt is set exactly once at creation and is the sole authority
	// for deadline computation.
	StartedAt time.Time `json:"started_at" gorm:"not null"`

	// QuestionOrder is a JSONB array of question ids, fixed at creation and
	// reused verbatim on every resume.
	QuestionOrder datatypes.JSON `json:"question_order" gorm:"type:jsonb"`

	ViolationCount int `json:"violation_count" gorm:"not null;default:0"`

	IsSubmitted  bool          `json:"is_submitted" gorm:"not null;default:false;index"`
	SubmittedAt  *time.Time    `json:"submitted_at"`
	SubmitReason *SubmitReason `json:"submit_reason" gorm:"size:32"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Relations
	Assessment Assessment      `json:"-" gorm:"foreignKey:AssessmentID"`
	Answers    []AttemptAnswer `json:"answers" gorm:"foreignKey:AttemptID"`
}

func (Attempt) TableName() string {
	return "attempts"
}

// OrderedQuestionIDs decodes the persisted question order.
func (a *Attempt) OrderedQuestionIDs() ([]uint, error) {
	if len(a.QuestionOrder) == 0 {
		return nil, nil
	}
	var ids []uint
	if err := json.Unmarshal(a.QuestionOrder, &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

// Deadline returns the instant the attempt expires.
func (a *Attempt) Deadline(durationMinutes int) time.Time {
	return a.StartedAt.Add(time.Duration(durationMinutes) * time.Minute)
}

// AttemptAnswer holds the current answer for one question of one attempt.
// Last successful write wins; the composite index backs the upsert.
type AttemptAnswer struct {
	ID         uint      `json:"id" gorm:"primaryKey"`
	AttemptID  uuid.UUID `json:"attempt_id" gorm:"type:uuid;not null;uniqueIndex:idx_attempt_question"`
	QuestionID uint      `json:"question_id" gorm:"not null;uniqueIndex:idx_attempt_question"`
	Answer     string    `json:"answer" gorm:"type:text"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (AttemptAnswer) TableName() string {
	return "attempt_answers"
}

// AnswerPair is the transport shape for saving answers.
type AnswerPair struct {
	QuestionID uint   `json:"question_id" validate:"required"`
	Answer     string `json:"answer"`
}

// SubmitOutcome is what the store reports after a conditional submit.
// AlreadySubmitted distinguishes "I performed the transition" from
// "someone beat me to it"; both are terminal confirmations.
type SubmitOutcome struct {
	AlreadySubmitted bool         `json:"already_submitted"`
	SubmittedAt      time.Time    `json:"submitted_at"`
	Reason           SubmitReason `json:"reason"`
}
