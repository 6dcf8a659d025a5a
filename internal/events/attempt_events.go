package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/classworks/attempt-service/internal/models"
)

// EventType represents different types of attempt lifecycle events
type EventType string

const (
	EventAttemptStarted    EventType = "attempt.started"
	EventAttemptResumed    EventType = "attempt.resumed"
	EventViolationRecorded EventType = "attempt.violation_recorded"
	EventLastWarning       EventType = "attempt.last_warning"
	EventAttemptSubmitted  EventType = "attempt.submitted"
)

// AttemptEvent is the base event structure for all lifecycle events
type AttemptEvent struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Source    string                 `json:"source"`
	Version   string                 `json:"version"`
	Data      interface{}            `json:"data"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Attempt lifecycle event payloads

type AttemptStartedEvent struct {
	AttemptID    uuid.UUID `json:"attempt_id"`
	AssessmentID uint      `json:"assessment_id"`
	StudentID    string    `json:"student_id"`
	StartedAt    time.Time `json:"started_at"`
	Resumed      bool      `json:"resumed"`
}

type ViolationRecordedEvent struct {
	AttemptID      uuid.UUID            `json:"attempt_id"`
	Kind           models.ViolationKind `json:"kind"`
	ViolationCount int                  `json:"violation_count"`
	MaxViolations  int                  `json:"max_violations"`
}

type AttemptSubmittedEvent struct {
	AttemptID    uuid.UUID           `json:"attempt_id"`
	AssessmentID uint                `json:"assessment_id"`
	StudentID    string              `json:"student_id"`
	Reason       models.SubmitReason `json:"reason"`
	SubmittedAt  time.Time           `json:"submitted_at"`
	AnswerCount  int                 `json:"answer_count"`
}

// NewAttemptEvent builds a base event with service metadata filled in.
func NewAttemptEvent(eventType EventType, data interface{}) *AttemptEvent {
	return &AttemptEvent{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now(),
		Source:    "attempt-service",
		Version:   "1.0",
		Data:      data,
	}
}
