package services

import (
	"context"

	"github.com/google/uuid"

	"github.com/classworks/attempt-service/internal/engine"
	"github.com/classworks/attempt-service/internal/models"
)

// sessionStore adapts AttemptService to the engine's store port. Violation
// reports arriving through the engine carry only the kind; request metadata
// is attached at the HTTP layer when it reports directly.
type sessionStore struct {
	svc AttemptService
}

func NewSessionStore(svc AttemptService) engine.SessionStore {
	return &sessionStore{svc: svc}
}

func (s *sessionStore) Begin(ctx context.Context, assessmentID uint, studentID string) (*engine.SessionSeed, error) {
	result, err := s.svc.Begin(ctx, assessmentID, studentID)
	if err != nil {
		return nil, err
	}
	return &engine.SessionSeed{
		Attempt:    result.Attempt,
		Assessment: result.Assessment,
		Resumed:    result.Resumed,
	}, nil
}

func (s *sessionStore) SaveAnswers(ctx context.Context, attemptID uuid.UUID, pairs []models.AnswerPair) error {
	return s.svc.SaveAnswers(ctx, attemptID, pairs)
}

func (s *sessionStore) ReportViolation(ctx context.Context, attemptID uuid.UUID, kind models.ViolationKind) (int, error) {
	return s.svc.IncrementViolation(ctx, attemptID, ViolationReport{Kind: kind})
}

func (s *sessionStore) SubmitAttempt(ctx context.Context, attemptID uuid.UUID, finalAnswers []models.AnswerPair, reason models.SubmitReason) (*models.SubmitOutcome, error) {
	return s.svc.SubmitAttempt(ctx, attemptID, finalAnswers, reason)
}
