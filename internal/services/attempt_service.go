package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/classworks/attempt-service/internal/cache"
	"github.com/classworks/attempt-service/internal/events"
	"github.com/classworks/attempt-service/internal/models"
	"github.com/classworks/attempt-service/internal/repositories"
	"github.com/classworks/attempt-service/internal/utils"
)

const assessmentCacheTTL = 5 * time.Minute

// AttemptService is the store-facing side of the session engine: it owns
// attempt creation/resume and the atomic persistence operations the
// controller relies on (answer upsert, violation increment, conditional
// submit).
type AttemptService interface {
	Begin(ctx context.Context, assessmentID uint, studentID string) (*BeginResult, error)
	SaveAnswers(ctx context.Context, attemptID uuid.UUID, pairs []models.AnswerPair) error
	IncrementViolation(ctx context.Context, attemptID uuid.UUID, report ViolationReport) (int, error)
	SubmitAttempt(ctx context.Context, attemptID uuid.UUID, finalAnswers []models.AnswerPair, reason models.SubmitReason) (*models.SubmitOutcome, error)

	GetState(ctx context.Context, attemptID uuid.UUID, studentID string) (*AttemptState, error)
	GetAssessment(ctx context.Context, assessmentID uint) (*models.Assessment, error)
	ListAttempts(ctx context.Context, studentID string, assessmentID *uint) ([]*models.Attempt, int64, error)
}

// BeginResult carries the attempt plus the assessment snapshot the engine
// needs to run the deadline clock and the integrity monitor.
type BeginResult struct {
	Attempt    *models.Attempt    `json:"attempt"`
	Assessment *models.Assessment `json:"assessment"`
	Resumed    bool               `json:"resumed"`
}

// ViolationReport is one counted integrity signal plus request context for
// the audit trail.
type ViolationReport struct {
	Kind       models.ViolationKind `json:"kind" validate:"required,violation_kind"`
	UserAgent  string               `json:"user_agent"`
	IPAddress  string               `json:"ip_address"`
	TimeOffset int                  `json:"time_offset"`
}

// AttemptState is the observable session state exposed to the presentation
// layer: phase, remaining time, violation count, answer snapshot, terminal
// result.
type AttemptState struct {
	AttemptID        uuid.UUID            `json:"attempt_id"`
	AssessmentID     uint                 `json:"assessment_id"`
	StartedAt        time.Time            `json:"started_at"`
	RemainingSeconds int                  `json:"remaining_seconds"`
	ViolationCount   int                  `json:"violation_count"`
	QuestionOrder    []uint               `json:"question_order"`
	Answers          map[uint]string      `json:"answers"`
	IsSubmitted      bool                 `json:"is_submitted"`
	SubmittedAt      *time.Time           `json:"submitted_at,omitempty"`
	SubmitReason     *models.SubmitReason `json:"submit_reason,omitempty"`
}

type attemptService struct {
	repo      repositories.Repository
	publisher events.EventPublisher
	cache     cache.CacheService
	logger    *slog.Logger
	validator *utils.Validator
}

// NewAttemptService builds the service. cacheService may be nil; every read
// falls back to the store on a miss.
func NewAttemptService(repo repositories.Repository, publisher events.EventPublisher, cacheService cache.CacheService, logger *slog.Logger, validator *utils.Validator) AttemptService {
	return &attemptService{
		repo:      repo,
		publisher: publisher,
		cache:     cacheService,
		logger:    logger,
		validator: validator,
	}
}

// ===== BEGIN / RESUME =====

func (s *attemptService) Begin(ctx context.Context, assessmentID uint, studentID string) (*BeginResult, error) {
	s.logger.Info("Beginning attempt",
		"assessment_id", assessmentID,
		"student_id", studentID)

	assessment, err := s.loadAssessment(ctx, assessmentID)
	if err != nil {
		return nil, err
	}

	// Resume path: an existing non-submitted attempt is returned unchanged.
	if existing, err := s.repo.Attempt().GetActiveAttempt(ctx, assessmentID, studentID); err == nil {
		s.logger.Info("Resuming existing attempt", "attempt_id", existing.ID)
		s.publishStarted(ctx, existing, true)
		return &BeginResult{Attempt: existing, Assessment: assessment, Resumed: true}, nil
	} else if !repositories.IsNotFoundError(err) {
		return nil, fmt.Errorf("failed to check active attempt: %w", err)
	}

	// The assessment may not be retaken once a submitted attempt exists.
	submitted, err := s.repo.Attempt().HasSubmittedAttempt(ctx, assessmentID, studentID)
	if err != nil {
		return nil, fmt.Errorf("failed to check submitted attempts: %w", err)
	}
	if submitted {
		return nil, ErrAttemptAlreadyCompleted
	}

	if assessment.Status != models.StatusActive {
		return nil, ErrAttemptNotStartable
	}

	order := materializeQuestionOrder(assessment)
	orderJSON, err := json.Marshal(order)
	if err != nil {
		return nil, fmt.Errorf("failed to encode question order: %w", err)
	}

	attempt := &models.Attempt{
		ID:            uuid.New(),
		AssessmentID:  assessmentID,
		StudentID:     studentID,
		StartedAt:     time.Now(),
		QuestionOrder: orderJSON,
	}

	if err := s.repo.Attempt().Create(ctx, attempt); err != nil {
		if repositories.IsConflictError(err) {
			// Concurrent begin: the other caller created it first. Fetch
			// and resume instead of surfacing an error.
			existing, fetchErr := s.repo.Attempt().GetActiveAttempt(ctx, assessmentID, studentID)
			if fetchErr != nil {
				return nil, fmt.Errorf("concurrent begin detected, but fetch failed: %w", fetchErr)
			}
			s.logger.Info("Concurrent begin resolved to resume", "attempt_id", existing.ID)
			return &BeginResult{Attempt: existing, Assessment: assessment, Resumed: true}, nil
		}
		return nil, fmt.Errorf("failed to create attempt: %w", err)
	}

	s.logger.Info("Attempt started",
		"attempt_id", attempt.ID,
		"assessment_id", assessmentID,
		"student_id", studentID)

	s.publishStarted(ctx, attempt, false)

	return &BeginResult{Attempt: attempt, Assessment: assessment, Resumed: false}, nil
}

// materializeQuestionOrder fixes the presentation order at creation time for
// quizzes and exams alike, so reloads can never drift. Randomized exams get
// one permutation, persisted verbatim for every resume.
func materializeQuestionOrder(assessment *models.Assessment) []uint {
	order := make([]uint, len(assessment.Questions))
	for i, q := range assessment.Questions {
		order[i] = q.ID
	}
	if assessment.Kind == models.KindExam && assessment.IsRandomized {
		rand.Shuffle(len(order), func(i, j int) {
			order[i], order[j] = order[j], order[i]
		})
	}
	return order
}

// ===== ANSWERS =====

func (s *attemptService) SaveAnswers(ctx context.Context, attemptID uuid.UUID, pairs []models.AnswerPair) error {
	if len(pairs) == 0 {
		return nil
	}

	attempt, err := s.repo.Attempt().GetByID(ctx, attemptID)
	if err != nil {
		if repositories.IsNotFoundError(err) {
			return ErrAttemptNotFound
		}
		return NewTransientIOError("save_answers", err)
	}

	// Writes against a terminal attempt are dropped, not failed: a stale
	// flush racing the submit must be a no-op.
	if attempt.IsSubmitted {
		s.logger.Debug("Dropping answer write for submitted attempt", "attempt_id", attemptID)
		return nil
	}

	if err := s.repo.Answer().UpsertBatch(ctx, attemptID, pairs); err != nil {
		return NewTransientIOError("save_answers", err)
	}
	return nil
}

// ===== VIOLATIONS =====

func (s *attemptService) IncrementViolation(ctx context.Context, attemptID uuid.UUID, report ViolationReport) (int, error) {
	if err := s.validator.Validate(&report); err != nil {
		return 0, fmt.Errorf("validation failed: %w", err)
	}

	attempt, err := s.repo.Attempt().GetByID(ctx, attemptID)
	if err != nil {
		if repositories.IsNotFoundError(err) {
			return 0, ErrAttemptNotFound
		}
		return 0, NewTransientIOError("increment_violation", err)
	}
	assessment, err := s.loadAssessment(ctx, attempt.AssessmentID)
	if err != nil {
		return 0, err
	}

	// Quizzes are not proctored: signals are acknowledged but never counted.
	if !assessment.IsProctored() {
		return 0, nil
	}

	newCount, err := s.repo.Attempt().IncrementViolation(ctx, attemptID)
	if err != nil {
		if repositories.IsNotFoundError(err) {
			// Already terminal; the stale count is still informative.
			return newCount, ErrAttemptNotActive
		}
		return 0, NewTransientIOError("increment_violation", err)
	}

	event := &models.ViolationEvent{
		AttemptID:  attemptID,
		Kind:       report.Kind,
		TimeOffset: report.TimeOffset,
		UserAgent:  report.UserAgent,
		IPAddress:  report.IPAddress,
	}
	if err := s.repo.Violation().Record(ctx, event); err != nil {
		// The count is already authoritative; a lost audit row is logged,
		// not surfaced.
		s.logger.Error("Failed to record violation event",
			"attempt_id", attemptID,
			"kind", report.Kind,
			"error", err)
	}

	s.logger.Warn("Violation recorded",
		"attempt_id", attemptID,
		"kind", report.Kind,
		"violation_count", newCount)

	payload := events.ViolationRecordedEvent{
		AttemptID:      attemptID,
		Kind:           report.Kind,
		ViolationCount: newCount,
		MaxViolations:  assessment.MaxViolations,
	}
	s.publishEvent(ctx, events.NewAttemptEvent(events.EventViolationRecorded, payload))

	if newCount == assessment.MaxViolations-1 {
		s.publishEvent(ctx, events.NewAttemptEvent(events.EventLastWarning, payload))
	}

	// The breach transition holds no matter which instance serves the
	// report; a live controller calling afterwards observes the terminal
	// state through the idempotent submit.
	if newCount >= assessment.MaxViolations {
		if _, err := s.SubmitAttempt(ctx, attemptID, nil, models.SubmitReasonViolationLimit); err != nil {
			s.logger.Error("Violation-limit submit failed",
				"attempt_id", attemptID,
				"violation_count", newCount,
				"error", err)
		}
	}

	return newCount, nil
}

// ===== SUBMIT =====

func (s *attemptService) SubmitAttempt(ctx context.Context, attemptID uuid.UUID, finalAnswers []models.AnswerPair, reason models.SubmitReason) (*models.SubmitOutcome, error) {
	// Flush all pending edits first; the mark-submitted transition below is
	// the cutoff, not the clock tick. SaveAnswers drops the flush when
	// another caller already won the race, so losers never mutate a
	// terminal attempt.
	if len(finalAnswers) > 0 {
		if err := s.SaveAnswers(ctx, attemptID, finalAnswers); err != nil {
			return nil, err
		}
	}

	outcome, err := s.repo.Attempt().MarkSubmitted(ctx, attemptID, reason, time.Now())
	if err != nil {
		if repositories.IsNotFoundError(err) {
			return nil, ErrAttemptNotFound
		}
		return nil, NewTransientIOError("mark_submitted", err)
	}

	if outcome.AlreadySubmitted {
		s.logger.Info("Submit raced, attempt already terminal",
			"attempt_id", attemptID,
			"recorded_reason", outcome.Reason)
		return outcome, nil
	}

	s.logger.Info("Attempt submitted",
		"attempt_id", attemptID,
		"reason", reason)

	attempt, err := s.repo.Attempt().GetByID(ctx, attemptID)
	if err == nil {
		s.publishEvent(ctx, events.NewAttemptEvent(events.EventAttemptSubmitted, events.AttemptSubmittedEvent{
			AttemptID:    attemptID,
			AssessmentID: attempt.AssessmentID,
			StudentID:    attempt.StudentID,
			Reason:       reason,
			SubmittedAt:  outcome.SubmittedAt,
			AnswerCount:  len(finalAnswers),
		}))
	}

	return outcome, nil
}

// ===== STATE =====

func (s *attemptService) GetState(ctx context.Context, attemptID uuid.UUID, studentID string) (*AttemptState, error) {
	attempt, err := s.repo.Attempt().GetByIDWithAnswers(ctx, attemptID)
	if err != nil {
		if repositories.IsNotFoundError(err) {
			return nil, ErrAttemptNotFound
		}
		return nil, fmt.Errorf("failed to get attempt: %w", err)
	}

	if attempt.StudentID != studentID {
		return nil, NewPermissionError(studentID, attemptID.String(), "read", "not owned by student")
	}

	assessment, err := s.repo.Assessment().GetByID(ctx, attempt.AssessmentID)
	if err != nil {
		return nil, fmt.Errorf("failed to get assessment: %w", err)
	}

	order, err := attempt.OrderedQuestionIDs()
	if err != nil {
		return nil, fmt.Errorf("failed to decode question order: %w", err)
	}

	answers := make(map[uint]string, len(attempt.Answers))
	for _, a := range attempt.Answers {
		answers[a.QuestionID] = a.Answer
	}

	// Remaining time always derives from started_at, never from anything
	// the client persisted.
	remaining := int(time.Until(attempt.Deadline(assessment.Duration)).Seconds())
	if remaining < 0 || attempt.IsSubmitted {
		remaining = 0
	}

	return &AttemptState{
		AttemptID:        attempt.ID,
		AssessmentID:     attempt.AssessmentID,
		StartedAt:        attempt.StartedAt,
		RemainingSeconds: remaining,
		ViolationCount:   attempt.ViolationCount,
		QuestionOrder:    order,
		Answers:          answers,
		IsSubmitted:      attempt.IsSubmitted,
		SubmittedAt:      attempt.SubmittedAt,
		SubmitReason:     attempt.SubmitReason,
	}, nil
}

func (s *attemptService) GetAssessment(ctx context.Context, assessmentID uint) (*models.Assessment, error) {
	return s.loadAssessment(ctx, assessmentID)
}

// loadAssessment reads through the cache; the store is authoritative and
// cache errors only cost a round trip.
func (s *attemptService) loadAssessment(ctx context.Context, assessmentID uint) (*models.Assessment, error) {
	key := fmt.Sprintf("assessment:full:%d", assessmentID)

	if s.cache != nil {
		var cached models.Assessment
		if err := s.cache.Get(ctx, key, &cached); err == nil {
			return &cached, nil
		}
	}

	assessment, err := s.repo.Assessment().GetByIDWithQuestions(ctx, assessmentID)
	if err != nil {
		if repositories.IsNotFoundError(err) {
			return nil, ErrAssessmentNotFound
		}
		return nil, fmt.Errorf("failed to get assessment: %w", err)
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, key, assessment, assessmentCacheTTL); err != nil {
			s.logger.Warn("Failed to cache assessment", "assessment_id", assessmentID, "error", err)
		}
	}

	return assessment, nil
}

// ListAttempts returns a student's attempts, newest first.
func (s *attemptService) ListAttempts(ctx context.Context, studentID string, assessmentID *uint) ([]*models.Attempt, int64, error) {
	filters := repositories.AttemptFilters{
		StudentID:    &studentID,
		AssessmentID: assessmentID,
		SortBy:       "started_at",
		SortOrder:    "desc",
		Limit:        50,
	}
	attempts, total, err := s.repo.Attempt().List(ctx, filters)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list attempts: %w", err)
	}
	return attempts, total, nil
}

// ===== HELPERS =====

func (s *attemptService) publishStarted(ctx context.Context, attempt *models.Attempt, resumed bool) {
	eventType := events.EventAttemptStarted
	if resumed {
		eventType = events.EventAttemptResumed
	}
	s.publishEvent(ctx, events.NewAttemptEvent(eventType, events.AttemptStartedEvent{
		AttemptID:    attempt.ID,
		AssessmentID: attempt.AssessmentID,
		StudentID:    attempt.StudentID,
		StartedAt:    attempt.StartedAt,
		Resumed:      resumed,
	}))
}

func (s *attemptService) publishEvent(ctx context.Context, event *events.AttemptEvent) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.PublishAttemptEvent(ctx, event); err != nil {
		s.logger.Error("Failed to publish event", "event_type", event.Type, "error", err)
	}
}
