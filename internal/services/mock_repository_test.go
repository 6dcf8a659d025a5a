package services

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/classworks/attempt-service/internal/models"
	"github.com/classworks/attempt-service/internal/repositories"
)

// mockRepository is an in-memory repositories.Repository reproducing the
// atomicity contracts of the postgres implementation: conflict on duplicate
// active attempts, increment-and-return counting, conditional submit.
type mockRepository struct {
	mu sync.Mutex

	assessments map[uint]*models.Assessment
	attempts    map[uuid.UUID]*models.Attempt
	answers     map[uuid.UUID]map[uint]string
	violations  []*models.ViolationEvent

	// activeAttemptMisses makes the next N GetActiveAttempt calls report
	// not-found even when an active attempt exists, simulating another
	// instance inserting between the resume check and Create.
	activeAttemptMisses int
}

func newMockRepository() *mockRepository {
	return &mockRepository{
		assessments: make(map[uint]*models.Assessment),
		attempts:    make(map[uuid.UUID]*models.Attempt),
		answers:     make(map[uuid.UUID]map[uint]string),
	}
}

func (m *mockRepository) Assessment() repositories.AssessmentRepository { return (*mockAssessments)(m) }
func (m *mockRepository) Attempt() repositories.AttemptRepository       { return (*mockAttempts)(m) }
func (m *mockRepository) Answer() repositories.AnswerRepository         { return (*mockAnswers)(m) }
func (m *mockRepository) Violation() repositories.ViolationRepository   { return (*mockViolations)(m) }

func (m *mockRepository) addAssessment(a *models.Assessment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assessments[a.ID] = a
}

func (m *mockRepository) attemptCopy(id uuid.UUID) (*models.Attempt, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.attempts[id]
	if !ok {
		return nil, false
	}
	cp := *a
	return &cp, true
}

// ===== ASSESSMENTS =====

type mockAssessments mockRepository

func (m *mockAssessments) GetByID(ctx context.Context, id uint) (*models.Assessment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.assessments[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return a, nil
}

func (m *mockAssessments) GetByIDWithQuestions(ctx context.Context, id uint) (*models.Assessment, error) {
	return m.GetByID(ctx, id)
}

// ===== ATTEMPTS =====

type mockAttempts mockRepository

func (m *mockAttempts) Create(ctx context.Context, attempt *models.Attempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.attempts {
		if a.AssessmentID == attempt.AssessmentID && a.StudentID == attempt.StudentID && !a.IsSubmitted {
			return repositories.ErrConflict
		}
	}
	cp := *attempt
	m.attempts[attempt.ID] = &cp
	return nil
}

func (m *mockAttempts) GetByID(ctx context.Context, id uuid.UUID) (*models.Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.attempts[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *mockAttempts) GetByIDWithAnswers(ctx context.Context, id uuid.UUID) (*models.Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.attempts[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *a
	cp.Answers = nil
	for qid, v := range m.answers[id] {
		cp.Answers = append(cp.Answers, models.AttemptAnswer{AttemptID: id, QuestionID: qid, Answer: v})
	}
	return &cp, nil
}

func (m *mockAttempts) GetActiveAttempt(ctx context.Context, assessmentID uint, studentID string) (*models.Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.activeAttemptMisses > 0 {
		m.activeAttemptMisses--
		return nil, gorm.ErrRecordNotFound
	}
	for _, a := range m.attempts {
		if a.AssessmentID == assessmentID && a.StudentID == studentID && !a.IsSubmitted {
			cp := *a
			return &cp, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (m *mockAttempts) HasSubmittedAttempt(ctx context.Context, assessmentID uint, studentID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.attempts {
		if a.AssessmentID == assessmentID && a.StudentID == studentID && a.IsSubmitted {
			return true, nil
		}
	}
	return false, nil
}

func (m *mockAttempts) List(ctx context.Context, filters repositories.AttemptFilters) ([]*models.Attempt, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Attempt
	for _, a := range m.attempts {
		if filters.StudentID != nil && a.StudentID != *filters.StudentID {
			continue
		}
		if filters.AssessmentID != nil && a.AssessmentID != *filters.AssessmentID {
			continue
		}
		cp := *a
		out = append(out, &cp)
	}
	return out, int64(len(out)), nil
}

func (m *mockAttempts) IncrementViolation(ctx context.Context, id uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.attempts[id]
	if !ok {
		return 0, gorm.ErrRecordNotFound
	}
	if a.IsSubmitted {
		return a.ViolationCount, gorm.ErrRecordNotFound
	}
	a.ViolationCount++
	return a.ViolationCount, nil
}

func (m *mockAttempts) MarkSubmitted(ctx context.Context, id uuid.UUID, reason models.SubmitReason, at time.Time) (*models.SubmitOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.attempts[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	if a.IsSubmitted {
		outcome := &models.SubmitOutcome{AlreadySubmitted: true, SubmittedAt: *a.SubmittedAt}
		if a.SubmitReason != nil {
			outcome.Reason = *a.SubmitReason
		}
		return outcome, nil
	}
	a.IsSubmitted = true
	a.SubmittedAt = &at
	a.SubmitReason = &reason
	return &models.SubmitOutcome{AlreadySubmitted: false, SubmittedAt: at, Reason: reason}, nil
}

// ===== ANSWERS =====

type mockAnswers mockRepository

func (m *mockAnswers) Upsert(ctx context.Context, attemptID uuid.UUID, pair models.AnswerPair) error {
	return m.UpsertBatch(ctx, attemptID, []models.AnswerPair{pair})
}

func (m *mockAnswers) UpsertBatch(ctx context.Context, attemptID uuid.UUID, pairs []models.AnswerPair) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.answers[attemptID] == nil {
		m.answers[attemptID] = make(map[uint]string)
	}
	for _, p := range pairs {
		m.answers[attemptID][p.QuestionID] = p.Answer
	}
	return nil
}

func (m *mockAnswers) GetByAttempt(ctx context.Context, attemptID uuid.UUID) ([]*models.AttemptAnswer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.AttemptAnswer
	for qid, v := range m.answers[attemptID] {
		out = append(out, &models.AttemptAnswer{AttemptID: attemptID, QuestionID: qid, Answer: v})
	}
	return out, nil
}

// ===== VIOLATIONS =====

type mockViolations mockRepository

func (m *mockViolations) Record(ctx context.Context, event *models.ViolationEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.violations = append(m.violations, event)
	return nil
}

func (m *mockViolations) ListByAttempt(ctx context.Context, attemptID uuid.UUID) ([]*models.ViolationEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.ViolationEvent
	for _, v := range m.violations {
		if v.AttemptID == attemptID {
			out = append(out, v)
		}
	}
	return out, nil
}
