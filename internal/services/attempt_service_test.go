package services

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/classworks/attempt-service/internal/events"
	"github.com/classworks/attempt-service/internal/models"
	"github.com/classworks/attempt-service/internal/utils"
)

func newTestService(t *testing.T) (AttemptService, *mockRepository, *events.MockEventPublisher) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	repo := newMockRepository()
	publisher := events.NewMockEventPublisher(logger)
	svc := NewAttemptService(repo, publisher, nil, logger, utils.NewValidator())
	return svc, repo, publisher
}

func testAssessment(id uint, kind models.AssessmentKind, status models.AssessmentStatus) *models.Assessment {
	a := &models.Assessment{
		ID:            id,
		Title:         "Midterm",
		Kind:          kind,
		Duration:      30,
		Status:        status,
		MaxViolations: 3,
	}
	for i := uint(1); i <= 4; i++ {
		a.Questions = append(a.Questions, models.Question{
			ID:           i,
			AssessmentID: id,
			Type:         models.MultipleChoice,
			Position:     int(i),
		})
	}
	return a
}

func TestBeginCreatesAttemptWithPersistedOrder(t *testing.T) {
	svc, repo, publisher := newTestService(t)
	repo.addAssessment(testAssessment(1, models.KindExam, models.StatusActive))

	result, err := svc.Begin(context.Background(), 1, "student-1")
	require.NoError(t, err)
	assert.False(t, result.Resumed)
	assert.Equal(t, uint(1), result.Attempt.AssessmentID)
	assert.False(t, result.Attempt.StartedAt.IsZero())

	order, err := result.Attempt.OrderedQuestionIDs()
	require.NoError(t, err)
	assert.ElementsMatch(t, []uint{1, 2, 3, 4}, order)

	published := publisher.GetPublishedEvents()
	require.Len(t, published, 1)
	assert.Equal(t, events.EventAttemptStarted, published[0].Type)
}

func TestBeginResumesActiveAttempt(t *testing.T) {
	svc, repo, _ := newTestService(t)
	repo.addAssessment(testAssessment(1, models.KindExam, models.StatusActive))

	first, err := svc.Begin(context.Background(), 1, "student-1")
	require.NoError(t, err)

	second, err := svc.Begin(context.Background(), 1, "student-1")
	require.NoError(t, err)
	assert.True(t, second.Resumed)
	assert.Equal(t, first.Attempt.ID, second.Attempt.ID)
	assert.Equal(t, first.Attempt.StartedAt.Unix(), second.Attempt.StartedAt.Unix())

	firstOrder, err := first.Attempt.OrderedQuestionIDs()
	require.NoError(t, err)
	secondOrder, err := second.Attempt.OrderedQuestionIDs()
	require.NoError(t, err)
	assert.Equal(t, firstOrder, secondOrder)
}

func TestBeginRandomizedExamOrderIsStablePermutation(t *testing.T) {
	svc, repo, _ := newTestService(t)
	assessment := testAssessment(1, models.KindExam, models.StatusActive)
	assessment.IsRandomized = true
	repo.addAssessment(assessment)

	result, err := svc.Begin(context.Background(), 1, "student-1")
	require.NoError(t, err)

	order, err := result.Attempt.OrderedQuestionIDs()
	require.NoError(t, err)
	assert.ElementsMatch(t, []uint{1, 2, 3, 4}, order)

	resumed, err := svc.Begin(context.Background(), 1, "student-1")
	require.NoError(t, err)
	resumedOrder, err := resumed.Attempt.OrderedQuestionIDs()
	require.NoError(t, err)
	assert.Equal(t, order, resumedOrder)
}

func TestBeginRejectsInactiveAssessment(t *testing.T) {
	svc, repo, _ := newTestService(t)
	repo.addAssessment(testAssessment(1, models.KindExam, models.StatusDraft))

	_, err := svc.Begin(context.Background(), 1, "student-1")
	assert.ErrorIs(t, err, ErrAttemptNotStartable)
}

func TestBeginRejectsUnknownAssessment(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.Begin(context.Background(), 42, "student-1")
	assert.ErrorIs(t, err, ErrAssessmentNotFound)
}

func TestBeginRejectsRetakeAfterSubmission(t *testing.T) {
	svc, repo, _ := newTestService(t)
	repo.addAssessment(testAssessment(1, models.KindExam, models.StatusActive))

	result, err := svc.Begin(context.Background(), 1, "student-1")
	require.NoError(t, err)

	_, err = svc.SubmitAttempt(context.Background(), result.Attempt.ID, nil, models.SubmitReasonManual)
	require.NoError(t, err)

	_, err = svc.Begin(context.Background(), 1, "student-1")
	assert.ErrorIs(t, err, ErrAttemptAlreadyCompleted)
}

func TestSaveAnswersDroppedAfterSubmit(t *testing.T) {
	svc, repo, _ := newTestService(t)
	repo.addAssessment(testAssessment(1, models.KindExam, models.StatusActive))

	result, err := svc.Begin(context.Background(), 1, "student-1")
	require.NoError(t, err)
	attemptID := result.Attempt.ID

	require.NoError(t, svc.SaveAnswers(context.Background(), attemptID,
		[]models.AnswerPair{{QuestionID: 1, Answer: "before"}}))

	_, err = svc.SubmitAttempt(context.Background(), attemptID, nil, models.SubmitReasonManual)
	require.NoError(t, err)

	// A stale flush racing the submit is absorbed, not failed.
	require.NoError(t, svc.SaveAnswers(context.Background(), attemptID,
		[]models.AnswerPair{{QuestionID: 1, Answer: "after"}}))

	answers, err := repo.Answer().GetByAttempt(context.Background(), attemptID)
	require.NoError(t, err)
	require.Len(t, answers, 1)
	assert.Equal(t, "before", answers[0].Answer)
}

func TestIncrementViolationCountsAndAudits(t *testing.T) {
	svc, repo, publisher := newTestService(t)
	repo.addAssessment(testAssessment(1, models.KindExam, models.StatusActive))

	result, err := svc.Begin(context.Background(), 1, "student-1")
	require.NoError(t, err)
	attemptID := result.Attempt.ID
	publisher.ClearEvents()

	report := ViolationReport{Kind: models.ViolationTabSwitch, UserAgent: "browser", TimeOffset: 40}

	count, err := svc.IncrementViolation(context.Background(), attemptID, report)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	count, err = svc.IncrementViolation(context.Background(), attemptID, report)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	trail, err := repo.Violation().ListByAttempt(context.Background(), attemptID)
	require.NoError(t, err)
	assert.Len(t, trail, 2)
	assert.Equal(t, models.ViolationTabSwitch, trail[0].Kind)
	assert.Equal(t, "browser", trail[0].UserAgent)

	// The second violation is the last warning (max 3): one extra event.
	published := publisher.GetPublishedEvents()
	require.Len(t, published, 3)
	assert.Equal(t, events.EventViolationRecorded, published[0].Type)
	assert.Equal(t, events.EventViolationRecorded, published[1].Type)
	assert.Equal(t, events.EventLastWarning, published[2].Type)
}

func TestIncrementViolationRejectsInvalidKind(t *testing.T) {
	svc, repo, _ := newTestService(t)
	repo.addAssessment(testAssessment(1, models.KindExam, models.StatusActive))

	result, err := svc.Begin(context.Background(), 1, "student-1")
	require.NoError(t, err)

	_, err = svc.IncrementViolation(context.Background(), result.Attempt.ID,
		ViolationReport{Kind: "clipboard_read"})
	assert.Error(t, err)
}

func TestIncrementViolationAfterSubmitRejected(t *testing.T) {
	svc, repo, _ := newTestService(t)
	repo.addAssessment(testAssessment(1, models.KindExam, models.StatusActive))

	result, err := svc.Begin(context.Background(), 1, "student-1")
	require.NoError(t, err)
	attemptID := result.Attempt.ID

	_, err = svc.IncrementViolation(context.Background(), attemptID, ViolationReport{Kind: models.ViolationTabSwitch})
	require.NoError(t, err)

	_, err = svc.SubmitAttempt(context.Background(), attemptID, nil, models.SubmitReasonManual)
	require.NoError(t, err)

	count, err := svc.IncrementViolation(context.Background(), attemptID, ViolationReport{Kind: models.ViolationTabSwitch})
	assert.ErrorIs(t, err, ErrAttemptNotActive)
	assert.Equal(t, 1, count)
}

func TestIncrementViolationBreachForcesSubmit(t *testing.T) {
	svc, repo, publisher := newTestService(t)
	repo.addAssessment(testAssessment(1, models.KindExam, models.StatusActive))

	result, err := svc.Begin(context.Background(), 1, "student-1")
	require.NoError(t, err)
	attemptID := result.Attempt.ID
	publisher.ClearEvents()

	require.NoError(t, svc.SaveAnswers(context.Background(), attemptID,
		[]models.AnswerPair{{QuestionID: 1, Answer: "kept"}}))

	report := ViolationReport{Kind: models.ViolationTabSwitch}
	for want := 1; want <= 3; want++ {
		count, err := svc.IncrementViolation(context.Background(), attemptID, report)
		require.NoError(t, err)
		assert.Equal(t, want, count)
	}

	// The third report breaches the limit; the attempt must come out
	// submitted with the violation_limit reason even though no live
	// session drove the transition.
	attempt, ok := repo.attemptCopy(attemptID)
	require.True(t, ok)
	assert.True(t, attempt.IsSubmitted)
	require.NotNil(t, attempt.SubmitReason)
	assert.Equal(t, models.SubmitReasonViolationLimit, *attempt.SubmitReason)
	assert.Equal(t, 3, attempt.ViolationCount)

	// Counting stops at the breach.
	count, err := svc.IncrementViolation(context.Background(), attemptID, report)
	assert.ErrorIs(t, err, ErrAttemptNotActive)
	assert.Equal(t, 3, count)

	// Answers recorded before the breach survive.
	answers, err := repo.Answer().GetByAttempt(context.Background(), attemptID)
	require.NoError(t, err)
	require.Len(t, answers, 1)
	assert.Equal(t, "kept", answers[0].Answer)

	published := publisher.GetPublishedEvents()
	require.NotEmpty(t, published)
	assert.Equal(t, events.EventAttemptSubmitted, published[len(published)-1].Type)
}

func TestIncrementViolationIgnoredForQuiz(t *testing.T) {
	svc, repo, publisher := newTestService(t)
	repo.addAssessment(testAssessment(1, models.KindQuiz, models.StatusActive))

	result, err := svc.Begin(context.Background(), 1, "student-1")
	require.NoError(t, err)
	attemptID := result.Attempt.ID
	publisher.ClearEvents()

	count, err := svc.IncrementViolation(context.Background(), attemptID,
		ViolationReport{Kind: models.ViolationTabSwitch})
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	attempt, ok := repo.attemptCopy(attemptID)
	require.True(t, ok)
	assert.Equal(t, 0, attempt.ViolationCount)
	assert.False(t, attempt.IsSubmitted)

	trail, err := repo.Violation().ListByAttempt(context.Background(), attemptID)
	require.NoError(t, err)
	assert.Empty(t, trail)
	assert.Empty(t, publisher.GetPublishedEvents())
}

func TestBeginConcurrentCreateResolvesToResume(t *testing.T) {
	svc, repo, _ := newTestService(t)
	repo.addAssessment(testAssessment(1, models.KindExam, models.StatusActive))

	first, err := svc.Begin(context.Background(), 1, "student-1")
	require.NoError(t, err)

	// Another instance inserted between this caller's resume check and its
	// insert: the check misses, Create hits the unique index, and the
	// conflict resolves by refetching the winner's attempt.
	repo.activeAttemptMisses = 1

	second, err := svc.Begin(context.Background(), 1, "student-1")
	require.NoError(t, err)
	assert.True(t, second.Resumed)
	assert.Equal(t, first.Attempt.ID, second.Attempt.ID)

	attempts, total, err := svc.ListAttempts(context.Background(), "student-1", nil)
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
	assert.Len(t, attempts, 1)
}

func TestSubmitAttemptExactlyOnce(t *testing.T) {
	svc, repo, publisher := newTestService(t)
	repo.addAssessment(testAssessment(1, models.KindExam, models.StatusActive))

	result, err := svc.Begin(context.Background(), 1, "student-1")
	require.NoError(t, err)
	attemptID := result.Attempt.ID
	publisher.ClearEvents()

	final := []models.AnswerPair{{QuestionID: 3, Answer: "final"}}
	first, err := svc.SubmitAttempt(context.Background(), attemptID, final, models.SubmitReasonTimeout)
	require.NoError(t, err)
	assert.False(t, first.AlreadySubmitted)
	assert.Equal(t, models.SubmitReasonTimeout, first.Reason)

	second, err := svc.SubmitAttempt(context.Background(), attemptID, nil, models.SubmitReasonManual)
	require.NoError(t, err)
	assert.True(t, second.AlreadySubmitted)
	// The recorded reason is the winner's, not the late caller's.
	assert.Equal(t, models.SubmitReasonTimeout, second.Reason)

	answers, err := repo.Answer().GetByAttempt(context.Background(), attemptID)
	require.NoError(t, err)
	require.Len(t, answers, 1)
	assert.Equal(t, "final", answers[0].Answer)

	published := publisher.GetPublishedEvents()
	require.Len(t, published, 1)
	assert.Equal(t, events.EventAttemptSubmitted, published[0].Type)
}

func TestGetStateComputesRemainingFromStart(t *testing.T) {
	svc, repo, _ := newTestService(t)
	repo.addAssessment(testAssessment(1, models.KindExam, models.StatusActive))

	result, err := svc.Begin(context.Background(), 1, "student-1")
	require.NoError(t, err)
	attemptID := result.Attempt.ID

	require.NoError(t, svc.SaveAnswers(context.Background(), attemptID,
		[]models.AnswerPair{{QuestionID: 2, Answer: "draft"}}))

	state, err := svc.GetState(context.Background(), attemptID, "student-1")
	require.NoError(t, err)
	assert.Greater(t, state.RemainingSeconds, 0)
	assert.LessOrEqual(t, state.RemainingSeconds, 30*60)
	assert.Equal(t, "draft", state.Answers[2])
	assert.False(t, state.IsSubmitted)
}

func TestGetStateZeroRemainingAfterSubmit(t *testing.T) {
	svc, repo, _ := newTestService(t)
	repo.addAssessment(testAssessment(1, models.KindExam, models.StatusActive))

	result, err := svc.Begin(context.Background(), 1, "student-1")
	require.NoError(t, err)

	_, err = svc.SubmitAttempt(context.Background(), result.Attempt.ID, nil, models.SubmitReasonManual)
	require.NoError(t, err)

	state, err := svc.GetState(context.Background(), result.Attempt.ID, "student-1")
	require.NoError(t, err)
	assert.Equal(t, 0, state.RemainingSeconds)
	assert.True(t, state.IsSubmitted)
	require.NotNil(t, state.SubmitReason)
	assert.Equal(t, models.SubmitReasonManual, *state.SubmitReason)
}

func TestGetStateDeniedForOtherStudent(t *testing.T) {
	svc, repo, _ := newTestService(t)
	repo.addAssessment(testAssessment(1, models.KindExam, models.StatusActive))

	result, err := svc.Begin(context.Background(), 1, "student-1")
	require.NoError(t, err)

	_, err = svc.GetState(context.Background(), result.Attempt.ID, "student-2")
	var permErr *PermissionError
	assert.ErrorAs(t, err, &permErr)
}

func TestListAttemptsFiltersByStudent(t *testing.T) {
	svc, repo, _ := newTestService(t)
	repo.addAssessment(testAssessment(1, models.KindExam, models.StatusActive))
	repo.addAssessment(testAssessment(2, models.KindQuiz, models.StatusActive))

	_, err := svc.Begin(context.Background(), 1, "student-1")
	require.NoError(t, err)
	_, err = svc.Begin(context.Background(), 2, "student-1")
	require.NoError(t, err)
	_, err = svc.Begin(context.Background(), 1, "student-2")
	require.NoError(t, err)

	attempts, total, err := svc.ListAttempts(context.Background(), "student-1", nil)
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)
	assert.Len(t, attempts, 2)

	assessmentID := uint(2)
	attempts, total, err = svc.ListAttempts(context.Background(), "student-1", &assessmentID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
	require.Len(t, attempts, 1)
	assert.Equal(t, uint(2), attempts[0].AssessmentID)
}
