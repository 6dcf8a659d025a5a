package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/classworks/attempt-service/internal/models"
)

// recordingSink mirrors the service contract: writes against a submitted
// attempt are absorbed, everything else is recorded.
type recordingSink struct {
	failWith  error
	submitted map[uuid.UUID]bool
	saved     map[uuid.UUID][]models.AnswerPair
}

func newRecordingSink() *recordingSink {
	return &recordingSink{
		submitted: make(map[uuid.UUID]bool),
		saved:     make(map[uuid.UUID][]models.AnswerPair),
	}
}

func (s *recordingSink) SaveAnswers(ctx context.Context, attemptID uuid.UUID, pairs []models.AnswerPair) error {
	if s.failWith != nil {
		return s.failWith
	}
	if s.submitted[attemptID] {
		return nil
	}
	s.saved[attemptID] = append(s.saved[attemptID], pairs...)
	return nil
}

func testWorker(sink AnswerSink) *AutosaveWorker {
	return NewAutosaveWorker(sink, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func rawJob(t *testing.T, attemptID uuid.UUID, questionID uint, answer string) string {
	t.Helper()
	raw, err := json.Marshal(answerJob{
		AttemptID:  attemptID.String(),
		QuestionID: questionID,
		Answer:     answer,
	})
	require.NoError(t, err)
	return string(raw)
}

func TestPersistWritesThroughSink(t *testing.T) {
	sink := newRecordingSink()
	w := testWorker(sink)
	attemptID := uuid.New()

	require.NoError(t, w.persist(context.Background(), rawJob(t, attemptID, 2, "queued")))

	require.Len(t, sink.saved[attemptID], 1)
	assert.Equal(t, models.AnswerPair{QuestionID: 2, Answer: "queued"}, sink.saved[attemptID][0])
}

func TestPersistDropsWriteForSubmittedAttempt(t *testing.T) {
	sink := newRecordingSink()
	w := testWorker(sink)

	// Job enqueued while the attempt was active, drained after submission.
	attemptID := uuid.New()
	job := rawJob(t, attemptID, 1, "late write")
	sink.submitted[attemptID] = true

	require.NoError(t, w.persist(context.Background(), job))
	assert.Empty(t, sink.saved[attemptID])
}

func TestPersistSurfacesSinkFailure(t *testing.T) {
	sink := newRecordingSink()
	sink.failWith = errors.New("store down")
	w := testWorker(sink)

	// A returned error keeps the job in the queue via the requeue path.
	assert.Error(t, w.persist(context.Background(), rawJob(t, uuid.New(), 1, "x")))
}

func TestPersistDropsMalformedJobs(t *testing.T) {
	sink := newRecordingSink()
	w := testWorker(sink)

	require.NoError(t, w.persist(context.Background(), "{not json"))
	require.NoError(t, w.persist(context.Background(), `{"attempt_id":"not-a-uuid","question_id":1}`))
	assert.Empty(t, sink.saved)
}
