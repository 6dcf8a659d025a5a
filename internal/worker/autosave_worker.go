package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/classworks/attempt-service/internal/models"
)

const answersQueueKey = "attempt_answers_queue"

// AnswerSink persists queued answer writes. Implementations must drop
// writes against a submitted attempt instead of applying them; a job can
// sit in the queue long enough for its attempt to go terminal.
type AnswerSink interface {
	SaveAnswers(ctx context.Context, attemptID uuid.UUID, pairs []models.AnswerPair) error
}

// AutosaveWorker consumes queued answer writes and persists them through the
// attempt service. Requests for attempts without a live in-process session
// (another instance owns it, or the client reconnected elsewhere) land here
// instead of on the synchronous path.
type AutosaveWorker struct {
	sink   AnswerSink
	rdb    *redis.Client
	logger *slog.Logger
}

func NewAutosaveWorker(sink AnswerSink, rdb *redis.Client, logger *slog.Logger) *AutosaveWorker {
	return &AutosaveWorker{
		sink:   sink,
		rdb:    rdb,
		logger: logger.With("component", "autosave_worker"),
	}
}

type answerJob struct {
	AttemptID  string `json:"attempt_id"`
	QuestionID uint   `json:"question_id"`
	Answer     string `json:"answer"`
}

// Enqueue queues one answer write. The write is durable once it is in the
// queue; the worker retries persistence until it lands.
func (w *AutosaveWorker) Enqueue(ctx context.Context, attemptID uuid.UUID, questionID uint, answer string) error {
	payload, err := json.Marshal(answerJob{
		AttemptID:  attemptID.String(),
		QuestionID: questionID,
		Answer:     answer,
	})
	if err != nil {
		return err
	}
	return w.rdb.RPush(ctx, answersQueueKey, payload).Err()
}

// Start begins the worker loop. Call in a goroutine; cancel ctx to stop.
// Remaining items are drained before exit.
func (w *AutosaveWorker) Start(ctx context.Context) {
	w.logger.Info("Worker started")

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Worker stopping")
			w.drain(context.Background())
			w.logger.Info("Worker stopped")
			return
		default:
			w.processNext(ctx)
		}
	}
}

func (w *AutosaveWorker) processNext(ctx context.Context) {
	result, err := w.rdb.BLPop(ctx, time.Second, answersQueueKey).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
			w.logger.Error("BLPop failed", "error", err)
		}
		return
	}
	if len(result) < 2 {
		return
	}

	if err := w.persist(ctx, result[1]); err != nil {
		w.logger.Error("Persist failed, requeueing", "error", err)
		w.rdb.RPush(ctx, answersQueueKey, result[1])
		time.Sleep(5 * time.Second)
	}
}

func (w *AutosaveWorker) persist(ctx context.Context, raw string) error {
	var job answerJob
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		// A malformed job can never succeed; log and swallow so it does not
		// wedge the queue.
		w.logger.Error("Dropping malformed job", "error", err)
		return nil
	}

	attemptID, err := uuid.Parse(job.AttemptID)
	if err != nil {
		w.logger.Error("Dropping job with bad attempt id", "attempt_id", job.AttemptID)
		return nil
	}

	return w.sink.SaveAnswers(ctx, attemptID, []models.AnswerPair{{
		QuestionID: job.QuestionID,
		Answer:     job.Answer,
	}})
}

// drain flushes everything still queued before shutdown.
func (w *AutosaveWorker) drain(ctx context.Context) {
	drained := 0
	for {
		raw, err := w.rdb.LPop(ctx, answersQueueKey).Result()
		if err != nil {
			break
		}
		if err := w.persist(ctx, raw); err != nil {
			w.logger.Error("Drain persist failed", "error", err)
			w.rdb.RPush(ctx, answersQueueKey, raw)
			break
		}
		drained++
	}
	if drained > 0 {
		w.logger.Info("Drained remaining jobs", "count", drained)
	}
}
