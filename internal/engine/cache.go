package engine

import (
	"sync"

	"github.com/classworks/attempt-service/internal/models"
)

// AnswerCache is the write-through local map of question id to current
// answer. Edits land synchronously; a coalescing dirty set feeds the async
// flusher so rapid edits to one question cost one store write.
type AnswerCache struct {
	mu      sync.Mutex
	answers map[uint]string
	dirty   map[uint]struct{}
	notify  chan struct{}
}

func NewAnswerCache() *AnswerCache {
	return &AnswerCache{
		answers: make(map[uint]string),
		dirty:   make(map[uint]struct{}),
		notify:  make(chan struct{}, 1),
	}
}

// Seed loads persisted answers on resume without marking them dirty.
func (c *AnswerCache) Seed(answers map[uint]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for qid, v := range answers {
		c.answers[qid] = v
	}
}

// Put records an edit and signals the flusher.
func (c *AnswerCache) Put(questionID uint, answer string) {
	c.mu.Lock()
	c.answers[questionID] = answer
	c.dirty[questionID] = struct{}{}
	c.mu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// Get returns the current answer for a question.
func (c *AnswerCache) Get(questionID uint) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.answers[questionID]
	return v, ok
}

// Snapshot copies the full answer map.
func (c *AnswerCache) Snapshot() map[uint]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[uint]string, len(c.answers))
	for qid, v := range c.answers {
		out[qid] = v
	}
	return out
}

// SnapshotPairs returns every answer as pairs, for the submit flush.
func (c *AnswerCache) SnapshotPairs() []models.AnswerPair {
	c.mu.Lock()
	defer c.mu.Unlock()
	pairs := make([]models.AnswerPair, 0, len(c.answers))
	for qid, v := range c.answers {
		pairs = append(pairs, models.AnswerPair{QuestionID: qid, Answer: v})
	}
	return pairs
}

// TakeDirty drains the dirty set, returning only the latest value per
// question. The caller owns persistence; on failure it requeues.
func (c *AnswerCache) TakeDirty() []models.AnswerPair {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.dirty) == 0 {
		return nil
	}
	pairs := make([]models.AnswerPair, 0, len(c.dirty))
	for qid := range c.dirty {
		pairs = append(pairs, models.AnswerPair{QuestionID: qid, Answer: c.answers[qid]})
	}
	c.dirty = make(map[uint]struct{})
	return pairs
}

// Requeue marks questions dirty again after a failed flush. The next flush
// picks up the current value, which may be newer than the one that failed.
func (c *AnswerCache) Requeue(pairs []models.AnswerPair) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range pairs {
		c.dirty[p.QuestionID] = struct{}{}
	}

	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// PendingCount reports how many questions await a flush.
func (c *AnswerCache) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.dirty)
}

// Notify exposes the flush wake-up channel.
func (c *AnswerCache) Notify() <-chan struct{} {
	return c.notify
}
