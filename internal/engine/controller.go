package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/classworks/attempt-service/internal/models"
)

// Phase is the attempt lifecycle state.
type Phase int32

const (
	PhaseUninitialized Phase = iota
	PhaseActive
	PhaseSubmitting
	PhaseTerminal
)

func (p Phase) String() string {
	switch p {
	case PhaseUninitialized:
		return "uninitialized"
	case PhaseActive:
		return "active"
	case PhaseSubmitting:
		return "submitting"
	case PhaseTerminal:
		return "terminal"
	}
	return "unknown"
}

var (
	ErrSessionNotActive    = errors.New("attempt session is not active")
	ErrAlreadyInitialized  = errors.New("attempt session already initialized")
	ErrSubmitNotPersisted  = errors.New("submission could not be persisted; please resubmit")
)

// SessionStore is the engine's port to the durable attempt record. All
// cross-caller races (violation counting, submit) resolve inside the store's
// atomic operations; the engine only sequences its own work.
type SessionStore interface {
	Begin(ctx context.Context, assessmentID uint, studentID string) (*SessionSeed, error)
	SaveAnswers(ctx context.Context, attemptID uuid.UUID, pairs []models.AnswerPair) error
	ReportViolation(ctx context.Context, attemptID uuid.UUID, kind models.ViolationKind) (int, error)
	SubmitAttempt(ctx context.Context, attemptID uuid.UUID, finalAnswers []models.AnswerPair, reason models.SubmitReason) (*models.SubmitOutcome, error)
}

// SessionSeed is what Begin hands back: the attempt plus the assessment
// snapshot the engine needs for the clock and the monitor.
type SessionSeed struct {
	Attempt    *models.Attempt
	Assessment *models.Assessment
	Resumed    bool
}

// Snapshot is the observable session state for the presentation layer.
type Snapshot struct {
	Phase            Phase                 `json:"phase"`
	AttemptID        uuid.UUID             `json:"attempt_id"`
	AssessmentID     uint                  `json:"assessment_id"`
	RemainingSeconds int                   `json:"remaining_seconds"`
	ViolationCount   int                   `json:"violation_count"`
	LastWarning      bool                  `json:"last_warning"`
	QuestionOrder    []uint                `json:"question_order"`
	Answers          map[uint]string       `json:"answers"`
	Outcome          *models.SubmitOutcome `json:"outcome,omitempty"`
}

type controllerConfig struct {
	tickInterval       time.Duration
	debounceWindow     time.Duration
	submitRetries      int
	submitBackoff      time.Duration
	flushRetryInterval time.Duration
	now                func() time.Time
}

// ControllerOption customizes a Controller.
type ControllerOption func(*Controller)

func WithTick(d time.Duration) ControllerOption {
	return func(c *Controller) { c.cfg.tickInterval = d }
}

func WithDebounce(d time.Duration) ControllerOption {
	return func(c *Controller) { c.cfg.debounceWindow = d }
}

// WithSubmitRetry bounds the submit retry loop. Submission is the one
// operation that must not be silently lost, so retries are aggressive
// compared to answer flushes.
func WithSubmitRetry(max int, backoff time.Duration) ControllerOption {
	return func(c *Controller) {
		c.cfg.submitRetries = max
		c.cfg.submitBackoff = backoff
	}
}

func WithFlushRetryInterval(d time.Duration) ControllerOption {
	return func(c *Controller) { c.cfg.flushRetryInterval = d }
}

func WithNowFunc(now func() time.Time) ControllerOption {
	return func(c *Controller) { c.cfg.now = now }
}

// WithSignalSource injects the integrity signal source; tests pass a
// synthetic one.
func WithSignalSource(src SignalSource) ControllerOption {
	return func(c *Controller) { c.extSource = src }
}

func WithOnLastWarning(fn func(count int)) ControllerOption {
	return func(c *Controller) { c.onLastWarning = fn }
}

func WithOnTerminal(fn func(outcome *models.SubmitOutcome)) ControllerOption {
	return func(c *Controller) { c.onTerminal = fn }
}

// Controller owns one live attempt session: initialize-or-resume, answer
// edits, violation reports, and the single authoritative submit. Three
// independent triggers (manual, deadline expiry, violation breach) feed the
// same Submit; de-duplication happens there and in the store's conditional
// update, never in the triggers.
type Controller struct {
	store  SessionStore
	logger *slog.Logger
	cfg    controllerConfig

	cache     *AnswerCache
	extSource SignalSource
	source    *ChannelSignalSource

	onLastWarning func(count int)
	onTerminal    func(outcome *models.SubmitOutcome)

	mu          sync.Mutex
	phase       Phase
	attempt     *models.Attempt
	assessment  *models.Assessment
	clock       *DeadlineClock
	monitor     *IntegrityMonitor
	violations  int
	lastWarning bool
	outcome     *models.SubmitOutcome
	inflight    chan struct{}
	cancel      context.CancelFunc
}

func NewController(store SessionStore, logger *slog.Logger, opts ...ControllerOption) *Controller {
	c := &Controller{
		store:  store,
		logger: logger,
		cache:  NewAnswerCache(),
		cfg: controllerConfig{
			tickInterval:       time.Second,
			debounceWindow:     defaultDebounceWindow,
			submitRetries:      5,
			submitBackoff:      500 * time.Millisecond,
			flushRetryInterval: 3 * time.Second,
			now:                time.Now,
		},
		phase: PhaseUninitialized,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ===== LIFECYCLE =====

// Begin initializes or resumes the attempt. If the deadline already passed
// while the client was away, the clock fires immediately and the attempt is
// auto-submitted with reason timeout before Begin returns.
func (c *Controller) Begin(ctx context.Context, assessmentID uint, studentID string) error {
	c.mu.Lock()
	if c.phase != PhaseUninitialized {
		c.mu.Unlock()
		return ErrAlreadyInitialized
	}
	c.mu.Unlock()

	seed, err := c.store.Begin(ctx, assessmentID, studentID)
	if err != nil {
		return err
	}

	answers := make(map[uint]string, len(seed.Attempt.Answers))
	for _, a := range seed.Attempt.Answers {
		answers[a.QuestionID] = a.Answer
	}
	c.cache.Seed(answers)

	bgCtx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	c.attempt = seed.Attempt
	c.assessment = seed.Assessment
	c.violations = seed.Attempt.ViolationCount
	c.phase = PhaseActive
	c.cancel = cancel

	duration := time.Duration(seed.Assessment.Duration) * time.Minute
	c.clock = NewDeadlineClock(seed.Attempt.StartedAt, duration,
		WithTickInterval(c.cfg.tickInterval),
		WithNow(c.cfg.now))

	if seed.Assessment.IsProctored() {
		src := c.extSource
		if src == nil {
			chSrc := NewChannelSignalSource(64)
			c.source = chSrc
			src = chSrc
		}
		// Last-warning notification comes from ReportViolation, which every
		// monitor report flows through; the monitor only tracks breach state.
		c.monitor = NewIntegrityMonitor(src, c.monitorReport, seed.Assessment.MaxViolations, c.logger,
			WithDebounceWindow(c.cfg.debounceWindow),
			WithMonitorNow(c.cfg.now))
		go c.monitor.Run(bgCtx)
	}
	clock := c.clock
	c.mu.Unlock()

	go c.flushLoop(bgCtx)

	c.logger.Info("Session active",
		"attempt_id", seed.Attempt.ID,
		"assessment_id", assessmentID,
		"student_id", studentID,
		"resumed", seed.Resumed)

	// Start after the phase flip so an already-expired deadline drives the
	// timeout submit through the normal path.
	clock.Start(nil, c.expire)

	return nil
}

// Close tears the session down without submitting, for when the session
// view is exited. The attempt stays active in the store and can be resumed.
func (c *Controller) Close() {
	c.mu.Lock()
	cancel := c.cancel
	clock := c.clock
	c.cancel = nil
	c.mu.Unlock()

	if clock != nil {
		clock.Stop()
	}
	if cancel != nil {
		cancel()
	}
}

// ===== ANSWERS =====

// RecordAnswer accepts an edit while the session is live. Calls after the
// terminal transition are silently ignored; the cutoff is the submit call,
// not the clock tick, so edits racing an in-flight submit are still taken
// best-effort.
func (c *Controller) RecordAnswer(ctx context.Context, questionID uint, answer string) error {
	c.mu.Lock()
	phase := c.phase
	c.mu.Unlock()

	switch phase {
	case PhaseUninitialized:
		return ErrSessionNotActive
	case PhaseTerminal:
		return nil
	}

	c.cache.Put(questionID, answer)
	return nil
}

// flushLoop drains the cache's dirty set in the background. Failures are
// retried silently; the student keeps answering.
func (c *Controller) flushLoop(ctx context.Context) {
	retry := time.NewTicker(c.cfg.flushRetryInterval)
	defer retry.Stop()
	for {
		select {
		case <-ctx.Done():
			// Last best-effort flush so a clean Close loses nothing.
			c.flushDirty(context.Background())
			return
		case <-c.cache.Notify():
			c.flushDirty(ctx)
		case <-retry.C:
			c.flushDirty(ctx)
		}
	}
}

func (c *Controller) flushDirty(ctx context.Context) {
	pairs := c.cache.TakeDirty()
	if len(pairs) == 0 {
		return
	}
	if err := c.store.SaveAnswers(ctx, c.AttemptID(), pairs); err != nil {
		c.logger.Warn("Answer flush failed, will retry",
			"attempt_id", c.AttemptID(),
			"pending", len(pairs),
			"error", err)
		c.cache.Requeue(pairs)
	}
}

// ===== VIOLATIONS =====

// ReportViolation records one integrity violation through the store's
// atomic increment and force-submits on breach. Rejected once terminal.
func (c *Controller) ReportViolation(ctx context.Context, kind models.ViolationKind) (int, error) {
	c.mu.Lock()
	if c.phase != PhaseActive {
		count := c.violations
		c.mu.Unlock()
		return count, ErrSessionNotActive
	}
	attemptID := c.attempt.ID
	maxViolations := c.assessment.MaxViolations
	proctored := c.assessment.IsProctored()
	c.mu.Unlock()

	if !proctored {
		return 0, nil
	}

	count, err := c.store.ReportViolation(ctx, attemptID, kind)
	if err != nil {
		return count, err
	}

	c.mu.Lock()
	if count > c.violations {
		c.violations = count
	}
	warning := count == maxViolations-1 && !c.lastWarning
	if warning {
		c.lastWarning = true
	}
	c.mu.Unlock()

	if warning {
		c.notifyLastWarning(count)
	}

	if count >= maxViolations {
		if _, err := c.Submit(ctx, models.SubmitReasonViolationLimit); err != nil {
			c.logger.Error("Violation-limit submit failed",
				"attempt_id", attemptID,
				"error", err)
		}
	}

	return count, nil
}

// monitorReport adapts ReportViolation for the integrity monitor.
func (c *Controller) monitorReport(ctx context.Context, kind models.ViolationKind) (int, error) {
	return c.ReportViolation(ctx, kind)
}

func (c *Controller) notifyLastWarning(count int) {
	c.logger.Warn("Last warning before forced submission",
		"attempt_id", c.AttemptID(),
		"violation_count", count)
	if c.onLastWarning != nil {
		c.onLastWarning(count)
	}
}

// EmitSignal feeds a raw integrity signal into the monitor. Returns false
// when the session has no monitor or the buffer is full.
func (c *Controller) EmitSignal(sig Signal) bool {
	c.mu.Lock()
	src := c.source
	c.mu.Unlock()
	if src == nil {
		return false
	}
	return src.Emit(sig)
}

// ===== SUBMIT =====

// expire is the deadline clock's trigger. A stale fire after navigation or
// submission is a no-op via the phase check inside Submit.
func (c *Controller) expire() {
	if _, err := c.Submit(context.Background(), models.SubmitReasonTimeout); err != nil {
		c.logger.Error("Timeout submit failed",
			"attempt_id", c.AttemptID(),
			"error", err)
	}
}

// Submit drives the terminal transition. It is idempotent and safe to call
// concurrently: exactly one caller performs the flush-then-mark sequence,
// racers wait for it and observe AlreadySubmitted. On exhausted retries the
// session drops back to active so an explicit resubmit can re-issue the
// idempotent call.
func (c *Controller) Submit(ctx context.Context, reason models.SubmitReason) (*models.SubmitOutcome, error) {
	for {
		c.mu.Lock()
		switch c.phase {
		case PhaseUninitialized:
			c.mu.Unlock()
			return nil, ErrSessionNotActive

		case PhaseTerminal:
			out := *c.outcome
			out.AlreadySubmitted = true
			c.mu.Unlock()
			return &out, nil

		case PhaseSubmitting:
			flight := c.inflight
			c.mu.Unlock()
			select {
			case <-flight:
				continue // re-read the phase: terminal or reverted
			case <-ctx.Done():
				return nil, ctx.Err()
			}

		case PhaseActive:
			c.phase = PhaseSubmitting
			flight := make(chan struct{})
			c.inflight = flight
			attemptID := c.attempt.ID
			c.mu.Unlock()
			return c.performSubmit(ctx, attemptID, reason, flight)
		}
	}
}

func (c *Controller) performSubmit(ctx context.Context, attemptID uuid.UUID, reason models.SubmitReason, flight chan struct{}) (*models.SubmitOutcome, error) {
	// Everything in the cache goes with the submit; the store flushes the
	// final answers before flipping is_submitted.
	pairs := c.cache.SnapshotPairs()

	var outcome *models.SubmitOutcome
	var err error
	backoff := c.cfg.submitBackoff
	for attempt := 0; attempt <= c.cfg.submitRetries; attempt++ {
		outcome, err = c.store.SubmitAttempt(ctx, attemptID, pairs, reason)
		if err == nil {
			break
		}
		c.logger.Warn("Submit attempt failed",
			"attempt_id", attemptID,
			"try", attempt+1,
			"error", err)
		if attempt == c.cfg.submitRetries {
			break
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			err = ctx.Err()
			attempt = c.cfg.submitRetries
		}
		backoff *= 2
	}

	c.mu.Lock()
	if err != nil {
		// A partially-submitted exam is worse than a delayed one: revert
		// to active and let the caller resubmit explicitly.
		c.phase = PhaseActive
		c.inflight = nil
		close(flight)
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %v", ErrSubmitNotPersisted, err)
	}

	c.outcome = outcome
	c.phase = PhaseTerminal
	c.inflight = nil
	close(flight)
	cancel := c.cancel
	clock := c.clock
	c.cancel = nil
	c.mu.Unlock()

	if clock != nil {
		clock.Stop()
	}
	if cancel != nil {
		cancel()
	}

	c.logger.Info("Session terminal",
		"attempt_id", attemptID,
		"reason", outcome.Reason,
		"raced", outcome.AlreadySubmitted)

	if c.onTerminal != nil {
		c.onTerminal(outcome)
	}

	return outcome, nil
}

// ===== OBSERVABLE STATE =====

func (c *Controller) AttemptID() uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.attempt == nil {
		return uuid.Nil
	}
	return c.attempt.ID
}

func (c *Controller) StudentID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.attempt == nil {
		return ""
	}
	return c.attempt.StudentID
}

func (c *Controller) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Snapshot captures the observable session state: phase, remaining time,
// violation count, answers, terminal result.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	snap := Snapshot{
		Phase:          c.phase,
		ViolationCount: c.violations,
		LastWarning:    c.lastWarning,
	}
	if c.attempt != nil {
		snap.AttemptID = c.attempt.ID
		snap.AssessmentID = c.attempt.AssessmentID
		if order, err := c.attempt.OrderedQuestionIDs(); err == nil {
			snap.QuestionOrder = order
		}
	}
	if c.outcome != nil {
		out := *c.outcome
		snap.Outcome = &out
	}
	clock := c.clock
	c.mu.Unlock()

	if clock != nil && snap.Phase != PhaseTerminal {
		snap.RemainingSeconds = int(clock.Remaining().Seconds())
	}
	snap.Answers = c.cache.Snapshot()
	return snap
}
