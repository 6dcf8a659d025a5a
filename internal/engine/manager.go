package engine

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/classworks/attempt-service/internal/models"
)

// Manager keeps the live controllers, one per attempt. Terminal sessions
// evict themselves; everything else lives until the process shuts down or
// the client detaches.
type Manager struct {
	store  SessionStore
	logger *slog.Logger
	opts   []ControllerOption

	mu       sync.Mutex
	sessions map[uuid.UUID]*Controller
}

func NewManager(store SessionStore, logger *slog.Logger, opts ...ControllerOption) *Manager {
	return &Manager{
		store:    store,
		logger:   logger,
		opts:     opts,
		sessions: make(map[uuid.UUID]*Controller),
	}
}

// Begin starts or resumes a session and registers its controller. Two
// concurrent begins for the same student converge on the same persisted
// attempt through the store; whichever controller registers second is
// discarded in favor of the one already live.
func (m *Manager) Begin(ctx context.Context, assessmentID uint, studentID string) (*Controller, error) {
	ctrl := NewController(m.store, m.logger, m.opts...)
	ctrl.onTerminal = m.chainTerminal(ctrl, ctrl.onTerminal)

	if err := ctrl.Begin(ctx, assessmentID, studentID); err != nil {
		return nil, err
	}

	id := ctrl.AttemptID()

	m.mu.Lock()
	if existing, ok := m.sessions[id]; ok {
		m.mu.Unlock()
		ctrl.Close()
		return existing, nil
	}
	if ctrl.Phase() != PhaseTerminal {
		m.sessions[id] = ctrl
	}
	m.mu.Unlock()

	return ctrl, nil
}

// Get returns the live controller for an attempt, if any.
func (m *Manager) Get(attemptID uuid.UUID) (*Controller, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ctrl, ok := m.sessions[attemptID]
	return ctrl, ok
}

// Detach closes a session without submitting it; the attempt stays
// resumable in the store.
func (m *Manager) Detach(attemptID uuid.UUID) {
	m.mu.Lock()
	ctrl, ok := m.sessions[attemptID]
	delete(m.sessions, attemptID)
	m.mu.Unlock()
	if ok {
		ctrl.Close()
	}
}

// CloseAll tears down every live session on shutdown. Attempts remain
// active in the store and resume on the next begin.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	ctrls := make([]*Controller, 0, len(m.sessions))
	for _, ctrl := range m.sessions {
		ctrls = append(ctrls, ctrl)
	}
	m.sessions = make(map[uuid.UUID]*Controller)
	m.mu.Unlock()

	for _, ctrl := range ctrls {
		ctrl.Close()
	}
	m.logger.Info("All live sessions detached", "count", len(ctrls))
}

func (m *Manager) chainTerminal(ctrl *Controller, next func(*models.SubmitOutcome)) func(*models.SubmitOutcome) {
	return func(outcome *models.SubmitOutcome) {
		m.mu.Lock()
		if cur, ok := m.sessions[ctrl.AttemptID()]; ok && cur == ctrl {
			delete(m.sessions, ctrl.AttemptID())
		}
		m.mu.Unlock()
		if next != nil {
			next(outcome)
		}
	}
}
