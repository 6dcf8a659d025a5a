package engine

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/classworks/attempt-service/internal/models"
)

// defaultDebounceWindow collapses overlapping signals from one user action
// (blur immediately followed by visibility-change) into a single violation.
const defaultDebounceWindow = 2 * time.Second

// ViolationReporter is how the monitor hands a counted violation to the
// controller. It returns the authoritative new count. The monitor never
// submits; enforcement stays with the controller.
type ViolationReporter func(ctx context.Context, kind models.ViolationKind) (int, error)

// IntegrityMonitor observes proctoring signals and classifies them into
// violations. Input suppression notices pass through uncounted; they reduce
// opportunity, the monitor counts attempts to leave.
type IntegrityMonitor struct {
	source        SignalSource
	report        ViolationReporter
	maxViolations int
	debounce      time.Duration
	now           func() time.Time
	logger        *slog.Logger

	onLastWarning func(count int)
	onSuppressed  func(sig Signal)

	mu          sync.Mutex
	lastCounted time.Time
	breached    atomic.Bool

	done chan struct{}
}

// MonitorOption customizes an IntegrityMonitor.
type MonitorOption func(*IntegrityMonitor)

// WithDebounceWindow overrides the default debounce window.
func WithDebounceWindow(d time.Duration) MonitorOption {
	return func(m *IntegrityMonitor) { m.debounce = d }
}

// WithMonitorNow injects the time source, for tests.
func WithMonitorNow(now func() time.Time) MonitorOption {
	return func(m *IntegrityMonitor) { m.now = now }
}

// WithLastWarning sets the heightened-urgency callback fired when the count
// reaches maxViolations - 1.
func WithLastWarning(fn func(count int)) MonitorOption {
	return func(m *IntegrityMonitor) { m.onLastWarning = fn }
}

// WithSuppressedAction sets the callback for input-layer blocks.
func WithSuppressedAction(fn func(sig Signal)) MonitorOption {
	return func(m *IntegrityMonitor) { m.onSuppressed = fn }
}

func NewIntegrityMonitor(source SignalSource, report ViolationReporter, maxViolations int, logger *slog.Logger, opts ...MonitorOption) *IntegrityMonitor {
	m := &IntegrityMonitor{
		source:        source,
		report:        report,
		maxViolations: maxViolations,
		debounce:      defaultDebounceWindow,
		now:           time.Now,
		logger:        logger,
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run consumes the signal source until it closes or ctx is cancelled.
// Call in a goroutine.
func (m *IntegrityMonitor) Run(ctx context.Context) {
	defer close(m.done)
	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-m.source.Signals():
			if !ok {
				return
			}
			m.handle(ctx, sig)
		}
	}
}

// Done is closed when the monitor loop exits.
func (m *IntegrityMonitor) Done() <-chan struct{} {
	return m.done
}

// Breached reports whether the violation limit has been reached.
func (m *IntegrityMonitor) Breached() bool {
	return m.breached.Load()
}

func (m *IntegrityMonitor) handle(ctx context.Context, sig Signal) {
	if IsSuppressedSignal(sig.Kind) {
		if m.onSuppressed != nil {
			m.onSuppressed(sig)
		}
		return
	}

	kind, counted := ClassifySignal(sig.Kind)
	if !counted {
		return
	}

	// The attempt is already terminal past the breach; stop counting.
	if m.breached.Load() {
		return
	}

	if !m.passDebounce(sig) {
		m.logger.Debug("Signal debounced", "kind", sig.Kind)
		return
	}

	count, err := m.report(ctx, kind)
	if err != nil {
		m.logger.Warn("Violation report rejected", "kind", kind, "error", err)
		return
	}

	if m.maxViolations > 0 {
		if count >= m.maxViolations {
			m.breached.Store(true)
		} else if count == m.maxViolations-1 && m.onLastWarning != nil {
			m.onLastWarning(count)
		}
	}
}

// passDebounce counts a signal only if it falls outside the window opened by
// the previous counted signal.
func (m *IntegrityMonitor) passDebounce(sig Signal) bool {
	at := sig.At
	if at.IsZero() {
		at = m.now()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.lastCounted.IsZero() && at.Sub(m.lastCounted) < m.debounce {
		return false
	}
	m.lastCounted = at
	return true
}
