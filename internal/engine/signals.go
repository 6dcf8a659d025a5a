package engine

import (
	"time"

	"github.com/classworks/attempt-service/internal/models"
)

// SignalKind is a raw host-environment observation, before classification.
type SignalKind string

const (
	// Counted signals: attempts to leave the assessment.
	SignalTabHidden      SignalKind = "tab_hidden"
	SignalWindowBlur     SignalKind = "window_blur"
	SignalFullscreenExit SignalKind = "fullscreen_exit"

	// Suppressed-action notices: blocked at the input layer, never counted.
	SignalCopyAttempt     SignalKind = "copy_attempt"
	SignalPasteAttempt    SignalKind = "paste_attempt"
	SignalContextMenu     SignalKind = "context_menu"
	SignalShortcutBlocked SignalKind = "shortcut_blocked"
)

// Signal is one observation from the host environment.
type Signal struct {
	Kind SignalKind
	At   time.Time
}

// SignalSource abstracts where integrity signals come from, so the monitor
// runs the same against a browser-event bridge or a synthetic test source.
type SignalSource interface {
	Signals() <-chan Signal
}

// ChannelSignalSource is the concrete source fed by the API layer (or by
// tests).
type ChannelSignalSource struct {
	ch chan Signal
}

func NewChannelSignalSource(buffer int) *ChannelSignalSource {
	return &ChannelSignalSource{ch: make(chan Signal, buffer)}
}

func (s *ChannelSignalSource) Signals() <-chan Signal {
	return s.ch
}

// Emit queues a signal, dropping it if the buffer is full rather than
// blocking the producer.
func (s *ChannelSignalSource) Emit(sig Signal) bool {
	select {
	case s.ch <- sig:
		return true
	default:
		return false
	}
}

// Close stops the stream; the monitor exits its loop.
func (s *ChannelSignalSource) Close() {
	close(s.ch)
}

// ClassifySignal maps a counted signal to its violation kind.
func ClassifySignal(kind SignalKind) (models.ViolationKind, bool) {
	switch kind {
	case SignalTabHidden:
		return models.ViolationTabSwitch, true
	case SignalWindowBlur:
		return models.ViolationWindowBlur, true
	case SignalFullscreenExit:
		return models.ViolationFullscreenExit, true
	}
	return "", false
}

// IsSuppressedSignal reports whether a signal is an input-layer block.
func IsSuppressedSignal(kind SignalKind) bool {
	switch kind {
	case SignalCopyAttempt, SignalPasteAttempt, SignalContextMenu, SignalShortcutBlocked:
		return true
	}
	return false
}
