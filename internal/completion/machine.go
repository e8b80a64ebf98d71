// Package completion drives an exam attempt through its final lifecycle:
// active → evaluating → delivering → complete. Transitions are monotonic; the
// only way back to active is an explicit new-attempt reset.
package completion

import (
	"log/slog"
	"sync"
	"time"

	"github.com/voxexam/voxexam/internal/stream"
)

// Phase is the completion lifecycle stage of one exam attempt.
type Phase int

const (
	// PhaseActive is normal turn-taking.
	PhaseActive Phase = iota
	// PhaseEvaluating means a completion signal was observed and the model
	// has been asked for the final evaluation.
	PhaseEvaluating
	// PhaseDelivering means the model is producing the final evaluation.
	PhaseDelivering
	// PhaseComplete is terminal.
	PhaseComplete
)

// String returns the lowercase phase name.
func (p Phase) String() string {
	switch p {
	case PhaseActive:
		return "active"
	case PhaseEvaluating:
		return "evaluating"
	case PhaseDelivering:
		return "delivering"
	case PhaseComplete:
		return "complete"
	default:
		return "unknown"
	}
}

const (
	defaultWatchdogDelay  = 12 * time.Second
	defaultAutoCloseDelay = 5 * time.Second
)

// Machine is the completion phase machine for one exam attempt.
//
// All methods are safe for concurrent use. Callbacks run on timer goroutines.
type Machine struct {
	logger *slog.Logger

	watchdogDelay  time.Duration
	autoCloseDelay time.Duration

	onNudge     func()
	onAutoClose func()
	onPhase     func(Phase)

	mu       sync.Mutex
	phase    Phase
	baseline int // assistant count when evaluation started
	nudged   bool
	closed   bool // operator closed the session manually

	watchdog  *time.Timer
	autoClose *time.Timer
}

// Option configures a Machine.
type Option func(*Machine)

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(m *Machine) { m.logger = l }
}

// WithWatchdogDelay overrides how long evaluating waits for new assistant
// content before the one-shot nudge.
func WithWatchdogDelay(d time.Duration) Option {
	return func(m *Machine) { m.watchdogDelay = d }
}

// WithAutoCloseDelay overrides the countdown after complete.
func WithAutoCloseDelay(d time.Duration) Option {
	return func(m *Machine) { m.autoCloseDelay = d }
}

// WithNudge registers the callback that sends the one-shot evaluation nudge.
func WithNudge(fn func()) Option {
	return func(m *Machine) { m.onNudge = fn }
}

// WithAutoClose registers the callback that tears the session down after the
// complete countdown.
func WithAutoClose(fn func()) Option {
	return func(m *Machine) { m.onAutoClose = fn }
}

// WithPhaseChange registers a callback invoked on every transition.
func WithPhaseChange(fn func(Phase)) Option {
	return func(m *Machine) { m.onPhase = fn }
}

// NewMachine creates a Machine in the active phase.
func NewMachine(opts ...Option) *Machine {
	m := &Machine{
		logger:         slog.Default(),
		watchdogDelay:  defaultWatchdogDelay,
		autoCloseDelay: defaultAutoCloseDelay,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Phase returns the current phase.
func (m *Machine) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// Active reports whether normal turn-taking is still allowed.
func (m *Machine) Active() bool {
	return m.Phase() == PhaseActive
}

// ExitNeedsConfirmation reports whether leaving the session now would
// truncate the final evaluation.
func (m *Machine) ExitNeedsConfirmation() bool {
	p := m.Phase()
	return p == PhaseEvaluating || p == PhaseDelivering
}

// RequestCompletion transitions active → evaluating. assistantCount is the
// number of assistant messages at the moment the completion signal arrived;
// it is the baseline for detecting new content. Duplicate requests are
// ignored.
func (m *Machine) RequestCompletion(assistantCount int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase != PhaseActive {
		return
	}
	m.baseline = assistantCount
	m.setPhaseLocked(PhaseEvaluating)
	m.watchdog = time.AfterFunc(m.watchdogDelay, m.watchdogFired)
}

// watchdogFired sends the one-shot nudge if evaluation has stalled.
func (m *Machine) watchdogFired() {
	m.mu.Lock()
	if m.phase != PhaseEvaluating || m.nudged {
		m.mu.Unlock()
		return
	}
	m.nudged = true
	fn := m.onNudge
	m.mu.Unlock()

	m.logger.Warn("evaluation stalled, sending nudge")
	if fn != nil {
		fn()
	}
}

// Observe folds a stream update into the machine. assistantCount is the
// current number of assistant messages, latestText the text of the latest
// assistant message, and speechIdle whether synthesis has drained.
func (m *Machine) Observe(status stream.Status, assistantCount int, latestText string, speechIdle bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.phase {
	case PhaseEvaluating:
		if status.InFlight() || assistantCount > m.baseline {
			m.stopWatchdogLocked()
			m.setPhaseLocked(PhaseDelivering)
		}
	case PhaseDelivering:
		if status == stream.StatusReady && assistantCount > m.baseline && latestText != "" && speechIdle {
			m.setPhaseLocked(PhaseComplete)
			m.autoClose = time.AfterFunc(m.autoCloseDelay, m.autoCloseFired)
		}
	}
}

// autoCloseFired tears down the session unless the operator already did.
func (m *Machine) autoCloseFired() {
	m.mu.Lock()
	if m.phase != PhaseComplete || m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	fn := m.onAutoClose
	m.mu.Unlock()

	if fn != nil {
		fn()
	}
}

// ManualClose records that the operator closed the session, suppressing the
// auto-close callback.
func (m *Machine) ManualClose() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	if m.autoClose != nil {
		m.autoClose.Stop()
		m.autoClose = nil
	}
}

// Reset reinitializes the machine to active for a brand-new exam attempt.
func (m *Machine) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopWatchdogLocked()
	if m.autoClose != nil {
		m.autoClose.Stop()
		m.autoClose = nil
	}
	m.phase = PhaseActive
	m.baseline = 0
	m.nudged = false
	m.closed = false
}

// stopWatchdogLocked cancels the evaluation watchdog. Caller must hold m.mu.
func (m *Machine) stopWatchdogLocked() {
	if m.watchdog != nil {
		m.watchdog.Stop()
		m.watchdog = nil
	}
}

// setPhaseLocked advances the phase and notifies. Caller must hold m.mu.
func (m *Machine) setPhaseLocked(p Phase) {
	if p <= m.phase {
		return
	}
	m.phase = p
	m.logger.Info("completion phase", "phase", p.String())
	if m.onPhase != nil {
		// Deliver off the lock to avoid re-entrancy deadlocks.
		go m.onPhase(p)
	}
}
