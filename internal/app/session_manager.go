package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/voxexam/voxexam/internal/config"
	"github.com/voxexam/voxexam/internal/exam"
	"github.com/voxexam/voxexam/internal/observe"
	"github.com/voxexam/voxexam/internal/ptt"
	"github.com/voxexam/voxexam/internal/ptt/voicecmd"
	"github.com/voxexam/voxexam/internal/session"
	"github.com/voxexam/voxexam/internal/speech"
	"github.com/voxexam/voxexam/internal/stream"
	"github.com/voxexam/voxexam/pkg/archive"
	"github.com/voxexam/voxexam/pkg/capture"
	"github.com/voxexam/voxexam/pkg/synth"
)

// Session lifecycle errors.
var (
	// ErrSessionActive means a session is already running. One exam session
	// runs at a time; the active candidate must finish (or be stopped) first.
	ErrSessionActive = errors.New("app: a session is already active")

	// ErrNoSession means no session is currently running.
	ErrNoSession = errors.New("app: no active session")
)

// submitTimeout bounds the voice-command check plus candidate submission that
// follows a push-to-talk release.
const submitTimeout = 10 * time.Second

// SessionInfo describes the running exam session.
type SessionInfo struct {
	// ID is the generated session identifier, also used in archive records.
	ID string

	// Candidate is the display name the session was started for.
	Candidate string

	// ExamID identifies the loaded exam plan, when one is configured.
	ExamID string

	// StartedAt is when the session began.
	StartedAt time.Time
}

// SessionManagerConfig carries the dependencies a SessionManager needs.
type SessionManagerConfig struct {
	Config    *config.Config
	Providers *Providers
	Locator   *exam.Locator
	Archiver  archive.Archiver
	Metrics   *observe.Metrics
}

// SessionManager runs at most one exam session at a time. Starting a session
// assembles the full pipeline (stream source, speech queue, push-to-talk
// controller, orchestrator); stopping it tears the pipeline down and clears
// the slot.
//
// All exported methods are safe for concurrent use.
type SessionManager struct {
	cfg      *config.Config
	prov     *Providers
	locator  *exam.Locator
	archiver archive.Archiver
	metrics  *observe.Metrics
	filter   *voicecmd.Filter
	logger   *slog.Logger

	mu     sync.Mutex
	active *activeSession
}

// activeSession bundles everything that must be torn down on Stop.
type activeSession struct {
	info       SessionInfo
	orch       *session.Orchestrator
	queue      *speech.Queue
	controller *ptt.Controller
	cancel     context.CancelFunc
}

// NewSessionManager creates a SessionManager. No session is started.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	logger := slog.Default().With("component", "session_manager")
	return &SessionManager{
		cfg:      cfg.Config,
		prov:     cfg.Providers,
		locator:  cfg.Locator,
		archiver: cfg.Archiver,
		metrics:  cfg.Metrics,
		filter:   voicecmd.New(logger),
		logger:   logger,
	}
}

// ─── Start ───────────────────────────────────────────────────────────────────

// Start begins an exam session for the named candidate. It returns
// ErrSessionActive when a session is already running.
//
// The session runs on its own background context so it outlives the request
// that started it; it ends via Stop, a voice command, or exam completion.
func (sm *SessionManager) Start(ctx context.Context, candidate string) (SessionInfo, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.active != nil {
		return SessionInfo{}, ErrSessionActive
	}
	if sm.prov.Synth == nil {
		return SessionInfo{}, errors.New("app: no synthesis provider configured")
	}
	if sm.prov.Output == nil {
		return SessionInfo{}, errors.New("app: no playback output configured")
	}

	now := time.Now()
	info := SessionInfo{
		ID:        fmt.Sprintf("session-%s-%s", sanitizeName(candidate), now.UTC().Format("20060102T1504Z")),
		Candidate: candidate,
		StartedAt: now,
	}
	if sm.locator != nil {
		info.ExamID = sm.locator.ExamID()
	}

	sessCtx, cancel := context.WithCancel(context.Background())

	// The queue and controller callbacks close over orch, which is built
	// after them. Nothing fires before the orchestrator enqueues or gates,
	// so the late bind is safe.
	var orch *session.Orchestrator

	voice := synth.VoiceProfile{
		ID:          sm.cfg.Exam.Voice.VoiceID,
		Name:        sm.cfg.Exam.Voice.Name,
		Provider:    sm.cfg.Providers.Synth.Name,
		SpeedFactor: sm.cfg.Exam.Voice.SpeedFactor,
	}
	queueOpts := []speech.Option{
		speech.WithLogger(sm.logger),
		speech.WithChunkPlayed(func(messageID string) { orch.ChunkPlayed(messageID) }),
		speech.WithIdle(func() { orch.SpeechIdle() }),
	}
	if sm.metrics != nil {
		queueOpts = append(queueOpts, speech.WithMetrics(sm.metrics))
	}
	queue := speech.NewQueue(sm.prov.Synth, sm.prov.Output, voice, queueOpts...)

	proxy := &handlerProxy{}
	source, startSource, err := sm.buildSource(sessCtx, proxy)
	if err != nil {
		queue.Close()
		cancel()
		return SessionInfo{}, err
	}

	var controller *ptt.Controller
	if sm.prov.Capture != nil {
		pttOpts := []ptt.Option{
			ptt.WithLogger(sm.logger),
			ptt.WithGate(func() error { return orch.CaptureGate() }),
			ptt.WithSubmit(func(text string) { sm.submit(orch, text) }),
			ptt.WithError(func(err error) { orch.CaptureFault(err) }),
		}
		if d := sm.cfg.Timings.CaptureSettle; d > 0 {
			pttOpts = append(pttOpts, ptt.WithSettleDelay(d))
		}
		if sm.metrics != nil {
			pttOpts = append(pttOpts, ptt.WithMetrics(sm.metrics, sm.cfg.Providers.Capture.Name))
		}
		controller = ptt.NewController(sm.prov.Capture, sm.captureConfig(), pttOpts...)
	} else {
		sm.logger.Warn("no capture engine configured, voice input disabled")
	}

	orchOpts := []session.Option{
		session.WithLogger(sm.logger),
		session.WithSessionID(info.ID),
		session.WithTimings(session.Timings{
			FinalizeDebounce:   sm.cfg.Timings.FinalizeDebounce,
			EvaluationWatchdog: sm.cfg.Timings.EvaluationWatchdog,
			AutoClose:          sm.cfg.Timings.AutoClose,
		}),
		session.WithOnClose(func() { go sm.Stop(context.Background()) }),
	}
	if sm.metrics != nil {
		orchOpts = append(orchOpts, session.WithMetrics(sm.metrics))
	}
	if sm.archiver != nil {
		orchOpts = append(orchOpts, session.WithArchiver(sm.archiver))
	}
	if controller != nil {
		orchOpts = append(orchOpts, session.WithCapture(controller))
	}
	orch = session.New(queue, sm.locator, source, orchOpts...)
	if info.ExamID != "" {
		orch.SetExamID(info.ExamID)
	}

	proxy.bind(orch)

	if err := startSource(); err != nil {
		queue.Close()
		cancel()
		return SessionInfo{}, fmt.Errorf("app: start stream source: %w", err)
	}

	sm.active = &activeSession{
		info:       info,
		orch:       orch,
		queue:      queue,
		controller: controller,
		cancel:     cancel,
	}
	if sm.metrics != nil {
		sm.metrics.ActiveSessions.Add(ctx, 1)
	}
	sm.logger.Info("session started", "session_id", info.ID, "candidate", candidate, "exam_id", info.ExamID)
	return info, nil
}

// buildSource creates the examiner stream source for the configured backend
// mode. It returns the source as a submission sink plus a start function that
// begins delivery; the split lets the orchestrator be constructed in between.
func (sm *SessionManager) buildSource(ctx context.Context, handler stream.Handler) (stream.Sink, func() error, error) {
	switch sm.cfg.Backend.Mode {
	case config.BackendLocal:
		if sm.prov.Examiner == nil {
			return nil, nil, errors.New("app: local backend requires an examiner provider")
		}
		opts := []stream.LocalOption{stream.WithLocalLogger(sm.logger)}
		if sm.cfg.Exam.SystemPrompt != "" {
			opts = append(opts, stream.WithSystemPrompt(sm.cfg.Exam.SystemPrompt))
		}
		if sm.metrics != nil {
			opts = append(opts, stream.WithLocalMetrics(sm.metrics, sm.cfg.Providers.Examiner.Name))
		}
		local := stream.NewLocal(sm.prov.Examiner, handler, opts...)
		return local, func() error { return local.Start(ctx) }, nil

	case config.BackendRemote:
		client := stream.NewClient(sm.cfg.Backend.URL, handler,
			stream.WithClientLogger(sm.logger),
			stream.WithToken(sm.cfg.Backend.Token),
		)
		start := func() error {
			go func() {
				if err := client.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
					sm.logger.Error("stream client stopped", "error", err)
				}
			}()
			return nil
		}
		return client, start, nil

	default:
		return nil, nil, fmt.Errorf("app: unknown backend mode %q", sm.cfg.Backend.Mode)
	}
}

// captureConfig derives the speech-to-text session config. The transcription
// language follows the exam plan when one is loaded.
func (sm *SessionManager) captureConfig() capture.Config {
	lang := "en-US"
	if sm.locator != nil && sm.locator.Language() != "" {
		lang = sm.locator.Language()
	}
	return capture.Config{
		Language:       lang,
		SampleRate:     48000,
		InterimResults: true,
	}
}

// submit routes a finished capture through the voice-command filter before it
// becomes a candidate answer. Recognized commands act on the session and are
// never submitted as answers.
func (sm *SessionManager) submit(orch *session.Orchestrator, text string) {
	ctx, cancel := context.WithTimeout(context.Background(), submitTimeout)
	defer cancel()

	handled, err := sm.filter.Check(ctx, text, orch)
	if err != nil {
		sm.logger.Warn("voice command failed", "error", err)
		return
	}
	if handled {
		return
	}
	orch.SubmitCandidate(ctx, text)
}

// ─── Stop ────────────────────────────────────────────────────────────────────

// Stop ends the active session and tears down its pipeline. It returns
// ErrNoSession when nothing is running.
//
// Stop is also the orchestrator's close callback, so it must not call back
// into the orchestrator's lifecycle; it only dismantles the infrastructure
// around it.
func (sm *SessionManager) Stop(ctx context.Context) error {
	sm.mu.Lock()
	active := sm.active
	sm.active = nil
	sm.mu.Unlock()

	if active == nil {
		return ErrNoSession
	}

	if active.controller != nil {
		active.controller.Abort()
	}
	active.queue.Close()
	active.cancel()

	if sm.metrics != nil {
		sm.metrics.ActiveSessions.Add(ctx, -1)
	}
	sm.logger.Info("session stopped", "session_id", active.info.ID)
	return nil
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// ApplyConfig swaps the configuration used for future sessions, typically
// after a config file reload. The active session keeps the settings it
// started with.
func (sm *SessionManager) ApplyConfig(cfg *config.Config) {
	sm.mu.Lock()
	sm.cfg = cfg
	sm.mu.Unlock()
}

// IsActive reports whether a session is currently running.
func (sm *SessionManager) IsActive() bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.active != nil
}

// Count returns the number of live sessions (0 or 1). Used by health probes.
func (sm *SessionManager) Count() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.active != nil {
		return 1
	}
	return 0
}

// Info returns the active session's info, or false when none is running.
func (sm *SessionManager) Info() (SessionInfo, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.active == nil {
		return SessionInfo{}, false
	}
	return sm.active.info, true
}

// Orchestrator returns the active session's orchestrator, or nil when none is
// running. Transport handlers use it for location changes and manual close.
func (sm *SessionManager) Orchestrator() *session.Orchestrator {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.active == nil {
		return nil
	}
	return sm.active.orch
}

// Controller returns the active session's push-to-talk controller, or nil when
// none is running or voice input is disabled.
func (sm *SessionManager) Controller() *ptt.Controller {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.active == nil {
		return nil
	}
	return sm.active.controller
}

// ─── Handler proxy ───────────────────────────────────────────────────────────

// handlerProxy breaks the construction cycle between the stream source and
// the orchestrator: the source needs its handler up front, the orchestrator
// needs the source as its sink. Updates arriving before bind are dropped;
// no source delivers anything before Start/Run.
type handlerProxy struct {
	mu sync.RWMutex
	h  stream.Handler
}

var _ stream.Handler = (*handlerProxy)(nil)

func (p *handlerProxy) bind(h stream.Handler) {
	p.mu.Lock()
	p.h = h
	p.mu.Unlock()
}

func (p *handlerProxy) HandleSnapshot(snap stream.Snapshot) {
	p.mu.RLock()
	h := p.h
	p.mu.RUnlock()
	if h != nil {
		h.HandleSnapshot(snap)
	}
}

func (p *handlerProxy) HandleControl(sig stream.ControlSignal) {
	p.mu.RLock()
	h := p.h
	p.mu.RUnlock()
	if h != nil {
		h.HandleControl(sig)
	}
}

// sanitizeName lowercases the candidate name and keeps only characters safe
// for identifiers, so session IDs stay readable in logs and archive rows.
func sanitizeName(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '_':
			b.WriteByte('-')
		}
	}
	if b.Len() == 0 {
		return "candidate"
	}
	return b.String()
}
