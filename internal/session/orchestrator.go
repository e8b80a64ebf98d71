// Package session contains the real-time exam session orchestrator. It
// reconciles four independently timed activity streams — incremental model
// text, sentence-level speech playback, push-to-talk capture, and
// location-gated stimulus media — into one race-free conversational turn
// sequence, and drives the exam to completion.
package session

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voxexam/voxexam/internal/completion"
	"github.com/voxexam/voxexam/internal/exam"
	"github.com/voxexam/voxexam/internal/guard"
	"github.com/voxexam/voxexam/internal/observe"
	"github.com/voxexam/voxexam/internal/ptt"
	"github.com/voxexam/voxexam/internal/segment"
	"github.com/voxexam/voxexam/internal/stimulus"
	"github.com/voxexam/voxexam/internal/stream"
	"github.com/voxexam/voxexam/internal/transcript"
	"github.com/voxexam/voxexam/pkg/archive"
)

// speechQueue is the synthesis surface the orchestrator drives.
// *speech.Queue satisfies it.
type speechQueue interface {
	Enqueue(text, messageID string)
	Reset()
	Speaking() bool
	Loading() bool
	Busy() bool
}

// captureAborter lets the orchestrator cut an in-flight capture on pause.
// *ptt.Controller satisfies it.
type captureAborter interface {
	Abort()
}

// Timings collects the orchestrator's timer knobs. Tests shorten them; the
// zero value selects the defaults.
type Timings struct {
	// FinalizeDebounce is the quiet window between the stream reporting
	// ready and the finalize flush. A message can be reported ready and then
	// receive a further micro-update for the same id; finalizing too early
	// truncates the utterance.
	FinalizeDebounce time.Duration

	// EvaluationWatchdog is how long evaluating waits for new assistant
	// content before the one-shot nudge.
	EvaluationWatchdog time.Duration

	// AutoClose is the countdown after the exam completes.
	AutoClose time.Duration
}

func (t *Timings) applyDefaults() {
	if t.FinalizeDebounce <= 0 {
		t.FinalizeDebounce = 150 * time.Millisecond
	}
	if t.EvaluationWatchdog <= 0 {
		t.EvaluationWatchdog = 12 * time.Second
	}
	if t.AutoClose <= 0 {
		t.AutoClose = 5 * time.Second
	}
}

// maxEmptyResponseNudges bounds recovery from turns that finalize with no
// usable spoken text.
const maxEmptyResponseNudges = 2

// Orchestrator composes the segmenter, speech queue, stimulus presenter,
// recovery guards, completion machine, and transcript into one session. It
// implements [stream.Handler].
//
// All event entry points are serialized on one mutex: every external callback
// (stream snapshot, control signal, capture submission, playback completion,
// timer) funnels into state transitions under the same lock, which is what
// makes the idempotency and ordering invariants hold.
type Orchestrator struct {
	queue     speechQueue
	locator   *exam.Locator
	sink      stream.Sink
	presenter *stimulus.Presenter
	mediaGd   *guard.MediaGuard
	corrector *guard.RolePlayCorrector
	machine   *completion.Machine
	recorder  *transcript.Recorder
	ledger    *transcript.Ledger
	archiver  archive.Archiver
	capture   captureAborter
	logger    *slog.Logger
	metrics   *observe.Metrics
	timings   Timings
	onClose   func()

	sessionID string
	examID    string

	mu        sync.Mutex
	snap      stream.Snapshot
	curID     string            // assistant message currently tracked
	consumed  int               // characters of curID already segmented
	firstID   string            // welcome message, exempt from speech
	finalized map[string]string // messageID -> finalized text
	location  exam.LocationKey

	finalizeTimer *time.Timer
	finalizeGen   uint64
	pendingID     string // messageID the scheduled finalize belongs to

	paused      bool
	attemptID   string
	startedAt   time.Time
	turnStarted time.Time
	emptyNudges int
	caption     string // last candidate utterance, for the teleprompter
}

var _ stream.Handler = (*Orchestrator)(nil)

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithTimings overrides the timer knobs.
func WithTimings(t Timings) Option {
	return func(o *Orchestrator) { o.timings = t }
}

// WithArchiver persists the attempt when the exam completes.
func WithArchiver(a archive.Archiver) Option {
	return func(o *Orchestrator) { o.archiver = a }
}

// WithCapture lets the orchestrator abort an in-flight capture on pause.
func WithCapture(c captureAborter) Option {
	return func(o *Orchestrator) { o.capture = c }
}

// WithOnClose registers the teardown callback for auto-close and manual close.
func WithOnClose(fn func()) Option {
	return func(o *Orchestrator) { o.onClose = fn }
}

// WithSessionID sets the candidate session identifier used in archive records.
func WithSessionID(id string) Option {
	return func(o *Orchestrator) { o.sessionID = id }
}

// WithMetrics overrides the metric instruments. Defaults to the package-wide
// set, which is a no-op until a meter provider is installed.
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// New creates an Orchestrator over the given speech queue, exam plan locator,
// and submission sink.
func New(queue speechQueue, locator *exam.Locator, sink stream.Sink, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		queue:     queue,
		locator:   locator,
		sink:      sink,
		logger:    slog.Default(),
		metrics:   observe.DefaultMetrics(),
		finalized: map[string]string{},
		sessionID: uuid.NewString(),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.timings.applyDefaults()

	o.presenter = stimulus.NewPresenter()
	o.mediaGd = guard.NewMediaGuard(locator, o.presenter, sink, guard.WithLogger(o.logger))
	o.corrector = guard.NewRolePlayCorrector(locator, sink, o.logger)
	o.recorder = transcript.NewRecorder()
	o.ledger = transcript.NewLedger()
	o.machine = completion.NewMachine(
		completion.WithLogger(o.logger),
		completion.WithWatchdogDelay(o.timings.EvaluationWatchdog),
		completion.WithAutoCloseDelay(o.timings.AutoClose),
		completion.WithNudge(o.sendEvaluationNudge),
		completion.WithAutoClose(o.autoClose),
		completion.WithPhaseChange(o.phaseChanged),
	)
	o.attemptID = uuid.NewString()
	o.startedAt = time.Now()
	return o
}

// ─────────────────────────────────────────────────────────────────────────────
// Stream events
// ─────────────────────────────────────────────────────────────────────────────

// HandleSnapshot implements [stream.Handler]. It is the single reconciliation
// point between the message list and everything downstream.
func (o *Orchestrator) HandleSnapshot(snap stream.Snapshot) {
	o.mu.Lock()
	o.snap = snap

	latest, ok := snap.Latest()
	if ok {
		if o.firstID == "" {
			o.firstID = latest.ID
		}
		if latest.ID != o.curID {
			o.newTurnLocked(latest)
		}

		o.presenter.Observe(latest)
		o.trackLocationLocked(latest)
		o.extractSentencesLocked(latest)

		switch {
		case snap.Status == stream.StatusReady:
			o.scheduleFinalizeLocked(latest.ID, latest.Text())
		case snap.Status.InFlight():
			// A resumed stream invalidates any pending finalize for this id.
			if o.pendingID == latest.ID {
				o.cancelFinalizeLocked()
			}
		}
	}

	status := snap.Status
	count := snap.AssistantCount()
	var latestText string
	if ok {
		latestText = o.finalized[latest.ID]
	}
	speechIdle := !o.queue.Busy()
	o.mu.Unlock()

	o.machine.Observe(status, count, latestText, speechIdle)
	o.maybeSettle()
}

// newTurnLocked starts tracking a new assistant message: queued speech for
// the previous message is dropped, per-turn counters clear, and any pending
// finalize for the superseded id is cancelled. Caller must hold o.mu.
func (o *Orchestrator) newTurnLocked(latest stream.Message) {
	o.curID = latest.ID
	o.consumed = 0
	o.caption = ""
	o.turnStarted = time.Now()
	o.cancelFinalizeLocked()
	o.queue.Reset()
	o.ledger.Record(transcript.ChannelModel, "new assistant turn", latest.ID, string(o.snap.Status))
}

// trackLocationLocked follows the exam location carried by media directives.
// Caller must hold o.mu.
func (o *Orchestrator) trackLocationLocked(latest stream.Message) {
	for _, d := range latest.Directives() {
		if d.Details.Subsection != "" {
			o.location = exam.LocationKey(d.Details.Subsection)
		}
	}
}

// extractSentencesLocked segments the unconsumed suffix of the tracked
// message and enqueues every completed sentence. Caller must hold o.mu.
func (o *Orchestrator) extractSentencesLocked(latest stream.Message) {
	if latest.ID == o.firstID {
		return // the welcome turn is mirrored, never spoken
	}
	if _, done := o.finalized[latest.ID]; done {
		return
	}

	text := latest.Text()
	sentences, n := segment.Sentences(text, o.consumed)
	for _, s := range sentences {
		o.queue.Enqueue(s, latest.ID)
		o.ledger.Record(transcript.ChannelSpeech, s, latest.ID, "")
	}
	o.consumed += n
}

// HandleControl implements [stream.Handler].
func (o *Orchestrator) HandleControl(sig stream.ControlSignal) {
	if sig.Type != stream.ControlTypeSectionControl {
		return
	}
	o.ledger.Record(transcript.ChannelControl, string(sig.Content.Action), "", "")

	switch sig.Content.Action {
	case stream.ActionCompleteExam:
		o.requestCompletion()
	case stream.ActionAdvanceToNext:
		if sig.Content.TargetSection != "" {
			for _, key := range o.locator.Keys() {
				if sec, _ := key.Split(); sec == sig.Content.TargetSection {
					o.SetLocation(key)
					break
				}
			}
		}
	case stream.ActionPauseExam:
		_ = o.PauseSession(context.Background())
	case stream.ActionRepeatPrompt:
		_ = o.RepeatPrompt(context.Background())
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Finalize
// ─────────────────────────────────────────────────────────────────────────────

// scheduleFinalizeLocked arms the debounced finalize for messageID, replacing
// any pending finalize for another id. Caller must hold o.mu.
func (o *Orchestrator) scheduleFinalizeLocked(messageID, text string) {
	if prev, done := o.finalized[messageID]; done && prev == text {
		return // already sealed with this exact text
	}
	if o.pendingID == messageID && o.finalizeTimer != nil {
		return // already armed for this id
	}
	o.cancelFinalizeLocked()
	o.finalizeGen++
	gen := o.finalizeGen
	o.pendingID = messageID
	o.finalizeTimer = time.AfterFunc(o.timings.FinalizeDebounce, func() {
		o.finalize(messageID, gen)
	})
}

// cancelFinalizeLocked disarms any pending finalize. Caller must hold o.mu.
func (o *Orchestrator) cancelFinalizeLocked() {
	if o.finalizeTimer != nil {
		o.finalizeTimer.Stop()
		o.finalizeTimer = nil
	}
	o.pendingID = ""
	o.finalizeGen++
}

// finalize seals messageID's text: the unconsumed tail is flushed to the
// speech queue as one final chunk and the turn lands in the transcript. It
// is idempotent per (messageID, text) and ignores stale timers.
func (o *Orchestrator) finalize(messageID string, gen uint64) {
	o.mu.Lock()
	if gen != o.finalizeGen {
		o.mu.Unlock()
		return // superseded before the quiet window elapsed
	}
	o.finalizeTimer = nil
	o.pendingID = ""

	latest, ok := o.snap.Latest()
	if !ok || latest.ID != messageID || o.snap.Status.InFlight() {
		o.mu.Unlock()
		return // the world moved on; finalizing now would act on stale text
	}

	text := latest.Text()
	prev, sealedBefore := o.finalized[messageID]
	if sealedBefore && prev == text {
		o.mu.Unlock()
		return
	}

	if messageID != o.firstID && o.consumed < len(text) {
		tail := strings.TrimSpace(text[o.consumed:])
		if tail != "" {
			o.queue.Enqueue(tail, messageID)
			o.ledger.Record(transcript.ChannelSpeech, tail, messageID, "tail")
		}
		o.consumed = len(text)
	}
	o.finalized[messageID] = text

	loc := o.location
	empty := strings.TrimSpace(text) == ""
	o.recorder.UpsertExaminer(messageID, text, string(loc))
	o.ledger.Record(transcript.ChannelModel, "finalized", messageID, string(o.snap.Status))

	count := o.snap.AssistantCount()
	status := o.snap.Status
	speechIdle := !o.queue.Busy()
	turnStarted := o.turnStarted
	examID := o.examID
	o.mu.Unlock()

	ctx := context.Background()
	if !sealedBefore {
		o.metrics.RecordExaminerTurn(ctx, examID)
		if !turnStarted.IsZero() {
			o.metrics.FinalizeLatency.Record(ctx, time.Since(turnStarted).Seconds())
		}
	}
	o.corrector.Check(ctx, latest, loc)
	if empty {
		o.recoverEmptyResponse(ctx, messageID)
	}

	o.machine.Observe(status, count, text, speechIdle)
	o.maybeSettle()
}

// recoverEmptyResponse issues a bounded nudge when a turn finalizes with no
// usable spoken text.
func (o *Orchestrator) recoverEmptyResponse(ctx context.Context, messageID string) {
	o.mu.Lock()
	if o.emptyNudges >= maxEmptyResponseNudges {
		o.mu.Unlock()
		o.logger.Warn("empty response recovery exhausted", "message_id", messageID)
		return
	}
	o.emptyNudges++
	o.mu.Unlock()

	o.metrics.EmptyResponseNudges.Add(ctx, 1)
	const text = "Your last turn contained no spoken content. Please continue the exam with your next prompt."
	if err := o.sink.Append(ctx, stream.Submission{Role: stream.RoleUser, Text: text, Hidden: true}); err != nil {
		o.logger.Error("empty response nudge failed", "error", err)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Speech and capture events
// ─────────────────────────────────────────────────────────────────────────────

// SpeechIdle is the speech queue's drain callback. Wire it via
// speech.WithIdle.
func (o *Orchestrator) SpeechIdle() {
	o.mu.Lock()
	status := o.snap.Status
	count := o.snap.AssistantCount()
	var latestText string
	if latest, ok := o.snap.Latest(); ok {
		latestText = o.finalized[latest.ID]
	}
	o.mu.Unlock()

	o.machine.Observe(status, count, latestText, true)
	o.maybeSettle()
}

// ChunkPlayed is the speech queue's per-chunk callback. Wire it via
// speech.WithChunkPlayed.
func (o *Orchestrator) ChunkPlayed(messageID string) {
	o.ledger.Record(transcript.ChannelSpeech, "chunk played", messageID, "")
}

// CaptureGate is the push-to-talk gate. Wire it via ptt.WithGate.
func (o *Orchestrator) CaptureGate() error {
	o.mu.Lock()
	paused := o.paused
	o.mu.Unlock()

	switch {
	case o.queue.Speaking() || o.queue.Loading():
		return ptt.ErrSpeechBusy
	case paused:
		return ptt.ErrPaused
	case !o.machine.Active():
		return ptt.ErrNotActive
	default:
		return nil
	}
}

// SubmitCandidate appends a finalized candidate utterance: it lands in the
// transcript, dismisses any pinned stimulus, and goes back into the model
// stream. Wire it via ptt.WithSubmit.
func (o *Orchestrator) SubmitCandidate(ctx context.Context, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}

	o.mu.Lock()
	loc := o.location
	o.caption = text
	o.mu.Unlock()

	o.recorder.AppendCandidate(text, string(loc))
	o.presenter.CandidateSubmitted()
	o.ledger.Record(transcript.ChannelCapture, text, "", "submitted")
	o.metrics.CandidateSubmissions.Add(ctx, 1)

	if err := o.sink.Append(ctx, stream.Submission{Role: stream.RoleUser, Text: text}); err != nil {
		o.logger.Error("candidate submission failed", "error", err)
	}
}

// CaptureFault surfaces a capture engine fault. Wire it via ptt.WithError.
func (o *Orchestrator) CaptureFault(err error) {
	o.logger.Warn("capture fault", "error", err)
	o.ledger.Record(transcript.ChannelCapture, err.Error(), "", "error")
}

// ─────────────────────────────────────────────────────────────────────────────
// Settle: reveal stimuli and run the media guard once everything is quiet
// ─────────────────────────────────────────────────────────────────────────────

// maybeSettle runs the quiet-state work: when the stream is ready, speech has
// drained, and the session is not paused, pinned stimuli become visible and
// the media-required policy is checked.
func (o *Orchestrator) maybeSettle() {
	o.mu.Lock()
	idle := o.snap.Status == stream.StatusReady && !o.paused
	loc := o.location
	o.mu.Unlock()

	if !idle || o.queue.Busy() {
		return
	}

	o.presenter.Reveal()
	if loc != "" && o.machine.Active() {
		ctx := context.Background()
		if o.mediaGd.Check(ctx, loc) {
			o.ledger.Record(transcript.ChannelMedia, "media recovery", "", string(loc))
			o.metrics.RecordMediaRecovery(ctx, string(loc))
		}
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Completion and control actions
// ─────────────────────────────────────────────────────────────────────────────

// requestCompletion moves the machine to evaluating with the current
// assistant count as its baseline.
func (o *Orchestrator) requestCompletion() {
	o.mu.Lock()
	count := o.snap.AssistantCount()
	o.mu.Unlock()

	if o.capture != nil {
		o.capture.Abort()
	}
	o.machine.RequestCompletion(count)
}

// sendEvaluationNudge is the completion watchdog's one-shot action.
func (o *Orchestrator) sendEvaluationNudge() {
	const text = "The exam has ended. Please provide the final evaluation now."
	if err := o.sink.Append(context.Background(), stream.Submission{Role: stream.RoleUser, Text: text, Hidden: true}); err != nil {
		o.logger.Error("evaluation nudge failed", "error", err)
	}
}

// phaseChanged reacts to completion transitions.
func (o *Orchestrator) phaseChanged(p completion.Phase) {
	o.ledger.Record(transcript.ChannelControl, "phase "+p.String(), "", "")
	if p == completion.PhaseComplete {
		o.archiveAttempt()
	}
}

// autoClose tears the session down after the complete countdown.
func (o *Orchestrator) autoClose() {
	o.logger.Info("session auto-close")
	if o.onClose != nil {
		o.onClose()
	}
}

// Close records a manual close, suppressing the auto-close countdown. If the
// exam is mid-evaluation the caller must have obtained operator confirmation
// first; ExitNeedsConfirmation reports when that applies.
func (o *Orchestrator) Close() {
	o.machine.ManualClose()
	if o.onClose != nil {
		o.onClose()
	}
}

// ExitNeedsConfirmation reports whether closing now may truncate the final
// evaluation.
func (o *Orchestrator) ExitNeedsConfirmation() bool {
	return o.machine.ExitNeedsConfirmation()
}

// archiveAttempt persists the finished attempt.
func (o *Orchestrator) archiveAttempt() {
	if o.archiver == nil {
		return
	}

	o.mu.Lock()
	rec := archive.AttemptRecord{
		SessionID:   o.sessionID,
		AttemptID:   o.attemptID,
		ExamID:      o.examID,
		StartedAt:   o.startedAt,
		CompletedAt: time.Now(),
	}
	o.mu.Unlock()

	for _, t := range o.recorder.Turns() {
		rec.Turns = append(rec.Turns, archive.TurnRecord{
			TurnID:      t.ID,
			Role:        string(t.Role),
			Text:        t.Text,
			LocationKey: t.LocationKey,
			At:          t.At,
		})
	}
	for _, e := range o.ledger.Events() {
		rec.Events = append(rec.Events, archive.EventRecord{
			Seq:       e.Seq,
			At:        e.At,
			Channel:   string(e.Channel),
			Text:      e.Text,
			MessageID: e.MessageID,
			Status:    e.Status,
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := o.archiver.SaveAttempt(ctx, rec); err != nil {
		o.logger.Error("attempt archive failed", "attempt_id", rec.AttemptID, "error", err)
		return
	}
	o.logger.Info("attempt archived", "attempt_id", rec.AttemptID, "turns", len(rec.Turns))
}

// CompleteExam implements the operator "end the exam" action.
func (o *Orchestrator) CompleteExam(_ context.Context, reason string) error {
	o.logger.Info("exam completion requested", "reason", reason)
	o.requestCompletion()
	return nil
}

// PauseSession atomically stops queued speech and any active capture, and
// suspends new transitions until resumed.
func (o *Orchestrator) PauseSession(context.Context) error {
	o.mu.Lock()
	if o.paused {
		o.mu.Unlock()
		return nil
	}
	o.paused = true
	o.queue.Reset()
	o.mu.Unlock()

	if o.capture != nil {
		o.capture.Abort()
	}
	o.ledger.Record(transcript.ChannelControl, "paused", "", "")
	return nil
}

// ResumeSession lifts a pause. Skipped speech is not replayed.
func (o *Orchestrator) ResumeSession(context.Context) error {
	o.mu.Lock()
	o.paused = false
	o.mu.Unlock()
	o.ledger.Record(transcript.ChannelControl, "resumed", "", "")
	o.maybeSettle()
	return nil
}

// RepeatPrompt asks the model to restate the current prompt.
func (o *Orchestrator) RepeatPrompt(ctx context.Context) error {
	const text = "Please repeat the current prompt for the candidate."
	return o.sink.Append(ctx, stream.Submission{Role: stream.RoleUser, Text: text, Hidden: true})
}

// NewAttempt resets every per-attempt structure for a brand-new exam run:
// completion machine, recovery sets, finalize cache, transcript, stimuli.
// The alignment ledger keeps its sequence numbering across attempts.
func (o *Orchestrator) NewAttempt() {
	o.mu.Lock()
	o.cancelFinalizeLocked()
	o.queue.Reset()
	o.snap = stream.Snapshot{}
	o.curID = ""
	o.consumed = 0
	o.firstID = ""
	o.finalized = map[string]string{}
	o.location = ""
	o.paused = false
	o.emptyNudges = 0
	o.caption = ""
	o.attemptID = uuid.NewString()
	o.startedAt = time.Now()
	o.turnStarted = time.Time{}
	o.mu.Unlock()

	o.machine.Reset()
	o.mediaGd.Reset()
	o.corrector.Reset()
	o.presenter.Reset()
	o.recorder.Reset()
}

// ─────────────────────────────────────────────────────────────────────────────
// Read-side accessors
// ─────────────────────────────────────────────────────────────────────────────

// Phase returns the current completion phase.
func (o *Orchestrator) Phase() completion.Phase { return o.machine.Phase() }

// Paused reports whether the session is paused.
func (o *Orchestrator) Paused() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.paused
}

// SetLocation moves the session to a new exam location. The UI surface calls
// it as the candidate advances through subsections; media directives from the
// model also move it implicitly.
func (o *Orchestrator) SetLocation(key exam.LocationKey) {
	o.mu.Lock()
	o.location = key
	o.mu.Unlock()
	o.maybeSettle()
}

// Location returns the current exam location key.
func (o *Orchestrator) Location() exam.LocationKey {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.location
}

// Caption returns the candidate's last utterance for teleprompter display.
func (o *Orchestrator) Caption() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.caption
}

// Transcript returns the recorded turns in production order.
func (o *Orchestrator) Transcript() []transcript.Turn { return o.recorder.Turns() }

// Ledger returns the diagnostic alignment events.
func (o *Orchestrator) Ledger() []transcript.AlignmentEvent { return o.ledger.Events() }

// Presenter exposes the stimulus card state to the UI surface.
func (o *Orchestrator) Presenter() *stimulus.Presenter { return o.presenter }

// SetExamID records the plan identifier used in archive records.
func (o *Orchestrator) SetExamID(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.examID = id
}
