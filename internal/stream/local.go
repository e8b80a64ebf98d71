package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/voxexam/voxexam/internal/observe"
	"github.com/voxexam/voxexam/pkg/examiner"
)

// examinerTools are the media tools offered to an embedded examiner model.
// Their call results become media directive parts on the assistant message.
var examinerTools = []examiner.ToolDefinition{
	{
		Name:        string(ToolPlayAudio),
		Description: "Play a pre-recorded exam audio clip for the candidate.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"recordingId": map[string]any{"type": "string"},
				"url":         map[string]any{"type": "string"},
				"description": map[string]any{"type": "string"},
				"subsection":  map[string]any{"type": "string"},
				"replayable":  map[string]any{"type": "boolean"},
			},
			"required": []string{"recordingId", "subsection"},
		},
	},
	{
		Name:        string(ToolDisplayImage),
		Description: "Display an exam image set to the candidate.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"imageSetId":  map[string]any{"type": "string"},
				"images":      map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				"description": map[string]any{"type": "string"},
				"subsection":  map[string]any{"type": "string"},
			},
			"required": []string{"imageSetId", "subsection"},
		},
	},
}

// Local drives an embedded examiner model and feeds the resulting message
// list to a [Handler], implementing the same protocol surface as the remote
// [Client]. It also implements [Sink], so orchestrator submissions loop
// straight back into the model conversation.
type Local struct {
	provider     examiner.Provider
	handler      Handler
	logger       *slog.Logger
	systemPrompt string
	metrics      *observe.Metrics
	providerName string // examiner provider name carried on metric attributes

	// dispatchMu guards the callback queue. Deliveries are strictly
	// sequential, and a callback may re-enter the sink (a control action
	// appending a submission queues the resulting snapshot instead of
	// blocking on its own delivery).
	dispatchMu sync.Mutex
	dispatch   []dispatchEvent
	delivering bool

	mu       sync.Mutex
	messages []Message
	history  []examiner.Message // full model context, including hidden turns
	status   Status
	nextID   int
	inFlight context.CancelFunc
}

// Compile-time check that *Local satisfies [Sink].
var _ Sink = (*Local)(nil)

// LocalOption configures a Local source.
type LocalOption func(*Local)

// WithLocalLogger sets the logger. Defaults to slog.Default.
func WithLocalLogger(l *slog.Logger) LocalOption {
	return func(s *Local) { s.logger = l }
}

// WithSystemPrompt sets the examiner system prompt built from the exam plan.
func WithSystemPrompt(prompt string) LocalOption {
	return func(s *Local) { s.systemPrompt = prompt }
}

// WithLocalMetrics overrides the metric instruments and sets the provider
// name carried on their attributes. Defaults to the package-wide set under
// the name "examiner".
func WithLocalMetrics(m *observe.Metrics, provider string) LocalOption {
	return func(s *Local) {
		s.metrics = m
		s.providerName = provider
	}
}

// NewLocal creates a Local source over provider delivering to handler.
func NewLocal(provider examiner.Provider, handler Handler, opts ...LocalOption) *Local {
	s := &Local{
		provider:     provider,
		handler:      handler,
		logger:       slog.Default(),
		metrics:      observe.DefaultMetrics(),
		providerName: "examiner",
		status:       StatusReady,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start opens the exam: the model produces the welcome/description turn.
func (s *Local) Start(ctx context.Context) error {
	return s.Append(ctx, Submission{
		Role:   RoleUser,
		Text:   "Begin the exam now. Greet the candidate and describe the first section.",
		Hidden: true,
	})
}

// Append implements [Sink]. Visible submissions join the message list; hidden
// system instructions only extend the model context. Either way a model
// response is requested.
func (s *Local) Append(ctx context.Context, sub Submission) error {
	s.mu.Lock()
	if s.inFlight != nil {
		// A newer submission supersedes the response in flight.
		s.inFlight()
		s.inFlight = nil
	}

	s.history = append(s.history, examiner.Message{Role: string(sub.Role), Content: sub.Text})
	if !sub.Hidden {
		s.nextID++
		s.messages = append(s.messages, Message{
			ID:    "u" + strconv.Itoa(s.nextID),
			Role:  sub.Role,
			Parts: []Part{{Text: sub.Text}},
		})
	}
	s.status = StatusSubmitted

	respCtx, cancel := context.WithCancel(ctx)
	s.inFlight = cancel
	req := examiner.Request{
		SystemPrompt: s.systemPrompt,
		Messages:     append([]examiner.Message(nil), s.history...),
		Tools:        examinerTools,
	}
	s.mu.Unlock()

	s.notify()

	started := time.Now()
	chunks, err := s.provider.StreamCompletion(respCtx, req)
	if err != nil {
		s.setStatus(StatusError)
		s.metrics.RecordProviderError(ctx, s.providerName, "stream_completion")
		s.metrics.RecordProviderRequest(ctx, s.providerName, "stream_completion", "error")
		return fmt.Errorf("stream: completion request: %w", err)
	}

	go s.consume(respCtx, chunks, cancel, started)
	return nil
}

// consume folds streamed chunks into a growing assistant message.
func (s *Local) consume(ctx context.Context, chunks <-chan examiner.Chunk, cancel context.CancelFunc, started time.Time) {
	defer cancel()

	s.mu.Lock()
	s.nextID++
	id := "a" + strconv.Itoa(s.nextID)
	s.messages = append(s.messages, Message{ID: id, Role: RoleAssistant})
	idx := len(s.messages) - 1
	s.mu.Unlock()

	failed := false
	var toolCalls []examiner.ToolCall

	for chunk := range chunks {
		if chunk.FinishReason == "error" {
			failed = true
			s.logger.Error("examiner stream failed", "detail", chunk.Text)
			break
		}

		s.mu.Lock()
		if chunk.Text != "" {
			s.appendTextLocked(idx, chunk.Text)
		}
		toolCalls = append(toolCalls, chunk.ToolCalls...)
		s.status = StatusStreaming
		s.mu.Unlock()
		s.notify()
	}

	if ctx.Err() != nil {
		return // superseded; the replacement response owns the stream now
	}

	s.mu.Lock()
	var assistantText string
	for _, p := range s.messages[idx].Parts {
		assistantText += p.Text
	}
	for _, tc := range toolCalls {
		if part, ok := s.directivePart(tc); ok {
			s.messages[idx].Parts = append(s.messages[idx].Parts, part)
		}
	}
	hist := examiner.Message{Role: string(RoleAssistant), Content: assistantText}
	hist.ToolCalls = toolCalls
	s.history = append(s.history, hist)
	for _, tc := range toolCalls {
		// Close the tool-call loop so the next request is well-formed.
		s.history = append(s.history, examiner.Message{
			Role: "tool", Content: `{"ok":true}`, ToolCallID: tc.ID,
		})
	}
	if failed {
		s.status = StatusError
	} else {
		s.status = StatusReady
	}
	s.inFlight = nil
	s.mu.Unlock()

	s.metrics.ExaminerDuration.Record(ctx, time.Since(started).Seconds())
	status := "ok"
	if failed {
		status = "error"
		s.metrics.RecordProviderError(ctx, s.providerName, "stream_completion")
	}
	s.metrics.RecordProviderRequest(ctx, s.providerName, "stream_completion", status)

	s.notify()
}

// appendTextLocked grows the message's trailing text part.
// Caller must hold s.mu.
func (s *Local) appendTextLocked(idx int, text string) {
	parts := s.messages[idx].Parts
	if n := len(parts); n > 0 && parts[n-1].Directive == nil {
		parts[n-1].Text += text
		return
	}
	s.messages[idx].Parts = append(parts, Part{Text: text})
}

// directivePart converts a media tool call into an authoritative directive
// part. Malformed arguments are dropped with a log line rather than failing
// the whole turn.
func (s *Local) directivePart(tc examiner.ToolCall) (Part, bool) {
	tool := ToolName(tc.Name)
	if tool != ToolPlayAudio && tool != ToolDisplayImage {
		return Part{}, false
	}

	var details MediaDetails
	if err := json.Unmarshal([]byte(tc.Arguments), &details); err != nil {
		s.logger.Warn("malformed media tool call", "tool", tc.Name, "error", err)
		return Part{}, false
	}
	if tool == ToolPlayAudio {
		details.IsExamRecording = true
	} else {
		details.IsExamImage = true
	}

	return Part{Directive: &MediaDirective{
		Tool:    tool,
		State:   DirectiveResult,
		Details: details,
	}}, true
}

// dispatchEvent is one queued handler callback: a snapshot or a control
// signal, never both.
type dispatchEvent struct {
	snap Snapshot
	sig  *ControlSignal
}

// EmitControl forwards an operator control signal to the handler, mirroring
// the remote backend's control side-channel.
func (s *Local) EmitControl(sig ControlSignal) {
	s.enqueue(dispatchEvent{sig: &sig})
}

// setStatus updates the stream status and notifies.
func (s *Local) setStatus(st Status) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
	s.notify()
}

// notify queues the current snapshot for delivery to the handler.
func (s *Local) notify() {
	s.enqueue(dispatchEvent{snap: s.snapshot()})
}

// enqueue appends ev to the dispatch queue and drains it unless another
// caller already is. The drainer delivers events one at a time with the
// queue unlocked, so a callback that re-enters the sink only ever appends.
func (s *Local) enqueue(ev dispatchEvent) {
	s.dispatchMu.Lock()
	s.dispatch = append(s.dispatch, ev)
	if s.delivering {
		s.dispatchMu.Unlock()
		return
	}
	s.delivering = true
	for len(s.dispatch) > 0 {
		next := s.dispatch[0]
		s.dispatch = s.dispatch[1:]
		s.dispatchMu.Unlock()

		if next.sig != nil {
			s.handler.HandleControl(*next.sig)
		} else {
			s.handler.HandleSnapshot(next.snap)
		}

		s.dispatchMu.Lock()
	}
	s.delivering = false
	s.dispatchMu.Unlock()
}

// snapshot builds a deep-enough copy of the message list for the handler.
func (s *Local) snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := make([]Message, len(s.messages))
	for i, m := range s.messages {
		msgs[i] = Message{
			ID:    m.ID,
			Role:  m.Role,
			Parts: append([]Part(nil), m.Parts...),
		}
	}
	return Snapshot{Messages: msgs, Status: s.status}
}
