package stream

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/voxexam/voxexam/pkg/examiner"
	exmock "github.com/voxexam/voxexam/pkg/examiner/mock"
)

// handlerRecorder captures every snapshot and control signal delivered.
type handlerRecorder struct {
	mu    sync.Mutex
	snaps []Snapshot
	sigs  []ControlSignal
}

func (h *handlerRecorder) HandleSnapshot(snap Snapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.snaps = append(h.snaps, snap)
}

func (h *handlerRecorder) HandleControl(sig ControlSignal) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sigs = append(h.sigs, sig)
}

func (h *handlerRecorder) last() (Snapshot, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.snaps) == 0 {
		return Snapshot{}, false
	}
	return h.snaps[len(h.snaps)-1], true
}

func waitForStatus(t *testing.T, h *handlerRecorder, want Status) Snapshot {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if snap, ok := h.last(); ok && snap.Status == want {
			return snap
		}
		time.Sleep(2 * time.Millisecond)
	}
	snap, _ := h.last()
	t.Fatalf("status never reached %q; last snapshot: %+v", want, snap)
	return Snapshot{}
}

func TestLocal_StreamsAssistantText(t *testing.T) {
	provider := &exmock.Provider{
		StreamChunks: []examiner.Chunk{
			{Text: "Welcome to the exam. "},
			{Text: "Tell me about your role.", FinishReason: "stop"},
		},
	}
	h := &handlerRecorder{}
	src := NewLocal(provider, h)

	if err := src.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	snap := waitForStatus(t, h, StatusReady)
	latest, ok := snap.Latest()
	if !ok {
		t.Fatal("no assistant message in final snapshot")
	}
	want := "Welcome to the exam. Tell me about your role."
	if got := latest.Text(); got != want {
		t.Errorf("assistant text = %q, want %q", got, want)
	}
	// The hidden start instruction must not appear in the message list.
	for _, m := range snap.Messages {
		if m.Role == RoleUser {
			t.Errorf("hidden instruction leaked into messages: %+v", m)
		}
	}
}

func TestLocal_VisibleSubmissionJoinsMessages(t *testing.T) {
	provider := &exmock.Provider{
		StreamChunks: []examiner.Chunk{{Text: "Understood.", FinishReason: "stop"}},
	}
	h := &handlerRecorder{}
	src := NewLocal(provider, h)

	if err := src.Append(context.Background(), Submission{Role: RoleUser, Text: "I fly the A320."}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	snap := waitForStatus(t, h, StatusReady)
	if len(snap.Messages) != 2 {
		t.Fatalf("message count = %d, want 2 (user + assistant)", len(snap.Messages))
	}
	if snap.Messages[0].Role != RoleUser || snap.Messages[0].Text() != "I fly the A320." {
		t.Errorf("user message = %+v", snap.Messages[0])
	}
}

func TestLocal_ToolCallBecomesDirective(t *testing.T) {
	args, _ := json.Marshal(map[string]any{
		"recordingId": "rec-7",
		"url":         "https://cdn.example.com/rec-7.ogg",
		"description": "ATIS broadcast",
		"subsection":  "s2:listen",
		"replayable":  true,
	})
	provider := &exmock.Provider{
		StreamChunks: []examiner.Chunk{
			{Text: "Listen to the following broadcast."},
			{FinishReason: "tool_calls", ToolCalls: []examiner.ToolCall{
				{ID: "call-1", Name: string(ToolPlayAudio), Arguments: string(args)},
			}},
		},
	}
	h := &handlerRecorder{}
	src := NewLocal(provider, h)

	if err := src.Append(context.Background(), Submission{Role: RoleUser, Text: "Ready."}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	snap := waitForStatus(t, h, StatusReady)
	latest, _ := snap.Latest()
	dirs := latest.Directives()
	if len(dirs) != 1 {
		t.Fatalf("directives = %d, want 1", len(dirs))
	}
	d := dirs[0]
	if d.Tool != ToolPlayAudio || d.State != DirectiveResult {
		t.Errorf("directive header = %+v", d)
	}
	if d.Details.RecordingID != "rec-7" || d.Details.Subsection != "s2:listen" {
		t.Errorf("directive details = %+v", d.Details)
	}
	if !d.Details.IsExamRecording || !d.Details.Replayable {
		t.Errorf("directive flags = %+v", d.Details)
	}
	if latest.Text() != "Listen to the following broadcast." {
		t.Errorf("directive leaked into text: %q", latest.Text())
	}
}

func TestLocal_MalformedToolCallDropped(t *testing.T) {
	provider := &exmock.Provider{
		StreamChunks: []examiner.Chunk{
			{Text: "Here is the image.", FinishReason: "tool_calls", ToolCalls: []examiner.ToolCall{
				{ID: "call-1", Name: string(ToolDisplayImage), Arguments: "{not json"},
			}},
		},
	}
	h := &handlerRecorder{}
	src := NewLocal(provider, h)

	if err := src.Append(context.Background(), Submission{Role: RoleUser, Text: "Go on."}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	snap := waitForStatus(t, h, StatusReady)
	latest, _ := snap.Latest()
	if n := len(latest.Directives()); n != 0 {
		t.Errorf("malformed tool call produced %d directives", n)
	}
}

func TestLocal_EmitControl(t *testing.T) {
	h := &handlerRecorder{}
	src := NewLocal(&exmock.Provider{}, h)

	src.EmitControl(ControlSignal{
		Type:    ControlTypeSectionControl,
		Content: ControlDetail{Action: ActionCompleteExam, Reason: "all sections done"},
	})

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.sigs) != 1 || h.sigs[0].Content.Action != ActionCompleteExam {
		t.Errorf("control signals = %+v", h.sigs)
	}
}

// reentrantHandler appends a submission from inside HandleControl, the way
// the orchestrator's control actions do (repeat_prompt re-requests a turn).
type reentrantHandler struct {
	handlerRecorder
	src *Local
}

func (h *reentrantHandler) HandleControl(sig ControlSignal) {
	h.handlerRecorder.HandleControl(sig)
	if err := h.src.Append(context.Background(), Submission{
		Role:   RoleSystem,
		Text:   "Repeat your last prompt.",
		Hidden: true,
	}); err != nil {
		panic(err)
	}
}

func TestLocal_ControlHandlerMayAppend(t *testing.T) {
	provider := &exmock.Provider{
		StreamChunks: []examiner.Chunk{{Text: "As I was saying.", FinishReason: "stop"}},
	}
	h := &reentrantHandler{}
	src := NewLocal(provider, h)
	h.src = src

	done := make(chan struct{})
	go func() {
		src.EmitControl(ControlSignal{
			Type:    ControlTypeSectionControl,
			Content: ControlDetail{Action: ActionRepeatPrompt},
		})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("EmitControl blocked on a handler that re-enters the sink")
	}

	// The appended submission still produces a full model turn.
	waitForStatus(t, &h.handlerRecorder, StatusReady)
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.sigs) != 1 || h.sigs[0].Content.Action != ActionRepeatPrompt {
		t.Errorf("control signals = %+v", h.sigs)
	}
}

func TestClient_DispatchFrames(t *testing.T) {
	h := &handlerRecorder{}
	c := NewClient("ws://example.invalid/session", h)

	snapPayload, _ := json.Marshal(Snapshot{
		Status:   StatusStreaming,
		Messages: []Message{{ID: "a1", Role: RoleAssistant, Parts: []Part{{Text: "Hello"}}}},
	})
	if err := c.dispatch(frame{Type: frameSnapshot, Payload: snapPayload}); err != nil {
		t.Fatalf("dispatch snapshot: %v", err)
	}

	ctrlPayload, _ := json.Marshal(ControlSignal{
		Type:    ControlTypeSectionControl,
		Content: ControlDetail{Action: ActionAdvanceToNext, TargetSection: "s2"},
	})
	if err := c.dispatch(frame{Type: frameControl, Payload: ctrlPayload}); err != nil {
		t.Fatalf("dispatch control: %v", err)
	}

	// Unknown types are ignored without error.
	if err := c.dispatch(frame{Type: "heartbeat"}); err != nil {
		t.Fatalf("dispatch unknown: %v", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.snaps) != 1 || h.snaps[0].Status != StatusStreaming {
		t.Errorf("snapshots = %+v", h.snaps)
	}
	if len(h.sigs) != 1 || h.sigs[0].Content.TargetSection != "s2" {
		t.Errorf("controls = %+v", h.sigs)
	}

	// Malformed payloads surface as errors, not panics.
	if err := c.dispatch(frame{Type: frameSnapshot, Payload: []byte("{bad")}); err == nil {
		t.Error("malformed snapshot payload accepted")
	}
}
