// Package stream defines the message-stream protocol consumed by the session
// orchestrator: ordered assistant/candidate messages with text and tool-style
// media directive parts, stream status, and the exam control side-channel.
//
// Two sources implement the protocol: [Client] connects to a remote exam chat
// backend over WebSocket, and [Local] drives an embedded examiner model. The
// orchestrator is agnostic to which one feeds it.
package stream

import (
	"context"
	"strings"
	"time"
)

// Role identifies the author of a message.
type Role string

const (
	RoleAssistant Role = "assistant"
	RoleUser      Role = "user"
	RoleSystem    Role = "system"
)

// Status describes the state of the stream as a whole.
type Status string

const (
	// StatusReady means no response is in flight; the latest assistant
	// message, if any, is complete.
	StatusReady Status = "ready"

	// StatusSubmitted means a candidate turn was sent and the model has not
	// started answering yet.
	StatusSubmitted Status = "submitted"

	// StatusStreaming means the latest assistant message is still growing.
	StatusStreaming Status = "streaming"

	// StatusError means the backend reported a failure for the in-flight
	// response.
	StatusError Status = "error"
)

// InFlight reports whether a response is currently being produced.
func (s Status) InFlight() bool {
	return s == StatusSubmitted || s == StatusStreaming
}

// ToolName identifies a media directive kind.
type ToolName string

const (
	ToolPlayAudio    ToolName = "playAudio"
	ToolDisplayImage ToolName = "displayImage"
)

// DirectiveState distinguishes a pending media fetch from an authoritative
// result.
type DirectiveState string

const (
	DirectiveCall   DirectiveState = "call"
	DirectiveResult DirectiveState = "result"
)

// Message is one unit of the ordered message list. Assistant messages mutate
// in place while streaming: Parts grow monotonically until the stream reports
// ready for the message's ID.
type Message struct {
	ID    string `json:"id"`
	Role  Role   `json:"role"`
	Parts []Part `json:"parts"`
}

// Part is a text segment or a media directive within a message.
type Part struct {
	Text      string          `json:"text,omitempty"`
	Directive *MediaDirective `json:"directive,omitempty"`
}

// MediaDirective is a tool-style media instruction carried by an assistant
// message. state=result entries are authoritative; state=call entries only
// signal that a media fetch is pending.
type MediaDirective struct {
	Tool    ToolName       `json:"toolName"`
	State   DirectiveState `json:"state"`
	Details MediaDetails   `json:"details"`
}

// MediaDetails carries the payload of a media directive.
type MediaDetails struct {
	URL         string   `json:"url,omitempty"`
	Images      []string `json:"images,omitempty"`
	Description string   `json:"description,omitempty"`

	RecordingID string `json:"recordingId,omitempty"`
	ImageSetID  string `json:"imageSetId,omitempty"`

	// Subsection is the location key this media belongs to.
	Subsection string `json:"subsection,omitempty"`

	IsExamRecording bool `json:"isExamRecording,omitempty"`
	IsExamImage     bool `json:"isExamImage,omitempty"`

	Replayable bool `json:"replayable,omitempty"`
	AllowSeek  bool `json:"allowSeek,omitempty"`
	AllowPause bool `json:"allowPause,omitempty"`
}

// Text returns the concatenated text parts of m.
func (m Message) Text() string {
	var sb strings.Builder
	for _, p := range m.Parts {
		sb.WriteString(p.Text)
	}
	return sb.String()
}

// Directives returns all media directives carried by m, in part order.
func (m Message) Directives() []MediaDirective {
	var out []MediaDirective
	for _, p := range m.Parts {
		if p.Directive != nil {
			out = append(out, *p.Directive)
		}
	}
	return out
}

// Snapshot is one consistent view of the message list delivered to the
// orchestrator after every stream update.
type Snapshot struct {
	Messages []Message `json:"messages"`
	Status   Status    `json:"status"`
}

// Latest returns the last assistant message in the snapshot, or false when
// there is none.
func (s Snapshot) Latest() (Message, bool) {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == RoleAssistant {
			return s.Messages[i], true
		}
	}
	return Message{}, false
}

// AssistantCount returns the number of assistant messages in the snapshot.
func (s Snapshot) AssistantCount() int {
	n := 0
	for _, m := range s.Messages {
		if m.Role == RoleAssistant {
			n++
		}
	}
	return n
}

// ControlAction enumerates exam-section control actions.
type ControlAction string

const (
	ActionCompleteExam  ControlAction = "complete_exam"
	ActionAdvanceToNext ControlAction = "advance_to_next"
	ActionRepeatPrompt  ControlAction = "repeat_prompt"
	ActionPauseExam     ControlAction = "pause_exam"
)

// ControlSignal is a typed event on the exam control side-channel.
type ControlSignal struct {
	Type    string        `json:"type"`
	Content ControlDetail `json:"content"`
}

// ControlDetail is the payload of an exam-section-control signal.
type ControlDetail struct {
	Action        ControlAction `json:"action"`
	TargetSection string        `json:"targetSection,omitempty"`
	Reason        string        `json:"reason,omitempty"`
	Timestamp     time.Time     `json:"timestamp"`
}

// ControlTypeSectionControl is the Type value for exam-section control
// signals; other types are ignored by the orchestrator.
const ControlTypeSectionControl = "exam-section-control"

// Submission is a message appended back into the stream: a finalized
// candidate utterance or a system recovery/correction instruction.
type Submission struct {
	Role Role   `json:"role"`
	Text string `json:"text"`

	// Hidden marks system-originated instructions that must not be shown in
	// the candidate-facing transcript.
	Hidden bool `json:"hidden,omitempty"`
}

// Sink accepts submissions back into the model message stream.
type Sink interface {
	Append(ctx context.Context, sub Submission) error
}

// Handler receives stream updates. The orchestrator implements Handler; both
// sources deliver callbacks sequentially, never concurrently.
type Handler interface {
	// HandleSnapshot is invoked after every change to the message list or
	// stream status.
	HandleSnapshot(snap Snapshot)

	// HandleControl is invoked for each control-channel signal.
	HandleControl(sig ControlSignal)
}
