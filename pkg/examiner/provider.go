// Package examiner defines the Provider interface for the language-model
// examiner backend.
//
// A Provider wraps a model API (e.g., OpenAI, or anything reachable through
// any-llm-go) and exposes a uniform streaming-completion interface for the
// embedded examiner source. Media directives are issued by the model as tool
// calls (playAudio / displayImage); the stream layer converts them into
// message parts.
//
// Implementations must be safe for concurrent use. Channels returned by
// StreamCompletion must be closed by the implementation when the stream ends
// or when the supplied context is cancelled.
package examiner

import "context"

// Message represents a single message in the examiner conversation history.
type Message struct {
	// Role is one of "system", "user", "assistant", or "tool".
	Role string

	// Content is the text content of the message.
	Content string

	// ToolCalls contains any tool invocations requested by the assistant.
	ToolCalls []ToolCall

	// ToolCallID is set when Role is "tool", identifying which tool call
	// this message responds to.
	ToolCallID string
}

// ToolCall represents a tool invocation requested by the model.
type ToolCall struct {
	// ID is the provider-assigned identifier for this call.
	ID string

	// Name is the tool name.
	Name string

	// Arguments is the JSON-encoded arguments string.
	Arguments string
}

// ToolDefinition describes a tool offered to the model.
type ToolDefinition struct {
	// Name is the tool's unique identifier.
	Name string

	// Description explains what the tool does.
	Description string

	// Parameters is the JSON Schema for the tool's input.
	Parameters map[string]any
}

// Chunk is a single fragment emitted by a streaming completion. A chunk may
// carry text, a finish signal, tool calls, or any combination.
type Chunk struct {
	// Text is the incremental text content. May be empty.
	Text string

	// FinishReason is set on the final chunk: "stop", "length",
	// "tool_calls", "error", or "" for non-final chunks.
	FinishReason string

	// ToolCalls contains completed tool invocations, emitted with the final
	// chunk.
	ToolCalls []ToolCall
}

// Request carries everything the model needs to produce a response.
type Request struct {
	// SystemPrompt is the examiner instruction document.
	SystemPrompt string

	// Messages is the ordered conversation history.
	Messages []Message

	// Tools is the set of tool definitions offered to the model.
	Tools []ToolDefinition

	// Temperature controls output randomness in [0.0, 2.0].
	Temperature float64

	// MaxTokens caps the completion length. Zero means provider default.
	MaxTokens int
}

// Provider is the abstraction over any examiner model backend.
type Provider interface {
	// StreamCompletion sends req to the model and returns a read-only
	// channel emitting Chunk values as they arrive. The channel is closed
	// when generation finishes or ctx is cancelled. Errors after the stream
	// opens are surfaced as a Chunk with FinishReason "error"; the error
	// return is non-nil only when the stream cannot start.
	StreamCompletion(ctx context.Context, req Request) (<-chan Chunk, error)

	// Complete sends req and waits for the full response text.
	Complete(ctx context.Context, req Request) (string, error)
}
