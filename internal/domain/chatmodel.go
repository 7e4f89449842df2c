package domain

import "context"

// Delta is one streamed fragment of an in-progress assistant message.
type Delta struct {
	Type string `json:"type"` // "text" or "thinking"
	Text string `json:"text"`
}

// Usage tracks token consumption for one model call. Provider-specific
// extras survive serialization verbatim.
type Usage struct {
	PromptTokens     int            `json:"prompt_tokens"`
	CompletionTokens int            `json:"completion_tokens"`
	TotalTokens      int            `json:"total_tokens"`
	Raw              map[string]any `json:"raw,omitempty"`
}

// ChatRequest is sent to a chat model.
type ChatRequest struct {
	SystemPrompt string
	Messages     []Message
	Tools        []ToolSchema
}

// ChatResponse is one complete assistant turn.
type ChatResponse struct {
	Message Message
	Usage   Usage
}

// ModelCallbacks receive streaming notifications during one model call.
// Any field may be nil.
type ModelCallbacks struct {
	OnDeltas             func(deltas []Delta)
	OnToolCallIdentified func(call ToolCall)
	OnUsage              func(usage Usage)
}

// ChatModel is the LLM capability the runtime depends on. Provider bindings
// live outside the kernel.
type ChatModel interface {
	Name() string
	Chat(ctx context.Context, req ChatRequest, cb ModelCallbacks) (*ChatResponse, error)
}
