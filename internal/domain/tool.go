package domain

import (
	"context"
	"encoding/json"
)

// ToolFunc executes one tool call. Implementations must honor ctx
// cancellation within a bounded time.
type ToolFunc func(ctx context.Context, args json.RawMessage, tc ToolContext) (ToolOutput, error)

// Tool is a named, schema-described function the LLM may invoke.
type Tool struct {
	Name        string
	Description string
	// Schema is a JSON Schema document for the tool arguments. Empty means
	// arguments are not validated.
	Schema  json.RawMessage
	Handler ToolFunc
}

// ToolOutput is what a tool returns: opaque text for the LLM plus an
// optional typed payload for the runtime.
type ToolOutput struct {
	Text      string
	Processed ProcessedContent
}

// ToolContext carries per-invocation runtime information into a tool task.
type ToolContext struct {
	AgentID string
	CallID  string
	// Ambient is the worker's forked context snapshot (tenant, trace ids).
	Ambient map[string]any
	// Publish fans an event payload out on the agent's main topic. Nil when
	// the tool runs outside a worker (tests).
	Publish func(kind EventKind, payload any)
}

// ToolInfo identifies a tool call in events and display persistence.
type ToolInfo struct {
	CallID      string          `json:"call_id"`
	Name        string          `json:"name"`
	Arguments   json.RawMessage `json:"arguments,omitempty"`
	DisplayText string          `json:"display_text,omitempty"`
}

// ToolSchema is the provider-facing description of a tool.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Schema      json.RawMessage `json:"schema,omitempty"`
}
