package domain

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// Role constants for message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ToolCall is one LLM-requested tool invocation.
type ToolCall struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Arguments   json.RawMessage `json:"arguments,omitempty"`
	DisplayText string          `json:"display_text,omitempty"`
}

// ProcessedContent is a typed payload a tool returns alongside its text
// content. It is never sent to the LLM. The two implementations are
// StateDelta and InterruptSignal.
type ProcessedContent interface {
	processedKind() string
}

// ToolResult is the outcome of one tool call.
type ToolResult struct {
	CallID    string           `json:"call_id"`
	Name      string           `json:"name"`
	Content   string           `json:"content"`
	Processed ProcessedContent `json:"-"`
	IsError   bool             `json:"is_error,omitempty"`
}

type toolResultJSON struct {
	CallID        string          `json:"call_id"`
	Name          string          `json:"name"`
	Content       string          `json:"content"`
	IsError       bool            `json:"is_error,omitempty"`
	ProcessedKind string          `json:"processed_kind,omitempty"`
	Processed     json.RawMessage `json:"processed,omitempty"`
}

// MarshalJSON encodes Processed with a kind tag so tool results survive
// state serialization.
func (r ToolResult) MarshalJSON() ([]byte, error) {
	out := toolResultJSON{CallID: r.CallID, Name: r.Name, Content: r.Content, IsError: r.IsError}
	if r.Processed != nil {
		raw, err := json.Marshal(r.Processed)
		if err != nil {
			return nil, fmt.Errorf("marshal processed content: %w", err)
		}
		out.ProcessedKind = r.Processed.processedKind()
		out.Processed = raw
	}
	return json.Marshal(out)
}

func (r *ToolResult) UnmarshalJSON(data []byte) error {
	var in toolResultJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	r.CallID = in.CallID
	r.Name = in.Name
	r.Content = in.Content
	r.IsError = in.IsError
	r.Processed = nil
	switch in.ProcessedKind {
	case "":
	case processedKindStateDelta:
		var d StateDelta
		if err := json.Unmarshal(in.Processed, &d); err != nil {
			return fmt.Errorf("unmarshal state delta: %w", err)
		}
		r.Processed = &d
	case processedKindInterruptSignal:
		var s InterruptSignal
		if err := json.Unmarshal(in.Processed, &s); err != nil {
			return fmt.Errorf("unmarshal interrupt signal: %w", err)
		}
		r.Processed = &s
	default:
		return fmt.Errorf("unknown processed content kind %q", in.ProcessedKind)
	}
	return nil
}

// Message is one entry in a conversation history.
type Message struct {
	ID          string       `json:"id"`
	Role        string       `json:"role"`
	Content     string       `json:"content"`
	Thinking    string       `json:"thinking,omitempty"`
	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []ToolResult `json:"tool_results,omitempty"`
	Timestamp   time.Time    `json:"timestamp"`
}

// HasToolCalls reports whether the message requests tool execution.
func (m Message) HasToolCalls() bool { return m.Role == RoleAssistant && len(m.ToolCalls) > 0 }

// Clone returns a deep copy of the message.
func (m Message) Clone() Message {
	out := m
	if m.ToolCalls != nil {
		out.ToolCalls = make([]ToolCall, len(m.ToolCalls))
		copy(out.ToolCalls, m.ToolCalls)
		for i, tc := range m.ToolCalls {
			out.ToolCalls[i].Arguments = append(json.RawMessage(nil), tc.Arguments...)
		}
	}
	if m.ToolResults != nil {
		out.ToolResults = make([]ToolResult, len(m.ToolResults))
		copy(out.ToolResults, m.ToolResults)
	}
	return out
}

// NewID returns a fresh ULID. Used for message IDs and tool call IDs.
func NewID() string {
	t := time.Now()
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// UserMessage builds a user-role message with a fresh ID.
func UserMessage(content string) Message {
	return Message{ID: NewID(), Role: RoleUser, Content: content, Timestamp: time.Now()}
}

// SystemMessage builds a system-role message with a fresh ID.
func SystemMessage(content string) Message {
	return Message{ID: NewID(), Role: RoleSystem, Content: content, Timestamp: time.Now()}
}
