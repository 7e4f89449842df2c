package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateCloneIsDeep(t *testing.T) {
	s := NewState("a1")
	s.Append(UserMessage("hi"))
	s.Todos = []Todo{{Content: "one", Status: TodoPending}}
	s.Metadata["k"] = "v"

	c := s.Clone()
	c.Messages[0].Content = "changed"
	c.Todos[0].Status = TodoCompleted
	c.Metadata["k"] = "other"

	assert.Equal(t, "hi", s.Messages[0].Content)
	assert.Equal(t, TodoPending, s.Todos[0].Status)
	assert.Equal(t, "v", s.Metadata["k"])
}

func TestStateApplyRightWins(t *testing.T) {
	s := NewState("a1")
	s.Metadata["keep"] = "old"
	s.Metadata["overwrite"] = "old"

	s.Apply(&StateDelta{
		Messages: []Message{UserMessage("delta message")},
		Todos:    []Todo{{Content: "t", Status: TodoInProgress}},
		Metadata: map[string]any{"overwrite": "new", "added": true},
	})
	s.Apply(&StateDelta{Metadata: map[string]any{"overwrite": "newest"}})

	assert.Len(t, s.Messages, 1)
	assert.Len(t, s.Todos, 1)
	assert.Equal(t, "old", s.Metadata["keep"])
	assert.Equal(t, "newest", s.Metadata["overwrite"])
	assert.Equal(t, true, s.Metadata["added"])
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	s := NewState("a1")
	s.Append(
		UserMessage("write the file"),
		Message{
			ID:   NewID(),
			Role: RoleAssistant,
			ToolCalls: []ToolCall{
				{ID: "c1", Name: "write_file", Arguments: json.RawMessage(`{"path":"a.txt"}`)},
			},
		},
	)
	s.Todos = []Todo{{Content: "done soon", Status: TodoInProgress}}
	s.Metadata["tenant"] = "acme"
	s.Interrupt = &InterruptRecord{
		Current: &Interrupt{
			Kind: InterruptKindHITL,
			ActionRequests: []ActionRequest{{
				ToolCallID:       "c1",
				ToolName:         "write_file",
				AllowedDecisions: []DecisionKind{DecisionApprove, DecisionReject},
			}},
		},
		Pending: []*Interrupt{{Kind: InterruptKindSubAgent, SubAgentID: "sub-coder"}},
	}

	data, err := EncodeState(s)
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.EqualValues(t, StateSchemaVersion, doc["schema_version"])
	assert.Contains(t, doc, "messages")
	assert.Contains(t, doc, "todos")
	assert.Contains(t, doc, "metadata")

	restored, err := DecodeState(data)
	require.NoError(t, err)
	assert.Equal(t, s.AgentID, restored.AgentID)
	require.Len(t, restored.Messages, 2)
	assert.Equal(t, "write_file", restored.Messages[1].ToolCalls[0].Name)
	assert.Equal(t, s.Todos, restored.Todos)
	assert.Equal(t, "acme", restored.Metadata["tenant"])
	require.NotNil(t, restored.Interrupt)
	assert.Equal(t, "c1", restored.Interrupt.Current.ActionRequests[0].ToolCallID)
	require.Len(t, restored.Interrupt.Pending, 1)
	assert.Equal(t, "sub-coder", restored.Interrupt.Pending[0].SubAgentID)
}

func TestDecodeRejectsNewerSchema(t *testing.T) {
	_, err := DecodeState([]byte(`{"schema_version": 99, "agent_id": "a1"}`))
	require.Error(t, err)
}

func TestToolResultProcessedRoundTrip(t *testing.T) {
	msg := Message{
		ID:   NewID(),
		Role: RoleTool,
		ToolResults: []ToolResult{
			{CallID: "c1", Name: "write_todos", Content: "ok",
				Processed: &StateDelta{Todos: []Todo{{Content: "x", Status: TodoPending}}}},
			{CallID: "c2", Name: "task", Content: "paused",
				Processed: &InterruptSignal{SubAgentID: "sub-researcher", SubAgentType: "researcher"}},
			{CallID: "c3", Name: "search", Content: "plain"},
		},
	}

	data, err := json.Marshal(msg)
	require.NoError(t, err)

	var restored Message
	require.NoError(t, json.Unmarshal(data, &restored))
	require.Len(t, restored.ToolResults, 3)

	delta, ok := restored.ToolResults[0].Processed.(*StateDelta)
	require.True(t, ok)
	assert.Equal(t, "x", delta.Todos[0].Content)

	signal, ok := restored.ToolResults[1].Processed.(*InterruptSignal)
	require.True(t, ok)
	assert.Equal(t, "sub-researcher", signal.SubAgentID)

	assert.Nil(t, restored.ToolResults[2].Processed)
}

func TestDisplayItemsProjection(t *testing.T) {
	msg := Message{
		ID:       "m1",
		Role:     RoleAssistant,
		Thinking: "pondering",
		Content:  "here you go",
		ToolCalls: []ToolCall{
			{ID: "c1", Name: "search"},
			{ID: "c2", Name: "write_file"},
		},
	}

	items := DisplayItems(msg)
	require.Len(t, items, 4)
	for i, item := range items {
		assert.Equal(t, i, item.Sequence)
		assert.Equal(t, "m1", item.MessageID)
	}
	assert.Equal(t, DisplayThinking, items[0].Kind)
	assert.Equal(t, DisplayText, items[1].Kind)
	assert.Equal(t, DisplayToolCall, items[2].Kind)
	assert.Equal(t, "c2", items[3].ToolCall.ID)
}
