package middleware

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sagents/internal/domain"
)

func assistantWithCalls(calls ...domain.ToolCall) domain.Message {
	return domain.Message{Role: domain.RoleAssistant, ToolCalls: calls}
}

func TestPendingInterruptMatchesPolicy(t *testing.T) {
	h := NewHumanInTheLoop(map[string][]domain.DecisionKind{
		"write_file": nil,
		"deploy":     {domain.DecisionApprove, domain.DecisionReject},
	})

	msg := assistantWithCalls(
		domain.ToolCall{ID: "c1", Name: "read_file"},
		domain.ToolCall{ID: "c2", Name: "write_file", Arguments: json.RawMessage(`{"path":"a"}`)},
		domain.ToolCall{ID: "c3", Name: "deploy"},
	)

	interrupt := h.PendingInterrupt(msg)
	require.NotNil(t, interrupt)
	assert.Equal(t, domain.InterruptKindHITL, interrupt.Kind)
	require.Len(t, interrupt.ActionRequests, 2)

	assert.Equal(t, "c2", interrupt.ActionRequests[0].ToolCallID)
	assert.Equal(t, AllDecisions, interrupt.ActionRequests[0].AllowedDecisions)

	assert.Equal(t, "deploy", interrupt.ActionRequests[1].ToolName)
	assert.False(t, interrupt.ActionRequests[1].Allows(domain.DecisionEdit))
	assert.True(t, interrupt.ActionRequests[1].Allows(domain.DecisionReject))
}

func TestPendingInterruptNoMatch(t *testing.T) {
	h := NewHumanInTheLoop(map[string][]domain.DecisionKind{"write_file": nil})
	msg := assistantWithCalls(domain.ToolCall{ID: "c1", Name: "read_file"})
	assert.Nil(t, h.PendingInterrupt(msg))
}

func TestInitFromConfigList(t *testing.T) {
	h := NewHumanInTheLoop(nil)
	require.NoError(t, h.Init(map[string]any{"interrupt_on": []string{"rm_rf"}}))

	msg := assistantWithCalls(domain.ToolCall{ID: "c1", Name: "rm_rf"})
	interrupt := h.PendingInterrupt(msg)
	require.NotNil(t, interrupt)
	assert.Equal(t, AllDecisions, interrupt.ActionRequests[0].AllowedDecisions)
}

func TestInitRejectsEmptyPolicy(t *testing.T) {
	h := NewHumanInTheLoop(nil)
	require.Error(t, h.Init(nil))

	h2 := NewHumanInTheLoop(nil)
	require.Error(t, h2.Init(map[string]any{"interrupt_on": []string{""}}))

	h3 := NewHumanInTheLoop(nil)
	require.Error(t, h3.Init(map[string]any{"interrupt_on": "not-a-list"}))
}
