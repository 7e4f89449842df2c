package domain

import "time"

// EventKind identifies the payload carried by an event envelope. The set is
// closed; consumers pattern-match on it and additions must be
// backward-compatible.
type EventKind string

const (
	EventStatusChanged            EventKind = "status_changed"
	EventLLMDeltas                EventKind = "llm_deltas"
	EventLLMMessage               EventKind = "llm_message"
	EventLLMTokenUsage            EventKind = "llm_token_usage"
	EventToolCallIdentified       EventKind = "tool_call_identified"
	EventToolExecutionUpdate      EventKind = "tool_execution_update"
	EventDisplayMessageSaved      EventKind = "display_message_saved"
	EventDisplayMessagesBatchSave EventKind = "display_messages_batch_saved"
	EventTodosUpdated             EventKind = "todos_updated"
	EventStateRestored            EventKind = "state_restored"
	EventNodeTransferring         EventKind = "node_transferring"
	EventNodeTransferred          EventKind = "node_transferred"
	EventAgentShutdown            EventKind = "agent_shutdown"
	EventDebug                    EventKind = "debug"
)

// Event is the envelope published on per-agent topics.
type Event struct {
	Agent     string    `json:"agent"`
	Kind      EventKind `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// ToolPhase is the lifecycle phase in a tool_execution_update event.
type ToolPhase string

const (
	ToolExecuting ToolPhase = "executing"
	ToolCompleted ToolPhase = "completed"
	ToolFailed    ToolPhase = "failed"
)

// Event payloads, one struct per EventKind.
type (
	StatusChangedPayload struct {
		NewStatus Status `json:"new_status"`
		Detail    string `json:"detail,omitempty"`
	}
	LLMDeltasPayload struct {
		Deltas []Delta `json:"deltas"`
	}
	LLMMessagePayload struct {
		Message Message `json:"message"`
	}
	TokenUsagePayload struct {
		Usage Usage `json:"usage"`
	}
	ToolCallIdentifiedPayload struct {
		Info ToolInfo `json:"tool_info"`
	}
	ToolExecutionPayload struct {
		Phase ToolPhase `json:"phase"`
		Info  ToolInfo  `json:"tool_info"`
	}
	DisplaySavedPayload struct {
		Item DisplayItem `json:"item"`
	}
	DisplayBatchSavedPayload struct {
		Items []DisplayItem `json:"items"`
	}
	TodosUpdatedPayload struct {
		Todos []Todo `json:"todos"`
	}
	StateRestoredPayload struct {
		State *State `json:"state"`
	}
	NodeTransferPayload struct {
		AgentID  string `json:"agent_id"`
		FromNode string `json:"from_node"`
		ToNode   string `json:"to_node,omitempty"`
	}
	ShutdownPayload struct {
		Reason ShutdownReason `json:"reason"`
	}
	// DebugPayload wraps full state snapshots and per-middleware action
	// traces on the debug topic.
	DebugPayload struct {
		Inner any `json:"inner"`
	}
)
