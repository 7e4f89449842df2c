package domain

import "context"

// PersistContext tells a persistence backend why a snapshot is being taken.
type PersistContext string

const (
	PersistOnCompletion     PersistContext = "on_completion"
	PersistOnError          PersistContext = "on_error"
	PersistOnInterrupt      PersistContext = "on_interrupt"
	PersistOnTitleGenerated PersistContext = "on_title_generated"
	PersistOnShutdown       PersistContext = "on_shutdown"
)

// AgentPersistence serializes and restores whole agent state. The runtime
// never assumes success; failures are logged and do not alter State or
// command flow.
type AgentPersistence interface {
	Persist(ctx context.Context, agentID string, serialized []byte, pctx PersistContext) error
	// Load returns ErrNotFound when no snapshot exists.
	Load(ctx context.Context, agentID string) ([]byte, error)
}

// DisplayMessagePersistence persists the user-facing projection of the
// conversation and tool execution status. Display history is append-only.
type DisplayMessagePersistence interface {
	SaveMessage(ctx context.Context, conversationID string, msg Message) ([]DisplayItem, error)
	// UpdateToolStatus marks the display item for info.CallID with the
	// given phase. Returns the number of items updated; ErrNotFound when
	// the call is unknown.
	UpdateToolStatus(ctx context.Context, phase ToolPhase, info ToolInfo) (int, error)
}
