package domain

import "context"

// SubAgentSpec names a child agent configuration the task tool can launch.
type SubAgentSpec struct {
	Type         string
	Description  string
	SystemPrompt string
	Tools        []Tool
	// ChatModel overrides the parent model when set.
	ChatModel ChatModel
	// Middleware for the child agent (HITL policies propagate here).
	Middleware []MiddlewareEntry
	MaxRuns    int
}

// SubAgentOutcome is the result of running or resuming one child agent.
type SubAgentOutcome struct {
	// Interrupt is non-nil when the child paused for operator decisions.
	Interrupt *Interrupt
	// FinalText is the child's final assistant content when it completed.
	FinalText string
}

// SubAgentHandle drives one running child agent synchronously from a tool
// task.
type SubAgentHandle interface {
	ID() string
	// Run appends the task prompt and executes until done or interrupted.
	Run(ctx context.Context, prompt string) (SubAgentOutcome, error)
	// Resume applies operator decisions to an interrupted child.
	Resume(ctx context.Context, decisions []Decision) (SubAgentOutcome, error)
	// Stop terminates the child worker.
	Stop(reason ShutdownReason)
}

// SubAgentSpawner launches child workers under the parent's sub-agent
// supervisor. Implemented by the placement layer.
type SubAgentSpawner interface {
	SpawnSubAgent(ctx context.Context, parentID string, spec SubAgentSpec, ambient map[string]any) (SubAgentHandle, error)
}
