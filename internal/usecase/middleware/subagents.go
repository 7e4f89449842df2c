package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"sagents/internal/domain"
)

var taskToolSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"subagent_type": {"type": "string", "description": "Which sub-agent to launch"},
		"prompt": {"type": "string", "description": "The task for the sub-agent"}
	},
	"required": ["subagent_type", "prompt"]
}`)

// SubAgents contributes the task tool, which delegates work to
// recursively-spawned child agents. When a child pauses at a HITL policy,
// the tool lifts the interrupt to the parent through an InterruptSignal in
// its result, and the parent's resume is routed back into the child.
type SubAgents struct {
	domain.BaseMiddleware
	logger *slog.Logger

	mu        sync.Mutex
	specs     map[string]domain.SubAgentSpec
	parentCfg *domain.AgentConfig
	spawner   domain.SubAgentSpawner
	children  map[string]domain.SubAgentHandle
}

// NewSubAgents registers the named child agent specs.
func NewSubAgents(logger *slog.Logger, specs ...domain.SubAgentSpec) *SubAgents {
	byType := make(map[string]domain.SubAgentSpec, len(specs))
	for _, s := range specs {
		byType[s.Type] = s
	}
	return &SubAgents{
		logger:   logger,
		specs:    byType,
		children: make(map[string]domain.SubAgentHandle),
	}
}

func (s *SubAgents) Name() string { return "subagents" }

func (s *SubAgents) Init(map[string]any) error {
	if len(s.specs) == 0 {
		return fmt.Errorf("subagents middleware requires at least one spec")
	}
	for t := range s.specs {
		if t == "" {
			return fmt.Errorf("sub-agent spec with empty type")
		}
	}
	return nil
}

// BindParent wires the parent config and spawner in; the worker calls it
// at start.
func (s *SubAgents) BindParent(cfg *domain.AgentConfig, spawner domain.SubAgentSpawner) {
	s.mu.Lock()
	s.parentCfg = cfg
	s.spawner = spawner
	s.mu.Unlock()
}

func (s *SubAgents) SystemPrompt() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	types := make([]string, 0, len(s.specs))
	for t := range s.specs {
		types = append(types, t)
	}
	sort.Strings(types)
	var b strings.Builder
	b.WriteString("You can delegate work with the task tool. Available sub-agents:")
	for _, t := range types {
		b.WriteString("\n- ")
		b.WriteString(t)
		if desc := s.specs[t].Description; desc != "" {
			b.WriteString(": ")
			b.WriteString(desc)
		}
	}
	return b.String()
}

func (s *SubAgents) Tools() []domain.Tool {
	return []domain.Tool{{
		Name:        "task",
		Description: "Delegate a task to a named sub-agent and return its result.",
		Schema:      taskToolSchema,
		Handler:     s.runTask,
	}}
}

type taskArgs struct {
	SubagentType string `json:"subagent_type"`
	Prompt       string `json:"prompt"`
}

func (s *SubAgents) runTask(ctx context.Context, args json.RawMessage, tc domain.ToolContext) (domain.ToolOutput, error) {
	var parsed taskArgs
	if err := json.Unmarshal(args, &parsed); err != nil {
		return domain.ToolOutput{}, fmt.Errorf("parse task arguments: %w", err)
	}

	s.mu.Lock()
	spec, known := s.specs[parsed.SubagentType]
	parentCfg := s.parentCfg
	spawner := s.spawner
	s.mu.Unlock()

	if !known {
		return domain.ToolOutput{}, fmt.Errorf("unknown sub-agent type %q", parsed.SubagentType)
	}
	if spawner == nil || parentCfg == nil {
		return domain.ToolOutput{}, fmt.Errorf("subagents middleware is not bound to a worker")
	}
	if spec.ChatModel == nil {
		spec.ChatModel = parentCfg.ChatModel
	}

	handle, err := spawner.SpawnSubAgent(ctx, parentCfg.AgentID, spec, tc.Ambient)
	if err != nil {
		return domain.ToolOutput{}, fmt.Errorf("spawn sub-agent: %w", err)
	}

	outcome, err := handle.Run(ctx, parsed.Prompt)
	if err != nil {
		handle.Stop(domain.ShutdownManual)
		return domain.ToolOutput{}, fmt.Errorf("sub-agent %s: %w", handle.ID(), err)
	}

	if outcome.Interrupt != nil {
		s.mu.Lock()
		s.children[handle.ID()] = handle
		s.mu.Unlock()
		// The text is an opaque UI aid; nothing parses it.
		return domain.ToolOutput{
			Text: fmt.Sprintf("Sub-agent %s paused awaiting operator approval.", handle.ID()),
			Processed: &domain.InterruptSignal{
				SubAgentID:   handle.ID(),
				SubAgentType: parsed.SubagentType,
				Interrupt:    outcome.Interrupt,
			},
		}, nil
	}

	handle.Stop(domain.ShutdownManual)
	return domain.ToolOutput{Text: outcome.FinalText}, nil
}

// ResumeChild implements domain.SubAgentResumer.
func (s *SubAgents) ResumeChild(ctx context.Context, subAgentID string, decisions []domain.Decision) (domain.SubAgentOutcome, error) {
	s.mu.Lock()
	handle, ok := s.children[subAgentID]
	s.mu.Unlock()
	if !ok {
		return domain.SubAgentOutcome{}, domain.NewDomainError("SubAgents.ResumeChild",
			domain.ErrAgentNotFound, subAgentID)
	}

	outcome, err := handle.Resume(ctx, decisions)
	if err != nil {
		return domain.SubAgentOutcome{}, err
	}
	if outcome.Interrupt == nil {
		s.mu.Lock()
		delete(s.children, subAgentID)
		s.mu.Unlock()
		handle.Stop(domain.ShutdownManual)
	}
	return outcome, nil
}

var _ domain.SubAgentResumer = (*SubAgents)(nil)
