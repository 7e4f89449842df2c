package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"sagents/internal/domain"
	"sagents/internal/usecase/eventbus"
	"sagents/internal/usecase/registry"
)

// SubAgentSupervisor owns the child workers launched by one parent agent's
// task tool. It has no restart logic of its own; the parent supervisor
// recreates it, together with the parent worker, when that worker crashes.
type SubAgentSupervisor struct {
	parentID string
	reg      registry.Registry
	bus      *eventbus.Bus
	logger   *slog.Logger

	mu       sync.Mutex
	children map[string]*subAgentHandle
	seq      int
}

// NewSubAgentSupervisor creates the supervisor for one parent agent.
func NewSubAgentSupervisor(parentID string, reg registry.Registry, bus *eventbus.Bus, logger *slog.Logger) *SubAgentSupervisor {
	return &SubAgentSupervisor{
		parentID: parentID,
		reg:      reg,
		bus:      bus,
		logger:   logger.With("component", "subagent_supervisor", "parent_id", parentID),
		children: make(map[string]*subAgentHandle),
	}
}

// Start registers the supervisor key.
func (s *SubAgentSupervisor) Start() error {
	if s.reg == nil {
		return nil
	}
	return domain.WrapOp("SubAgentSupervisor.Start",
		s.reg.Register(registry.SubAgentSupervisor(s.parentID), s))
}

// SpawnSubAgent assembles and starts one child worker. Implements
// domain.SubAgentSpawner.
func (s *SubAgentSupervisor) SpawnSubAgent(_ context.Context, parentID string, spec domain.SubAgentSpec, ambient map[string]any) (domain.SubAgentHandle, error) {
	if spec.ChatModel == nil {
		return nil, domain.NewDomainError("SpawnSubAgent", domain.ErrConfig,
			"sub-agent spec has no chat model")
	}

	s.mu.Lock()
	id := "sub-" + spec.Type
	if _, taken := s.children[id]; taken {
		s.seq++
		id = fmt.Sprintf("%s-%d", id, s.seq+1)
	}
	s.mu.Unlock()

	assembled, err := AssembleAgent(AgentSpec{
		AgentID:          id,
		Name:             spec.Type,
		ChatModel:        spec.ChatModel,
		BaseSystemPrompt: spec.SystemPrompt,
		Tools:            spec.Tools,
		Middleware:       spec.Middleware,
		MaxRuns:          spec.MaxRuns,
	}, s.logger)
	if err != nil {
		return nil, domain.WrapOp("SpawnSubAgent", err)
	}

	worker := NewWorker(assembled, WorkerOptions{
		Ambient:  ambient,
		Registry: s.reg,
		Bus:      s.bus,
		Logger:   s.logger,
		// Children live and die with the parent's turn, not a timer.
		InactivityTimeout: -1,
	})
	if err := worker.Start(); err != nil {
		return nil, domain.WrapOp("SpawnSubAgent", err)
	}

	handle := &subAgentHandle{id: id, worker: worker, sup: s}
	s.mu.Lock()
	s.children[id] = handle
	s.mu.Unlock()
	s.logger.Debug("sub-agent spawned", "sub_agent_id", id, "type", spec.Type)
	return handle, nil
}

// Child returns a running child handle.
func (s *SubAgentSupervisor) Child(id string) (domain.SubAgentHandle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.children[id]
	return h, ok
}

func (s *SubAgentSupervisor) remove(id string) {
	s.mu.Lock()
	delete(s.children, id)
	s.mu.Unlock()
}

// StopAll terminates every child. Called on parent shutdown and when the
// parent supervisor restarts this tree.
func (s *SubAgentSupervisor) StopAll(reason domain.ShutdownReason) {
	s.mu.Lock()
	handles := make([]*subAgentHandle, 0, len(s.children))
	for _, h := range s.children {
		handles = append(handles, h)
	}
	s.children = make(map[string]*subAgentHandle)
	s.mu.Unlock()
	for _, h := range handles {
		if err := h.worker.Stop(reason); err != nil {
			s.logger.Warn("sub-agent stop failed", "sub_agent_id", h.id, "error", err)
		}
	}
}

// Shutdown stops all children and releases the supervisor key.
func (s *SubAgentSupervisor) Shutdown(reason domain.ShutdownReason) {
	s.StopAll(reason)
	if s.reg != nil {
		s.reg.Deregister(registry.SubAgentSupervisor(s.parentID))
	}
}

// subAgentHandle drives one child worker synchronously from a tool task.
type subAgentHandle struct {
	id     string
	worker *Worker
	sup    *SubAgentSupervisor
}

func (h *subAgentHandle) ID() string { return h.id }

func (h *subAgentHandle) Run(ctx context.Context, prompt string) (domain.SubAgentOutcome, error) {
	msg := domain.UserMessage(prompt)
	outcome, err := h.worker.Run(ctx, &msg, RunOptions{})
	if err != nil {
		return domain.SubAgentOutcome{}, err
	}
	return h.mapOutcome(outcome)
}

func (h *subAgentHandle) Resume(ctx context.Context, decisions []domain.Decision) (domain.SubAgentOutcome, error) {
	outcome, err := h.worker.ResumeSync(ctx, decisions)
	if err != nil {
		return domain.SubAgentOutcome{}, err
	}
	return h.mapOutcome(outcome)
}

func (h *subAgentHandle) mapOutcome(outcome Outcome) (domain.SubAgentOutcome, error) {
	switch outcome.Kind {
	case OutcomeInterrupt:
		return domain.SubAgentOutcome{Interrupt: outcome.Interrupt.Current}, nil
	case OutcomeError:
		return domain.SubAgentOutcome{}, outcome.Err
	default:
		return domain.SubAgentOutcome{FinalText: finalAssistantText(outcome.State)}, nil
	}
}

func (h *subAgentHandle) Stop(reason domain.ShutdownReason) {
	h.sup.remove(h.id)
	if err := h.worker.Stop(reason); err != nil {
		h.sup.logger.Warn("sub-agent stop failed", "sub_agent_id", h.id, "error", err)
	}
}

func finalAssistantText(state *domain.State) string {
	for i := len(state.Messages) - 1; i >= 0; i-- {
		if state.Messages[i].Role == domain.RoleAssistant {
			return state.Messages[i].Content
		}
	}
	return ""
}
