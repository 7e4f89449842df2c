// Package placement starts, locates, and stops agent workers. It owns the
// per-agent supervisors, waits for worker registration with bounded
// backoff, and keeps start_agent idempotent: a key that is already live
// anywhere in the cluster resolves to the existing owner.
package placement

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"sagents/internal/domain"
	"sagents/internal/usecase"
	"sagents/internal/usecase/eventbus"
	"sagents/internal/usecase/registry"
)

// Registration wait backoff.
const (
	registrationBackoffBase = 10 * time.Millisecond
	registrationBackoffCap  = 100 * time.Millisecond
	// DefaultStartTimeout bounds the registration wait.
	DefaultStartTimeout = 5 * time.Second
)

// StartOptions parameterize one start_agent call.
type StartOptions struct {
	InitialState       *domain.State
	Ambient            map[string]any
	InactivityTimeout  time.Duration
	Presence           *usecase.PresenceOptions
	Persistence        domain.AgentPersistence
	DisplayPersistence domain.DisplayMessagePersistence
	StartTimeout       time.Duration
}

// Manager is the agent management surface for one node.
type Manager struct {
	node   string
	reg    registry.Registry
	bus    *eventbus.Bus
	logger *slog.Logger

	mu          sync.Mutex
	supervisors map[string]*AgentSupervisor
}

// NewManager creates the placement manager.
func NewManager(node string, reg registry.Registry, bus *eventbus.Bus, logger *slog.Logger) *Manager {
	return &Manager{
		node:        node,
		reg:         reg,
		bus:         bus,
		logger:      logger.With("component", "placement"),
		supervisors: make(map[string]*AgentSupervisor),
	}
}

// StartAgent creates the per-agent supervisor, launches its children, and
// returns once the worker has registered its key. When the key is already
// live — locally or on another member — the existing handle is returned
// with alreadyStarted set.
func (m *Manager) StartAgent(ctx context.Context, spec usecase.AgentSpec, opts StartOptions) (handle any, alreadyStarted bool, err error) {
	workerKey := registry.AgentWorker(spec.AgentID)
	if existing, viaErr := m.reg.Via(workerKey); viaErr == nil {
		return existing, true, nil
	}

	sup := newAgentSupervisor(spec, opts, m.reg, m.bus, m.logger)
	if regErr := m.reg.Register(registry.AgentSupervisor(spec.AgentID), sup); regErr != nil {
		// Lost a local or cluster race; wait for the winner's worker.
		existing, waitErr := m.waitRegistered(ctx, workerKey, opts.StartTimeout)
		if waitErr != nil {
			return nil, false, waitErr
		}
		return existing, true, nil
	}

	if startErr := sup.start(); startErr != nil {
		m.reg.Deregister(registry.AgentSupervisor(spec.AgentID))
		return nil, false, domain.WrapOp("StartAgent", startErr)
	}

	handle, err = m.waitRegistered(ctx, workerKey, opts.StartTimeout)
	if err != nil {
		sup.stop(domain.ShutdownManual)
		return nil, false, err
	}

	m.mu.Lock()
	m.supervisors[spec.AgentID] = sup
	m.mu.Unlock()
	m.logger.Info("agent started", "agent_id", spec.AgentID, "node", m.node)
	return handle, false, nil
}

// waitRegistered polls the registry with capped exponential backoff until
// the key resolves or the deadline expires.
func (m *Manager) waitRegistered(ctx context.Context, key registry.Key, timeout time.Duration) (any, error) {
	if timeout <= 0 {
		timeout = DefaultStartTimeout
	}
	deadline := time.Now().Add(timeout)
	backoff := registrationBackoffBase
	for {
		if handle, err := m.reg.Via(key); err == nil {
			return handle, nil
		}
		if time.Now().After(deadline) {
			return nil, domain.NewDomainError("StartAgent", domain.ErrRegistration, key.String())
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > registrationBackoffCap {
			backoff = registrationBackoffCap
		}
	}
}

// StopAgent terminates an agent's supervisor gracefully.
func (m *Manager) StopAgent(id string, reason domain.ShutdownReason) error {
	if reason == "" {
		reason = domain.ShutdownManual
	}
	m.mu.Lock()
	sup, ok := m.supervisors[id]
	delete(m.supervisors, id)
	m.mu.Unlock()
	if !ok {
		return domain.NewDomainError("StopAgent", domain.ErrNotFound, id)
	}
	sup.stop(reason)
	m.logger.Info("agent stopped", "agent_id", id, "reason", string(reason))
	return nil
}

// ListAgents returns the ids of all registered agent workers, cluster-wide
// in clustered mode.
func (m *Manager) ListAgents() []string {
	matches := m.reg.Select(registry.Pattern{Kind: registry.KindAgentWorker})
	ids := make([]string, 0, len(matches))
	for _, match := range matches {
		ids = append(ids, match.Key.ID)
	}
	return ids
}

// CountAgents returns the number of registered agent workers.
func (m *Manager) CountAgents() int {
	return len(m.ListAgents())
}

// AgentInfo returns the status snapshot of a locally running agent.
func (m *Manager) AgentInfo(id string) (usecase.AgentInfo, error) {
	handle, err := m.reg.Via(registry.AgentWorker(id))
	if err != nil {
		return usecase.AgentInfo{}, domain.NewDomainError("AgentInfo", domain.ErrAgentNotFound, id)
	}
	worker, ok := handle.(*usecase.Worker)
	if !ok {
		return usecase.AgentInfo{}, domain.NewDomainError("AgentInfo", domain.ErrNotFound,
			"agent is owned by another node")
	}
	return worker.Info()
}

// Worker resolves a locally running worker by id.
func (m *Manager) Worker(id string) (*usecase.Worker, error) {
	handle, err := m.reg.Via(registry.AgentWorker(id))
	if err != nil {
		return nil, domain.NewDomainError("Worker", domain.ErrAgentNotFound, id)
	}
	worker, ok := handle.(*usecase.Worker)
	if !ok {
		return nil, domain.NewDomainError("Worker", domain.ErrNotFound, "agent is owned by another node")
	}
	return worker, nil
}

// Shutdown stops every local agent. In clustered mode the stop reason is
// node_stop and transfer events bracket each hand-off so a surviving
// member can restore the agent from persistence.
func (m *Manager) Shutdown(clustered bool) {
	m.mu.Lock()
	sups := make(map[string]*AgentSupervisor, len(m.supervisors))
	for id, sup := range m.supervisors {
		sups[id] = sup
	}
	m.supervisors = make(map[string]*AgentSupervisor)
	m.mu.Unlock()

	for id, sup := range sups {
		if clustered {
			m.publishTransfer(id, domain.EventNodeTransferring)
			sup.stop(domain.ShutdownNodeStop)
			m.publishTransfer(id, domain.EventNodeTransferred)
			continue
		}
		sup.stop(domain.ShutdownManual)
	}
}

func (m *Manager) publishTransfer(agentID string, kind domain.EventKind) {
	m.bus.Publish(eventbus.MainTopic(agentID), domain.Event{
		Agent:     agentID,
		Kind:      kind,
		Timestamp: time.Now(),
		Payload:   domain.NodeTransferPayload{AgentID: agentID, FromNode: m.node},
	})
}
