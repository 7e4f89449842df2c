package placement

import (
	"log/slog"
	"sync"

	"sagents/internal/domain"
	"sagents/internal/usecase"
	"sagents/internal/usecase/eventbus"
	"sagents/internal/usecase/registry"
)

// AgentSupervisor owns one agent's worker and its sub-agent supervisor.
// Restart strategy is rest-for-one: a worker crash restarts the sub-agent
// tree too. The sub-agent supervisor has no restart of its own: a crashed
// sub-agent worker shuts down with reason crash and is not restarted. The supervisor
// itself is temporary — nothing restarts it; the owner app decides whether
// to start the agent again.
type AgentSupervisor struct {
	id     string
	spec   usecase.AgentSpec
	opts   StartOptions
	reg    registry.Registry
	bus    *eventbus.Bus
	logger *slog.Logger

	mu      sync.Mutex
	worker  *usecase.Worker
	subSup  *usecase.SubAgentSupervisor
	stopped bool
}

func newAgentSupervisor(spec usecase.AgentSpec, opts StartOptions, reg registry.Registry, bus *eventbus.Bus, logger *slog.Logger) *AgentSupervisor {
	return &AgentSupervisor{
		id:     spec.AgentID,
		spec:   spec,
		opts:   opts,
		reg:    reg,
		bus:    bus,
		logger: logger.With("component", "agent_supervisor", "agent_id", spec.AgentID),
	}
}

// start launches the children: the sub-agent supervisor first, then the
// worker wired to it.
func (s *AgentSupervisor) start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startChildren(nil)
}

// startChildren (re)creates both children. initialState overrides the
// configured initial state on restart.
func (s *AgentSupervisor) startChildren(initialState *domain.State) error {
	subSup := usecase.NewSubAgentSupervisor(s.id, s.reg, s.bus, s.logger)
	if err := subSup.Start(); err != nil {
		return err
	}

	assembled, err := usecase.AssembleAgent(s.spec, s.logger)
	if err != nil {
		subSup.Shutdown(domain.ShutdownManual)
		return err
	}

	state := s.opts.InitialState
	if initialState != nil {
		state = initialState
	}
	worker := usecase.NewWorker(assembled, usecase.WorkerOptions{
		InitialState:       state,
		Ambient:            s.opts.Ambient,
		InactivityTimeout:  s.opts.InactivityTimeout,
		Presence:           s.opts.Presence,
		Persistence:        s.opts.Persistence,
		DisplayPersistence: s.opts.DisplayPersistence,
		SubAgentSpawner:    subSup,
		Registry:           s.reg,
		Bus:                s.bus,
		Logger:             s.logger,
		OnCrash:            s.onWorkerCrash,
	})
	if err := worker.Start(); err != nil {
		subSup.Shutdown(domain.ShutdownManual)
		return err
	}

	s.subSup = subSup
	s.worker = worker
	return nil
}

// onWorkerCrash applies rest-for-one: tear down the sub-agent tree and
// start both children again. Runs on the crashed worker's goroutine.
func (s *AgentSupervisor) onWorkerCrash(reason any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.logger.Error("agent worker crashed, restarting", "panic", reason)
	s.subSup.Shutdown(domain.ShutdownCrash)
	// The restarted worker reloads persisted state when a backend is
	// configured; crashed in-memory state is gone.
	if err := s.startChildren(nil); err != nil {
		s.logger.Error("agent restart failed", "error", err)
	}
}

// Worker returns the current worker instance.
func (s *AgentSupervisor) Worker() *usecase.Worker {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.worker
}

// stop terminates both children and releases the supervisor key.
func (s *AgentSupervisor) stop(reason domain.ShutdownReason) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	worker, subSup := s.worker, s.subSup
	s.mu.Unlock()

	if worker != nil {
		if err := worker.Stop(reason); err != nil {
			s.logger.Warn("worker stop failed", "error", err)
		}
	}
	if subSup != nil {
		subSup.Shutdown(reason)
	}
	if s.reg != nil {
		s.reg.Deregister(registry.AgentSupervisor(s.id))
	}
}
