package usecase

import (
	"context"

	"sagents/internal/domain"
	"sagents/internal/usecase/eventbus"
)

// enqueue submits a command and waits for the loop's acknowledgement.
func (w *Worker) enqueue(cmd command) cmdReply {
	if cmd.reply == nil {
		cmd.reply = make(chan cmdReply, 1)
	}
	select {
	case w.cmdCh <- cmd:
	case <-w.doneCh:
		return cmdReply{err: domain.NewDomainError("Worker", domain.ErrAgentNotFound, "worker stopped")}
	}
	select {
	case reply := <-cmd.reply:
		return reply
	case <-w.doneCh:
		return cmdReply{err: domain.NewDomainError("Worker", domain.ErrAgentNotFound, "worker stopped")}
	}
}

// AddMessage appends a message and schedules execution unless the agent is
// already Running or Interrupted.
func (w *Worker) AddMessage(msg domain.Message) error {
	if msg.ID == "" {
		msg.ID = domain.NewID()
	}
	return w.enqueue(command{kind: cmdAddMessage, msg: &msg}).err
}

// Execute starts a pipeline run from the current state.
func (w *Worker) Execute() error {
	return w.enqueue(command{kind: cmdExecute}).err
}

// Run appends msg (when non-nil), executes the pipeline, and blocks until
// the run settles. opts carries until_tool and pause handling for callers
// that need them.
func (w *Worker) Run(ctx context.Context, msg *domain.Message, opts RunOptions) (Outcome, error) {
	if msg != nil && msg.ID == "" {
		msg.ID = domain.NewID()
	}
	waiter := make(chan Outcome, 1)
	reply := w.enqueue(command{kind: cmdExecute, msg: msg, opts: opts, waiter: waiter})
	if reply.err != nil {
		return Outcome{}, reply.err
	}
	select {
	case outcome := <-waiter:
		return outcome, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// Cancel aborts the in-flight run. Only valid while Running.
func (w *Worker) Cancel() error {
	return w.enqueue(command{kind: cmdCancel}).err
}

// Resume applies operator decisions to the current interrupt. Only valid
// while Interrupted.
func (w *Worker) Resume(decisions []domain.Decision) error {
	return w.enqueue(command{kind: cmdResume, decisions: decisions}).err
}

// ResumeSync is Resume plus a wait for the resulting outcome. Sub-agent
// handles use it to drive children synchronously.
func (w *Worker) ResumeSync(ctx context.Context, decisions []domain.Decision) (Outcome, error) {
	waiter := make(chan Outcome, 1)
	reply := w.enqueue(command{kind: cmdResume, decisions: decisions, waiter: waiter})
	if reply.err != nil {
		return Outcome{}, reply.err
	}
	select {
	case outcome := <-waiter:
		return outcome, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// GetState returns a read-only deep copy of the state.
func (w *Worker) GetState() (*domain.State, error) {
	reply := w.enqueue(command{kind: cmdGetState})
	return reply.state, reply.err
}

// ExportState returns the serialized state document.
func (w *Worker) ExportState() ([]byte, error) {
	reply := w.enqueue(command{kind: cmdExportState})
	return reply.data, reply.err
}

// UpdateAgentAndState replaces config and state atomically. Only valid
// while Idle.
func (w *Worker) UpdateAgentAndState(a *Assembled, state *domain.State) error {
	return w.enqueue(command{kind: cmdUpdate, newAssembled: a, newState: state}).err
}

// SendMiddlewareMessage routes a message to the middleware entry with the
// given id. Messages for unknown ids are logged and dropped.
func (w *Worker) SendMiddlewareMessage(middlewareID string, msg any) error {
	return w.enqueue(command{kind: cmdMiddlewareMsg, middlewareID: middlewareID, mwMsg: msg}).err
}

// Info returns a read-only status snapshot.
func (w *Worker) Info() (AgentInfo, error) {
	reply := w.enqueue(command{kind: cmdInfo})
	return reply.info, reply.err
}

// Stop shuts the worker down with the given reason.
func (w *Worker) Stop(reason domain.ShutdownReason) error {
	reply := w.enqueue(command{kind: cmdStop, reason: reason})
	if reply.err != nil && domain.ErrorCodeOf(reply.err) == domain.CodeAgentNotFound {
		// Already stopped.
		return nil
	}
	return reply.err
}

// Subscribe opens the agent's main event topic.
func (w *Worker) Subscribe() (<-chan domain.Event, func()) {
	return w.bus.Subscribe(eventbus.MainTopic(w.ID()))
}

// SubscribeDebug opens the agent's debug event topic.
func (w *Worker) SubscribeDebug() (<-chan domain.Event, func()) {
	return w.bus.Subscribe(eventbus.DebugTopic(w.ID()))
}

// PublishEventFrom fans a payload out on the agent's main topic. Callable
// from tool tasks that only hold the worker.
func (w *Worker) PublishEventFrom(kind domain.EventKind, payload any) {
	w.publish(kind, payload)
}

// PublishDebugEventFrom fans a payload out on the agent's debug topic.
func (w *Worker) PublishDebugEventFrom(payload any) {
	w.publishDebug(payload)
}
