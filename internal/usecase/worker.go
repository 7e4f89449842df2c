package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"sagents/internal/domain"
	"sagents/internal/usecase/agentctx"
	"sagents/internal/usecase/eventbus"
	"sagents/internal/usecase/registry"
)

// Defaults for worker timers.
const (
	DefaultInactivityTimeout = 5 * time.Minute
	DefaultPresenceGrace     = 5 * time.Second
)

// PresenceOptions enables presence-based shutdown: when the agent is idle
// and the viewer count on the configured topic reaches zero for the grace
// period, the worker shuts down.
type PresenceOptions struct {
	Viewers <-chan int
	Grace   time.Duration
}

// WorkerOptions configure one AgentWorker.
type WorkerOptions struct {
	InitialState *domain.State
	// Ambient seeds the worker-local context (tenant, trace, user ids).
	Ambient map[string]any
	// InactivityTimeout of 0 means the default; negative disables the
	// inactivity shutdown.
	InactivityTimeout  time.Duration
	Presence           *PresenceOptions
	Persistence        domain.AgentPersistence
	DisplayPersistence domain.DisplayMessagePersistence
	// SubAgentSpawner is bound into sub-agent middleware at start.
	SubAgentSpawner domain.SubAgentSpawner
	Registry        registry.Registry
	Bus             *eventbus.Bus
	Logger          *slog.Logger
	// OnCrash is invoked after a command-handler panic, instead of the
	// default crash shutdown. Wired by the supervisor for restarts.
	OnCrash func(reason any)
}

// spawnerBinder is implemented by middleware that launches sub-agents. The
// worker binds its config and spawner in at start, before any run.
type spawnerBinder interface {
	BindParent(cfg *domain.AgentConfig, spawner domain.SubAgentSpawner)
}

type cmdKind int

const (
	cmdAddMessage cmdKind = iota
	cmdExecute
	cmdCancel
	cmdResume
	cmdGetState
	cmdExportState
	cmdUpdate
	cmdMiddlewareMsg
	cmdInfo
	cmdStop
)

type command struct {
	kind         cmdKind
	msg          *domain.Message
	opts         RunOptions
	decisions    []domain.Decision
	newAssembled *Assembled
	newState     *domain.State
	middlewareID string
	mwMsg        any
	reason       domain.ShutdownReason
	// waiter receives the run outcome for synchronous runs. Buffered.
	waiter chan Outcome
	reply  chan cmdReply
}

type cmdReply struct {
	err   error
	state *domain.State
	data  []byte
	info  AgentInfo
}

type pendingMWMessage struct {
	id  string
	msg any
}

// AgentInfo is a read-only snapshot of one running agent.
type AgentInfo struct {
	ID           string        `json:"id"`
	Status       domain.Status `json:"status"`
	MessageCount int           `json:"message_count"`
	HasInterrupt bool          `json:"has_interrupt"`
	Uptime       time.Duration `json:"uptime"`
}

type runHandle struct {
	cancel    context.CancelFunc
	done      chan Outcome
	ack       chan struct{}
	waiter    chan Outcome
	cancelled bool
}

// Worker is the per-agent supervised worker: the single writer of one
// (AgentConfig, State) pair. Every public method enqueues a command; the
// worker is a serial consumer of its own mailbox.
type Worker struct {
	assembled *Assembled
	state     *domain.State
	status    domain.Status
	opts      WorkerOptions

	bus    *eventbus.Bus
	reg    registry.Registry
	logger *slog.Logger
	actx   *agentctx.Context

	cmdCh   chan command
	doneCh  chan struct{}
	started time.Time

	run          *runHandle
	pendingMsgs  []domain.Message
	pendingMW    []pendingMWMessage
	displaySaved map[string]bool

	inactivity      time.Duration
	inactivityTimer *time.Timer
	viewerCount     int
	presenceGrace   time.Duration
	graceTimer      *time.Timer
}

// NewWorker creates a worker. Call Start to register it and begin serving
// commands.
func NewWorker(a *Assembled, opts WorkerOptions) *Worker {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "agent_worker", "agent_id", a.Config.AgentID)

	inactivity := opts.InactivityTimeout
	if inactivity == 0 {
		inactivity = DefaultInactivityTimeout
	}
	grace := DefaultPresenceGrace
	if opts.Presence != nil && opts.Presence.Grace > 0 {
		grace = opts.Presence.Grace
	}

	state := opts.InitialState
	if state == nil {
		state = domain.NewState(a.Config.AgentID)
	}
	state.AgentID = a.Config.AgentID

	return &Worker{
		assembled:    a,
		state:        state,
		status:       domain.StatusIdle,
		opts:         opts,
		bus:          opts.Bus,
		reg:          opts.Registry,
		logger:       logger,
		actx:         agentctx.New(logger),
		cmdCh:        make(chan command, 64),
		doneCh:       make(chan struct{}),
		displaySaved: make(map[string]bool),
		inactivity:   inactivity,
		// -1 means no viewer count reported yet; the grace timer only
		// starts once a zero count is actually observed.
		viewerCount:   -1,
		presenceGrace: grace,
	}
}

// ID returns the agent id.
func (w *Worker) ID() string { return w.assembled.Config.AgentID }

// Start registers the worker key, restores persisted state when no initial
// state was given, binds sub-agent spawners, runs on_server_start hooks,
// and starts the command loop.
func (w *Worker) Start() error {
	if w.reg != nil {
		if err := w.reg.Register(registry.AgentWorker(w.ID()), w); err != nil {
			return domain.WrapOp("Worker.Start", err)
		}
	}

	if w.opts.InitialState == nil && w.opts.Persistence != nil {
		w.restoreState()
	}
	w.actx.Init(w.opts.Ambient)

	for _, e := range w.assembled.Config.Middleware {
		if binder, ok := e.Middleware.(spawnerBinder); ok && w.opts.SubAgentSpawner != nil {
			binder.BindParent(w.assembled.Config, w.opts.SubAgentSpawner)
		}
		if binder, ok := e.Middleware.(domain.HostBinder); ok {
			binder.BindHost(w, e.EntryID())
		}
	}

	w.runServerStartHooks()
	w.started = time.Now()
	w.inactivityTimer = time.NewTimer(w.timerInterval())
	go w.loop()
	return nil
}

func (w *Worker) restoreState() {
	data, err := w.opts.Persistence.Load(context.Background(), w.ID())
	if err != nil {
		w.logger.Debug("no persisted state to restore", "error", err)
		return
	}
	state, err := domain.DecodeState(data)
	if err != nil {
		w.logger.Warn("persisted state could not be decoded", "error", err)
		return
	}
	state.AgentID = w.ID()
	w.state = state
	for _, m := range state.Messages {
		w.displaySaved[m.ID] = true
	}
	if state.Interrupt != nil && state.Interrupt.Current != nil {
		w.status = domain.StatusInterrupted
	}
	w.publish(domain.EventStateRestored, domain.StateRestoredPayload{State: state.Clone()})
}

func (w *Worker) runServerStartHooks() {
	for _, e := range w.assembled.Config.Middleware {
		func() {
			defer func() {
				if r := recover(); r != nil {
					w.logger.Error("on_server_start panicked", "middleware", e.EntryID(), "panic", r)
				}
			}()
			if err := e.Middleware.OnServerStart(context.Background(), w.state); err != nil {
				w.logger.Error("on_server_start failed", "middleware", e.EntryID(), "error", err)
			}
		}()
	}
}

// loop is the serial command consumer. A panic in a command handler is the
// worker crashing; the supervisor decides what happens next.
func (w *Worker) loop() {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("worker crashed", "panic", r)
			if w.opts.OnCrash != nil {
				w.deregister()
				close(w.doneCh)
				w.opts.OnCrash(r)
				return
			}
			w.emitShutdown(domain.ShutdownCrash)
			w.deregister()
			close(w.doneCh)
		}
	}()

	var presence <-chan int
	if w.opts.Presence != nil {
		presence = w.opts.Presence.Viewers
	}

	for {
		var runDone chan Outcome
		if w.run != nil {
			runDone = w.run.done
		}
		var grace <-chan time.Time
		if w.graceTimer != nil {
			grace = w.graceTimer.C
		}

		select {
		case cmd := <-w.cmdCh:
			if stop := w.handleCommand(cmd); stop {
				return
			}
		case outcome := <-runDone:
			w.handleRunDone(outcome)
		case <-w.inactivityTimer.C:
			if w.handleInactivity() {
				return
			}
		case count := <-presence:
			w.handlePresence(count)
		case <-grace:
			if w.handleGraceExpired() {
				return
			}
		}
	}
}

func (w *Worker) handleCommand(cmd command) (stop bool) {
	switch cmd.kind {
	case cmdAddMessage, cmdExecute, cmdResume, cmdGetState, cmdExportState, cmdInfo:
		w.touch()
	}

	switch cmd.kind {
	case cmdAddMessage:
		w.handleAddMessage(cmd)
	case cmdExecute:
		w.handleExecute(cmd)
	case cmdCancel:
		w.handleCancel(cmd)
	case cmdResume:
		w.handleResume(cmd)
	case cmdGetState:
		cmd.reply <- cmdReply{state: w.state.Clone()}
	case cmdExportState:
		data, err := domain.EncodeState(w.state)
		cmd.reply <- cmdReply{data: data, err: err}
	case cmdUpdate:
		w.handleUpdate(cmd)
	case cmdMiddlewareMsg:
		w.handleMiddlewareMessage(cmd)
	case cmdInfo:
		cmd.reply <- cmdReply{info: AgentInfo{
			ID:           w.ID(),
			Status:       w.status,
			MessageCount: len(w.state.Messages),
			HasInterrupt: w.state.Interrupt != nil && w.state.Interrupt.Current != nil,
			Uptime:       time.Since(w.started),
		}}
	case cmdStop:
		w.shutdown(cmd.reason)
		if cmd.reply != nil {
			cmd.reply <- cmdReply{}
		}
		return true
	}
	return false
}

func (w *Worker) handleAddMessage(cmd command) {
	w.state.Append(*cmd.msg)
	w.syncDisplay()
	if cmd.reply != nil {
		cmd.reply <- cmdReply{}
	}
	if w.run != nil {
		// Remember that work arrived mid-run; handleRunDone reschedules.
		w.pendingMsgs = append(w.pendingMsgs, *cmd.msg)
		return
	}
	if w.status == domain.StatusInterrupted {
		return
	}
	w.startRun(cmd.opts, nil, nil)
}

func (w *Worker) handleExecute(cmd command) {
	if w.run != nil {
		if cmd.reply != nil {
			cmd.reply <- cmdReply{err: domain.NewDomainError("Worker.Execute", domain.ErrNotIdle, "already running")}
		}
		return
	}
	if w.status == domain.StatusInterrupted {
		if cmd.reply != nil {
			cmd.reply <- cmdReply{err: domain.NewDomainError("Worker.Execute", domain.ErrNotIdle, "interrupted")}
		}
		return
	}
	if cmd.msg != nil {
		w.state.Append(*cmd.msg)
		w.syncDisplay()
	}
	if cmd.reply != nil {
		cmd.reply <- cmdReply{}
	}
	w.startRun(cmd.opts, nil, cmd.waiter)
}

func (w *Worker) handleCancel(cmd command) {
	if w.status != domain.StatusRunning || w.run == nil {
		cmd.reply <- cmdReply{err: domain.NewDomainError("Worker.Cancel", domain.ErrNotRunning, "")}
		return
	}
	w.run.cancelled = true
	w.run.cancel()
	w.setStatus(domain.StatusCancelled, "cancelled by caller")
	cmd.reply <- cmdReply{}
}

func (w *Worker) handleResume(cmd command) {
	if w.status != domain.StatusInterrupted || w.state.Interrupt == nil || w.state.Interrupt.Current == nil {
		if cmd.reply != nil {
			cmd.reply <- cmdReply{err: domain.NewDomainError("Worker.Resume", domain.ErrNotInterrupted, "")}
		}
		return
	}
	if cmd.reply != nil {
		cmd.reply <- cmdReply{}
	}
	decisions := cmd.decisions
	if decisions == nil {
		decisions = []domain.Decision{}
	}
	w.startRun(cmd.opts, decisions, cmd.waiter)
}

func (w *Worker) handleUpdate(cmd command) {
	if w.status != domain.StatusIdle {
		cmd.reply <- cmdReply{err: domain.NewDomainError("Worker.UpdateAgentAndState", domain.ErrNotIdle, "")}
		return
	}
	cmd.newState.AgentID = cmd.newAssembled.Config.AgentID
	w.assembled = cmd.newAssembled
	w.state = cmd.newState
	cmd.reply <- cmdReply{}
}

func (w *Worker) handleMiddlewareMessage(cmd command) {
	if w.run != nil {
		// The in-flight run will replace the state with its own snapshot;
		// apply the message once the outcome has landed.
		w.pendingMW = append(w.pendingMW, pendingMWMessage{id: cmd.middlewareID, msg: cmd.mwMsg})
		if cmd.reply != nil {
			cmd.reply <- cmdReply{}
		}
		return
	}
	w.dispatchMiddlewareMessage(cmd.middlewareID, cmd.mwMsg)
	if cmd.reply != nil {
		cmd.reply <- cmdReply{}
	}
}

func (w *Worker) dispatchMiddlewareMessage(middlewareID string, msg any) {
	for _, e := range w.assembled.Config.Middleware {
		if e.EntryID() != middlewareID {
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					w.logger.Error("handle_message panicked", "middleware", middlewareID, "panic", r)
				}
			}()
			if err := e.Middleware.HandleMessage(context.Background(), msg, w.state); err != nil {
				w.logger.Error("handle_message failed", "middleware", middlewareID, "error", err)
			}
		}()
		if _, ok := msg.(domain.TitleGenerated); ok {
			w.persist(domain.PersistOnTitleGenerated)
		}
		return
	}
	w.logger.Warn("message for unknown middleware dropped", "middleware_id", middlewareID)
}

// startRun spawns the cancellable pipeline task. decisions non-nil means
// this is a resume. The task operates on its own deep copy of the state
// and re-initializes the ambient context for itself; the worker applies
// the outcome when the task reports back.
func (w *Worker) startRun(opts RunOptions, decisions []domain.Decision, waiter chan Outcome) {
	snapshot := w.state.Clone()
	ambient := w.actx.ForkWithMiddleware(w.assembled.Config.Middleware)

	ctx, cancel := context.WithCancel(context.Background())
	h := &runHandle{
		cancel: cancel,
		done:   make(chan Outcome),
		ack:    make(chan struct{}),
		waiter: waiter,
	}
	w.run = h
	w.setStatus(domain.StatusRunning, "")

	assembled := w.assembled
	logger := w.logger
	go func() {
		defer cancel()

		taskCtx := agentctx.New(logger)
		taskCtx.Init(ambient)

		p := NewPipeline(assembled, logger, taskCtx.Get(),
			w.publish, w.publishDebug, w.persistToolStatus)

		var outcome Outcome
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("pipeline task panicked", "panic", r)
					outcome = Outcome{
						Kind:  OutcomeError,
						State: snapshot,
						Err:   fmt.Errorf("pipeline panic: %v", r),
					}
				}
			}()
			if decisions != nil {
				outcome = w.resumeTask(ctx, p, snapshot, decisions, opts)
			} else {
				outcome = p.Run(ctx, snapshot, opts)
			}
		}()

		// The worker publishes status_changed before acking, so the status
		// event is observable before this task stops running.
		h.done <- outcome
		<-h.ack
	}()
}

func (w *Worker) handleRunDone(outcome Outcome) {
	h := w.run
	w.run = nil
	defer close(h.ack)

	cancelled := h.cancelled || outcome.Kind == OutcomeError && domain.ErrorCodeOf(outcome.Err) == domain.CodeCancelled

	if cancelled {
		// Discard the task's partial snapshot; the pre-run state stands.
		w.setStatus(domain.StatusIdle, "cancelled")
		w.pendingMsgs = nil
		for _, pending := range w.pendingMW {
			w.dispatchMiddlewareMessage(pending.id, pending.msg)
		}
		w.pendingMW = nil
		if h.waiter != nil {
			h.waiter <- Outcome{Kind: OutcomeError, State: w.state.Clone(), Err: domain.ErrCancelled}
		}
		return
	}

	w.state = outcome.State
	rerun := len(w.pendingMsgs) > 0
	for _, m := range w.pendingMsgs {
		w.state.Append(m)
	}
	w.pendingMsgs = nil
	for _, pending := range w.pendingMW {
		w.dispatchMiddlewareMessage(pending.id, pending.msg)
	}
	w.pendingMW = nil
	w.syncDisplay()

	switch outcome.Kind {
	case OutcomeDone:
		w.state.Interrupt = nil
		w.persist(domain.PersistOnCompletion)
		w.setStatus(domain.StatusIdle, "")
	case OutcomePause:
		w.persist(domain.PersistOnCompletion)
		w.setStatus(domain.StatusIdle, "paused")
	case OutcomeInterrupt:
		w.state.Interrupt = outcome.Interrupt
		w.persist(domain.PersistOnInterrupt)
		w.setStatusWithPayload(domain.StatusInterrupted, domain.StatusChangedPayload{
			NewStatus: domain.StatusInterrupted,
			Detail:    interruptDetail(outcome.Interrupt),
		})
		rerun = false
	case OutcomeError:
		w.persist(domain.PersistOnError)
		w.setStatus(domain.StatusError, outcome.Err.Error())
		rerun = false
	}

	if h.waiter != nil {
		h.waiter <- Outcome{
			Kind:        outcome.Kind,
			State:       w.state.Clone(),
			Interrupt:   outcome.Interrupt.Clone(),
			UntilResult: outcome.UntilResult,
			Err:         outcome.Err,
		}
	}
	if rerun {
		w.startRun(RunOptions{}, nil, nil)
	}
}

func interruptDetail(r *domain.InterruptRecord) string {
	if r == nil || r.Current == nil {
		return ""
	}
	if r.Current.Kind == domain.InterruptKindSubAgent {
		return "sub-agent " + r.Current.SubAgentID + " awaiting decisions"
	}
	return fmt.Sprintf("%d tool calls awaiting decisions", len(r.Current.ActionRequests))
}

// setStatus transitions the status and publishes status_changed.
func (w *Worker) setStatus(s domain.Status, detail string) {
	w.setStatusWithPayload(s, domain.StatusChangedPayload{NewStatus: s, Detail: detail})
}

func (w *Worker) setStatusWithPayload(s domain.Status, payload domain.StatusChangedPayload) {
	w.status = s
	w.publish(domain.EventStatusChanged, payload)
	// Debug subscribers get the full state snapshot at every transition.
	w.publishDebug(map[string]any{"status": s, "state": w.state.Clone()})
	if s == domain.StatusIdle {
		w.maybeStartGrace()
	}
}

// --- timers and presence ---

func (w *Worker) timerInterval() time.Duration {
	if w.inactivity < 0 {
		// Effectively disabled; the timer still needs a duration.
		return 24 * time.Hour * 365
	}
	return w.inactivity
}

func (w *Worker) touch() {
	if !w.inactivityTimer.Stop() {
		select {
		case <-w.inactivityTimer.C:
		default:
		}
	}
	w.inactivityTimer.Reset(w.timerInterval())
}

func (w *Worker) handleInactivity() (stop bool) {
	if w.inactivity < 0 {
		w.inactivityTimer.Reset(w.timerInterval())
		return false
	}
	if w.status == domain.StatusIdle {
		w.shutdown(domain.ShutdownInactivity)
		return true
	}
	w.inactivityTimer.Reset(w.timerInterval())
	return false
}

func (w *Worker) handlePresence(count int) {
	w.viewerCount = count
	if count > 0 {
		w.stopGrace()
		return
	}
	w.maybeStartGrace()
}

func (w *Worker) maybeStartGrace() {
	if w.opts.Presence == nil || w.viewerCount != 0 || w.status != domain.StatusIdle {
		return
	}
	if w.graceTimer == nil {
		w.graceTimer = time.NewTimer(w.presenceGrace)
	}
}

func (w *Worker) stopGrace() {
	if w.graceTimer != nil {
		w.graceTimer.Stop()
		w.graceTimer = nil
	}
}

func (w *Worker) handleGraceExpired() (stop bool) {
	w.graceTimer = nil
	if w.status == domain.StatusIdle && w.viewerCount == 0 {
		w.shutdown(domain.ShutdownNoViewers)
		return true
	}
	return false
}

// --- shutdown ---

func (w *Worker) shutdown(reason domain.ShutdownReason) {
	if w.run != nil {
		w.run.cancel()
		// Let the task deliver its outcome so it does not leak.
		<-w.run.done
		close(w.run.ack)
		if w.run.waiter != nil {
			w.run.waiter <- Outcome{Kind: OutcomeError, State: w.state.Clone(), Err: domain.ErrCancelled}
		}
		w.run = nil
	}
	w.emitShutdown(reason)
	if reason != domain.ShutdownCrash {
		w.persist(domain.PersistOnShutdown)
	}
	w.deregister()
	close(w.doneCh)
}

func (w *Worker) emitShutdown(reason domain.ShutdownReason) {
	w.publish(domain.EventAgentShutdown, domain.ShutdownPayload{Reason: reason})
}

func (w *Worker) deregister() {
	if w.reg != nil {
		w.reg.Deregister(registry.AgentWorker(w.ID()))
	}
}

// Done is closed when the worker loop has exited.
func (w *Worker) Done() <-chan struct{} { return w.doneCh }

// --- persistence ---

func (w *Worker) persist(pctx domain.PersistContext) {
	if w.opts.Persistence == nil {
		return
	}
	data, err := domain.EncodeState(w.state)
	if err != nil {
		w.logger.Error("state encode failed", "context", string(pctx), "error", err)
		return
	}
	if err := w.opts.Persistence.Persist(context.Background(), w.ID(), data, pctx); err != nil {
		w.logger.Error("state persist failed", "context", string(pctx), "error", err)
	}
}

// syncDisplay saves every message that has not reached display persistence
// yet. Idempotent; failures are logged and retried on the next sync.
func (w *Worker) syncDisplay() {
	if w.opts.DisplayPersistence == nil {
		return
	}
	var saved []domain.DisplayItem
	for _, m := range w.state.Messages {
		if w.displaySaved[m.ID] {
			continue
		}
		items, err := w.opts.DisplayPersistence.SaveMessage(context.Background(), w.ID(), m)
		if err != nil {
			w.logger.Error("display message save failed", "message_id", m.ID, "error", err)
			continue
		}
		w.displaySaved[m.ID] = true
		saved = append(saved, items...)
	}
	switch {
	case len(saved) == 1:
		w.publish(domain.EventDisplayMessageSaved, domain.DisplaySavedPayload{Item: saved[0]})
	case len(saved) > 1:
		w.publish(domain.EventDisplayMessagesBatchSave, domain.DisplayBatchSavedPayload{Items: saved})
	}
}

// persistToolStatus mirrors tool_execution_update into display
// persistence. Runs on pipeline task goroutines; display persistence
// implementations must be safe for concurrent use.
func (w *Worker) persistToolStatus(phase domain.ToolPhase, info domain.ToolInfo) {
	if w.opts.DisplayPersistence == nil {
		return
	}
	if _, err := w.opts.DisplayPersistence.UpdateToolStatus(context.Background(), phase, info); err != nil {
		w.logger.Debug("tool status update failed", "call_id", info.CallID, "error", err)
	}
}

// --- events ---

func (w *Worker) publish(kind domain.EventKind, payload any) {
	if w.bus == nil {
		return
	}
	w.bus.Publish(eventbus.MainTopic(w.ID()), domain.Event{
		Agent:     w.ID(),
		Kind:      kind,
		Timestamp: time.Now(),
		Payload:   payload,
	})
}

func (w *Worker) publishDebug(payload any) {
	if w.bus == nil {
		return
	}
	w.bus.Publish(eventbus.DebugTopic(w.ID()), domain.Event{
		Agent:     w.ID(),
		Kind:      domain.EventDebug,
		Timestamp: time.Now(),
		Payload:   domain.DebugPayload{Inner: payload},
	})
}
