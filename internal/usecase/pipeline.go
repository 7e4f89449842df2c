package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"sagents/internal/domain"
	"sagents/internal/infra/tracer"
)

// DefaultMaxRuns bounds LLM calls per top-level run.
const DefaultMaxRuns = 50

// RunOptions parameterize one top-level pipeline run.
type RunOptions struct {
	// UntilTool terminates the run as soon as the LLM calls one of these
	// tools, returning that tool's result. Names must exist in the
	// assembled tool set.
	UntilTool []string
	// ShouldPause is consulted after each model call; returning true
	// terminates the run with OutcomePause.
	ShouldPause func() bool
	MaxRuns     int
}

// OutcomeKind classifies how a pipeline run ended.
type OutcomeKind int

const (
	OutcomeDone OutcomeKind = iota
	OutcomeInterrupt
	OutcomePause
	OutcomeError
)

// Outcome is the terminal result of a pipeline run. State is the run's own
// snapshot; the worker applies it back on receipt.
type Outcome struct {
	Kind        OutcomeKind
	State       *domain.State
	Interrupt   *domain.InterruptRecord
	UntilResult *domain.ToolResult
	Err         error
}

// Pipeline drives LLM turns for one agent until a terminal condition. It
// operates on a state snapshot owned by the calling task and publishes
// events through the hooks the worker wires in.
type Pipeline struct {
	cfg        *domain.AgentConfig
	validators ToolValidators
	logger     *slog.Logger
	// ambient is the forked context snapshot for tool tasks.
	ambient map[string]any
	// publish fans a payload out on the agent's main topic.
	publish func(kind domain.EventKind, payload any)
	// publishDebug fans a payload out on the agent's debug topic.
	publishDebug func(payload any)
	// toolStatus mirrors tool_execution_update into display persistence.
	// Optional.
	toolStatus func(phase domain.ToolPhase, info domain.ToolInfo)
}

// NewPipeline builds a pipeline bound to one agent config.
func NewPipeline(a *Assembled, logger *slog.Logger, ambient map[string]any,
	publish func(domain.EventKind, any), publishDebug func(any),
	toolStatus func(domain.ToolPhase, domain.ToolInfo)) *Pipeline {
	if publish == nil {
		publish = func(domain.EventKind, any) {}
	}
	if publishDebug == nil {
		publishDebug = func(any) {}
	}
	return &Pipeline{
		cfg:          a.Config,
		validators:   a.Validators,
		logger:       logger,
		ambient:      ambient,
		publish:      publish,
		publishDebug: publishDebug,
		toolStatus:   toolStatus,
	}
}

// chain is the mutable carrier threaded through the pipeline steps.
type chain struct {
	state         *domain.State
	runs          int
	maxRuns       int
	untilTool     []string
	untilResult   *domain.ToolResult
	shouldPause   func() bool
	needsResponse bool
}

type stepStatus int

const (
	stepContinue stepStatus = iota
	stepOK
	stepError
	stepInterrupt
	stepPause
)

// stepResult is the short-circuiting value every pipeline step returns.
// Non-continue values stop the remaining steps.
type stepResult struct {
	status    stepStatus
	err       error
	interrupt *domain.InterruptRecord
}

type step func(ctx context.Context, ch *chain) stepResult

func cont() stepResult { return stepResult{status: stepContinue} }

func fail(err error) stepResult { return stepResult{status: stepError, err: err} }

func interruptWith(r *domain.InterruptRecord) stepResult {
	return stepResult{status: stepInterrupt, interrupt: r}
}

// Run executes the pipeline from the first model call until done,
// interrupted, paused, or failed.
func (p *Pipeline) Run(ctx context.Context, state *domain.State, opts RunOptions) Outcome {
	ch := p.newChain(state, opts)
	if err := p.validateUntilTool(ch); err != nil {
		return Outcome{Kind: OutcomeError, State: state, Err: err}
	}
	return p.loop(ctx, ch, p.steps())
}

// Resume re-enters the pipeline at propagate_state, after the worker has
// inserted the decision-derived tool message.
func (p *Pipeline) Resume(ctx context.Context, state *domain.State, opts RunOptions) Outcome {
	ch := p.newChain(state, opts)
	ch.needsResponse = true
	return p.loop(ctx, ch, p.resumeSteps())
}

func (p *Pipeline) newChain(state *domain.State, opts RunOptions) *chain {
	maxRuns := opts.MaxRuns
	if maxRuns <= 0 {
		maxRuns = p.cfg.MaxRuns
	}
	if maxRuns <= 0 {
		maxRuns = DefaultMaxRuns
	}
	return &chain{
		state:       state,
		maxRuns:     maxRuns,
		untilTool:   opts.UntilTool,
		shouldPause: opts.ShouldPause,
	}
}

func (p *Pipeline) validateUntilTool(ch *chain) error {
	for _, name := range ch.untilTool {
		if _, ok := p.cfg.ToolByName(name); !ok {
			return domain.NewDomainError("Pipeline.Run", domain.ErrUnknownUntilTool, name)
		}
	}
	return nil
}

// steps is the default composition for one turn.
func (p *Pipeline) steps() []step {
	if p.cfg.Mode == domain.ModeRaw {
		return []step{p.callLLM, p.checkMaxRuns, p.checkPause, p.executeTools}
	}
	return []step{
		p.callLLM,
		p.checkMaxRuns,
		p.checkPause,
		p.checkPreToolHITL,
		p.executeTools,
		p.propagateState,
		p.checkPostToolInterrupt,
		p.maybeCheckUntilTool,
	}
}

// resumeSteps re-enters after tool results were inserted by resume.
func (p *Pipeline) resumeSteps() []step {
	return []step{p.propagateState, p.checkPostToolInterrupt, p.maybeCheckUntilTool}
}

// loop runs step sequences until continue_or_done_safe reaches a terminal
// state.
func (p *Pipeline) loop(ctx context.Context, ch *chain, steps []step) Outcome {
	for {
		res := p.runSteps(ctx, ch, steps)
		switch res.status {
		case stepError:
			return Outcome{Kind: OutcomeError, State: ch.state, Err: res.err}
		case stepInterrupt:
			return Outcome{Kind: OutcomeInterrupt, State: ch.state, Interrupt: res.interrupt}
		case stepPause:
			return Outcome{Kind: OutcomePause, State: ch.state}
		case stepOK:
			return Outcome{Kind: OutcomeDone, State: ch.state, UntilResult: ch.untilResult}
		}

		// continue_or_done_safe: recurse while the conversation still needs
		// a model response; otherwise settle.
		if ch.needsResponse {
			steps = p.steps()
			continue
		}
		if len(ch.untilTool) > 0 {
			return Outcome{
				Kind:  OutcomeError,
				State: ch.state,
				Err: domain.NewDomainError("Pipeline.Run", domain.ErrUntilToolNotCalled,
					fmt.Sprintf("expected one of %v", ch.untilTool)),
			}
		}
		return Outcome{Kind: OutcomeDone, State: ch.state}
	}
}

func (p *Pipeline) runSteps(ctx context.Context, ch *chain, steps []step) stepResult {
	for _, s := range steps {
		if err := ctx.Err(); err != nil {
			return fail(domain.WrapOp("pipeline", domain.ErrCancelled))
		}
		if res := s(ctx, ch); res.status != stepContinue {
			return res
		}
	}
	return cont()
}

// callLLM dispatches the next model request, walking the fallback chain on
// error, and runs the before/after model hooks around it.
func (p *Pipeline) callLLM(ctx context.Context, ch *chain) stepResult {
	ctx, span := tracer.StartSpan(ctx, "pipeline.call_llm",
		trace.WithAttributes(tracer.StringAttr("agent.id", p.cfg.AgentID)))
	defer span.End()

	ch.runs++

	if p.cfg.Mode != domain.ModeRaw {
		for _, e := range p.cfg.Middleware {
			if err := p.safeBeforeModel(ctx, e, ch.state); err != nil {
				tracer.RecordError(span, err)
				return fail(err)
			}
		}
	}

	req := domain.ChatRequest{
		SystemPrompt: p.cfg.AssembledSystemPrompt,
		Messages:     ch.state.Messages,
		Tools:        p.cfg.ToolSchemas(),
	}

	models := make([]domain.ChatModel, 0, 1+len(p.cfg.FallbackModels))
	models = append(models, p.cfg.ChatModel)
	models = append(models, p.cfg.FallbackModels...)

	var resp *domain.ChatResponse
	var err error
	for attempt, model := range models {
		if attempt > 0 {
			p.logger.Warn("falling back to next model",
				"agent_id", p.cfg.AgentID, "model", model.Name(), "error", err)
			if p.cfg.BeforeFallback != nil {
				p.cfg.BeforeFallback(&req, attempt)
			}
		}
		resp, err = model.Chat(ctx, req, p.callbacks())
		if err == nil {
			break
		}
	}
	if err != nil {
		tracer.RecordError(span, err)
		return fail(domain.WrapOp("call_llm", err))
	}

	msg := resp.Message
	if msg.Role == "" {
		msg.Role = domain.RoleAssistant
	}
	if msg.ID == "" {
		msg.ID = domain.NewID()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	ch.state.Append(msg)
	ch.needsResponse = msg.HasToolCalls()

	p.publish(domain.EventLLMMessage, domain.LLMMessagePayload{Message: msg})
	p.publish(domain.EventLLMTokenUsage, domain.TokenUsagePayload{Usage: resp.Usage})

	if p.cfg.Mode != domain.ModeRaw {
		for i := len(p.cfg.Middleware) - 1; i >= 0; i-- {
			interrupt, err := p.safeAfterModel(ctx, p.cfg.Middleware[i], ch.state)
			if err != nil {
				tracer.RecordError(span, err)
				return fail(err)
			}
			if interrupt != nil {
				return interruptWith(&domain.InterruptRecord{Current: interrupt})
			}
		}
	}
	return cont()
}

// callbacks merges the runtime's event publishers with the handlers each
// middleware registered.
func (p *Pipeline) callbacks() domain.ModelCallbacks {
	var mws []domain.ModelCallbacks
	for _, e := range p.cfg.Middleware {
		mws = append(mws, e.Middleware.Callbacks())
	}
	return domain.ModelCallbacks{
		OnDeltas: func(deltas []domain.Delta) {
			p.publish(domain.EventLLMDeltas, domain.LLMDeltasPayload{Deltas: deltas})
			for _, cb := range mws {
				if cb.OnDeltas != nil {
					cb.OnDeltas(deltas)
				}
			}
		},
		OnToolCallIdentified: func(call domain.ToolCall) {
			p.publish(domain.EventToolCallIdentified, domain.ToolCallIdentifiedPayload{
				Info: domain.ToolInfo{CallID: call.ID, Name: call.Name, Arguments: call.Arguments, DisplayText: call.DisplayText},
			})
			for _, cb := range mws {
				if cb.OnToolCallIdentified != nil {
					cb.OnToolCallIdentified(call)
				}
			}
		},
		OnUsage: func(usage domain.Usage) {
			for _, cb := range mws {
				if cb.OnUsage != nil {
					cb.OnUsage(usage)
				}
			}
		},
	}
}

func (p *Pipeline) safeBeforeModel(ctx context.Context, e domain.MiddlewareEntry, state *domain.State) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("before_model panicked", "middleware", e.EntryID(), "panic", r)
			err = nil
		}
	}()
	if hookErr := e.Middleware.BeforeModel(ctx, state); hookErr != nil {
		return domain.WrapOp("before_model "+e.EntryID(), hookErr)
	}
	return nil
}

func (p *Pipeline) safeAfterModel(ctx context.Context, e domain.MiddlewareEntry, state *domain.State) (interrupt *domain.Interrupt, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("after_model panicked", "middleware", e.EntryID(), "panic", r)
			interrupt, err = nil, nil
		}
	}()
	hookInterrupt, hookErr := e.Middleware.AfterModel(ctx, state)
	if hookErr != nil {
		return nil, domain.WrapOp("after_model "+e.EntryID(), hookErr)
	}
	return hookInterrupt, nil
}

func (p *Pipeline) checkMaxRuns(_ context.Context, ch *chain) stepResult {
	if ch.runs > ch.maxRuns {
		return fail(domain.NewDomainError("Pipeline.Run", domain.ErrExceededMaxRuns,
			fmt.Sprintf("%d runs", ch.runs)))
	}
	return cont()
}

func (p *Pipeline) checkPause(_ context.Context, ch *chain) stepResult {
	if ch.shouldPause != nil && ch.shouldPause() {
		return stepResult{status: stepPause}
	}
	return cont()
}

// checkPreToolHITL pauses the run before executing any tool call matched by
// the human-in-the-loop policy.
func (p *Pipeline) checkPreToolHITL(_ context.Context, ch *chain) stepResult {
	msg, ok := ch.state.LastMessage()
	if !ok || !msg.HasToolCalls() {
		return cont()
	}
	for _, e := range p.cfg.Middleware {
		policy, ok := e.Middleware.(domain.HITLPolicy)
		if !ok {
			continue
		}
		if interrupt := policy.PendingInterrupt(msg); interrupt != nil {
			return interruptWith(&domain.InterruptRecord{Current: interrupt})
		}
	}
	return cont()
}

// executeTools dispatches every tool call in the latest assistant message
// concurrently and appends one tool-role message with the results in call
// order.
func (p *Pipeline) executeTools(ctx context.Context, ch *chain) stepResult {
	msg, ok := ch.state.LastMessage()
	if !ok || !msg.HasToolCalls() {
		return cont()
	}

	for _, call := range msg.ToolCalls {
		p.publish(domain.EventToolCallIdentified, domain.ToolCallIdentifiedPayload{
			Info: toolInfoOf(call),
		})
	}

	results := make([]domain.ToolResult, len(msg.ToolCalls))
	g, gctx := errgroup.WithContext(ctx)
	for i, call := range msg.ToolCalls {
		g.Go(func() error {
			results[i] = p.executeTool(gctx, call)
			return nil
		})
	}
	g.Wait()

	if err := ctx.Err(); err != nil {
		// Cancelled mid-flight; discard whatever results arrived.
		return fail(domain.WrapOp("execute_tools", domain.ErrCancelled))
	}

	ch.state.Append(domain.Message{
		Role:        domain.RoleTool,
		ToolResults: results,
		Timestamp:   time.Now(),
	})
	return cont()
}

// ExecuteToolCall runs one tool call outside the normal step flow. Resume
// uses it to re-execute approved and edited calls.
func (p *Pipeline) ExecuteToolCall(ctx context.Context, call domain.ToolCall) domain.ToolResult {
	return p.executeTool(ctx, call)
}

func (p *Pipeline) executeTool(ctx context.Context, call domain.ToolCall) (result domain.ToolResult) {
	info := toolInfoOf(call)
	ctx, span := tracer.StartSpan(ctx, "pipeline.execute_tool",
		trace.WithAttributes(tracer.StringAttr("tool.name", call.Name)))
	defer span.End()

	p.notifyTool(domain.ToolExecuting, info)

	failed := func(text string) domain.ToolResult {
		p.notifyTool(domain.ToolFailed, info)
		return domain.ToolResult{CallID: call.ID, Name: call.Name, Content: text, IsError: true}
	}

	tool, ok := p.cfg.ToolByName(call.Name)
	if !ok {
		tracer.RecordError(span, domain.ErrToolNotFound)
		return failed(fmt.Sprintf("tool %q not found", call.Name))
	}

	if schema, ok := p.validators[call.Name]; ok {
		var args any
		if len(call.Arguments) > 0 {
			if err := json.Unmarshal(call.Arguments, &args); err != nil {
				tracer.RecordError(span, err)
				return failed(fmt.Sprintf("invalid arguments: %v", err))
			}
		}
		if res := schema.Validate(args); !res.IsValid() {
			return failed(fmt.Sprintf("arguments do not match schema: %s", res.Error()))
		}
	}

	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("tool panicked", "tool", call.Name, "panic", r)
			result = failed(fmt.Sprintf("tool %q panicked: %v", call.Name, r))
		}
	}()

	out, err := tool.Handler(ctx, call.Arguments, domain.ToolContext{
		AgentID: p.cfg.AgentID,
		CallID:  call.ID,
		Ambient: p.ambient,
		Publish: p.publish,
	})
	if err != nil {
		tracer.RecordError(span, err)
		return failed(err.Error())
	}

	p.notifyTool(domain.ToolCompleted, info)
	return domain.ToolResult{CallID: call.ID, Name: call.Name, Content: out.Text, Processed: out.Processed}
}

func (p *Pipeline) notifyTool(phase domain.ToolPhase, info domain.ToolInfo) {
	p.publish(domain.EventToolExecutionUpdate, domain.ToolExecutionPayload{Phase: phase, Info: info})
	if p.toolStatus != nil {
		p.toolStatus(phase, info)
	}
}

// propagateState merges tool-produced state deltas from the newest run of
// tool messages, in chronological order, right-wins. Applied deltas are
// consumed so the next loop iteration does not merge them again.
func (p *Pipeline) propagateState(_ context.Context, ch *chain) stepResult {
	start, end := newestToolRunBounds(ch.state.Messages)
	for i := start; i < end; i++ {
		msg := &ch.state.Messages[i]
		for j := range msg.ToolResults {
			delta, ok := msg.ToolResults[j].Processed.(*domain.StateDelta)
			if !ok {
				continue
			}
			msg.ToolResults[j].Processed = nil
			ch.state.Apply(delta)
			if delta.Todos != nil {
				p.publish(domain.EventTodosUpdated, domain.TodosUpdatedPayload{Todos: ch.state.Todos})
			}
		}
	}
	return cont()
}

// checkPostToolInterrupt surfaces sub-agent interrupt signals embedded in
// the last tool message. The first becomes current; siblings queue FIFO.
func (p *Pipeline) checkPostToolInterrupt(_ context.Context, ch *chain) stepResult {
	run := newestToolRun(ch.state.Messages)
	if len(run) == 0 {
		return cont()
	}
	msg := run[len(run)-1]

	var interrupts []*domain.Interrupt
	for _, res := range msg.ToolResults {
		signal, ok := res.Processed.(*domain.InterruptSignal)
		if !ok {
			continue
		}
		interrupt := &domain.Interrupt{
			Kind:         domain.InterruptKindSubAgent,
			SubAgentID:   signal.SubAgentID,
			SubAgentType: signal.SubAgentType,
			ToolCallID:   res.CallID,
		}
		if signal.Interrupt != nil {
			interrupt.ActionRequests = signal.Interrupt.Clone().ActionRequests
		}
		interrupts = append(interrupts, interrupt)
	}
	if len(interrupts) == 0 {
		return cont()
	}
	return interruptWith(&domain.InterruptRecord{
		Current: interrupts[0],
		Pending: interrupts[1:],
	})
}

// maybeCheckUntilTool terminates the run when the latest assistant message
// called one of the until tools.
func (p *Pipeline) maybeCheckUntilTool(_ context.Context, ch *chain) stepResult {
	if len(ch.untilTool) == 0 {
		return cont()
	}
	assistant, toolMsg, ok := latestTurn(ch.state.Messages)
	if !ok {
		return cont()
	}
	for _, call := range assistant.ToolCalls {
		for _, name := range ch.untilTool {
			if call.Name != name {
				continue
			}
			for i := range toolMsg.ToolResults {
				if toolMsg.ToolResults[i].CallID == call.ID {
					ch.untilResult = &toolMsg.ToolResults[i]
					return stepResult{status: stepOK}
				}
			}
		}
	}
	return cont()
}

// newestToolRun returns the run of tool-role messages following the last
// assistant-with-tool-calls message.
func newestToolRun(msgs []domain.Message) []domain.Message {
	start, end := newestToolRunBounds(msgs)
	return msgs[start:end]
}

// newestToolRunBounds returns the [start, end) index range of that run.
func newestToolRunBounds(msgs []domain.Message) (int, int) {
	last := -1
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].HasToolCalls() {
			last = i
			break
		}
	}
	if last == -1 {
		return 0, 0
	}
	end := last + 1
	for end < len(msgs) && msgs[end].Role == domain.RoleTool {
		end++
	}
	return last + 1, end
}

// latestTurn returns the newest assistant-with-tool-calls message and the
// first tool message following it.
func latestTurn(msgs []domain.Message) (assistant, toolMsg domain.Message, ok bool) {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].HasToolCalls() {
			if i+1 < len(msgs) && msgs[i+1].Role == domain.RoleTool {
				return msgs[i], msgs[i+1], true
			}
			return domain.Message{}, domain.Message{}, false
		}
	}
	return domain.Message{}, domain.Message{}, false
}

func toolInfoOf(call domain.ToolCall) domain.ToolInfo {
	return domain.ToolInfo{
		CallID:      call.ID,
		Name:        call.Name,
		Arguments:   call.Arguments,
		DisplayText: call.DisplayText,
	}
}
