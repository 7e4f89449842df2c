package domain

import "context"

// Middleware is a plug-in that contributes prompts, tools, callbacks, and
// hooks at well-defined points in the execution pipeline. All hooks are
// optional; embed BaseMiddleware for pass-through defaults.
type Middleware interface {
	// Name identifies the middleware kind. Entry IDs default to it.
	Name() string
	// Init validates the entry config once at agent assembly. A non-nil
	// error aborts startup.
	Init(config map[string]any) error
	// SystemPrompt contributes to the assembled system prompt. Empty means
	// no contribution.
	SystemPrompt() string
	// Tools returns the tools this middleware exposes.
	Tools() []Tool
	// Callbacks returns LLM-event handlers invoked during model calls.
	Callbacks() ModelCallbacks
	// BeforeModel may rewrite state before each model call. Runs in list
	// order.
	BeforeModel(ctx context.Context, state *State) error
	// AfterModel may rewrite state after each model call, or return an
	// interrupt. Runs in reverse list order.
	AfterModel(ctx context.Context, state *State) (*Interrupt, error)
	// HandleMessage receives a message from the middleware's own background
	// task, routed by entry ID.
	HandleMessage(ctx context.Context, msg any, state *State) error
	// OnServerStart runs once when the owning worker starts.
	OnServerStart(ctx context.Context, state *State) error
	// OnForkContext may inject ambient values (and restore functions) into a
	// context snapshot being forked to a child worker or task.
	OnForkContext(ambient map[string]any) map[string]any
}

// BaseMiddleware provides no-op implementations of every optional hook.
type BaseMiddleware struct{}

func (BaseMiddleware) Init(map[string]any) error                 { return nil }
func (BaseMiddleware) SystemPrompt() string                      { return "" }
func (BaseMiddleware) Tools() []Tool                             { return nil }
func (BaseMiddleware) Callbacks() ModelCallbacks                 { return ModelCallbacks{} }
func (BaseMiddleware) BeforeModel(context.Context, *State) error { return nil }
func (BaseMiddleware) AfterModel(context.Context, *State) (*Interrupt, error) {
	return nil, nil
}
func (BaseMiddleware) HandleMessage(context.Context, any, *State) error { return nil }
func (BaseMiddleware) OnServerStart(context.Context, *State) error      { return nil }
func (BaseMiddleware) OnForkContext(ambient map[string]any) map[string]any {
	return ambient
}

// MiddlewareEntry binds a middleware instance to an agent. ID defaults to
// the middleware name; override it to run several instances of the same
// middleware side by side.
type MiddlewareEntry struct {
	ID         string
	Middleware Middleware
	Config     map[string]any
}

// EntryID returns the effective entry ID.
func (e MiddlewareEntry) EntryID() string {
	if e.ID != "" {
		return e.ID
	}
	return e.Middleware.Name()
}

// MiddlewareHost is the slice of the worker a middleware's background
// tasks may talk to.
type MiddlewareHost interface {
	ID() string
	SendMiddlewareMessage(middlewareID string, msg any) error
}

// HostBinder is implemented by middleware that spawn background tasks and
// deliver results back through handle_message. The worker binds itself and
// the entry id in at start.
type HostBinder interface {
	BindHost(host MiddlewareHost, entryID string)
}

// TitleGenerated is the handle_message payload carrying a generated
// conversation title. The worker persists with on_title_generated after
// dispatching it.
type TitleGenerated struct {
	Title string
}

// MetadataTitleKey is where the conversation title lives in State
// metadata.
const MetadataTitleKey = "title"

// HITLPolicy is implemented by the human-in-the-loop middleware. The
// pipeline consults it after each assistant message with tool calls.
type HITLPolicy interface {
	// PendingInterrupt returns a hitl interrupt covering the tool calls that
	// require operator decisions, or nil when none match.
	PendingInterrupt(msg Message) *Interrupt
}

// SubAgentResumer is implemented by the sub-agents middleware. The worker
// routes resume decisions for subagent_hitl interrupts through it.
type SubAgentResumer interface {
	// ResumeChild applies decisions to the named child worker and reports
	// its next outcome.
	ResumeChild(ctx context.Context, subAgentID string, decisions []Decision) (SubAgentOutcome, error)
}
