// Package agentctx implements the worker-local ambient context: a
// string-keyed map for values such as tenant, trace, and user identifiers
// that flow down through the agent hierarchy by explicit snapshot. It is
// not persisted; values that must survive restart belong in State metadata.
package agentctx

import (
	"log/slog"

	"sagents/internal/domain"
)

// restoreFnsKey holds the restore closures inside a forked snapshot. Init
// pops it before storing the map.
const restoreFnsKey = "__restore_fns__"

// RestoreFunc rebuilds process-local state inside a child worker that could
// not be carried through the serializable part of a snapshot (e.g.
// reattaching a trace span). It receives the cleaned context map.
type RestoreFunc func(ambient map[string]any)

// Context is the ambient key/value map owned by exactly one worker. It is
// not safe for concurrent use; only the owning goroutine touches it. Tasks
// the worker spawns receive an explicit Fork snapshot and re-Init their own
// Context, because a cooperatively scheduled task cannot rely on inheriting
// any worker-local storage.
type Context struct {
	values map[string]any
	logger *slog.Logger
}

// New creates an empty context.
func New(logger *slog.Logger) *Context {
	return &Context{values: map[string]any{}, logger: logger}
}

// Init replaces the context with the given snapshot. Restore functions
// attached by middleware during forking are popped and invoked with the
// cleaned map; their failures are logged and do not fail init.
func (c *Context) Init(snapshot map[string]any) {
	values := make(map[string]any, len(snapshot))
	for k, v := range snapshot {
		if k == restoreFnsKey {
			continue
		}
		values[k] = v
	}
	c.values = values

	for _, fn := range restoreFns(snapshot) {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Warn("context restore function panicked", "panic", r)
				}
			}()
			fn(c.values)
		}()
	}
}

// Get returns the full context map. The caller must not mutate it.
func (c *Context) Get() map[string]any { return c.values }

// Fetch returns the value for key, or def when absent.
func (c *Context) Fetch(key string, def any) any {
	if v, ok := c.values[key]; ok {
		return v
	}
	return def
}

// Put sets one key.
func (c *Context) Put(key string, value any) { c.values[key] = value }

// Merge copies all entries of m into the context.
func (c *Context) Merge(m map[string]any) {
	for k, v := range m {
		c.values[k] = v
	}
}

// Fork snapshots the context for a child worker or task. The optional
// transform may rewrite the copy before it is handed out.
func (c *Context) Fork(transform func(map[string]any) map[string]any) map[string]any {
	snapshot := make(map[string]any, len(c.values))
	for k, v := range c.values {
		snapshot[k] = v
	}
	if transform != nil {
		snapshot = transform(snapshot)
	}
	return snapshot
}

// ForkWithMiddleware snapshots the context and folds each middleware's
// OnForkContext hook over it in list order. Hook panics are logged and the
// hook's changes discarded.
func (c *Context) ForkWithMiddleware(entries []domain.MiddlewareEntry) map[string]any {
	snapshot := c.Fork(nil)
	for _, e := range entries {
		snapshot = safeForkHook(c.logger, e, snapshot)
	}
	return snapshot
}

func safeForkHook(logger *slog.Logger, e domain.MiddlewareEntry, snapshot map[string]any) (out map[string]any) {
	out = snapshot
	defer func() {
		if r := recover(); r != nil {
			logger.Warn("on_fork_context panicked", "middleware", e.EntryID(), "panic", r)
			out = snapshot
		}
	}()
	if forked := e.Middleware.OnForkContext(snapshot); forked != nil {
		out = forked
	}
	return out
}

// AddRestoreFn attaches a restore closure to a forked snapshot. The child
// worker executes it during its own Init.
func AddRestoreFn(snapshot map[string]any, fn RestoreFunc) map[string]any {
	fns := restoreFns(snapshot)
	snapshot[restoreFnsKey] = append(fns, fn)
	return snapshot
}

func restoreFns(snapshot map[string]any) []RestoreFunc {
	fns, _ := snapshot[restoreFnsKey].([]RestoreFunc)
	return fns
}
