package middleware

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/trace"

	"sagents/internal/domain"
	"sagents/internal/usecase/agentctx"
)

// Ambient keys used for trace propagation.
const (
	// TraceparentKey carries the serialized span context across worker
	// boundaries.
	TraceparentKey = "traceparent"
	// SpanContextKey holds the re-attached live span context after a child
	// worker's restore function ran. Process-local; never persisted.
	SpanContextKey = "__span_context__"
)

// Tracing propagates the active trace across worker boundaries. The fork
// hook writes the serializable traceparent into the snapshot and attaches
// a restore function; the child's context init re-parses it into a live
// span context, which cannot itself be serialized.
type Tracing struct {
	domain.BaseMiddleware

	mu   sync.Mutex
	span trace.SpanContext
}

// NewTracing creates the trace-propagation middleware.
func NewTracing() *Tracing { return &Tracing{} }

func (t *Tracing) Name() string { return "tracing" }

// OnServerStart captures the span context active when the worker started.
func (t *Tracing) OnServerStart(ctx context.Context, _ *domain.State) error {
	sc := trace.SpanContextFromContext(ctx)
	if sc.IsValid() {
		t.mu.Lock()
		t.span = sc
		t.mu.Unlock()
	}
	return nil
}

// OnForkContext injects the traceparent and a restore function into the
// snapshot handed to child workers and tool tasks.
func (t *Tracing) OnForkContext(ambient map[string]any) map[string]any {
	t.mu.Lock()
	sc := t.span
	t.mu.Unlock()
	if !sc.IsValid() {
		return ambient
	}

	ambient[TraceparentKey] = formatTraceparent(sc)
	return agentctx.AddRestoreFn(ambient, func(clean map[string]any) {
		header, _ := clean[TraceparentKey].(string)
		restored, err := parseTraceparent(header)
		if err != nil {
			return
		}
		clean[SpanContextKey] = restored
	})
}

func formatTraceparent(sc trace.SpanContext) string {
	flags := "00"
	if sc.IsSampled() {
		flags = "01"
	}
	return fmt.Sprintf("00-%s-%s-%s", sc.TraceID(), sc.SpanID(), flags)
}

func parseTraceparent(header string) (trace.SpanContext, error) {
	var version, flags string
	var traceID, spanID string
	n, err := fmt.Sscanf(header, "%2s-%32s-%16s-%2s", &version, &traceID, &spanID, &flags)
	if err != nil || n != 4 {
		return trace.SpanContext{}, fmt.Errorf("malformed traceparent %q", header)
	}
	tid, err := trace.TraceIDFromHex(traceID)
	if err != nil {
		return trace.SpanContext{}, err
	}
	sid, err := trace.SpanIDFromHex(spanID)
	if err != nil {
		return trace.SpanContext{}, err
	}
	var fl trace.TraceFlags
	if flags == "01" {
		fl = trace.FlagsSampled
	}
	return trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    tid,
		SpanID:     sid,
		TraceFlags: fl,
		Remote:     true,
	}), nil
}
