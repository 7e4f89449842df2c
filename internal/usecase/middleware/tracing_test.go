package middleware

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"

	"sagents/internal/domain"
	"sagents/internal/usecase/agentctx"
)

func testSpanContext(t *testing.T) trace.SpanContext {
	t.Helper()
	tid, err := trace.TraceIDFromHex("0af7651916cd43dd8448eb211c80319c")
	require.NoError(t, err)
	sid, err := trace.SpanIDFromHex("b7ad6b7169203331")
	require.NoError(t, err)
	return trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    tid,
		SpanID:     sid,
		TraceFlags: trace.FlagsSampled,
	})
}

func TestForkInjectsTraceparentAndRestores(t *testing.T) {
	tr := NewTracing()
	sc := testSpanContext(t)
	ctx := trace.ContextWithSpanContext(context.Background(), sc)
	require.NoError(t, tr.OnServerStart(ctx, domain.NewState("a1")))

	snapshot := tr.OnForkContext(map[string]any{})
	header, ok := snapshot[TraceparentKey].(string)
	require.True(t, ok)
	assert.Equal(t, "00-0af7651916cd43dd8448eb211c80319c-b7ad6b7169203331-01", header)

	// A child context init runs the restore fn and re-attaches the span.
	child := agentctx.New(slog.Default())
	child.Init(snapshot)

	restored, ok := child.Get()[SpanContextKey].(trace.SpanContext)
	require.True(t, ok)
	assert.Equal(t, sc.TraceID(), restored.TraceID())
	assert.Equal(t, sc.SpanID(), restored.SpanID())
	assert.True(t, restored.IsSampled())
	assert.True(t, restored.IsRemote())
}

func TestForkWithoutSpanIsPassThrough(t *testing.T) {
	tr := NewTracing()
	snapshot := tr.OnForkContext(map[string]any{"keep": 1})
	assert.Equal(t, map[string]any{"keep": 1}, snapshot)
}

func TestParseTraceparentRejectsGarbage(t *testing.T) {
	_, err := parseTraceparent("not-a-traceparent")
	require.Error(t, err)
	_, err = parseTraceparent("")
	require.Error(t, err)
}
