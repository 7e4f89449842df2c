package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"sagents/internal/domain"
	"sagents/internal/usecase/eventbus"
	"sagents/internal/usecase/registry"
)

// scriptedModel returns a fixed sequence of responses. When loop is set it
// repeats the last response forever.
type scriptedModel struct {
	name string
	loop bool

	mu        sync.Mutex
	index     int
	responses []domain.ChatResponse
	errs      []error
	calls     int
}

func newScriptedModel(responses ...domain.ChatResponse) *scriptedModel {
	return &scriptedModel{name: "scripted", responses: responses}
}

func (m *scriptedModel) Name() string { return m.name }

func (m *scriptedModel) Chat(_ context.Context, _ domain.ChatRequest, cb domain.ModelCallbacks) (*domain.ChatResponse, error) {
	m.mu.Lock()
	m.calls++
	idx := m.index
	if idx < len(m.errs) && m.errs[idx] != nil {
		m.index++
		err := m.errs[idx]
		m.mu.Unlock()
		return nil, err
	}
	if idx >= len(m.responses) {
		if !m.loop || len(m.responses) == 0 {
			m.mu.Unlock()
			return nil, fmt.Errorf("script exhausted at step %d", idx+1)
		}
		idx = len(m.responses) - 1
	}
	resp := m.responses[idx]
	m.index++
	m.mu.Unlock()

	msg := resp.Message.Clone()
	if msg.Role == "" {
		msg.Role = domain.RoleAssistant
	}
	if cb.OnDeltas != nil && msg.Content != "" {
		cb.OnDeltas([]domain.Delta{{Type: "text", Text: msg.Content}})
	}
	if cb.OnToolCallIdentified != nil {
		for _, call := range msg.ToolCalls {
			cb.OnToolCallIdentified(call)
		}
	}
	return &domain.ChatResponse{Message: msg, Usage: resp.Usage}, nil
}

func (m *scriptedModel) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func assistantText(content string) domain.ChatResponse {
	return domain.ChatResponse{
		Message: domain.Message{Role: domain.RoleAssistant, Content: content},
		Usage:   domain.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}
}

func assistantToolCalls(calls ...domain.ToolCall) domain.ChatResponse {
	return domain.ChatResponse{
		Message: domain.Message{Role: domain.RoleAssistant, ToolCalls: calls},
		Usage:   domain.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}
}

func echoTool(name string) domain.Tool {
	return domain.Tool{
		Name:        name,
		Description: name,
		Handler: func(_ context.Context, args json.RawMessage, _ domain.ToolContext) (domain.ToolOutput, error) {
			return domain.ToolOutput{Text: name + " ok"}, nil
		},
	}
}

// recordingPersistence captures persist calls for assertions.
type recordingPersistence struct {
	mu       sync.Mutex
	snaps    map[string][]byte
	contexts []domain.PersistContext
	loadErr  error
}

func newRecordingPersistence() *recordingPersistence {
	return &recordingPersistence{snaps: make(map[string][]byte)}
}

func (r *recordingPersistence) Persist(_ context.Context, id string, data []byte, pctx domain.PersistContext) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps[id] = append([]byte(nil), data...)
	r.contexts = append(r.contexts, pctx)
	return nil
}

func (r *recordingPersistence) Load(_ context.Context, id string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.loadErr != nil {
		return nil, r.loadErr
	}
	data, ok := r.snaps[id]
	if !ok {
		return nil, domain.NewDomainError("test", domain.ErrNotFound, id)
	}
	return data, nil
}

func (r *recordingPersistence) persistContexts() []domain.PersistContext {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.PersistContext, len(r.contexts))
	copy(out, r.contexts)
	return out
}

// testHarness bundles the pieces most worker tests need.
type testHarness struct {
	bus *eventbus.Bus
	reg *registry.Local
}

func newHarness() *testHarness {
	return &testHarness{bus: eventbus.New(slog.Default()), reg: registry.NewLocal("test")}
}

func (h *testHarness) startWorker(t *testing.T, spec AgentSpec, opts WorkerOptions) *Worker {
	t.Helper()
	assembled, err := AssembleAgent(spec, slog.Default())
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	opts.Bus = h.bus
	opts.Registry = h.reg
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	w := NewWorker(assembled, opts)
	if err := w.Start(); err != nil {
		t.Fatalf("start worker: %v", err)
	}
	t.Cleanup(func() { _ = w.Stop(domain.ShutdownManual) })
	return w
}

// waitForStatus drains events until the wanted status appears, returning
// everything seen on the way (inclusive).
func waitForStatus(t *testing.T, ch <-chan domain.Event, want domain.Status) []domain.Event {
	t.Helper()
	var seen []domain.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case e := <-ch:
			seen = append(seen, e)
			if p, ok := e.Payload.(domain.StatusChangedPayload); ok && p.NewStatus == want {
				return seen
			}
		case <-timeout:
			t.Fatalf("timed out waiting for status %s (saw %d events)", want, len(seen))
		}
	}
}

func eventKinds(events []domain.Event) []domain.EventKind {
	kinds := make([]domain.EventKind, 0, len(events))
	for _, e := range events {
		kinds = append(kinds, e.Kind)
	}
	return kinds
}

func containsKind(events []domain.Event, kind domain.EventKind) bool {
	for _, e := range events {
		if e.Kind == kind {
			return true
		}
	}
	return false
}
