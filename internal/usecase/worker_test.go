package usecase

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sagents/internal/domain"
	"sagents/internal/usecase/middleware"
	"sagents/internal/usecase/registry"
)

func TestTwoTurnChat(t *testing.T) {
	h := newHarness()
	model := newScriptedModel(assistantText("hello"))
	w := h.startWorker(t, AgentSpec{AgentID: "a1", ChatModel: model}, WorkerOptions{})

	events, unsub := w.Subscribe()
	defer unsub()

	require.NoError(t, w.AddMessage(domain.UserMessage("hi")))

	seen := waitForStatus(t, events, domain.StatusIdle)
	var statuses []domain.Status
	var sawMessage bool
	for _, e := range seen {
		switch p := e.Payload.(type) {
		case domain.StatusChangedPayload:
			statuses = append(statuses, p.NewStatus)
		case domain.LLMMessagePayload:
			if p.Message.Content == "hello" {
				sawMessage = true
			}
		}
	}
	assert.Equal(t, []domain.Status{domain.StatusRunning, domain.StatusIdle}, statuses)
	assert.True(t, sawMessage)

	state, err := w.GetState()
	require.NoError(t, err)
	require.Len(t, state.Messages, 2)
	assert.Equal(t, domain.RoleAssistant, state.Messages[1].Role)
}

// hitlMiddleware is a minimal pre-tool policy for worker tests; the full
// middleware lives in usecase/middleware.
type hitlMiddleware struct {
	domain.BaseMiddleware
	gated map[string]bool
}

func (m *hitlMiddleware) Name() string { return "hitl" }
func (m *hitlMiddleware) PendingInterrupt(msg domain.Message) *domain.Interrupt {
	var requests []domain.ActionRequest
	for _, call := range msg.ToolCalls {
		if !m.gated[call.Name] {
			continue
		}
		requests = append(requests, domain.ActionRequest{
			ToolCallID:       call.ID,
			ToolName:         call.Name,
			Arguments:        call.Arguments,
			AllowedDecisions: []domain.DecisionKind{domain.DecisionApprove, domain.DecisionEdit, domain.DecisionReject},
		})
	}
	if len(requests) == 0 {
		return nil
	}
	return &domain.Interrupt{Kind: domain.InterruptKindHITL, ActionRequests: requests}
}

func TestSingleHITLInterruptAndResume(t *testing.T) {
	h := newHarness()
	model := newScriptedModel(
		assistantToolCalls(domain.ToolCall{
			ID: "c1", Name: "write_file",
			Arguments: json.RawMessage(`{"path":"hello.txt","content":"hi"}`),
		}),
		assistantText("done."),
	)
	var executed bool
	writeFile := domain.Tool{
		Name: "write_file",
		Handler: func(context.Context, json.RawMessage, domain.ToolContext) (domain.ToolOutput, error) {
			executed = true
			return domain.ToolOutput{Text: "wrote hello.txt"}, nil
		},
	}
	w := h.startWorker(t, AgentSpec{
		AgentID:    "a1",
		ChatModel:  model,
		Tools:      []domain.Tool{writeFile},
		Middleware: []domain.MiddlewareEntry{{Middleware: &hitlMiddleware{gated: map[string]bool{"write_file": true}}}},
	}, WorkerOptions{})

	events, unsub := w.Subscribe()
	defer unsub()

	require.NoError(t, w.AddMessage(domain.UserMessage("write hello.txt")))
	waitForStatus(t, events, domain.StatusInterrupted)
	assert.False(t, executed, "gated tool must not run before approval")

	state, err := w.GetState()
	require.NoError(t, err)
	require.NotNil(t, state.Interrupt)
	require.Len(t, state.Interrupt.Current.ActionRequests, 1)
	assert.Equal(t, "write_file", state.Interrupt.Current.ActionRequests[0].ToolName)

	require.NoError(t, w.Resume([]domain.Decision{{Kind: domain.DecisionApprove}}))
	seen := waitForStatus(t, events, domain.StatusIdle)

	var phases []domain.ToolPhase
	var finalMessage bool
	for _, e := range seen {
		switch p := e.Payload.(type) {
		case domain.ToolExecutionPayload:
			phases = append(phases, p.Phase)
		case domain.LLMMessagePayload:
			if p.Message.Content == "done." {
				finalMessage = true
			}
		}
	}
	assert.True(t, executed)
	assert.Equal(t, []domain.ToolPhase{domain.ToolExecuting, domain.ToolCompleted}, phases)
	assert.True(t, finalMessage)

	state, err = w.GetState()
	require.NoError(t, err)
	assert.Len(t, state.Messages, 4)
	assert.Nil(t, state.Interrupt)
}

func TestResumeRejectSynthesizesResult(t *testing.T) {
	h := newHarness()
	model := newScriptedModel(
		assistantToolCalls(domain.ToolCall{ID: "c1", Name: "write_file"}),
		assistantText("understood."),
	)
	var executed bool
	writeFile := domain.Tool{
		Name: "write_file",
		Handler: func(context.Context, json.RawMessage, domain.ToolContext) (domain.ToolOutput, error) {
			executed = true
			return domain.ToolOutput{Text: "wrote"}, nil
		},
	}
	w := h.startWorker(t, AgentSpec{
		AgentID:    "a1",
		ChatModel:  model,
		Tools:      []domain.Tool{writeFile},
		Middleware: []domain.MiddlewareEntry{{Middleware: &hitlMiddleware{gated: map[string]bool{"write_file": true}}}},
	}, WorkerOptions{})

	events, unsub := w.Subscribe()
	defer unsub()
	require.NoError(t, w.AddMessage(domain.UserMessage("write it")))
	waitForStatus(t, events, domain.StatusInterrupted)

	require.NoError(t, w.Resume([]domain.Decision{{Kind: domain.DecisionReject, Note: "not today"}}))
	waitForStatus(t, events, domain.StatusIdle)

	assert.False(t, executed)
	state, err := w.GetState()
	require.NoError(t, err)
	toolMsg := state.Messages[2]
	require.Len(t, toolMsg.ToolResults, 1)
	assert.Contains(t, toolMsg.ToolResults[0].Content, "rejected")
	assert.Contains(t, toolMsg.ToolResults[0].Content, "not today")
}

func TestResumeOnlyValidWhenInterrupted(t *testing.T) {
	h := newHarness()
	w := h.startWorker(t, AgentSpec{AgentID: "a1", ChatModel: newScriptedModel()}, WorkerOptions{})

	err := w.Resume([]domain.Decision{{Kind: domain.DecisionApprove}})
	require.Error(t, err)
	assert.Equal(t, domain.CodeNotInterrupted, domain.ErrorCodeOf(err))
}

func TestCancelDiscardsRunResults(t *testing.T) {
	h := newHarness()
	started := make(chan struct{})
	blocking := domain.Tool{
		Name: "slow",
		Handler: func(ctx context.Context, _ json.RawMessage, _ domain.ToolContext) (domain.ToolOutput, error) {
			close(started)
			<-ctx.Done()
			return domain.ToolOutput{}, ctx.Err()
		},
	}
	model := newScriptedModel(
		assistantToolCalls(domain.ToolCall{ID: "c1", Name: "slow"}),
		assistantText("never reached"),
	)
	w := h.startWorker(t, AgentSpec{AgentID: "a1", ChatModel: model, Tools: []domain.Tool{blocking}}, WorkerOptions{})

	events, unsub := w.Subscribe()
	defer unsub()

	require.NoError(t, w.AddMessage(domain.UserMessage("take your time")))
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("tool never started")
	}

	require.NoError(t, w.Cancel())
	seen := waitForStatus(t, events, domain.StatusIdle)

	var statuses []domain.Status
	for _, e := range seen {
		if p, ok := e.Payload.(domain.StatusChangedPayload); ok {
			statuses = append(statuses, p.NewStatus)
		}
	}
	assert.Contains(t, statuses, domain.StatusCancelled)

	state, err := w.GetState()
	require.NoError(t, err)
	assert.Len(t, state.Messages, 1, "partial run results must be discarded")
}

func TestCancelOnlyValidWhileRunning(t *testing.T) {
	h := newHarness()
	w := h.startWorker(t, AgentSpec{AgentID: "a1", ChatModel: newScriptedModel()}, WorkerOptions{})

	err := w.Cancel()
	require.Error(t, err)
	assert.Equal(t, domain.CodeNotRunning, domain.ErrorCodeOf(err))
}

func TestLLMErrorTransitionsToError(t *testing.T) {
	h := newHarness()
	model := newScriptedModel()
	model.errs = []error{assertableErr("provider down")}
	persistence := newRecordingPersistence()
	w := h.startWorker(t, AgentSpec{AgentID: "a1", ChatModel: model},
		WorkerOptions{Persistence: persistence})

	events, unsub := w.Subscribe()
	defer unsub()

	require.NoError(t, w.AddMessage(domain.UserMessage("hi")))
	waitForStatus(t, events, domain.StatusError)

	require.Eventually(t, func() bool {
		for _, pctx := range persistence.persistContexts() {
			if pctx == domain.PersistOnError {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

type assertableErr string

func (e assertableErr) Error() string { return string(e) }

func TestPersistOnCompletionAndRestore(t *testing.T) {
	h := newHarness()
	persistence := newRecordingPersistence()
	model := newScriptedModel(assistantText("hello"))
	w := h.startWorker(t, AgentSpec{AgentID: "a1", ChatModel: model},
		WorkerOptions{Persistence: persistence})

	events, unsub := w.Subscribe()
	defer unsub()
	require.NoError(t, w.AddMessage(domain.UserMessage("hi")))
	waitForStatus(t, events, domain.StatusIdle)
	unsub()

	require.NoError(t, w.Stop(domain.ShutdownManual))
	contexts := persistence.persistContexts()
	assert.Contains(t, contexts, domain.PersistOnCompletion)
	assert.Contains(t, contexts, domain.PersistOnShutdown)

	// A fresh worker restores the snapshot.
	h2 := newHarness()
	w2 := h2.startWorker(t, AgentSpec{AgentID: "a1", ChatModel: newScriptedModel()},
		WorkerOptions{Persistence: persistence})
	state, err := w2.GetState()
	require.NoError(t, err)
	require.Len(t, state.Messages, 2)
	assert.Equal(t, "hello", state.Messages[1].Content)
}

type recordingMiddleware struct {
	domain.BaseMiddleware
	mu       sync.Mutex
	messages []any
}

func (m *recordingMiddleware) Name() string { return "recorder" }
func (m *recordingMiddleware) HandleMessage(_ context.Context, msg any, _ *domain.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, msg)
	return nil
}
func (m *recordingMiddleware) received() []any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]any(nil), m.messages...)
}

func TestSendMiddlewareMessageRoutesByID(t *testing.T) {
	h := newHarness()
	recorder := &recordingMiddleware{}
	w := h.startWorker(t, AgentSpec{
		AgentID:    "a1",
		ChatModel:  newScriptedModel(),
		Middleware: []domain.MiddlewareEntry{{ID: "my-recorder", Middleware: recorder}},
	}, WorkerOptions{})

	require.NoError(t, w.SendMiddlewareMessage("my-recorder", "task finished"))
	require.Len(t, recorder.received(), 1)
	assert.Equal(t, "task finished", recorder.received()[0])

	// Unknown ids are logged and dropped, not errors.
	require.NoError(t, w.SendMiddlewareMessage("nobody-home", "lost"))
	assert.Len(t, recorder.received(), 1)
}

func TestUpdateAgentAndState(t *testing.T) {
	h := newHarness()
	w := h.startWorker(t, AgentSpec{AgentID: "a1", ChatModel: newScriptedModel()}, WorkerOptions{})

	newAssembled, err := AssembleAgent(AgentSpec{AgentID: "a1", ChatModel: newScriptedModel(assistantText("v2"))}, slog.Default())
	require.NoError(t, err)
	newState := domain.NewState("a1")
	newState.Append(domain.UserMessage("carried over"))

	require.NoError(t, w.UpdateAgentAndState(newAssembled, newState))
	state, err := w.GetState()
	require.NoError(t, err)
	require.Len(t, state.Messages, 1)
	assert.Equal(t, "carried over", state.Messages[0].Content)
}

func TestInactivityShutdown(t *testing.T) {
	h := newHarness()
	w := h.startWorker(t, AgentSpec{AgentID: "a1", ChatModel: newScriptedModel()},
		WorkerOptions{InactivityTimeout: 50 * time.Millisecond})

	events, unsub := w.Subscribe()
	defer unsub()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case e := <-events:
			if p, ok := e.Payload.(domain.ShutdownPayload); ok {
				assert.Equal(t, domain.ShutdownInactivity, p.Reason)
				// The registry key is released on shutdown.
				_, err := h.reg.Via(registry.AgentWorker("a1"))
				require.Error(t, err)
				return
			}
		case <-deadline:
			t.Fatal("no inactivity shutdown")
		}
	}
}

func TestPresenceShutdownAfterGrace(t *testing.T) {
	h := newHarness()
	viewers := make(chan int, 1)
	w := h.startWorker(t, AgentSpec{AgentID: "a1", ChatModel: newScriptedModel()},
		WorkerOptions{
			InactivityTimeout: -1,
			Presence:          &PresenceOptions{Viewers: viewers, Grace: 30 * time.Millisecond},
		})

	events, unsub := w.Subscribe()
	defer unsub()

	viewers <- 0
	deadline := time.After(5 * time.Second)
	for {
		select {
		case e := <-events:
			if p, ok := e.Payload.(domain.ShutdownPayload); ok {
				assert.Equal(t, domain.ShutdownNoViewers, p.Reason)
				return
			}
		case <-deadline:
			t.Fatal("no presence shutdown")
		}
	}
}

func TestPresenceReturnCancelsGrace(t *testing.T) {
	h := newHarness()
	viewers := make(chan int, 2)
	w := h.startWorker(t, AgentSpec{AgentID: "a1", ChatModel: newScriptedModel()},
		WorkerOptions{
			InactivityTimeout: -1,
			Presence:          &PresenceOptions{Viewers: viewers, Grace: 100 * time.Millisecond},
		})

	viewers <- 0
	time.Sleep(20 * time.Millisecond)
	viewers <- 2
	time.Sleep(200 * time.Millisecond)

	info, err := w.Info()
	require.NoError(t, err)
	assert.Equal(t, domain.StatusIdle, info.Status)
}

func TestExportState(t *testing.T) {
	h := newHarness()
	w := h.startWorker(t, AgentSpec{AgentID: "a1", ChatModel: newScriptedModel()}, WorkerOptions{})
	require.NoError(t, w.AddMessage(domain.UserMessage("hi")))

	// The add also schedules a run that will fail (empty script); wait for
	// it to settle before exporting.
	require.Eventually(t, func() bool {
		info, err := w.Info()
		return err == nil && info.Status != domain.StatusRunning
	}, 2*time.Second, 10*time.Millisecond)

	data, err := w.ExportState()
	require.NoError(t, err)

	restored, err := domain.DecodeState(data)
	require.NoError(t, err)
	assert.Equal(t, "a1", restored.AgentID)
	require.NotEmpty(t, restored.Messages)
	assert.Equal(t, "hi", restored.Messages[0].Content)
}

func TestTitleGenerationPersistsWithTitleContext(t *testing.T) {
	h := newHarness()
	persistence := newRecordingPersistence()
	titler := newScriptedModel(assistantText("Greeting Chat"))
	w := h.startWorker(t, AgentSpec{
		AgentID:    "a1",
		ChatModel:  newScriptedModel(assistantText("hello")),
		Middleware: []domain.MiddlewareEntry{{Middleware: middleware.NewTitleGenerator(titler, slog.Default())}},
	}, WorkerOptions{Persistence: persistence})

	require.NoError(t, w.AddMessage(domain.UserMessage("hi")))

	require.Eventually(t, func() bool {
		state, err := w.GetState()
		if err != nil {
			return false
		}
		title, _ := state.Metadata[domain.MetadataTitleKey].(string)
		return title == "Greeting Chat"
	}, 5*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		for _, pctx := range persistence.persistContexts() {
			if pctx == domain.PersistOnTitleGenerated {
				return true
			}
		}
		return false
	}, 2*time.Second, 20*time.Millisecond)
}

func TestInfoSnapshot(t *testing.T) {
	h := newHarness()
	w := h.startWorker(t, AgentSpec{AgentID: "a1", ChatModel: newScriptedModel()}, WorkerOptions{})

	info, err := w.Info()
	require.NoError(t, err)
	assert.Equal(t, "a1", info.ID)
	assert.Equal(t, domain.StatusIdle, info.Status)
	assert.Zero(t, info.MessageCount)
	assert.False(t, info.HasInterrupt)
}
