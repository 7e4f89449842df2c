package placement

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sagents/internal/domain"
	"sagents/internal/usecase"
	"sagents/internal/usecase/eventbus"
	"sagents/internal/usecase/registry"
)

type fixedModel struct{ reply string }

func (m fixedModel) Name() string { return "fixed" }
func (m fixedModel) Chat(context.Context, domain.ChatRequest, domain.ModelCallbacks) (*domain.ChatResponse, error) {
	return &domain.ChatResponse{
		Message: domain.Message{Role: domain.RoleAssistant, Content: m.reply},
	}, nil
}

func newTestManager() (*Manager, *registry.Local, *eventbus.Bus) {
	reg := registry.NewLocal("node1")
	bus := eventbus.New(slog.Default())
	return NewManager("node1", reg, bus, slog.Default()), reg, bus
}

func chatSpec(id string) usecase.AgentSpec {
	return usecase.AgentSpec{AgentID: id, ChatModel: fixedModel{reply: "ok"}}
}

func TestStartAgentRegistersWorkerAndSupervisors(t *testing.T) {
	m, reg, _ := newTestManager()
	defer m.Shutdown(false)

	handle, already, err := m.StartAgent(context.Background(), chatSpec("a1"), StartOptions{})
	require.NoError(t, err)
	assert.False(t, already)

	worker, ok := handle.(*usecase.Worker)
	require.True(t, ok)
	assert.Equal(t, "a1", worker.ID())

	for _, key := range []registry.Key{
		registry.AgentWorker("a1"),
		registry.AgentSupervisor("a1"),
		registry.SubAgentSupervisor("a1"),
	} {
		_, err := reg.Via(key)
		assert.NoError(t, err, key.String())
	}
}

func TestStartAgentIsIdempotent(t *testing.T) {
	m, _, _ := newTestManager()
	defer m.Shutdown(false)

	first, _, err := m.StartAgent(context.Background(), chatSpec("a1"), StartOptions{})
	require.NoError(t, err)

	second, already, err := m.StartAgent(context.Background(), chatSpec("a1"), StartOptions{})
	require.NoError(t, err)
	assert.True(t, already)
	assert.Same(t, first, second)
}

func TestStopAgentReleasesKeys(t *testing.T) {
	m, reg, bus := newTestManager()

	_, _, err := m.StartAgent(context.Background(), chatSpec("a1"), StartOptions{})
	require.NoError(t, err)

	events, unsub := bus.Subscribe(eventbus.MainTopic("a1"))
	defer unsub()

	require.NoError(t, m.StopAgent("a1", domain.ShutdownManual))

	select {
	case e := <-events:
		p, ok := e.Payload.(domain.ShutdownPayload)
		require.True(t, ok)
		assert.Equal(t, domain.ShutdownManual, p.Reason)
	case <-time.After(2 * time.Second):
		t.Fatal("no shutdown event")
	}

	require.Eventually(t, func() bool {
		_, err := reg.Via(registry.AgentWorker("a1"))
		return err != nil
	}, 2*time.Second, 10*time.Millisecond)

	assert.Error(t, m.StopAgent("a1", domain.ShutdownManual))
}

func TestListAndCountAgents(t *testing.T) {
	m, _, _ := newTestManager()
	defer m.Shutdown(false)

	ctx := context.Background()
	for _, id := range []string{"a1", "a2", "a3"} {
		_, _, err := m.StartAgent(ctx, chatSpec(id), StartOptions{})
		require.NoError(t, err)
	}

	ids := m.ListAgents()
	assert.ElementsMatch(t, []string{"a1", "a2", "a3"}, ids)
	assert.Equal(t, 3, m.CountAgents())
}

func TestAgentInfo(t *testing.T) {
	m, _, _ := newTestManager()
	defer m.Shutdown(false)

	_, _, err := m.StartAgent(context.Background(), chatSpec("a1"), StartOptions{})
	require.NoError(t, err)

	info, err := m.AgentInfo("a1")
	require.NoError(t, err)
	assert.Equal(t, "a1", info.ID)
	assert.Equal(t, domain.StatusIdle, info.Status)
	assert.False(t, info.HasInterrupt)

	_, err = m.AgentInfo("ghost")
	require.Error(t, err)
	assert.Equal(t, domain.CodeAgentNotFound, domain.ErrorCodeOf(err))
}

func TestClusteredShutdownBracketsTransfers(t *testing.T) {
	m, _, bus := newTestManager()

	_, _, err := m.StartAgent(context.Background(), chatSpec("a1"), StartOptions{})
	require.NoError(t, err)

	events, unsub := bus.Subscribe(eventbus.MainTopic("a1"))
	defer unsub()

	m.Shutdown(true)

	var kinds []domain.EventKind
	timeout := time.After(2 * time.Second)
	for len(kinds) < 3 {
		select {
		case e := <-events:
			kinds = append(kinds, e.Kind)
		case <-timeout:
			t.Fatalf("saw only %v", kinds)
		}
	}
	assert.Equal(t, domain.EventNodeTransferring, kinds[0])
	assert.Equal(t, domain.EventAgentShutdown, kinds[1])
	assert.Equal(t, domain.EventNodeTransferred, kinds[2])
}

func TestWorkerAccessor(t *testing.T) {
	m, _, _ := newTestManager()
	defer m.Shutdown(false)

	_, _, err := m.StartAgent(context.Background(), chatSpec("a1"), StartOptions{})
	require.NoError(t, err)

	w, err := m.Worker("a1")
	require.NoError(t, err)
	require.NoError(t, w.AddMessage(domain.UserMessage("hi")))

	require.Eventually(t, func() bool {
		info, err := m.AgentInfo("a1")
		return err == nil && info.Status == domain.StatusIdle && info.MessageCount == 2
	}, 5*time.Second, 20*time.Millisecond)
}
