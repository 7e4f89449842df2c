package llm

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sagents/internal/domain"
)

type alwaysFailing struct{ calls int }

func (m *alwaysFailing) Name() string { return "failing" }
func (m *alwaysFailing) Chat(context.Context, domain.ChatRequest, domain.ModelCallbacks) (*domain.ChatResponse, error) {
	m.calls++
	return nil, errors.New("provider error")
}

func TestCircuitOpensAfterConsecutiveFailures(t *testing.T) {
	inner := &alwaysFailing{}
	cb := NewCircuitBreaker(inner, CircuitBreakerConfig{MaxFailures: 3}, slog.Default())

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := cb.Chat(ctx, domain.ChatRequest{}, domain.ModelCallbacks{})
		require.Error(t, err)
	}
	assert.Equal(t, 3, inner.calls)

	// The circuit is open; calls fail fast without reaching the provider.
	_, err := cb.Chat(ctx, domain.ChatRequest{}, domain.ModelCallbacks{})
	require.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, 3, inner.calls)
}

func TestCircuitPassesThroughSuccess(t *testing.T) {
	inner := NewScripted("ok", Response{Message: domain.Message{Content: "fine"}})
	cb := NewCircuitBreaker(inner, CircuitBreakerConfig{}, slog.Default())

	resp, err := cb.Chat(context.Background(), domain.ChatRequest{}, domain.ModelCallbacks{})
	require.NoError(t, err)
	assert.Equal(t, "fine", resp.Message.Content)
	assert.Equal(t, "ok", cb.Name())
}
