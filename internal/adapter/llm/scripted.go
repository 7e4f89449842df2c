// Package llm contains ChatModel adapters: a deterministic scripted model
// for tests and demos, plus circuit-breaker and rate-limit wrappers that
// compose with the pipeline's fallback walk.
package llm

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"sagents/internal/domain"
)

// Response configures one model turn in a scripted sequence.
type Response struct {
	Message domain.Message
	Usage   domain.Usage
	Err     error
}

// Scripted is a deterministic ChatModel for runtime tests. Each call
// consumes the next scripted response, streaming its content as deltas and
// announcing tool calls through the callbacks first.
type Scripted struct {
	name string

	mu        sync.Mutex
	index     int
	responses []Response
	requests  []domain.ChatRequest
}

// NewScripted creates a scripted model.
func NewScripted(name string, responses ...Response) *Scripted {
	cloned := make([]Response, len(responses))
	copy(cloned, responses)
	return &Scripted{name: name, responses: cloned}
}

func (m *Scripted) Name() string { return m.name }

// Chat implements domain.ChatModel.
func (m *Scripted) Chat(_ context.Context, req domain.ChatRequest, cb domain.ModelCallbacks) (*domain.ChatResponse, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	if m.index >= len(m.responses) {
		step := m.index + 1
		m.mu.Unlock()
		return nil, fmt.Errorf("script exhausted at step %d", step)
	}
	current := m.responses[m.index]
	m.index++
	m.mu.Unlock()

	if current.Err != nil {
		return nil, current.Err
	}

	msg := current.Message.Clone()
	if msg.Role == "" {
		msg.Role = domain.RoleAssistant
	}

	if cb.OnDeltas != nil && msg.Content != "" {
		for _, word := range strings.SplitAfter(msg.Content, " ") {
			cb.OnDeltas([]domain.Delta{{Type: "text", Text: word}})
		}
	}
	if cb.OnToolCallIdentified != nil {
		for _, call := range msg.ToolCalls {
			cb.OnToolCallIdentified(call)
		}
	}
	if cb.OnUsage != nil {
		cb.OnUsage(current.Usage)
	}

	return &domain.ChatResponse{Message: msg, Usage: current.Usage}, nil
}

// Requests returns every request the model has seen, for assertions.
func (m *Scripted) Requests() []domain.ChatRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.ChatRequest, len(m.requests))
	copy(out, m.requests)
	return out
}

// Calls returns how many times the model was invoked.
func (m *Scripted) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

var _ domain.ChatModel = (*Scripted)(nil)
