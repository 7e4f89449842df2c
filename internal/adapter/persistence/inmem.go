// Package persistence provides reference implementations of the agent and
// display persistence contracts: an in-memory store for tests and a
// SQLite-backed store.
package persistence

import (
	"context"
	"sync"

	"sagents/internal/domain"
)

// InMem keeps snapshots and display history in process memory.
type InMem struct {
	mu       sync.Mutex
	states   map[string][]byte
	display  map[string][]domain.DisplayItem
	statuses map[string]domain.ToolPhase
}

// NewInMem creates an empty in-memory store.
func NewInMem() *InMem {
	return &InMem{
		states:   make(map[string][]byte),
		display:  make(map[string][]domain.DisplayItem),
		statuses: make(map[string]domain.ToolPhase),
	}
}

// Persist implements domain.AgentPersistence.
func (s *InMem) Persist(_ context.Context, agentID string, serialized []byte, _ domain.PersistContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[agentID] = append([]byte(nil), serialized...)
	return nil
}

// Load implements domain.AgentPersistence.
func (s *InMem) Load(_ context.Context, agentID string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.states[agentID]
	if !ok {
		return nil, domain.NewDomainError("InMem.Load", domain.ErrNotFound, agentID)
	}
	return append([]byte(nil), data...), nil
}

// SaveMessage implements domain.DisplayMessagePersistence.
func (s *InMem) SaveMessage(_ context.Context, conversationID string, msg domain.Message) ([]domain.DisplayItem, error) {
	items := domain.DisplayItems(msg)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.display[conversationID] = append(s.display[conversationID], items...)
	return items, nil
}

// UpdateToolStatus implements domain.DisplayMessagePersistence.
func (s *InMem) UpdateToolStatus(_ context.Context, phase domain.ToolPhase, info domain.ToolInfo) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[info.CallID] = phase
	updated := 0
	for id, items := range s.display {
		for i := range items {
			if items[i].ToolCall != nil && items[i].ToolCall.ID == info.CallID {
				items[i].ToolStatus = string(phase)
				updated++
			}
		}
		s.display[id] = items
	}
	if updated == 0 {
		return 0, domain.NewDomainError("InMem.UpdateToolStatus", domain.ErrNotFound, info.CallID)
	}
	return updated, nil
}

// Display returns the saved display history for a conversation.
func (s *InMem) Display(conversationID string) []domain.DisplayItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := s.display[conversationID]
	out := make([]domain.DisplayItem, len(items))
	copy(out, items)
	return out
}

// ToolStatus returns the last recorded phase for a call.
func (s *InMem) ToolStatus(callID string) (domain.ToolPhase, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	phase, ok := s.statuses[callID]
	return phase, ok
}

var (
	_ domain.AgentPersistence          = (*InMem)(nil)
	_ domain.DisplayMessagePersistence = (*InMem)(nil)
)
