package domain

import (
	"encoding/json"
	"fmt"
)

// StateSchemaVersion is written into every serialized state document.
const StateSchemaVersion = 1

// TodoStatus values for todo items.
const (
	TodoPending    = "pending"
	TodoInProgress = "in_progress"
	TodoCompleted  = "completed"
)

// Todo is one item on the agent's task list.
type Todo struct {
	Content string `json:"content"`
	Status  string `json:"status"`
}

// State is the mutable runtime data of one agent. The owning worker is its
// sole mutator; everything handed out of the worker is a deep copy.
type State struct {
	AgentID   string           `json:"agent_id"`
	Messages  []Message        `json:"messages"`
	Todos     []Todo           `json:"todos,omitempty"`
	Metadata  map[string]any   `json:"metadata,omitempty"`
	Interrupt *InterruptRecord `json:"interrupt_data,omitempty"`
}

// NewState creates an empty state for the given agent.
func NewState(agentID string) *State {
	return &State{AgentID: agentID, Metadata: map[string]any{}}
}

// Clone returns a deep copy of the state.
func (s *State) Clone() *State {
	out := &State{AgentID: s.AgentID}
	if s.Messages != nil {
		out.Messages = make([]Message, len(s.Messages))
		for i, m := range s.Messages {
			out.Messages[i] = m.Clone()
		}
	}
	if s.Todos != nil {
		out.Todos = make([]Todo, len(s.Todos))
		copy(out.Todos, s.Todos)
	}
	if s.Metadata != nil {
		out.Metadata = make(map[string]any, len(s.Metadata))
		for k, v := range s.Metadata {
			out.Metadata[k] = v
		}
	}
	if s.Interrupt != nil {
		out.Interrupt = s.Interrupt.Clone()
	}
	return out
}

// LastMessage returns the newest message, or a zero Message if empty.
func (s *State) LastMessage() (Message, bool) {
	if len(s.Messages) == 0 {
		return Message{}, false
	}
	return s.Messages[len(s.Messages)-1], true
}

// Append adds messages to the history, assigning IDs where missing.
func (s *State) Append(msgs ...Message) {
	for _, m := range msgs {
		if m.ID == "" {
			m.ID = NewID()
		}
		s.Messages = append(s.Messages, m)
	}
}

// StateDelta is a partial state update a tool can return through its
// processed content. Merging is field-wise right-wins: messages append,
// todos replace when present, metadata keys overwrite.
type StateDelta struct {
	Messages []Message      `json:"messages,omitempty"`
	Todos    []Todo         `json:"todos,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

const processedKindStateDelta = "state_delta"

func (*StateDelta) processedKind() string { return processedKindStateDelta }

// Apply merges a delta into the state.
func (s *State) Apply(d *StateDelta) {
	if d == nil {
		return
	}
	s.Append(d.Messages...)
	if d.Todos != nil {
		s.Todos = make([]Todo, len(d.Todos))
		copy(s.Todos, d.Todos)
	}
	if d.Metadata != nil {
		if s.Metadata == nil {
			s.Metadata = map[string]any{}
		}
		for k, v := range d.Metadata {
			s.Metadata[k] = v
		}
	}
}

type serializedState struct {
	SchemaVersion int              `json:"schema_version"`
	AgentID       string           `json:"agent_id"`
	Messages      []Message        `json:"messages"`
	Todos         []Todo           `json:"todos"`
	Metadata      map[string]any   `json:"metadata"`
	Interrupt     *InterruptRecord `json:"interrupt_data,omitempty"`
}

// EncodeState serializes a state to its persistence document.
func EncodeState(s *State) ([]byte, error) {
	doc := serializedState{
		SchemaVersion: StateSchemaVersion,
		AgentID:       s.AgentID,
		Messages:      s.Messages,
		Todos:         s.Todos,
		Metadata:      s.Metadata,
		Interrupt:     s.Interrupt,
	}
	if doc.Messages == nil {
		doc.Messages = []Message{}
	}
	if doc.Todos == nil {
		doc.Todos = []Todo{}
	}
	if doc.Metadata == nil {
		doc.Metadata = map[string]any{}
	}
	return json.Marshal(doc)
}

// DecodeState restores a state from its persistence document.
func DecodeState(data []byte) (*State, error) {
	var doc serializedState
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	if doc.SchemaVersion > StateSchemaVersion {
		return nil, fmt.Errorf("decode state: %w: schema version %d", ErrSchemaVersion, doc.SchemaVersion)
	}
	return &State{
		AgentID:   doc.AgentID,
		Messages:  doc.Messages,
		Todos:     doc.Todos,
		Metadata:  doc.Metadata,
		Interrupt: doc.Interrupt,
	}, nil
}
