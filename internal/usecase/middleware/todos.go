package middleware

import (
	"context"
	"encoding/json"
	"fmt"

	"sagents/internal/domain"
)

var todosToolSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"todos": {
			"type": "array",
			"items": {
				"type": "object",
				"properties": {
					"content": {"type": "string"},
					"status": {"type": "string", "enum": ["pending", "in_progress", "completed"]}
				},
				"required": ["content", "status"]
			}
		}
	},
	"required": ["todos"]
}`)

// Todos contributes the write_todos tool. The tool returns the new list as
// a state delta; the pipeline's propagate_state step merges it and
// publishes todos_updated.
type Todos struct {
	domain.BaseMiddleware
}

// NewTodos creates the todo middleware.
func NewTodos() *Todos { return &Todos{} }

func (t *Todos) Name() string { return "todos" }

func (t *Todos) SystemPrompt() string {
	return "Track multi-step work with the write_todos tool. Rewrite the full list on every update."
}

func (t *Todos) Tools() []domain.Tool {
	return []domain.Tool{{
		Name:        "write_todos",
		Description: "Replace the agent's todo list.",
		Schema:      todosToolSchema,
		Handler:     writeTodos,
	}}
}

type todosArgs struct {
	Todos []domain.Todo `json:"todos"`
}

func writeTodos(_ context.Context, args json.RawMessage, _ domain.ToolContext) (domain.ToolOutput, error) {
	var parsed todosArgs
	if err := json.Unmarshal(args, &parsed); err != nil {
		return domain.ToolOutput{}, fmt.Errorf("parse todos: %w", err)
	}
	if parsed.Todos == nil {
		parsed.Todos = []domain.Todo{}
	}
	return domain.ToolOutput{
		Text:      fmt.Sprintf("Todo list updated (%d items).", len(parsed.Todos)),
		Processed: &domain.StateDelta{Todos: parsed.Todos},
	}, nil
}
