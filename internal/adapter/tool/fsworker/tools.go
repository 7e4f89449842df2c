package fsworker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"sagents/internal/domain"
)

var (
	readFileSchema = json.RawMessage(`{
		"type": "object",
		"properties": {"path": {"type": "string"}},
		"required": ["path"]
	}`)
	writeFileSchema = json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string"},
			"content": {"type": "string"}
		},
		"required": ["path", "content"]
	}`)
	listDirSchema = json.RawMessage(`{
		"type": "object",
		"properties": {"path": {"type": "string"}}
	}`)
)

type pathArgs struct {
	Path string `json:"path"`
}

type writeArgs struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// Tools returns the file tools bound to this worker's scope. write_file is
// the canonical candidate for a HITL policy.
func (w *Worker) Tools() []domain.Tool {
	return []domain.Tool{
		{
			Name:        "read_file",
			Description: "Read a file inside the agent's filesystem scope.",
			Schema:      readFileSchema,
			Handler: func(_ context.Context, args json.RawMessage, _ domain.ToolContext) (domain.ToolOutput, error) {
				var parsed pathArgs
				if err := json.Unmarshal(args, &parsed); err != nil {
					return domain.ToolOutput{}, fmt.Errorf("parse arguments: %w", err)
				}
				content, err := w.ReadFile(parsed.Path)
				if err != nil {
					return domain.ToolOutput{}, err
				}
				return domain.ToolOutput{Text: content}, nil
			},
		},
		{
			Name:        "write_file",
			Description: "Create or overwrite a file inside the agent's filesystem scope.",
			Schema:      writeFileSchema,
			Handler: func(_ context.Context, args json.RawMessage, _ domain.ToolContext) (domain.ToolOutput, error) {
				var parsed writeArgs
				if err := json.Unmarshal(args, &parsed); err != nil {
					return domain.ToolOutput{}, fmt.Errorf("parse arguments: %w", err)
				}
				if err := w.WriteFile(parsed.Path, parsed.Content); err != nil {
					return domain.ToolOutput{}, err
				}
				return domain.ToolOutput{Text: fmt.Sprintf("Wrote %d bytes to %s", len(parsed.Content), parsed.Path)}, nil
			},
		},
		{
			Name:        "list_dir",
			Description: "List a directory inside the agent's filesystem scope.",
			Schema:      listDirSchema,
			Handler: func(_ context.Context, args json.RawMessage, _ domain.ToolContext) (domain.ToolOutput, error) {
				var parsed pathArgs
				if len(args) > 0 {
					if err := json.Unmarshal(args, &parsed); err != nil {
						return domain.ToolOutput{}, fmt.Errorf("parse arguments: %w", err)
					}
				}
				names, err := w.ListDir(parsed.Path)
				if err != nil {
					return domain.ToolOutput{}, err
				}
				return domain.ToolOutput{Text: strings.Join(names, "\n")}, nil
			},
		},
	}
}
