package usecase

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/kaptinlin/jsonschema"

	"sagents/internal/domain"
)

// AgentSpec is the owner-supplied description of one agent, before
// assembly.
type AgentSpec struct {
	AgentID          string
	Name             string
	ChatModel        domain.ChatModel
	FallbackModels   []domain.ChatModel
	BaseSystemPrompt string
	Tools            []domain.Tool
	Middleware       []domain.MiddlewareEntry
	Mode             domain.PipelineMode
	MaxRuns          int
	BeforeFallback   domain.BeforeFallbackFunc
}

// ToolValidators holds compiled argument schemas for the assembled tool
// set, keyed by tool name. Tools without a schema have no entry.
type ToolValidators map[string]*jsonschema.Schema

// Assembled is the immutable result of agent assembly: the config plus the
// compiled tool validators.
type Assembled struct {
	Config     *domain.AgentConfig
	Validators ToolValidators
}

// AssembleAgent builds an AgentConfig from a spec: initializes middleware,
// concatenates the system prompt contributions, merges user and middleware
// tools, and compiles argument schemas. Configuration problems fail fast
// here, before any worker starts.
func AssembleAgent(spec AgentSpec, logger *slog.Logger) (*Assembled, error) {
	if spec.AgentID == "" {
		return nil, domain.NewDomainError("AssembleAgent", domain.ErrConfig, "agent_id is required")
	}
	if spec.ChatModel == nil {
		return nil, domain.NewDomainError("AssembleAgent", domain.ErrConfig, "chat_model is required")
	}

	seenEntries := make(map[string]bool, len(spec.Middleware))
	for _, e := range spec.Middleware {
		id := e.EntryID()
		if seenEntries[id] {
			return nil, domain.NewDomainError("AssembleAgent", domain.ErrConfig,
				fmt.Sprintf("duplicate middleware entry id %q", id))
		}
		seenEntries[id] = true
		if err := e.Middleware.Init(e.Config); err != nil {
			return nil, domain.NewDomainError("AssembleAgent",
				fmt.Errorf("%w: %s: %w", domain.ErrMiddlewareInit, id, err), "")
		}
	}

	prompt := strings.TrimSpace(spec.BaseSystemPrompt)
	var parts []string
	if prompt != "" {
		parts = append(parts, prompt)
	}
	for _, e := range spec.Middleware {
		if contribution := strings.TrimSpace(e.Middleware.SystemPrompt()); contribution != "" {
			parts = append(parts, contribution)
		}
	}
	assembledPrompt := strings.Join(parts, "\n\n")

	tools := make([]domain.Tool, 0, len(spec.Tools))
	tools = append(tools, spec.Tools...)
	for _, e := range spec.Middleware {
		tools = append(tools, e.Middleware.Tools()...)
	}

	validators := make(ToolValidators, len(tools))
	seenTools := make(map[string]bool, len(tools))
	compiler := jsonschema.NewCompiler()
	for _, t := range tools {
		if t.Name == "" {
			return nil, domain.NewDomainError("AssembleAgent", domain.ErrConfig, "tool with empty name")
		}
		if seenTools[t.Name] {
			return nil, domain.NewDomainError("AssembleAgent", domain.ErrDuplicateTool, t.Name)
		}
		seenTools[t.Name] = true
		if len(t.Schema) > 0 {
			schema, err := compiler.Compile(t.Schema)
			if err != nil {
				return nil, domain.NewDomainError("AssembleAgent", domain.ErrConfig,
					fmt.Sprintf("tool %q schema: %v", t.Name, err))
			}
			validators[t.Name] = schema
		}
	}

	mode := spec.Mode
	if mode == "" {
		mode = domain.ModeDefault
	}
	if mode == domain.ModeRaw {
		logger.Warn("agent assembled in raw mode; HITL and state propagation are not guaranteed",
			"agent_id", spec.AgentID)
	}

	cfg := &domain.AgentConfig{
		AgentID:               spec.AgentID,
		Name:                  spec.Name,
		ChatModel:             spec.ChatModel,
		FallbackModels:        spec.FallbackModels,
		BaseSystemPrompt:      spec.BaseSystemPrompt,
		Tools:                 spec.Tools,
		Middleware:            spec.Middleware,
		AssembledSystemPrompt: assembledPrompt,
		AllTools:              tools,
		Mode:                  mode,
		MaxRuns:               spec.MaxRuns,
		BeforeFallback:        spec.BeforeFallback,
	}
	return &Assembled{Config: cfg, Validators: validators}, nil
}
