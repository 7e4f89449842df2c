package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"sagents/internal/domain"
)

const titlePrompt = "Write a short title (at most six words) for the conversation below. Reply with the title only."

// TitleGenerator produces a conversation title in the background after the
// first exchange. It spawns its own task from after_model and receives the
// result through handle_message, so the worker stays responsive while the
// title model call is in flight.
type TitleGenerator struct {
	domain.BaseMiddleware
	model  domain.ChatModel
	logger *slog.Logger

	mu      sync.Mutex
	host    domain.MiddlewareHost
	entryID string
	spawned bool
}

// NewTitleGenerator titles conversations with the given model.
func NewTitleGenerator(model domain.ChatModel, logger *slog.Logger) *TitleGenerator {
	return &TitleGenerator{model: model, logger: logger}
}

func (t *TitleGenerator) Name() string { return "title_generator" }

func (t *TitleGenerator) Init(map[string]any) error {
	if t.model == nil {
		return fmt.Errorf("title_generator requires a model")
	}
	return nil
}

// BindHost implements domain.HostBinder.
func (t *TitleGenerator) BindHost(host domain.MiddlewareHost, entryID string) {
	t.mu.Lock()
	t.host = host
	t.entryID = entryID
	t.mu.Unlock()
}

// AfterModel spawns the title task once the first assistant reply exists.
func (t *TitleGenerator) AfterModel(_ context.Context, state *domain.State) (*domain.Interrupt, error) {
	t.mu.Lock()
	host, entryID := t.host, t.entryID
	done := t.spawned
	if _, titled := state.Metadata[domain.MetadataTitleKey]; titled || done || host == nil || len(state.Messages) < 2 {
		t.mu.Unlock()
		return nil, nil
	}
	t.spawned = true
	t.mu.Unlock()

	opening := conversationOpening(state)
	go func() {
		resp, err := t.model.Chat(context.Background(), domain.ChatRequest{
			SystemPrompt: titlePrompt,
			Messages:     []domain.Message{domain.UserMessage(opening)},
		}, domain.ModelCallbacks{})
		if err != nil {
			t.logger.Warn("title generation failed", "error", err)
			return
		}
		title := strings.TrimSpace(resp.Message.Content)
		if title == "" {
			return
		}
		if err := host.SendMiddlewareMessage(entryID, domain.TitleGenerated{Title: title}); err != nil {
			t.logger.Warn("title delivery failed", "error", err)
		}
	}()
	return nil, nil
}

// HandleMessage stores the generated title in metadata.
func (t *TitleGenerator) HandleMessage(_ context.Context, msg any, state *domain.State) error {
	generated, ok := msg.(domain.TitleGenerated)
	if !ok {
		return nil
	}
	if state.Metadata == nil {
		state.Metadata = map[string]any{}
	}
	state.Metadata[domain.MetadataTitleKey] = generated.Title
	return nil
}

func conversationOpening(state *domain.State) string {
	var b strings.Builder
	for i, m := range state.Messages {
		if i >= 4 {
			break
		}
		if m.Content == "" {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
	}
	return b.String()
}
