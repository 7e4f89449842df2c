package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"sagents/internal/domain"
)

const (
	defaultSummarizeThreshold = 60000
	defaultKeepRecent         = 10
	summaryEncoding           = "cl100k_base"
)

// Summarization compacts older conversation history into a single summary
// message when the estimated token count crosses the threshold. Display
// history is append-only and never touched by compaction.
type Summarization struct {
	domain.BaseMiddleware
	model      domain.ChatModel
	threshold  int
	keepRecent int
	logger     *slog.Logger

	once     sync.Once
	encoding *tiktoken.Tiktoken
}

// NewSummarization compacts with the given summarizer model. threshold and
// keepRecent of 0 take the defaults.
func NewSummarization(model domain.ChatModel, threshold, keepRecent int, logger *slog.Logger) *Summarization {
	if threshold <= 0 {
		threshold = defaultSummarizeThreshold
	}
	if keepRecent <= 0 {
		keepRecent = defaultKeepRecent
	}
	return &Summarization{model: model, threshold: threshold, keepRecent: keepRecent, logger: logger}
}

func (s *Summarization) Name() string { return "summarization" }

func (s *Summarization) Init(map[string]any) error {
	if s.model == nil {
		return fmt.Errorf("summarization requires a summarizer model")
	}
	return nil
}

// BeforeModel rewrites the message history in place when it has grown past
// the threshold. A failed summarizer call is logged and skipped; the run
// proceeds with the full history.
func (s *Summarization) BeforeModel(ctx context.Context, state *domain.State) error {
	if s.countTokens(state.Messages) < s.threshold {
		return nil
	}
	if len(state.Messages) <= s.keepRecent+1 {
		return nil
	}

	cut := len(state.Messages) - s.keepRecent
	// Never split a tool exchange: back up past leading tool results.
	for cut > 0 && state.Messages[cut].Role == domain.RoleTool {
		cut--
	}
	if cut <= 0 {
		return nil
	}
	head := state.Messages[:cut]

	summary, err := s.summarize(ctx, head)
	if err != nil {
		s.logger.Warn("summarization failed, keeping full history", "error", err)
		return nil
	}

	compacted := make([]domain.Message, 0, 1+len(state.Messages)-cut)
	compacted = append(compacted, domain.SystemMessage("Summary of the earlier conversation:\n"+summary))
	compacted = append(compacted, state.Messages[cut:]...)
	s.logger.Debug("conversation compacted",
		"dropped_messages", cut, "kept_messages", len(compacted))
	state.Messages = compacted
	return nil
}

func (s *Summarization) summarize(ctx context.Context, msgs []domain.Message) (string, error) {
	var b strings.Builder
	for _, m := range msgs {
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
	}
	resp, err := s.model.Chat(ctx, domain.ChatRequest{
		SystemPrompt: "Summarize the conversation below, preserving decisions, open tasks, and key facts. Be concise.",
		Messages:     []domain.Message{domain.UserMessage(b.String())},
	}, domain.ModelCallbacks{})
	if err != nil {
		return "", err
	}
	return resp.Message.Content, nil
}

// countTokens estimates the token footprint of the history. Falls back to
// a bytes/4 heuristic when the encoding is unavailable (offline).
func (s *Summarization) countTokens(msgs []domain.Message) int {
	s.once.Do(func() {
		enc, err := tiktoken.GetEncoding(summaryEncoding)
		if err != nil {
			s.logger.Warn("tiktoken encoding unavailable, using byte estimate", "error", err)
			return
		}
		s.encoding = enc
	})

	total := 0
	for _, m := range msgs {
		text := m.Content + m.Thinking
		for _, r := range m.ToolResults {
			text += r.Content
		}
		if s.encoding != nil {
			total += len(s.encoding.Encode(text, nil, nil))
		} else {
			total += len(text) / 4
		}
	}
	return total
}
