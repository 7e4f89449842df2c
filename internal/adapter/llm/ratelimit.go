package llm

import (
	"context"

	"golang.org/x/time/rate"

	"sagents/internal/domain"
)

// RateLimited wraps a ChatModel with a token-bucket limiter so that many
// concurrent agents cannot exceed a provider's request budget.
type RateLimited struct {
	inner   domain.ChatModel
	limiter *rate.Limiter
}

// NewRateLimited allows rps requests per second with the given burst.
func NewRateLimited(inner domain.ChatModel, rps float64, burst int) *RateLimited {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimited{inner: inner, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

func (p *RateLimited) Name() string { return p.inner.Name() }

// Chat implements domain.ChatModel. Blocks until the limiter grants a slot
// or ctx is done.
func (p *RateLimited) Chat(ctx context.Context, req domain.ChatRequest, cb domain.ModelCallbacks) (*domain.ChatResponse, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return p.inner.Chat(ctx, req, cb)
}

var _ domain.ChatModel = (*RateLimited)(nil)
