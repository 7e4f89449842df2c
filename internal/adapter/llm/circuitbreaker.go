package llm

import (
	"context"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"sagents/internal/domain"
)

// Default circuit breaker settings.
const (
	defaultCBMaxFailures uint32        = 5
	defaultCBTimeout     time.Duration = 30 * time.Second
	defaultCBInterval    time.Duration = 60 * time.Second
)

// CircuitBreakerConfig configures the circuit breaker behavior.
type CircuitBreakerConfig struct {
	// MaxFailures is the number of consecutive failures before the circuit opens.
	MaxFailures uint32 `yaml:"max_failures"`
	// Timeout is how long the circuit stays open before transitioning to half-open.
	Timeout time.Duration `yaml:"timeout"`
	// Interval is the cyclic period of the closed state for clearing failure counts.
	// If 0, the 60s default is used.
	Interval time.Duration `yaml:"interval"`
}

// CircuitBreaker wraps a ChatModel with circuit breaker protection. When
// the wrapped model fails repeatedly, the circuit opens and subsequent
// calls fail fast without reaching the provider, so the pipeline's
// fallback walk moves on immediately instead of feeding a retry storm.
type CircuitBreaker struct {
	inner   domain.ChatModel
	breaker *gobreaker.CircuitBreaker[*domain.ChatResponse]
	logger  *slog.Logger
}

// NewCircuitBreaker wraps inner with a circuit breaker.
// If cfg is zero-valued, sensible defaults are used.
func NewCircuitBreaker(inner domain.ChatModel, cfg CircuitBreakerConfig, logger *slog.Logger) *CircuitBreaker {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultCBMaxFailures
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultCBTimeout
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultCBInterval
	}

	name := inner.Name()
	cb := gobreaker.NewCircuitBreaker[*domain.ChatResponse](gobreaker.Settings{
		Name:        "chatmodel:" + name,
		MaxRequests: 1, // allow 1 probe in half-open state
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: func(err error) bool {
			return err == nil
		},
	})

	return &CircuitBreaker{inner: inner, breaker: cb, logger: logger}
}

func (p *CircuitBreaker) Name() string { return p.inner.Name() }

// Chat implements domain.ChatModel. Calls route through the breaker.
func (p *CircuitBreaker) Chat(ctx context.Context, req domain.ChatRequest, cb domain.ModelCallbacks) (*domain.ChatResponse, error) {
	return p.breaker.Execute(func() (*domain.ChatResponse, error) {
		return p.inner.Chat(ctx, req, cb)
	})
}

var _ domain.ChatModel = (*CircuitBreaker)(nil)
