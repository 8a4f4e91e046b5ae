package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"arbiter-ai/internal/domain"
	"arbiter-ai/internal/infra/config"
)

// Default circuit breaker settings: five consecutive failures open the
// circuit for a minute.
const (
	defaultCBMaxFailures uint32        = 5
	defaultCBTimeout     time.Duration = 60 * time.Second
	defaultCBInterval    time.Duration = 60 * time.Second
)

// CircuitBreakerClient wraps an InferenceClient with circuit breaker
// protection. While open, calls fail fast with domain.ErrCircuitOpen and the
// fallback chain drops to the next tier without waiting on the backend.
type CircuitBreakerClient struct {
	inner   domain.InferenceClient
	breaker *gobreaker.CircuitBreaker[*domain.CompletionResponse]
	logger  *slog.Logger
}

// NewCircuitBreakerClient wraps inner. Zero-valued settings take defaults.
func NewCircuitBreakerClient(inner domain.InferenceClient, cfg config.CircuitBreakerConfig, logger *slog.Logger) *CircuitBreakerClient {
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

	cb := gobreaker.NewCircuitBreaker[*domain.CompletionResponse](gobreaker.Settings{
		Name:        "llm:" + inner.Name(),
		MaxRequests: 1, // one probe while half-open
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
		// Caller cancellation says nothing about backend health.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	})

	return &CircuitBreakerClient{
		inner:   inner,
		breaker: cb,
		logger:  logger,
	}
}

// Complete implements domain.InferenceClient.
func (c *CircuitBreakerClient) Complete(ctx context.Context, req domain.CompletionRequest) (*domain.CompletionResponse, error) {
	resp, err := c.breaker.Execute(func() (*domain.CompletionResponse, error) {
		return c.inner.Complete(ctx, req)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("client %q: %w: %v", c.inner.Name(), domain.ErrCircuitOpen, err)
		}
		return nil, err
	}
	return resp, nil
}

// Name implements domain.InferenceClient.
func (c *CircuitBreakerClient) Name() string { return c.inner.Name() }

// IsHealthy is false while the circuit is open, otherwise it defers to the
// wrapped client when that client can probe its backend.
func (c *CircuitBreakerClient) IsHealthy(ctx context.Context) bool {
	if c.breaker.State() == gobreaker.StateOpen {
		return false
	}
	if hc, ok := c.inner.(domain.HealthChecker); ok {
		return hc.IsHealthy(ctx)
	}
	return true
}

// State returns the current breaker state for monitoring.
func (c *CircuitBreakerClient) State() gobreaker.State {
	return c.breaker.State()
}

// Counts returns the current breaker failure and success counts.
func (c *CircuitBreakerClient) Counts() gobreaker.Counts {
	return c.breaker.Counts()
}

var (
	_ domain.InferenceClient = (*CircuitBreakerClient)(nil)
	_ domain.HealthChecker   = (*CircuitBreakerClient)(nil)
)
