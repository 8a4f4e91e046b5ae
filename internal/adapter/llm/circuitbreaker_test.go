package llm

import (
	"context"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arbiter-ai/internal/domain"
	"arbiter-ai/internal/infra/config"
)

func TestCircuitBreakerPassesThrough(t *testing.T) {
	inner := &mockClient{name: "test"}
	cb := NewCircuitBreakerClient(inner, config.CircuitBreakerConfig{}, newTestLogger())

	resp, err := cb.Complete(context.Background(), domain.CompletionRequest{})
	require.NoError(t, err)
	assert.Equal(t, "test", resp.Text)
	assert.Equal(t, "test", cb.Name())
}

func TestCircuitBreakerOpensAfterFailures(t *testing.T) {
	inner := failingClient("flaky", errBackend)
	cb := NewCircuitBreakerClient(inner, config.CircuitBreakerConfig{
		MaxFailures: 3,
		Timeout:     5 * time.Second,
		Interval:    60 * time.Second,
	}, newTestLogger())

	for i := 0; i < 3; i++ {
		_, err := cb.Complete(context.Background(), domain.CompletionRequest{})
		require.ErrorIs(t, err, errBackend)
	}
	assert.Equal(t, 3, inner.Calls())
	assert.Equal(t, gobreaker.StateOpen, cb.State())
	assert.False(t, cb.IsHealthy(context.Background()))

	// Fails fast without reaching the backend.
	_, err := cb.Complete(context.Background(), domain.CompletionRequest{})
	require.ErrorIs(t, err, domain.ErrCircuitOpen)
	assert.True(t, domain.IsTierFailure(err))
	assert.Equal(t, 3, inner.Calls(), "client should not be called when circuit is open")
}

func TestCircuitBreakerRecoversAfterTimeout(t *testing.T) {
	fail := true
	inner := &mockClient{name: "recovering"}
	inner.complete = func(context.Context, domain.CompletionRequest) (*domain.CompletionResponse, error) {
		if fail {
			return nil, errBackend
		}
		return &domain.CompletionResponse{Text: "ok"}, nil
	}
	cb := NewCircuitBreakerClient(inner, config.CircuitBreakerConfig{
		MaxFailures: 2,
		Timeout:     50 * time.Millisecond,
	}, newTestLogger())

	for i := 0; i < 2; i++ {
		_, _ = cb.Complete(context.Background(), domain.CompletionRequest{})
	}
	require.Equal(t, gobreaker.StateOpen, cb.State())

	fail = false
	time.Sleep(80 * time.Millisecond)

	resp, err := cb.Complete(context.Background(), domain.CompletionRequest{})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Text)
	assert.Equal(t, gobreaker.StateClosed, cb.State())
}

func TestCircuitBreakerIgnoresCancellation(t *testing.T) {
	inner := failingClient("cancelled", context.Canceled)
	cb := NewCircuitBreakerClient(inner, config.CircuitBreakerConfig{MaxFailures: 1}, newTestLogger())

	for i := 0; i < 3; i++ {
		_, err := cb.Complete(context.Background(), domain.CompletionRequest{})
		require.ErrorIs(t, err, context.Canceled)
	}
	assert.Equal(t, gobreaker.StateClosed, cb.State())
	assert.Equal(t, 3, inner.Calls())
}

func TestCircuitBreakerDefaults(t *testing.T) {
	inner := failingClient("defaults", errBackend)
	cb := NewCircuitBreakerClient(inner, config.CircuitBreakerConfig{}, newTestLogger())

	for i := 0; i < int(defaultCBMaxFailures)-1; i++ {
		_, _ = cb.Complete(context.Background(), domain.CompletionRequest{})
	}
	assert.Equal(t, gobreaker.StateClosed, cb.State())
	assert.Equal(t, uint32(defaultCBMaxFailures-1), cb.Counts().ConsecutiveFailures)

	_, _ = cb.Complete(context.Background(), domain.CompletionRequest{})
	assert.Equal(t, gobreaker.StateOpen, cb.State())
}
