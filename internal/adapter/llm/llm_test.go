package llm

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"arbiter-ai/internal/domain"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// mockClient is a hand-written InferenceClient for wrapper tests.
type mockClient struct {
	name string

	mu       sync.Mutex
	calls    int
	complete func(ctx context.Context, req domain.CompletionRequest) (*domain.CompletionResponse, error)
}

func (m *mockClient) Name() string { return m.name }

func (m *mockClient) Complete(ctx context.Context, req domain.CompletionRequest) (*domain.CompletionResponse, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if m.complete == nil {
		return &domain.CompletionResponse{Text: m.name}, nil
	}
	return m.complete(ctx, req)
}

func (m *mockClient) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func failingClient(name string, err error) *mockClient {
	return &mockClient{
		name: name,
		complete: func(context.Context, domain.CompletionRequest) (*domain.CompletionResponse, error) {
			return nil, err
		},
	}
}

var errBackend = errors.New("backend down")
