package domain

import (
	"context"
	"time"
)

// CompletionRequest is one text-in, text-out inference call.
type CompletionRequest struct {
	Prompt      string  `json:"prompt"`
	BudgetMs    int64   `json:"budget_ms"`
	Model       string  `json:"model,omitempty"`
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
}

// Usage tracks token consumption for one call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// CompletionResponse is the raw text produced by the strategic model.
type CompletionResponse struct {
	Text      string        `json:"text"`
	Model     string        `json:"model,omitempty"`
	Usage     Usage         `json:"usage"`
	Latency   time.Duration `json:"latency"`
	CreatedAt time.Time     `json:"created_at"`
}

// InferenceClient is the strategic-model boundary: slow, fallible, and
// expected to honor ctx cancellation where the backend allows it.
type InferenceClient interface {
	// Complete sends a prompt and returns the full response text.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
	// Name returns the client's identifier (e.g., "ollama", "openai").
	Name() string
}

// HealthChecker is implemented by clients that can probe their backend.
type HealthChecker interface {
	IsHealthy(ctx context.Context) bool
}
