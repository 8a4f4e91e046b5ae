package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"arbiter-ai/internal/domain"
	"arbiter-ai/internal/infra/config"
	"arbiter-ai/internal/infra/tracer"
)

// Compile-time interface assertions.
var (
	_ domain.InferenceClient = (*OllamaClient)(nil)
	_ domain.HealthChecker   = (*OllamaClient)(nil)
)

// Ollama defaults: short connect (local), long response (model loading).
const (
	ollamaDefaultBaseURL     = "http://localhost:11434"
	ollamaDefaultContextSize = 8192
	ollamaDefaultConnTimeout = 5 * time.Second
	ollamaDefaultRespTimeout = 300 * time.Second
)

// OllamaClient calls the native Ollama /api/generate endpoint with
// streaming disabled.
type OllamaClient struct {
	name        string
	model       string
	baseURL     string
	contextSize int
	client      *http.Client
	logger      *slog.Logger
}

// OllamaModel describes a locally available Ollama model.
type OllamaModel struct {
	Name       string    `json:"name"`
	ModifiedAt time.Time `json:"modified_at"`
	Size       int64     `json:"size"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict,omitempty"`
	NumCtx      int     `json:"num_ctx,omitempty"`
}

type ollamaGenerateRequest struct {
	Model     string        `json:"model"`
	Prompt    string        `json:"prompt"`
	Stream    bool          `json:"stream"`
	Format    string        `json:"format,omitempty"`
	KeepAlive string        `json:"keep_alive,omitempty"`
	Options   ollamaOptions `json:"options"`
}

type ollamaGenerateResponse struct {
	Model           string `json:"model"`
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
	Error           string `json:"error,omitempty"`
}

// NewOllamaClient creates an Ollama client from provider settings.
func NewOllamaClient(cfg config.ProviderConfig, logger *slog.Logger) *OllamaClient {
	ollamaCfg := cfg
	if ollamaCfg.ConnTimeout == 0 {
		ollamaCfg.ConnTimeout = ollamaDefaultConnTimeout
	}
	if ollamaCfg.RespTimeout == 0 {
		ollamaCfg.RespTimeout = ollamaDefaultRespTimeout
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = ollamaDefaultBaseURL
	}
	ctxSize := cfg.ContextSize
	if ctxSize <= 0 {
		ctxSize = ollamaDefaultContextSize
	}
	name := cfg.Name
	if name == "" {
		name = "ollama"
	}

	return &OllamaClient{
		name:        name,
		model:       cfg.Model,
		baseURL:     baseURL,
		contextSize: ctxSize,
		client:      NewHTTPClient(ollamaCfg),
		logger:      logger,
	}
}

// Name implements domain.InferenceClient.
func (c *OllamaClient) Name() string { return c.name }

// Complete implements domain.InferenceClient.
func (c *OllamaClient) Complete(ctx context.Context, req domain.CompletionRequest) (*domain.CompletionResponse, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}

	ctx, span := startCompletionSpan(ctx, c.name, model, req)
	defer span.End()
	ctx, cancel := budgetContext(ctx, req)
	defer cancel()

	body, err := json.Marshal(ollamaGenerateRequest{
		Model:  model,
		Prompt: req.Prompt,
		Stream: false,
		Options: ollamaOptions{
			Temperature: req.Temperature,
			NumPredict:  req.MaxTokens,
			NumCtx:      c.contextSize,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	start := time.Now()
	respBody, err := doJSONRequest(ctx, c.client, c.baseURL+"/api/generate", body, nil)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}

	var out ollamaGenerateResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		err = fmt.Errorf("%w: unmarshal ollama response: %v", domain.ErrProviderError, err)
		tracer.RecordError(span, err)
		return nil, err
	}
	if out.Error != "" {
		err := fmt.Errorf("%w: ollama: %s", domain.ErrProviderError, out.Error)
		tracer.RecordError(span, err)
		return nil, err
	}

	if out.Model == "" {
		out.Model = model
	}
	result := &domain.CompletionResponse{
		Text:  out.Response,
		Model: out.Model,
		Usage: domain.Usage{
			PromptTokens:     out.PromptEvalCount,
			CompletionTokens: out.EvalCount,
			TotalTokens:      out.PromptEvalCount + out.EvalCount,
		},
		Latency:   time.Since(start),
		CreatedAt: time.Now(),
	}
	finishCompletion(span, c.logger, c.name, result)
	return result, nil
}

// ListModels returns the locally available Ollama models.
func (c *OllamaClient) ListModels(ctx context.Context) ([]OllamaModel, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, mapTransportError(ctx, err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, mapHTTPError(httpResp.StatusCode, body)
	}

	var resp struct {
		Models []OllamaModel `json:"models"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return resp.Models, nil
}

// IsHealthy reports whether the server answers and has the configured model.
func (c *OllamaClient) IsHealthy(ctx context.Context) bool {
	models, err := c.ListModels(ctx)
	if err != nil {
		return false
	}
	if c.model == "" {
		return true
	}
	for _, m := range models {
		if m.Name == c.model || strings.TrimSuffix(m.Name, ":latest") == c.model {
			return true
		}
	}
	c.logger.Warn("ollama model not pulled", "model", c.model, "base_url", c.baseURL)
	return false
}

// Warmup loads the configured model so the first strategic request does
// not pay the load latency.
func (c *OllamaClient) Warmup(ctx context.Context) error {
	c.logger.Info("warming up ollama model", "model", c.model, "base_url", c.baseURL)

	body, err := json.Marshal(ollamaGenerateRequest{
		Model:     c.model,
		KeepAlive: "5m",
		Options:   ollamaOptions{NumPredict: 1},
	})
	if err != nil {
		return fmt.Errorf("marshal warmup: %w", err)
	}
	if _, err := doJSONRequest(ctx, c.client, c.baseURL+"/api/generate", body, nil); err != nil {
		return fmt.Errorf("warmup: %w", err)
	}

	c.logger.Info("ollama model warmed up", "model", c.model)
	return nil
}
