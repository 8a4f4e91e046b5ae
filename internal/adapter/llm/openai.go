package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sashabaranov/go-openai"

	"arbiter-ai/internal/domain"
	"arbiter-ai/internal/infra/config"
	"arbiter-ai/internal/infra/tracer"
)

var _ domain.InferenceClient = (*OpenAIClient)(nil)

const openaiDefaultModel = "gpt-4o-mini"

// chatCompleter is the subset of *openai.Client used here.
type chatCompleter interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// OpenAIClient talks to any OpenAI-compatible chat completions endpoint.
// The prompt is sent as a single user message.
type OpenAIClient struct {
	name   string
	model  string
	api    chatCompleter
	logger *slog.Logger
}

// NewOpenAIClient creates a client; cfg.BaseURL overrides the public API
// host for compatible servers (vLLM, LM Studio, llama.cpp).
func NewOpenAIClient(cfg config.ProviderConfig, logger *slog.Logger) *OpenAIClient {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	oc.HTTPClient = NewHTTPClient(cfg)

	model := cfg.Model
	if model == "" {
		model = openaiDefaultModel
	}
	name := cfg.Name
	if name == "" {
		name = "openai"
	}
	return &OpenAIClient{
		name:   name,
		model:  model,
		api:    openai.NewClientWithConfig(oc),
		logger: logger,
	}
}

// Name implements domain.InferenceClient.
func (c *OpenAIClient) Name() string { return c.name }

// Complete implements domain.InferenceClient.
func (c *OpenAIClient) Complete(ctx context.Context, req domain.CompletionRequest) (*domain.CompletionResponse, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}

	ctx, span := startCompletionSpan(ctx, c.name, model, req)
	defer span.End()
	ctx, cancel := budgetContext(ctx, req)
	defer cancel()

	start := time.Now()
	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: req.Prompt},
		},
		Temperature: float32(req.Temperature),
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		err = mapOpenAIError(ctx, err)
		tracer.RecordError(span, err)
		return nil, err
	}
	if len(resp.Choices) == 0 {
		err := fmt.Errorf("%w: openai returned no choices", domain.ErrProviderError)
		tracer.RecordError(span, err)
		return nil, err
	}

	if resp.Model == "" {
		resp.Model = model
	}
	result := &domain.CompletionResponse{
		Text:  resp.Choices[0].Message.Content,
		Model: resp.Model,
		Usage: domain.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
		Latency:   time.Since(start),
		CreatedAt: time.Now(),
	}
	finishCompletion(span, c.logger, c.name, result)
	return result, nil
}

func mapOpenAIError(ctx context.Context, err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return mapHTTPError(apiErr.HTTPStatusCode, []byte(apiErr.Message))
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		return mapHTTPError(reqErr.HTTPStatusCode, []byte(reqErr.Error()))
	}
	return mapTransportError(ctx, err)
}
