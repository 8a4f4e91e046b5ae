package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	anthropicoption "github.com/anthropics/anthropic-sdk-go/option"

	"arbiter-ai/internal/domain"
	"arbiter-ai/internal/infra/config"
	"arbiter-ai/internal/infra/tracer"
)

var _ domain.InferenceClient = (*AnthropicClient)(nil)

const (
	anthropicDefaultModel     = "claude-3-5-haiku-latest"
	anthropicDefaultMaxTokens = 1024
)

// AnthropicClient calls the Anthropic Messages API. SDK retries are
// disabled; the fallback chain owns retry policy.
type AnthropicClient struct {
	name   string
	model  string
	client anthropic.Client
	logger *slog.Logger
}

// NewAnthropicClient creates an Anthropic client from provider settings.
func NewAnthropicClient(cfg config.ProviderConfig, logger *slog.Logger) *AnthropicClient {
	opts := []anthropicoption.RequestOption{
		anthropicoption.WithAPIKey(cfg.APIKey),
		anthropicoption.WithHTTPClient(NewHTTPClient(cfg)),
		anthropicoption.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, anthropicoption.WithBaseURL(cfg.BaseURL))
	}

	model := cfg.Model
	if model == "" {
		model = anthropicDefaultModel
	}
	name := cfg.Name
	if name == "" {
		name = "anthropic"
	}
	return &AnthropicClient{
		name:   name,
		model:  model,
		client: anthropic.NewClient(opts...),
		logger: logger,
	}
}

// Name implements domain.InferenceClient.
func (c *AnthropicClient) Name() string { return c.name }

// Complete implements domain.InferenceClient.
func (c *AnthropicClient) Complete(ctx context.Context, req domain.CompletionRequest) (*domain.CompletionResponse, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}

	ctx, span := startCompletionSpan(ctx, c.name, model, req)
	defer span.End()
	ctx, cancel := budgetContext(ctx, req)
	defer cancel()

	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}

	start := time.Now()
	msg, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:       anthropic.Model(model),
		MaxTokens:   maxTokens,
		Temperature: anthropic.Float(req.Temperature),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	})
	if err != nil {
		err = mapAnthropicError(ctx, err)
		tracer.RecordError(span, err)
		return nil, err
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	result := &domain.CompletionResponse{
		Text:  text.String(),
		Model: string(msg.Model),
		Usage: domain.Usage{
			PromptTokens:     int(msg.Usage.InputTokens),
			CompletionTokens: int(msg.Usage.OutputTokens),
			TotalTokens:      int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		},
		Latency:   time.Since(start),
		CreatedAt: time.Now(),
	}
	if result.Model == "" {
		result.Model = model
	}
	finishCompletion(span, c.logger, c.name, result)
	return result, nil
}

func mapAnthropicError(ctx context.Context, err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		// 529 is Anthropic's "overloaded".
		if apiErr.StatusCode == 529 {
			return fmt.Errorf("%w: %v", domain.ErrRateLimit, err)
		}
		return mapHTTPError(apiErr.StatusCode, []byte(apiErr.Error()))
	}
	return mapTransportError(ctx, err)
}
