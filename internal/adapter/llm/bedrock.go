//go:build bedrock

package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"

	"arbiter-ai/internal/domain"
	"arbiter-ai/internal/infra/config"
	"arbiter-ai/internal/infra/tracer"
)

var _ domain.InferenceClient = (*BedrockClient)(nil)

// bedrockConverseAPI abstracts the Bedrock runtime for testability.
type bedrockConverseAPI interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// BedrockClient implements domain.InferenceClient via the Bedrock Converse API.
type BedrockClient struct {
	name   string
	model  string
	client bedrockConverseAPI
	logger *slog.Logger
}

// NewBedrockClient creates a client using the default AWS credential chain.
func NewBedrockClient(cfg config.ProviderConfig, logger *slog.Logger) (*BedrockClient, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(region),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	name := cfg.Name
	if name == "" {
		name = "bedrock"
	}
	return newBedrockClientWithAPI(name, cfg.Model, bedrockruntime.NewFromConfig(awsCfg), logger), nil
}

func newBedrockClientWithAPI(name, model string, api bedrockConverseAPI, logger *slog.Logger) *BedrockClient {
	return &BedrockClient{name: name, model: model, client: api, logger: logger}
}

// Name implements domain.InferenceClient.
func (c *BedrockClient) Name() string { return c.name }

// Complete implements domain.InferenceClient.
func (c *BedrockClient) Complete(ctx context.Context, req domain.CompletionRequest) (*domain.CompletionResponse, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}

	ctx, span := startCompletionSpan(ctx, c.name, model, req)
	defer span.End()
	ctx, cancel := budgetContext(ctx, req)
	defer cancel()

	start := time.Now()
	out, err := c.client.Converse(ctx, toConverseInput(model, req))
	if err != nil {
		err = mapBedrockError(ctx, err)
		tracer.RecordError(span, err)
		return nil, err
	}

	result := fromConverseOutput(out, model)
	result.Latency = time.Since(start)
	finishCompletion(span, c.logger, c.name, result)
	return result, nil
}

func toConverseInput(model string, req domain.CompletionRequest) *bedrockruntime.ConverseInput {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	return &bedrockruntime.ConverseInput{
		ModelId: aws.String(model),
		Messages: []types.Message{{
			Role: types.ConversationRoleUser,
			Content: []types.ContentBlock{
				&types.ContentBlockMemberText{Value: req.Prompt},
			},
		}},
		InferenceConfig: &types.InferenceConfiguration{
			MaxTokens:   aws.Int32(int32(maxTokens)),
			Temperature: aws.Float32(float32(req.Temperature)),
		},
	}
}

func fromConverseOutput(out *bedrockruntime.ConverseOutput, model string) *domain.CompletionResponse {
	result := &domain.CompletionResponse{Model: model, CreatedAt: time.Now()}
	if out.Usage != nil {
		in, outTok := int(aws.ToInt32(out.Usage.InputTokens)), int(aws.ToInt32(out.Usage.OutputTokens))
		result.Usage = domain.Usage{PromptTokens: in, CompletionTokens: outTok, TotalTokens: in + outTok}
	}
	if msg, ok := out.Output.(*types.ConverseOutputMemberMessage); ok {
		var text strings.Builder
		for _, block := range msg.Value.Content {
			if b, ok := block.(*types.ContentBlockMemberText); ok {
				text.WriteString(b.Value)
			}
		}
		result.Text = text.String()
	}
	return result
}

func mapBedrockError(ctx context.Context, err error) error {
	msg := err.Error()

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch code := apiErr.ErrorCode(); {
		case code == "ThrottlingException" || code == "TooManyRequestsException":
			return fmt.Errorf("%w: %s", domain.ErrRateLimit, msg)
		case code == "AccessDeniedException" || code == "UnrecognizedClientException":
			return fmt.Errorf("%w: %s", domain.ErrAuthInvalid, msg)
		case code == "ValidationException" && strings.Contains(msg, "too long"):
			return fmt.Errorf("%w: %s", domain.ErrContextOverflow, msg)
		case code == "ModelTimeoutException":
			return fmt.Errorf("%w: %s", domain.ErrTimeout, msg)
		default:
			return fmt.Errorf("%w: %s", domain.ErrProviderError, msg)
		}
	}
	return mapTransportError(ctx, err)
}
