//go:build !bedrock

package llm

import (
	"log/slog"

	"arbiter-ai/internal/domain"
	"arbiter-ai/internal/infra/config"
)

// BedrockClient is unavailable without the bedrock build tag.
type BedrockClient struct {
	domain.InferenceClient
}

// NewBedrockClient reports that Bedrock support was not compiled in.
func NewBedrockClient(_ config.ProviderConfig, _ *slog.Logger) (*BedrockClient, error) {
	return nil, domain.NewDomainError("NewBedrockClient", domain.ErrDisabled, "rebuild with -tags bedrock")
}
