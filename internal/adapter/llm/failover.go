package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"arbiter-ai/internal/domain"
)

var _ domain.InferenceClient = (*FailoverClient)(nil)

// FailoverClient tries a primary client and then each fallback in order.
// It stops early when ctx is done: the strategic budget is shared by every
// client in the chain.
type FailoverClient struct {
	primary   domain.InferenceClient
	fallbacks []domain.InferenceClient
	logger    *slog.Logger
}

// NewFailoverClient creates a failover-capable client.
func NewFailoverClient(primary domain.InferenceClient, fallbacks []domain.InferenceClient, logger *slog.Logger) *FailoverClient {
	return &FailoverClient{
		primary:   primary,
		fallbacks: fallbacks,
		logger:    logger,
	}
}

// Complete implements domain.InferenceClient.
func (f *FailoverClient) Complete(ctx context.Context, req domain.CompletionRequest) (*domain.CompletionResponse, error) {
	resp, err := f.primary.Complete(ctx, req)
	if err == nil {
		return resp, nil
	}
	f.logger.Warn("primary inference client failed, trying fallbacks",
		"primary", f.primary.Name(), "error", err)

	errs := []error{fmt.Errorf("%s: %w", f.primary.Name(), err)}
	for _, fb := range f.fallbacks {
		if ctx.Err() != nil {
			break
		}
		resp, err = fb.Complete(ctx, req)
		if err == nil {
			f.logger.Info("failover succeeded", "client", fb.Name())
			return resp, nil
		}
		f.logger.Warn("fallback inference client failed", "client", fb.Name(), "error", err)
		errs = append(errs, fmt.Errorf("%s: %w", fb.Name(), err))
	}

	return nil, fmt.Errorf("all inference clients failed: %w", errors.Join(errs...))
}

// Name returns a composite name.
func (f *FailoverClient) Name() string {
	return f.primary.Name() + "+failover"
}
