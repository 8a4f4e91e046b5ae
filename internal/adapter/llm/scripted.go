package llm

import (
	"context"
	"sync"
	"time"

	"arbiter-ai/internal/domain"
)

var _ domain.InferenceClient = (*ScriptedClient)(nil)

// MockPlanJSON is a small valid plan over the built-in vocabulary.
const MockPlanJSON = `{"plan_id":"llm-mock","rationale":"smoke, reposition, engage","steps":[` +
	`{"act":"ThrowSmoke","x":7,"y":2},` +
	`{"act":"MoveTo","x":4,"y":2},` +
	`{"act":"Attack","target_id":99}]}`

// ScriptedClient replays canned responses without a model. It can delay
// every call and force failures, and it honors ctx cancellation during the
// delay. Used by tests and by the "scripted" client type for offline runs.
type ScriptedClient struct {
	name string

	mu        sync.Mutex
	responses []string
	next      int
	delay     time.Duration
	err       error
	failFirst int
	calls     int
	prompts   []string
}

// NewScriptedClient returns a client that answers with responses in order
// and repeats the last one once the script runs out.
func NewScriptedClient(name string, responses ...string) *ScriptedClient {
	if name == "" {
		name = "scripted"
	}
	return &ScriptedClient{name: name, responses: responses}
}

// WithDelay makes every call wait d before answering.
func (c *ScriptedClient) WithDelay(d time.Duration) *ScriptedClient {
	c.mu.Lock()
	c.delay = d
	c.mu.Unlock()
	return c
}

// WithError makes every call fail with err.
func (c *ScriptedClient) WithError(err error) *ScriptedClient {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
	return c
}

// FailFirst makes the first n calls fail with domain.ErrProviderError.
func (c *ScriptedClient) FailFirst(n int) *ScriptedClient {
	c.mu.Lock()
	c.failFirst = n
	c.mu.Unlock()
	return c
}

// Name implements domain.InferenceClient.
func (c *ScriptedClient) Name() string { return c.name }

// Complete implements domain.InferenceClient.
func (c *ScriptedClient) Complete(ctx context.Context, req domain.CompletionRequest) (*domain.CompletionResponse, error) {
	c.mu.Lock()
	c.calls++
	call := c.calls
	c.prompts = append(c.prompts, req.Prompt)
	delay, forced := c.delay, c.err
	failing := call <= c.failFirst
	text := ""
	if len(c.responses) > 0 {
		text = c.responses[min(c.next, len(c.responses)-1)]
		c.next++
	}
	c.mu.Unlock()

	start := time.Now()
	if delay > 0 {
		ctx, cancel := budgetContext(ctx, req)
		defer cancel()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				return nil, domain.NewDomainError("ScriptedClient.Complete", domain.ErrTimeout, c.name)
			}
			return nil, ctx.Err()
		}
	}

	switch {
	case forced != nil:
		return nil, forced
	case failing:
		return nil, domain.NewDomainError("ScriptedClient.Complete", domain.ErrProviderError, "scripted failure")
	}

	return &domain.CompletionResponse{
		Text:  text,
		Model: c.name,
		Usage: domain.Usage{
			PromptTokens:     len(req.Prompt) / 4,
			CompletionTokens: len(text) / 4,
			TotalTokens:      (len(req.Prompt) + len(text)) / 4,
		},
		Latency:   time.Since(start),
		CreatedAt: time.Now(),
	}, nil
}

// Calls returns how many times Complete was invoked.
func (c *ScriptedClient) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// Prompts returns every prompt received, in order.
func (c *ScriptedClient) Prompts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.prompts...)
}
