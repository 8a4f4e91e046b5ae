// Package strategic runs language-model planning in the background. A
// request returns a pollable handle immediately; the caller's loop never
// waits for inference.
package strategic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"arbiter-ai/internal/domain"
	"arbiter-ai/internal/infra/tracer"
	"arbiter-ai/internal/usecase/cache"
	"arbiter-ai/internal/usecase/parser"
	"arbiter-ai/internal/usecase/prompt"
	"arbiter-ai/internal/usecase/task"
)

// DefaultTimeout bounds one inference call.
const DefaultTimeout = 60 * time.Second

// DefaultSimplifiedTools is the vocabulary offered on the simplified tier.
var DefaultSimplifiedTools = []string{
	"MoveTo", "ThrowSmoke", "ThrowExplosive", "AoEAttack", "TakeCover",
	"Attack", "Approach", "Retreat", "MarkTarget", "Distract",
	"Reload", "Scan", "Wait", "Block", "Heal",
}

// PlanRequester launches background planning. The arbiter depends on this
// interface rather than on Executor.
type PlanRequester interface {
	RequestPlan(snap domain.WorldSnapshot) *task.Handle[domain.PlanIntent]
}

// Recorder receives per-request telemetry.
type Recorder interface {
	ObserveStrategicRequest(tier domain.Tier, d time.Duration, err error)
}

// Config holds executor tuning.
type Config struct {
	Model           string
	Temperature     float64
	MaxTokens       int
	Timeout         time.Duration
	RatePerSecond   float64 // <= 0 disables rate limiting
	RateBurst       int
	SimplifiedTools []string
	Role            prompt.Role
}

// Executor builds prompts, consults the cache and runs inference on a
// bounded pool. It is safe for concurrent use.
type Executor struct {
	client   domain.InferenceClient
	registry *domain.ToolRegistry
	simple   *domain.ToolRegistry
	pool     *task.Pool
	cache    *cache.Cache
	parser   *parser.Parser
	prompts  *prompt.Builder
	limiter  *rate.Limiter
	group    singleflight.Group
	cfg      Config
	logger   *slog.Logger
	recorder Recorder
}

// Option configures an Executor.
type Option func(*Executor)

// WithCache enables response caching.
func WithCache(c *cache.Cache) Option {
	return func(e *Executor) { e.cache = c }
}

// WithParser replaces the default parser.
func WithParser(p *parser.Parser) Option {
	return func(e *Executor) { e.parser = p }
}

// WithPromptBuilder replaces the default prompt builder.
func WithPromptBuilder(b *prompt.Builder) Option {
	return func(e *Executor) { e.prompts = b }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// WithRecorder sets the telemetry sink.
func WithRecorder(r Recorder) Option {
	return func(e *Executor) { e.recorder = r }
}

// NewExecutor creates an executor. A zero Timeout selects DefaultTimeout
// and an empty SimplifiedTools list selects DefaultSimplifiedTools.
func NewExecutor(client domain.InferenceClient, reg *domain.ToolRegistry, pool *task.Pool, cfg Config, opts ...Option) *Executor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if len(cfg.SimplifiedTools) == 0 {
		cfg.SimplifiedTools = DefaultSimplifiedTools
	}
	if cfg.Role == "" {
		cfg.Role = prompt.RoleTactical
	}
	e := &Executor{
		client:   client,
		registry: reg,
		simple:   reg.Subset(cfg.SimplifiedTools),
		pool:     pool,
		cfg:      cfg,
		logger:   slog.Default(),
	}
	if cfg.RatePerSecond > 0 {
		burst := max(cfg.RateBurst, 1)
		e.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	for _, o := range opts {
		o(e)
	}
	if e.parser == nil {
		e.parser = parser.New(parser.WithLogger(e.logger))
	}
	if e.prompts == nil {
		opts := prompt.DefaultOptions()
		opts.Role = cfg.Role
		e.prompts = prompt.NewBuilder(opts)
	}
	return e
}

// Registry returns the full tool registry.
func (e *Executor) Registry() *domain.ToolRegistry { return e.registry }

// SimplifiedRegistry returns the reduced registry used on the simplified tier.
func (e *Executor) SimplifiedRegistry() *domain.ToolRegistry { return e.simple }

// Prompts returns the prompt builder.
func (e *Executor) Prompts() *prompt.Builder { return e.prompts }

// Parser returns the plan parser.
func (e *Executor) Parser() *parser.Parser { return e.parser }

// RequestPlan starts a full-tier request. It never blocks.
func (e *Executor) RequestPlan(snap domain.WorldSnapshot) *task.Handle[domain.PlanIntent] {
	return e.RequestPlanTier(snap, domain.TierFullStrategic)
}

// RequestPlanTier starts a request on a strategic tier. An exact cache hit
// returns an already-completed handle without touching the inference client.
// The approximate scan runs on the worker ahead of inference. Cached plans
// naming tools outside the tier's registry are dropped and treated as misses.
func (e *Executor) RequestPlanTier(snap domain.WorldSnapshot, tier domain.Tier) *task.Handle[domain.PlanIntent] {
	if !tier.Strategic() {
		return task.Completed(domain.PlanIntent{}, domain.NewSubSystemError("strategic", "Executor.RequestPlanTier",
			domain.ErrInvalidInput, fmt.Sprintf("tier %q does not use inference", tier)))
	}

	snap = snap.Clone()
	reg, text := e.promptFor(snap, tier)
	key := cache.NewKey(text, e.cfg.Model, e.cfg.Temperature)

	if e.cache != nil {
		if plan, ok := e.cache.GetExact(key, reg.Admits); ok {
			plan.Tier = tier
			e.logger.Debug("strategic plan served from cache", "tier", tier, "match", cache.MatchExact, "plan_id", plan.PlanID)
			return task.Completed(plan, nil)
		}
	}

	return task.Spawn(e.pool, func(ctx context.Context) (domain.PlanIntent, error) {
		if e.cache != nil {
			if plan, ok := e.cache.GetApproximate(key, reg.Admits); ok {
				plan.Tier = tier
				e.logger.Debug("strategic plan served from cache", "tier", tier, "match", cache.MatchApproximate, "plan_id", plan.PlanID)
				return plan, nil
			}
		}
		v, err, shared := e.group.Do(key.Fingerprint, func() (any, error) {
			return e.execute(ctx, key, text, reg, tier)
		})
		if err != nil {
			return domain.PlanIntent{}, err
		}
		if shared {
			e.logger.Debug("strategic request deduplicated", "tier", tier)
		}
		return v.(domain.PlanIntent).Clone(), nil
	})
}

func (e *Executor) promptFor(snap domain.WorldSnapshot, tier domain.Tier) (*domain.ToolRegistry, string) {
	if tier == domain.TierSimplifiedStrategic {
		return e.simple, e.prompts.BuildCompressed(snap, e.simple.Names())
	}
	return e.registry, e.prompts.BuildFull(snap, e.registry)
}

func (e *Executor) execute(ctx context.Context, key cache.Key, text string, reg *domain.ToolRegistry, tier domain.Tier) (domain.PlanIntent, error) {
	ctx, span := tracer.StartSpan(ctx, "strategic.request")
	defer span.End()
	span.SetAttributes(
		tracer.StringAttr("strategic.tier", string(tier)),
		tracer.StringAttr("strategic.client", e.client.Name()),
		tracer.IntAttr("strategic.prompt_tokens_est", prompt.EstimateTokens(text)),
	)

	start := time.Now()
	plan, err := e.run(ctx, key, text, reg, tier)
	elapsed := time.Since(start)

	if e.recorder != nil {
		e.recorder.ObserveStrategicRequest(tier, elapsed, err)
	}
	if err != nil {
		tracer.RecordError(span, err)
		e.logger.Warn("strategic request failed", "tier", tier, "duration", elapsed, "code", domain.ErrorCodeOf(err), "error", err)
		return domain.PlanIntent{}, err
	}
	tracer.SetOK(span)
	span.SetAttributes(tracer.IntAttr("strategic.steps", len(plan.Steps)))
	e.logger.Info("strategic plan ready", "tier", tier, "plan_id", plan.PlanID, "steps", len(plan.Steps), "duration", elapsed)
	return plan, nil
}

func (e *Executor) run(ctx context.Context, key cache.Key, text string, reg *domain.ToolRegistry, tier domain.Tier) (domain.PlanIntent, error) {
	resp, err := e.Infer(ctx, text)
	if err != nil {
		return domain.PlanIntent{}, err
	}

	res, err := e.parser.Parse(resp.Text, reg)
	if err != nil {
		return domain.PlanIntent{}, err
	}
	plan := res.Plan
	plan.Tier = tier

	if e.cache != nil {
		e.cache.Put(key, plan)
	}
	return plan, nil
}

type completion struct {
	resp *domain.CompletionResponse
	err  error
}

// Infer sends text to the client under the configured rate limit and
// timeout. The client call runs in its own goroutine so that a client
// ignoring ctx cannot hold the caller past the deadline; its late result is
// dropped.
func (e *Executor) Infer(ctx context.Context, text string) (*domain.CompletionResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, domain.NewSubSystemError("strategic", "Executor.Infer", domain.ErrRateLimit, err.Error())
		}
	}

	req := domain.CompletionRequest{
		Prompt:      text,
		BudgetMs:    e.cfg.Timeout.Milliseconds(),
		Model:       e.cfg.Model,
		Temperature: e.cfg.Temperature,
		MaxTokens:   e.cfg.MaxTokens,
	}

	ch := make(chan completion, 1)
	go func() {
		resp, err := e.client.Complete(ctx, req)
		ch <- completion{resp, err}
	}()

	select {
	case c := <-ch:
		if c.err != nil {
			if errors.Is(c.err, context.DeadlineExceeded) {
				return nil, e.timeoutError()
			}
			return nil, domain.WrapOp("Executor.Infer", c.err)
		}
		if c.resp == nil {
			return nil, domain.NewSubSystemError("inference", "Executor.Infer", domain.ErrProviderError, "empty response")
		}
		return c.resp, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, e.timeoutError()
		}
		return nil, domain.WrapOp("Executor.Infer", ctx.Err())
	}
}

func (e *Executor) timeoutError() error {
	return domain.NewSubSystemError("strategic", "Executor.Infer", domain.ErrTimeout,
		fmt.Sprintf("no response within %s", e.cfg.Timeout))
}
