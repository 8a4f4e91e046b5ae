// Package fallback produces a plan for every request by walking a fixed
// chain of tiers: full strategic, simplified strategic, heuristic rules and
// a constant emergency plan. A tier is only left after it has failed; no
// tier is ever skipped.
package fallback

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"arbiter-ai/internal/domain"
	"arbiter-ai/internal/infra/tracer"
	"arbiter-ai/internal/usecase/parser"
	"arbiter-ai/internal/usecase/prompt"
	"arbiter-ai/internal/usecase/task"
)

// DefaultTierRetries is the number of extra attempts on each strategic tier.
const DefaultTierRetries = 1

// Strategic is the background planner the strategic tiers delegate to.
type Strategic interface {
	RequestPlanTier(snap domain.WorldSnapshot, tier domain.Tier) *task.Handle[domain.PlanIntent]
	Infer(ctx context.Context, text string) (*domain.CompletionResponse, error)
	Registry() *domain.ToolRegistry
	SimplifiedRegistry() *domain.ToolRegistry
	Prompts() *prompt.Builder
	Parser() *parser.Parser
}

// Recorder receives per-attempt telemetry.
type Recorder interface {
	ObserveTierAttempt(tier domain.Tier, success bool, d time.Duration)
}

// Attempt records one try on one tier.
type Attempt struct {
	Tier     domain.Tier   `json:"tier"`
	Try      int           `json:"try"`
	Success  bool          `json:"success"`
	Err      error         `json:"-"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Result is the plan a request settled on plus the path taken to get it.
type Result struct {
	Plan     domain.PlanIntent `json:"plan"`
	Tier     domain.Tier       `json:"tier"`
	Attempts []Attempt         `json:"attempts"`
	Duration time.Duration     `json:"duration"`
}

// Metrics aggregates orchestrator outcomes.
type Metrics struct {
	TotalRequests     uint64                 `json:"total_requests"`
	TierSuccesses     map[domain.Tier]uint64 `json:"tier_successes"`
	TierFailures      map[domain.Tier]uint64 `json:"tier_failures"`
	AverageAttempts   float64                `json:"average_attempts"`
	AverageDurationMs float64                `json:"average_duration_ms"`
}

func (m Metrics) clone() Metrics {
	out := m
	out.TierSuccesses = make(map[domain.Tier]uint64, len(m.TierSuccesses))
	for k, v := range m.TierSuccesses {
		out.TierSuccesses[k] = v
	}
	out.TierFailures = make(map[domain.Tier]uint64, len(m.TierFailures))
	for k, v := range m.TierFailures {
		out.TierFailures[k] = v
	}
	return out
}

// Config holds orchestrator tuning.
type Config struct {
	// TierRetries is the number of extra attempts per strategic tier.
	// Negative selects DefaultTierRetries.
	TierRetries int
	// StartTier is the first tier attempted. Empty means the full tier.
	StartTier domain.Tier
}

// Orchestrator runs the fallback chain. It is safe for concurrent use.
type Orchestrator struct {
	strategic Strategic
	registry  *domain.ToolRegistry
	rules     atomic.Pointer[RuleSet]
	cfg       Config
	logger    *slog.Logger
	recorder  Recorder
	bus       domain.EventBus

	mu      sync.Mutex
	metrics Metrics
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithRules replaces the default heuristic table.
func WithRules(rs *RuleSet) Option {
	return func(o *Orchestrator) {
		if rs != nil {
			o.rules.Store(rs)
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithRecorder sets the telemetry sink.
func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

// WithEventBus publishes tier outcomes on bus.
func WithEventBus(bus domain.EventBus) Option {
	return func(o *Orchestrator) { o.bus = bus }
}

// New creates an orchestrator. strategic may be nil, in which case the
// strategic tiers fail immediately and planning starts at the heuristic
// tier in practice. reg is the registry used by the heuristic tier.
func New(strategic Strategic, reg *domain.ToolRegistry, cfg Config, opts ...Option) *Orchestrator {
	if cfg.TierRetries < 0 {
		cfg.TierRetries = DefaultTierRetries
	}
	if !cfg.StartTier.Valid() {
		cfg.StartTier = domain.TierFullStrategic
	}
	if reg == nil && strategic != nil {
		reg = strategic.Registry()
	}
	o := &Orchestrator{
		strategic: strategic,
		registry:  reg,
		cfg:       cfg,
		logger:    slog.Default(),
		metrics: Metrics{
			TierSuccesses: map[domain.Tier]uint64{},
			TierFailures:  map[domain.Tier]uint64{},
		},
	}
	o.rules.Store(DefaultRules())
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// SetRules atomically swaps the heuristic table. Invalid tables are
// rejected and the current one is kept.
func (o *Orchestrator) SetRules(rs *RuleSet) error {
	if err := rs.Validate(); err != nil {
		return err
	}
	o.rules.Store(rs)
	return nil
}

// Rules returns the active heuristic table.
func (o *Orchestrator) Rules() *RuleSet { return o.rules.Load() }

// PlanWithFallback walks the tier chain from the configured start tier and
// returns the first valid plan. Strategic tiers are retried TierRetries
// times before advancing. The heuristic and emergency tiers do not depend
// on ctx, so a plan is always produced.
func (o *Orchestrator) PlanWithFallback(ctx context.Context, snap domain.WorldSnapshot) (Result, error) {
	return o.PlanFrom(ctx, snap, o.cfg.StartTier)
}

// PlanFrom is PlanWithFallback starting at tier.
func (o *Orchestrator) PlanFrom(ctx context.Context, snap domain.WorldSnapshot, tier domain.Tier) (Result, error) {
	return o.planFrom(ctx, snap, tier, nil, time.Now())
}

// planFrom walks the chain from tier. prior holds attempts already made for
// this request elsewhere; they are counted with the outcome so each request
// is recorded exactly once.
func (o *Orchestrator) planFrom(ctx context.Context, snap domain.WorldSnapshot, tier domain.Tier, prior []Attempt, start time.Time) (Result, error) {
	ctx, span := tracer.StartSpan(ctx, "fallback.plan")
	defer span.End()

	if !tier.Valid() {
		tier = domain.TierFullStrategic
	}
	attempts := append([]Attempt(nil), prior...)

	for {
		tries := 1
		if tier.Strategic() {
			tries += o.cfg.TierRetries
		}
		for try := 1; try <= tries; try++ {
			t0 := time.Now()
			plan, err := o.tryTier(ctx, snap, tier)
			a := Attempt{Tier: tier, Try: try, Success: err == nil, Err: err, Duration: time.Since(t0)}
			if err != nil {
				a.Error = err.Error()
			}
			attempts = append(attempts, a)
			o.observe(ctx, a)

			if err == nil {
				plan.Tier = tier
				res := Result{Plan: plan, Tier: tier, Attempts: attempts, Duration: time.Since(start)}
				o.recordSuccess(res)
				span.SetAttributes(tracer.StringAttr("fallback.tier", string(tier)), tracer.IntAttr("fallback.attempts", len(attempts)))
				tracer.SetOK(span)
				o.logger.Info("fallback plan produced", "tier", tier, "attempts", len(attempts), "steps", len(plan.Steps), "duration", res.Duration)
				return res, nil
			}
			o.logger.Warn("fallback tier attempt failed", "tier", tier, "try", try, "code", domain.ErrorCodeOf(err), "error", err)
			if !domain.IsRetryableError(err) {
				break
			}
		}

		next, ok := tier.Next()
		if !ok {
			err := domain.NewSubSystemError("fallback", "Orchestrator.PlanWithFallback", domain.ErrEmergencyExhausted, "no tier produced a plan")
			tracer.RecordError(span, err)
			return Result{Attempts: attempts, Duration: time.Since(start)}, err
		}
		o.logger.Debug("falling back", "from", tier, "to", next)
		tier = next
	}
}

func (o *Orchestrator) tryTier(ctx context.Context, snap domain.WorldSnapshot, tier domain.Tier) (domain.PlanIntent, error) {
	switch tier {
	case domain.TierFullStrategic, domain.TierSimplifiedStrategic:
		if o.strategic == nil {
			return domain.PlanIntent{}, domain.NewSubSystemError("fallback", "Orchestrator.tryTier", domain.ErrDisabled, "no strategic planner configured")
		}
		if err := ctx.Err(); err != nil {
			return domain.PlanIntent{}, domain.NewSubSystemError("strategic", "Orchestrator.tryTier", domain.ErrTimeout, err.Error())
		}
		h := o.strategic.RequestPlanTier(snap, tier)
		plan, err := h.BlockUntilDone(ctx)
		if err != nil {
			h.Abandon()
			return domain.PlanIntent{}, err
		}
		if len(plan.Steps) == 0 {
			return domain.PlanIntent{}, domain.NewSubSystemError("fallback", "Orchestrator.tryTier", domain.ErrNoPlan, "strategic plan has no steps")
		}
		return plan, nil
	case domain.TierHeuristic:
		return o.heuristicPlan(snap)
	case domain.TierEmergency:
		return o.emergencyPlan(), nil
	}
	return domain.PlanIntent{}, domain.NewDomainError("Orchestrator.tryTier", domain.ErrInvalidInput, string(tier))
}

// HeuristicPlan evaluates the rule table without consulting any other tier.
func (o *Orchestrator) HeuristicPlan(snap domain.WorldSnapshot) (domain.PlanIntent, error) {
	plan, err := o.heuristicPlan(snap)
	if err == nil {
		plan.Tier = domain.TierHeuristic
	}
	return plan, err
}

func (o *Orchestrator) heuristicPlan(snap domain.WorldSnapshot) (domain.PlanIntent, error) {
	steps := o.rules.Load().Plan(snap, o.registry)
	if len(steps) == 0 {
		return domain.PlanIntent{}, domain.NewSubSystemError("fallback", "Orchestrator.heuristicPlan", domain.ErrNoPlan,
			"no rule produced a step for this registry")
	}
	return domain.PlanIntent{
		PlanID:    parser.NewPlanID("heuristic"),
		Rationale: "rule-based fallback",
		Steps:     steps,
		CreatedAt: time.Now(),
	}, nil
}

// EmergencyPlan returns the fixed safe plan.
func (o *Orchestrator) EmergencyPlan() domain.PlanIntent {
	p := o.emergencyPlan()
	p.Tier = domain.TierEmergency
	return p
}

func (o *Orchestrator) emergencyPlan() domain.PlanIntent {
	o.logger.Warn("using emergency fallback plan")
	return domain.PlanIntent{
		PlanID:    parser.NewPlanID("emergency"),
		Rationale: "emergency safe default",
		Steps:     EmergencySteps(),
		CreatedAt: time.Now(),
	}
}

func (o *Orchestrator) observe(ctx context.Context, a Attempt) {
	if o.recorder != nil {
		o.recorder.ObserveTierAttempt(a.Tier, a.Success, a.Duration)
	}
	if o.bus == nil {
		return
	}
	evType := domain.EventTierSucceeded
	if !a.Success {
		evType = domain.EventTierFailed
	}
	o.bus.Publish(ctx, domain.NewEvent(evType, "", map[string]any{
		"tier":        a.Tier,
		"try":         a.Try,
		"duration_ms": a.Duration.Milliseconds(),
		"error":       a.Error,
		"code":        domain.ErrorCodeOf(a.Err),
	}))
}

func (o *Orchestrator) recordSuccess(res Result) {
	o.mu.Lock()
	defer o.mu.Unlock()
	m := &o.metrics
	m.TotalRequests++
	m.TierSuccesses[res.Tier]++
	for _, a := range res.Attempts {
		if !a.Success {
			m.TierFailures[a.Tier]++
		}
	}
	n := float64(m.TotalRequests)
	m.AverageAttempts = (m.AverageAttempts*(n-1) + float64(len(res.Attempts))) / n
	m.AverageDurationMs = (m.AverageDurationMs*(n-1) + float64(res.Duration.Microseconds())/1000) / n
}

// Metrics returns a snapshot of aggregate outcomes.
func (o *Orchestrator) Metrics() Metrics {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.metrics.clone()
}
