// Package arbiter drives one agent's action selection. Every tick it emits
// exactly one action from the fast planner or from an installed strategic
// plan, while strategic plans are requested and polled in the background.
// Tick never blocks.
package arbiter

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"arbiter-ai/internal/domain"
	"arbiter-ai/internal/usecase/fallback"
	"arbiter-ai/internal/usecase/parser"
	"arbiter-ai/internal/usecase/strategic"
	"arbiter-ai/internal/usecase/task"
)

// DefaultCooldown is the minimum snapshot time between background requests.
const DefaultCooldown = 15 * time.Second

// ModeKind names an arbiter state.
type ModeKind string

const (
	ModeFastPlanner   ModeKind = "fast_planner"
	ModeExecutingPlan ModeKind = "executing_plan"
	ModeDegraded      ModeKind = "degraded"
)

// Mode is the current arbiter state. StepIndex is meaningful only while
// executing a plan and Tier only while degraded.
type Mode struct {
	Kind      ModeKind    `json:"kind"`
	StepIndex int         `json:"step_index,omitempty"`
	Tier      domain.Tier `json:"tier,omitempty"`
}

func (m Mode) String() string {
	switch m.Kind {
	case ModeExecutingPlan:
		return fmt.Sprintf("ExecutingPlan{%d}", m.StepIndex)
	case ModeDegraded:
		return fmt.Sprintf("Degraded{%s}", m.Tier)
	default:
		return "FastPlanner"
	}
}

// Metrics counts arbiter activity.
type Metrics struct {
	Ticks              uint64 `json:"ticks"`
	ModeTransitions    uint64 `json:"mode_transitions"`
	StrategicRequests  uint64 `json:"strategic_requests"`
	StrategicSuccesses uint64 `json:"strategic_successes"`
	StrategicFailures  uint64 `json:"strategic_failures"`
	FastActions        uint64 `json:"fast_actions"`
	PlanStepsExecuted  uint64 `json:"plan_steps_executed"`
	IgnoredResults     uint64 `json:"ignored_results"`
}

// Recorder receives arbiter telemetry. Modes are passed as their ModeKind
// strings.
type Recorder interface {
	ObserveTick(mode string, d time.Duration)
	ObserveModeChange(from, to string)
}

// Trigger decides whether the world changed enough since the last launch to
// warrant a new strategic request before the cooldown elapses.
type Trigger func(last, current domain.WorldSnapshot) bool

// Option configures an Arbiter.
type Option func(*Arbiter)

// WithCooldown sets the snapshot-time interval between background requests.
func WithCooldown(d time.Duration) Option {
	return func(a *Arbiter) { a.cooldown = d }
}

// WithTrigger adds a world-change trigger evaluated alongside the cooldown.
func WithTrigger(t Trigger) Option {
	return func(a *Arbiter) { a.trigger = t }
}

// WithRequestWhileExecuting allows background requests while a plan is
// being executed. By default requests are only made from the fast planner
// and degraded modes.
func WithRequestWhileExecuting(enabled bool) Option {
	return func(a *Arbiter) { a.requestWhileExecuting = enabled }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Arbiter) { a.logger = l }
}

// WithEventBus publishes transitions and request outcomes on bus.
func WithEventBus(bus domain.EventBus) Option {
	return func(a *Arbiter) { a.bus = bus }
}

// WithRecorder sets the telemetry sink.
func WithRecorder(r Recorder) Option {
	return func(a *Arbiter) { a.recorder = r }
}

// WithAgentID tags logs and events with the agent identifier.
func WithAgentID(id string) Option {
	return func(a *Arbiter) { a.agentID = id }
}

type inflight struct {
	handle *task.Handle[domain.PlanIntent]
	gen    uint64
}

// Arbiter is the per-agent state machine. Tick is meant to be driven from a
// single loop; the accessors may be called from other goroutines.
type Arbiter struct {
	fast  domain.FastPlanner
	exec  strategic.PlanRequester
	orch  *fallback.Orchestrator
	clock func() time.Time

	cooldown              time.Duration
	trigger               Trigger
	requestWhileExecuting bool
	logger                *slog.Logger
	bus                   domain.EventBus
	recorder              Recorder
	agentID               string

	mu          sync.Mutex
	mode        Mode
	plan        *domain.PlanIntent
	pending     *inflight
	superseded  []inflight
	generation  uint64
	requested   bool
	lastRequest domain.WorldSnapshot
	requestNow  bool
	metrics     Metrics
}

// New creates an arbiter in FastPlanner mode. exec and orch may be nil, in
// which case no background requests are made or PlanNow falls back to the
// emergency plan respectively.
func New(fast domain.FastPlanner, exec strategic.PlanRequester, orch *fallback.Orchestrator, opts ...Option) *Arbiter {
	a := &Arbiter{
		fast:     fast,
		exec:     exec,
		orch:     orch,
		clock:    time.Now,
		cooldown: DefaultCooldown,
		logger:   slog.Default(),
		mode:     Mode{Kind: ModeFastPlanner},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Tick emits the action for this snapshot. The action is chosen before any
// background result is applied, so a plan that arrives during this tick
// takes effect on the next one.
func (a *Arbiter) Tick(snap domain.WorldSnapshot) domain.ActionStep {
	start := a.clock()
	a.mu.Lock()

	a.metrics.Ticks++
	modeAtStart := a.mode.Kind
	step := a.act(snap)

	if a.shouldLaunch(snap) {
		a.launch(snap)
	}
	a.pollLocked()
	a.reapSuperseded()

	a.mu.Unlock()

	if a.recorder != nil {
		a.recorder.ObserveTick(string(modeAtStart), a.clock().Sub(start))
	}
	return step
}

// act picks this tick's action. Caller holds mu.
func (a *Arbiter) act(snap domain.WorldSnapshot) domain.ActionStep {
	if a.mode.Kind == ModeExecutingPlan && a.plan != nil {
		i := a.mode.StepIndex
		if i < len(a.plan.Steps) {
			step := a.plan.Steps[i].Clone()
			a.metrics.PlanStepsExecuted++
			if i+1 >= len(a.plan.Steps) {
				a.logger.Debug("plan exhausted", "agent_id", a.agentID, "plan_id", a.plan.PlanID, "steps", len(a.plan.Steps))
				a.publish(domain.EventPlanExhausted, map[string]any{"plan_id": a.plan.PlanID, "steps": len(a.plan.Steps)})
				a.plan = nil
				a.transition(Mode{Kind: ModeFastPlanner})
			} else {
				a.mode.StepIndex = i + 1
			}
			return step
		}
		a.plan = nil
		a.transition(Mode{Kind: ModeFastPlanner})
	}

	a.metrics.FastActions++
	if a.fast != nil {
		if step, ok := a.fast.ProposeAction(snap); ok && !step.IsZero() {
			return step
		}
	}
	return domain.NewStep("Wait", "duration", 1.0)
}

func (a *Arbiter) shouldLaunch(snap domain.WorldSnapshot) bool {
	if a.exec == nil || a.pending != nil {
		return false
	}
	if a.mode.Kind == ModeExecutingPlan && !a.requestWhileExecuting {
		return false
	}
	if a.requestNow || !a.requested {
		return true
	}
	if snap.T-a.lastRequest.T >= a.cooldown.Seconds() {
		return true
	}
	return a.trigger != nil && a.trigger(a.lastRequest, snap)
}

// launch starts a background request. A pending handle is superseded and
// its result will be ignored. Caller holds mu.
func (a *Arbiter) launch(snap domain.WorldSnapshot) {
	if a.pending != nil {
		a.pending.handle.Abandon()
		a.superseded = append(a.superseded, *a.pending)
		a.pending = nil
	}
	a.generation++
	a.requested = true
	a.requestNow = false
	a.lastRequest = snap
	a.metrics.StrategicRequests++

	h := a.exec.RequestPlan(snap)
	a.pending = &inflight{handle: h, gen: a.generation}

	a.logger.Debug("strategic request launched", "agent_id", a.agentID, "generation", a.generation, "t", snap.T)
	a.publish(domain.EventStrategicLaunched, map[string]any{"generation": a.generation, "t": snap.T})
}

// pollLocked applies the in-flight result, if any. Caller holds mu.
func (a *Arbiter) pollLocked() {
	if a.pending == nil {
		return
	}
	res, ok := a.pending.handle.TryPoll()
	if !ok {
		return
	}
	gen := a.pending.gen
	a.pending = nil

	if res.Err == nil && len(res.Value.Steps) == 0 {
		res.Err = domain.NewSubSystemError("arbiter", "Arbiter.Tick", domain.ErrNoPlan, "strategic plan has no steps")
	}
	if res.Err != nil {
		a.metrics.StrategicFailures++
		a.logger.Warn("strategic request failed", "agent_id", a.agentID, "generation", gen,
			"code", domain.ErrorCodeOf(res.Err), "error", res.Err)
		a.publish(domain.EventStrategicFailed, map[string]any{
			"generation": gen,
			"error":      res.Err.Error(),
			"code":       domain.ErrorCodeOf(res.Err),
		})
		if a.mode.Kind == ModeFastPlanner {
			a.transition(Mode{Kind: ModeDegraded, Tier: domain.TierFullStrategic})
		}
		return
	}

	a.metrics.StrategicSuccesses++
	a.publish(domain.EventStrategicSucceeded, map[string]any{"generation": gen, "plan_id": res.Value.PlanID})
	a.install(res.Value)
}

// reapSuperseded counts abandoned requests that have since finished.
func (a *Arbiter) reapSuperseded() {
	kept := a.superseded[:0]
	for _, s := range a.superseded {
		if !s.handle.IsFinished() {
			kept = append(kept, s)
			continue
		}
		a.metrics.IgnoredResults++
		a.logger.Debug("superseded strategic result ignored", "agent_id", a.agentID, "generation", s.gen)
		a.publish(domain.EventStrategicIgnored, map[string]any{"generation": s.gen})
	}
	a.superseded = kept
}

// install makes plan the active plan starting at step 0. Caller holds mu.
func (a *Arbiter) install(plan domain.PlanIntent) {
	p := plan.Clone()
	a.plan = &p
	a.transition(Mode{Kind: ModeExecutingPlan})
	a.logger.Info("plan installed", "agent_id", a.agentID, "plan_id", p.PlanID, "tier", p.Tier, "steps", len(p.Steps))
	a.publish(domain.EventPlanInstalled, map[string]any{"plan_id": p.PlanID, "tier": p.Tier, "steps": len(p.Steps)})
}

func (a *Arbiter) transition(to Mode) {
	from := a.mode
	a.mode = to
	if from.Kind == to.Kind && from.Tier == to.Tier {
		return
	}
	a.metrics.ModeTransitions++
	a.logger.Debug("mode changed", "agent_id", a.agentID, "from", from.String(), "to", to.String())
	a.publish(domain.EventModeChanged, map[string]any{"from": from.Kind, "to": to.Kind, "tier": to.Tier})
	if a.recorder != nil {
		a.recorder.ObserveModeChange(string(from.Kind), string(to.Kind))
	}
}

func (a *Arbiter) publish(t domain.EventType, payload map[string]any) {
	if a.bus == nil {
		return
	}
	a.bus.Publish(context.Background(), domain.NewEvent(t, a.agentID, payload))
}

// RequestPlanNow makes the next tick launch a request regardless of the
// cooldown, provided none is in flight.
func (a *Arbiter) RequestPlanNow() {
	a.mu.Lock()
	a.requestNow = true
	a.mu.Unlock()
}

// ForceRequest launches a request immediately. A request still in flight is
// abandoned; its result is ignored when it arrives.
func (a *Arbiter) ForceRequest(snap domain.WorldSnapshot) {
	if a.exec == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.launch(snap)
}

// PlanNow runs the fallback chain synchronously and installs the result.
// It may block for as long as the strategic tiers take and must not be
// called from the tick loop.
func (a *Arbiter) PlanNow(ctx context.Context, snap domain.WorldSnapshot) (fallback.Result, error) {
	var (
		res fallback.Result
		err error
	)
	if a.orch != nil {
		res, err = a.orch.PlanWithFallback(ctx, snap)
		if err != nil {
			return res, err
		}
	} else {
		plan := domain.PlanIntent{
			PlanID:    parser.NewPlanID("emergency"),
			Rationale: "emergency safe default",
			Steps:     fallback.EmergencySteps(),
			Tier:      domain.TierEmergency,
			CreatedAt: time.Now(),
		}
		res = fallback.Result{Plan: plan, Tier: domain.TierEmergency}
	}

	a.mu.Lock()
	a.install(res.Plan)
	a.mu.Unlock()
	return res, nil
}

// Mode returns the current state.
func (a *Arbiter) Mode() Mode {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.mode
}

// CurrentPlan returns a copy of the plan being executed.
func (a *Arbiter) CurrentPlan() (domain.PlanIntent, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.plan == nil {
		return domain.PlanIntent{}, false
	}
	return a.plan.Clone(), true
}

// InFlight reports whether a background request is outstanding.
func (a *Arbiter) InFlight() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pending != nil
}

// Metrics returns a copy of the counters.
func (a *Arbiter) Metrics() Metrics {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.metrics
}

// Close abandons any outstanding request.
func (a *Arbiter) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pending != nil {
		a.pending.handle.Abandon()
		a.pending = nil
	}
	a.superseded = nil
}
