package arbiter

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arbiter-ai/internal/domain"
	"arbiter-ai/internal/usecase/fallback"
	"arbiter-ai/internal/usecase/task"
)

// --- Mocks ---

// gatedRequester spawns one background job per request. Each job waits until
// the test releases it with a result.
type gatedRequester struct {
	pool *task.Pool

	mu    sync.Mutex
	gates []chan task.Result[domain.PlanIntent]
	snaps []domain.WorldSnapshot
}

func newGatedRequester(t *testing.T) *gatedRequester {
	t.Helper()
	pool := task.NewPool(4, nil)
	r := &gatedRequester{pool: pool}
	t.Cleanup(func() {
		r.mu.Lock()
		for _, g := range r.gates {
			select {
			case g <- task.Result[domain.PlanIntent]{Err: context.Canceled}:
			default:
			}
		}
		r.mu.Unlock()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = pool.Close(ctx)
	})
	return r
}

func (r *gatedRequester) RequestPlan(snap domain.WorldSnapshot) *task.Handle[domain.PlanIntent] {
	gate := make(chan task.Result[domain.PlanIntent], 1)
	r.mu.Lock()
	r.gates = append(r.gates, gate)
	r.snaps = append(r.snaps, snap)
	r.mu.Unlock()
	return task.Spawn(r.pool, func(ctx context.Context) (domain.PlanIntent, error) {
		select {
		case res := <-gate:
			return res.Value, res.Err
		case <-ctx.Done():
			return domain.PlanIntent{}, ctx.Err()
		}
	})
}

func (r *gatedRequester) requests() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.gates)
}

func (r *gatedRequester) release(i int, plan domain.PlanIntent, err error) {
	r.mu.Lock()
	gate := r.gates[i]
	r.mu.Unlock()
	gate <- task.Result[domain.PlanIntent]{Value: plan, Err: err}
}

// completedRequester answers synchronously.
type completedRequester struct {
	plan  domain.PlanIntent
	err   error
	calls int
}

func (r *completedRequester) RequestPlan(domain.WorldSnapshot) *task.Handle[domain.PlanIntent] {
	r.calls++
	return task.Completed(r.plan, r.err)
}

type recordingBus struct {
	mu     sync.Mutex
	events []domain.Event
}

func (b *recordingBus) Publish(_ context.Context, ev domain.Event) {
	b.mu.Lock()
	b.events = append(b.events, ev)
	b.mu.Unlock()
}

func (b *recordingBus) Subscribe(domain.EventType, domain.EventHandler) func() { return func() {} }
func (b *recordingBus) SubscribeAll(domain.EventHandler) func()                { return func() {} }
func (b *recordingBus) Close()                                                 {}

func (b *recordingBus) types() []domain.EventType {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.EventType, len(b.events))
	for i, ev := range b.events {
		out[i] = ev.Type
	}
	return out
}

type countingRecorder struct {
	ticks   int
	changes [][2]ModeKind
}

func (r *countingRecorder) ObserveTick(string, time.Duration) { r.ticks++ }
func (r *countingRecorder) ObserveModeChange(from, to string) {
	r.changes = append(r.changes, [2]ModeKind{ModeKind(from), ModeKind(to)})
}

// --- Helpers ---

var stepForward = domain.NewStep("MoveTo", "x", 1, "y", 0)

func fastPlanner() domain.FastPlanner {
	return domain.FastPlannerFunc(func(domain.WorldSnapshot) (domain.ActionStep, bool) {
		return stepForward, true
	})
}

func snapAt(t float64) domain.WorldSnapshot {
	return domain.WorldSnapshot{T: t, Me: domain.CompanionState{Ammo: 5, Morale: 80}}
}

func threeStepPlan(id string) domain.PlanIntent {
	return domain.PlanIntent{
		PlanID: id,
		Tier:   domain.TierFullStrategic,
		Steps: []domain.ActionStep{
			domain.NewStep("Scan", "radius", 5.0),
			domain.NewStep("TakeCover"),
			domain.NewStep("Attack", "target_id", 2),
		},
	}
}

func waitFinished(t *testing.T, a *Arbiter, snap domain.WorldSnapshot) domain.ActionStep {
	t.Helper()
	var step domain.ActionStep
	require.Eventually(t, func() bool {
		step = a.Tick(snap)
		return !a.InFlight()
	}, time.Second, time.Millisecond)
	return step
}

// --- Tests ---

func TestTick_AlwaysEmitsOneAction(t *testing.T) {
	tests := []struct {
		name string
		fast domain.FastPlanner
		want string
	}{
		{"fast planner action", fastPlanner(), "MoveTo"},
		{"planner without opinion waits", domain.FastPlannerFunc(func(domain.WorldSnapshot) (domain.ActionStep, bool) {
			return domain.ActionStep{}, false
		}), "Wait"},
		{"nil planner waits", nil, "Wait"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := New(tt.fast, nil, nil)
			for i := range 50 {
				step := a.Tick(snapAt(float64(i)))
				require.False(t, step.IsZero())
				assert.Equal(t, tt.want, step.Tool)
			}
			assert.Equal(t, uint64(50), a.Metrics().FastActions)
		})
	}
}

func TestTick_NeverBlocksOnSlowStrategicWork(t *testing.T) {
	req := newGatedRequester(t)
	a := New(fastPlanner(), req, nil)

	for i := range 1000 {
		start := time.Now()
		step := a.Tick(snapAt(float64(i) * 0.05))
		require.Less(t, time.Since(start), 5*time.Millisecond)
		require.Equal(t, "MoveTo", step.Tool)
	}
	assert.Equal(t, 1, req.requests(), "only one request is in flight at a time")
	assert.True(t, a.InFlight())
}

func TestTick_ExecutesPlanThenReturnsToFastPlanner(t *testing.T) {
	req := newGatedRequester(t)
	bus := &recordingBus{}
	a := New(fastPlanner(), req, nil, WithEventBus(bus), WithAgentID("companion-1"))

	// First tick launches; the fast action is emitted regardless.
	assert.Equal(t, "MoveTo", a.Tick(snapAt(0)).Tool)
	require.Equal(t, 1, req.requests())

	req.release(0, threeStepPlan("p1"), nil)
	// The tick that applies the result still emits the fast action.
	assert.Equal(t, "MoveTo", waitFinished(t, a, snapAt(0.1)).Tool)
	assert.Equal(t, Mode{Kind: ModeExecutingPlan}, a.Mode())

	plan, ok := a.CurrentPlan()
	require.True(t, ok)
	assert.Equal(t, "p1", plan.PlanID)

	assert.Equal(t, "Scan", a.Tick(snapAt(0.2)).Tool)
	assert.Equal(t, 1, a.Mode().StepIndex)
	assert.Equal(t, "TakeCover", a.Tick(snapAt(0.3)).Tool)
	assert.Equal(t, "Attack", a.Tick(snapAt(0.4)).Tool)
	assert.Equal(t, ModeFastPlanner, a.Mode().Kind)
	_, ok = a.CurrentPlan()
	assert.False(t, ok)
	assert.Equal(t, "MoveTo", a.Tick(snapAt(0.5)).Tool)

	m := a.Metrics()
	assert.Equal(t, uint64(1), m.StrategicRequests)
	assert.Equal(t, uint64(1), m.StrategicSuccesses)
	assert.Equal(t, uint64(3), m.PlanStepsExecuted)
	assert.Equal(t, uint64(2), m.ModeTransitions)

	assert.Subset(t, bus.types(), []domain.EventType{
		domain.EventStrategicLaunched,
		domain.EventStrategicSucceeded,
		domain.EventPlanInstalled,
		domain.EventPlanExhausted,
		domain.EventModeChanged,
	})
}

func TestTick_NoRequestsWhileExecuting(t *testing.T) {
	req := &completedRequester{plan: threeStepPlan("cached")}
	a := New(fastPlanner(), req, nil, WithCooldown(0))

	a.Tick(snapAt(0))
	require.Equal(t, ModeExecutingPlan, a.Mode().Kind)
	a.Tick(snapAt(1))
	a.Tick(snapAt(2))
	assert.Equal(t, 1, req.calls)

	// The last step returns to the fast planner, which may request again.
	a.Tick(snapAt(3))
	assert.Equal(t, 2, req.calls)
}

func TestTick_RequestWhileExecuting(t *testing.T) {
	req := &completedRequester{plan: threeStepPlan("cached")}
	a := New(fastPlanner(), req, nil, WithCooldown(0), WithRequestWhileExecuting(true))

	a.Tick(snapAt(0))
	a.Tick(snapAt(1))
	assert.Equal(t, 2, req.calls)
	assert.Equal(t, Mode{Kind: ModeExecutingPlan}, a.Mode(), "a fresh plan restarts at step 0")
}

func TestTick_CooldownOnSnapshotTime(t *testing.T) {
	req := &completedRequester{err: domain.NewSubSystemError("strategic", "test", domain.ErrTimeout, "slow")}
	a := New(fastPlanner(), req, nil, WithCooldown(10*time.Second))

	a.Tick(snapAt(0))
	assert.Equal(t, 1, req.calls)
	a.Tick(snapAt(5))
	a.Tick(snapAt(9.9))
	assert.Equal(t, 1, req.calls)
	a.Tick(snapAt(10))
	assert.Equal(t, 2, req.calls)

	a.RequestPlanNow()
	a.Tick(snapAt(10.5))
	assert.Equal(t, 3, req.calls, "explicit request ignores the cooldown")
	a.Tick(snapAt(11))
	assert.Equal(t, 3, req.calls, "explicit request fires once")
}

func TestTick_WorldChangeTrigger(t *testing.T) {
	req := &completedRequester{err: domain.ErrTimeout}
	enemiesAppeared := func(last, cur domain.WorldSnapshot) bool {
		return len(last.Enemies) == 0 && len(cur.Enemies) > 0
	}
	a := New(fastPlanner(), req, nil, WithCooldown(time.Minute), WithTrigger(enemiesAppeared))

	a.Tick(snapAt(0))
	a.Tick(snapAt(1))
	assert.Equal(t, 1, req.calls)

	s := snapAt(2)
	s.Enemies = []domain.EnemyState{{ID: 1}}
	a.Tick(s)
	assert.Equal(t, 2, req.calls)
}

func TestTick_FailureDegradesAndSuccessRecovers(t *testing.T) {
	req := newGatedRequester(t)
	rec := &countingRecorder{}
	a := New(fastPlanner(), req, nil, WithCooldown(time.Second), WithRecorder(rec))

	a.Tick(snapAt(0))
	req.release(0, domain.PlanIntent{}, domain.NewSubSystemError("strategic", "Executor.Infer", domain.ErrTimeout, "no response"))
	step := waitFinished(t, a, snapAt(0.1))
	assert.Equal(t, "MoveTo", step.Tool)
	assert.Equal(t, Mode{Kind: ModeDegraded, Tier: domain.TierFullStrategic}, a.Mode())
	assert.Equal(t, uint64(1), a.Metrics().StrategicFailures)

	// Degraded still uses the fast planner and keeps requesting.
	assert.Equal(t, "MoveTo", a.Tick(snapAt(1.5)).Tool)
	require.Equal(t, 2, req.requests())
	req.release(1, threeStepPlan("p2"), nil)
	waitFinished(t, a, snapAt(1.6))
	assert.Equal(t, ModeExecutingPlan, a.Mode().Kind)

	assert.Equal(t, [][2]ModeKind{
		{ModeFastPlanner, ModeDegraded},
		{ModeDegraded, ModeExecutingPlan},
	}, rec.changes)
	assert.Positive(t, rec.ticks)
}

func TestTick_EmptyPlanCountsAsFailure(t *testing.T) {
	req := &completedRequester{plan: domain.PlanIntent{PlanID: "empty"}}
	a := New(fastPlanner(), req, nil)

	a.Tick(snapAt(0))
	assert.Equal(t, ModeDegraded, a.Mode().Kind)
	assert.Equal(t, uint64(1), a.Metrics().StrategicFailures)
}

func TestForceRequest_SupersededResultIsIgnored(t *testing.T) {
	req := newGatedRequester(t)
	bus := &recordingBus{}
	a := New(fastPlanner(), req, nil, WithEventBus(bus))

	a.Tick(snapAt(0)) // request A
	a.ForceRequest(snapAt(0.5))
	require.Equal(t, 2, req.requests())

	req.release(0, threeStepPlan("A"), nil)
	require.Eventually(t, func() bool {
		a.Tick(snapAt(1))
		return a.Metrics().IgnoredResults == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, ModeFastPlanner, a.Mode().Kind, "A must not be installed")
	assert.True(t, a.InFlight())

	req.release(1, threeStepPlan("B"), nil)
	waitFinished(t, a, snapAt(1.1))
	plan, ok := a.CurrentPlan()
	require.True(t, ok)
	assert.Equal(t, "B", plan.PlanID)
	assert.Contains(t, bus.types(), domain.EventStrategicIgnored)

	m := a.Metrics()
	assert.Equal(t, uint64(2), m.StrategicRequests)
	assert.Equal(t, uint64(1), m.StrategicSuccesses)
}

func TestPlanNow(t *testing.T) {
	t.Run("with orchestrator", func(t *testing.T) {
		orch := fallback.New(nil, domain.NewToolRegistry([]domain.ToolDescriptor{{Name: "Scan"}}, domain.Constraints{}), fallback.Config{})
		a := New(fastPlanner(), nil, orch)

		res, err := a.PlanNow(context.Background(), snapAt(0))
		require.NoError(t, err)
		assert.Equal(t, domain.TierHeuristic, res.Tier)
		assert.Equal(t, ModeExecutingPlan, a.Mode().Kind)
		assert.Equal(t, "Scan", a.Tick(snapAt(0)).Tool)
	})

	t.Run("without orchestrator", func(t *testing.T) {
		a := New(fastPlanner(), nil, nil)
		res, err := a.PlanNow(context.Background(), snapAt(0))
		require.NoError(t, err)
		assert.Equal(t, domain.TierEmergency, res.Tier)
		assert.Equal(t, "Scan", a.Tick(snapAt(0)).Tool)
		assert.Equal(t, "Wait", a.Tick(snapAt(0)).Tool)
		assert.Equal(t, ModeFastPlanner, a.Mode().Kind)
	})
}

func TestClose_AbandonsInFlight(t *testing.T) {
	req := newGatedRequester(t)
	a := New(fastPlanner(), req, nil)
	a.Tick(snapAt(0))
	require.True(t, a.InFlight())
	a.Close()
	assert.False(t, a.InFlight())
}

func TestMode_String(t *testing.T) {
	assert.Equal(t, "FastPlanner", Mode{Kind: ModeFastPlanner}.String())
	assert.Equal(t, "ExecutingPlan{2}", Mode{Kind: ModeExecutingPlan, StepIndex: 2}.String())
	assert.Equal(t, "Degraded{full_llm}", Mode{Kind: ModeDegraded, Tier: domain.TierFullStrategic}.String())
}
