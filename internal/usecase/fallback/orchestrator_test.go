package fallback

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arbiter-ai/internal/domain"
	"arbiter-ai/internal/usecase/strategic"
	"arbiter-ai/internal/usecase/task"
)

// --- Mocks ---

// scriptedClient answers by prompt kind: prompts containing "Tools: " come
// from the simplified tier, batch prompts mention "agents", everything else
// is the full tier.
type scriptedClient struct {
	mu         sync.Mutex
	full       []reply
	simplified []reply
	batch      []reply
	calls      []string
}

type reply struct {
	text string
	err  error
}

func (c *scriptedClient) Complete(_ context.Context, req domain.CompletionRequest) (*domain.CompletionResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var queue *[]reply
	kind := "full"
	switch {
	case strings.Contains(req.Prompt, "You are planning for"):
		queue, kind = &c.batch, "batch"
	case strings.Contains(req.Prompt, "\nTools: "):
		queue, kind = &c.simplified, "simplified"
	default:
		queue = &c.full
	}
	c.calls = append(c.calls, kind)

	if len(*queue) == 0 {
		return nil, domain.NewDomainError("scripted", domain.ErrProviderError, "no scripted reply")
	}
	r := (*queue)[0]
	if len(*queue) > 1 {
		*queue = (*queue)[1:]
	}
	if r.err != nil {
		return nil, r.err
	}
	return &domain.CompletionResponse{Text: r.text}, nil
}

func (c *scriptedClient) Name() string { return "scripted" }

func (c *scriptedClient) callKinds() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

func testRegistry() *domain.ToolRegistry {
	num := func(n string) domain.ToolParameter { return domain.ToolParameter{Name: n, Type: "f32", Required: true} }
	return domain.NewToolRegistry([]domain.ToolDescriptor{
		{Name: "MoveTo", Parameters: []domain.ToolParameter{
			{Name: "x", Type: "i32", Required: true}, {Name: "y", Type: "i32", Required: true},
		}},
		{Name: "Attack", Parameters: []domain.ToolParameter{{Name: "target_id", Type: "Entity", Required: true}}},
		{Name: "TakeCover", Parameters: []domain.ToolParameter{{Name: "position", Type: "IVec2?"}}},
		{Name: "Heal", Parameters: []domain.ToolParameter{{Name: "target_id", Type: "Entity?"}}},
		{Name: "Reload"},
		{Name: "Scan", Parameters: []domain.ToolParameter{num("radius")}},
		{Name: "Wait", Parameters: []domain.ToolParameter{num("duration")}},
		{Name: "Teleport"},
	}, domain.Constraints{})
}

func baseSnapshot() domain.WorldSnapshot {
	return domain.WorldSnapshot{
		T:  1,
		Me: domain.CompanionState{Ammo: 10, Morale: 80, Pos: domain.IVec2{X: 5, Y: 5}},
	}
}

func newOrchestrator(t *testing.T, client domain.InferenceClient, cfg Config) *Orchestrator {
	t.Helper()
	pool := task.NewPool(2, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = pool.Close(ctx)
	})
	exec := strategic.NewExecutor(client, testRegistry(), pool, strategic.Config{
		Timeout:         time.Second,
		SimplifiedTools: []string{"MoveTo", "Attack", "Scan", "Wait"},
	})
	return New(exec, nil, cfg)
}

const fullPlan = `{"plan_id":"full","steps":[{"act":"MoveTo","x":1,"y":2}]}`
const simplePlan = `{"plan_id":"simple","steps":[{"act":"Scan","radius":5}]}`

func TestPlanWithFallback_FullTierSucceeds(t *testing.T) {
	client := &scriptedClient{full: []reply{{text: fullPlan}}}
	o := newOrchestrator(t, client, Config{TierRetries: 1})

	res, err := o.PlanWithFallback(context.Background(), baseSnapshot())
	require.NoError(t, err)
	assert.Equal(t, domain.TierFullStrategic, res.Tier)
	assert.Equal(t, domain.TierFullStrategic, res.Plan.Tier)
	assert.Equal(t, "full", res.Plan.PlanID)
	require.Len(t, res.Attempts, 1)
	assert.True(t, res.Attempts[0].Success)
}

func TestPlanWithFallback_TierOrdering(t *testing.T) {
	provider := domain.NewDomainError("test", domain.ErrProviderError, "boom")
	client := &scriptedClient{
		full:       []reply{{err: provider}},
		simplified: []reply{{text: simplePlan}},
	}
	o := newOrchestrator(t, client, Config{TierRetries: 1})

	res, err := o.PlanWithFallback(context.Background(), baseSnapshot())
	require.NoError(t, err)
	assert.Equal(t, domain.TierSimplifiedStrategic, res.Tier)
	assert.Equal(t, []string{"full", "full", "simplified"}, client.callKinds())

	require.Len(t, res.Attempts, 3)
	assert.Equal(t, domain.TierFullStrategic, res.Attempts[0].Tier)
	assert.Equal(t, 2, res.Attempts[1].Try)
	assert.ErrorIs(t, res.Attempts[0].Err, domain.ErrProviderError)

	m := o.Metrics()
	assert.Equal(t, uint64(1), m.TotalRequests)
	assert.Equal(t, uint64(1), m.TierSuccesses[domain.TierSimplifiedStrategic])
	assert.Equal(t, uint64(2), m.TierFailures[domain.TierFullStrategic])
	assert.InDelta(t, 3.0, m.AverageAttempts, 1e-9)
}

func TestPlanWithFallback_HallucinationAdvancesWithoutRetry(t *testing.T) {
	client := &scriptedClient{
		full:       []reply{{text: `{"plan_id":"bad","steps":[{"act":"Fly"}]}`}},
		simplified: []reply{{text: `{"plan_id":"bad2","steps":[{"act":"Teleport"}]}`}},
	}
	o := newOrchestrator(t, client, Config{TierRetries: 3})

	res, err := o.PlanWithFallback(context.Background(), baseSnapshot())
	require.NoError(t, err)
	assert.Equal(t, domain.TierHeuristic, res.Tier)
	assert.Equal(t, []string{"full", "simplified"}, client.callKinds())
	assert.ErrorIs(t, res.Attempts[0].Err, domain.ErrHallucination)
	assert.ErrorIs(t, res.Attempts[1].Err, domain.ErrHallucination, "Teleport is outside the simplified vocabulary")
}

func TestPlanWithFallback_ParseFailureAdvancesWithoutRetry(t *testing.T) {
	client := &scriptedClient{
		full:       []reply{{text: "I cannot help with that."}},
		simplified: []reply{{text: `{"plan_id":"x","steps":[{"act":"Scan"`}},
	}
	o := newOrchestrator(t, client, Config{TierRetries: 3})

	res, err := o.PlanWithFallback(context.Background(), baseSnapshot())
	require.NoError(t, err)
	assert.Equal(t, domain.TierHeuristic, res.Tier)
	assert.Equal(t, []string{"full", "simplified"}, client.callKinds())
	assert.ErrorIs(t, res.Attempts[0].Err, domain.ErrParse)
	assert.ErrorIs(t, res.Attempts[1].Err, domain.ErrParse)
}

func TestPlanWithFallback_FullOutage(t *testing.T) {
	client := &scriptedClient{
		full:       []reply{{err: errors.New("connection refused")}},
		simplified: []reply{{err: errors.New("connection refused")}},
	}
	o := newOrchestrator(t, client, Config{TierRetries: 1})

	snap := baseSnapshot()
	snap.Enemies = []domain.EnemyState{{ID: 3, Pos: domain.IVec2{X: 6, Y: 6}}}

	res, err := o.PlanWithFallback(context.Background(), snap)
	require.NoError(t, err)
	assert.Equal(t, domain.TierHeuristic, res.Tier)
	require.NotEmpty(t, res.Plan.Steps)
	assert.True(t, strings.HasPrefix(res.Plan.PlanID, "heuristic-"))

	last := res.Attempts[len(res.Attempts)-1]
	assert.Equal(t, domain.TierHeuristic, last.Tier)
	assert.Less(t, last.Duration, time.Millisecond)
}

func TestPlanWithFallback_EmergencyWhenNoRuleApplies(t *testing.T) {
	o := New(nil, domain.NewToolRegistry([]domain.ToolDescriptor{{Name: "Dance"}}, domain.Constraints{}), Config{})

	res, err := o.PlanWithFallback(context.Background(), baseSnapshot())
	require.NoError(t, err)
	assert.Equal(t, domain.TierEmergency, res.Tier)
	assert.Equal(t, EmergencySteps(), res.Plan.Steps)
	assert.True(t, strings.HasPrefix(res.Plan.PlanID, "emergency-"))
	assert.Len(t, res.Attempts, 4)
	assert.ErrorIs(t, res.Attempts[0].Err, domain.ErrDisabled)
}

func TestPlanWithFallback_StartTier(t *testing.T) {
	client := &scriptedClient{full: []reply{{text: fullPlan}}}
	o := newOrchestrator(t, client, Config{StartTier: domain.TierHeuristic})

	res, err := o.PlanWithFallback(context.Background(), baseSnapshot())
	require.NoError(t, err)
	assert.Equal(t, domain.TierHeuristic, res.Tier)
	assert.Empty(t, client.callKinds())
}

func TestPlanWithFallback_CancelledContextStillPlans(t *testing.T) {
	client := &scriptedClient{full: []reply{{text: fullPlan}}}
	o := newOrchestrator(t, client, Config{TierRetries: 1})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := o.PlanWithFallback(ctx, baseSnapshot())
	require.NoError(t, err)
	assert.Equal(t, domain.TierHeuristic, res.Tier)
}

func TestSetRules_RejectsInvalid(t *testing.T) {
	o := New(nil, testRegistry(), Config{})
	err := o.SetRules(&RuleSet{Rules: []Rule{{Name: "broken"}}})
	require.Error(t, err)
	assert.Equal(t, domain.CodeRulesInvalid, domain.ErrorCodeOf(err))
	assert.Len(t, o.Rules().Rules, len(DefaultRules().Rules))

	custom := &RuleSet{Rules: []Rule{{Name: "always_wait", Then: Action{Tool: "Wait", Params: map[string]any{"duration": 2.0}}}}}
	require.NoError(t, o.SetRules(custom))
	plan, err := o.HeuristicPlan(baseSnapshot())
	require.NoError(t, err)
	assert.Equal(t, "Wait", plan.Steps[0].Tool)
	assert.Equal(t, domain.TierHeuristic, plan.Tier)
}
