package fallback

import (
	"context"
	"time"

	"arbiter-ai/internal/domain"
	"arbiter-ai/internal/infra/tracer"
	"arbiter-ai/internal/usecase/parser"
)

// PlanBatch plans for several agents with one inference call per strategic
// tier. Agents whose plan is missing or invalid in the batched response
// fall back individually to the heuristic tier (and from there to the
// emergency plan). An empty input yields an empty map.
func (o *Orchestrator) PlanBatch(ctx context.Context, agents []domain.AgentSnapshot) (map[domain.AgentID]Result, error) {
	results := make(map[domain.AgentID]Result, len(agents))
	if len(agents) == 0 {
		return results, nil
	}

	ctx, span := tracer.StartSpan(ctx, "fallback.plan_batch")
	defer span.End()
	span.SetAttributes(tracer.IntAttr("fallback.agents", len(agents)))

	start := time.Now()
	attempts := make(map[domain.AgentID][]Attempt, len(agents))
	pending := agents

	if o.strategic != nil {
		for _, tier := range []domain.Tier{domain.TierFullStrategic, domain.TierSimplifiedStrategic} {
			if len(pending) == 0 || !o.reaches(tier) {
				continue
			}
			pending = o.tryBatchTier(ctx, tier, pending, attempts, results, start)
		}
	}

	local := domain.TierHeuristic
	if o.cfg.StartTier == domain.TierEmergency {
		local = domain.TierEmergency
	}
	for _, a := range pending {
		res, err := o.planFrom(ctx, a.Snapshot, local, attempts[a.ID], start)
		if err != nil {
			return results, err
		}
		results[a.ID] = res
	}

	o.logger.Info("batch planning complete", "agents", len(agents), "fallbacks", len(pending), "duration", time.Since(start))
	tracer.SetOK(span)
	return results, nil
}

// reaches reports whether tier is at or after the configured start tier.
func (o *Orchestrator) reaches(tier domain.Tier) bool {
	for t := o.cfg.StartTier; ; {
		if t == tier {
			return true
		}
		next, ok := t.Next()
		if !ok {
			return false
		}
		t = next
	}
}

// tryBatchTier sends one batched request and records a result for every
// agent whose plan validated. It returns the agents still needing a plan.
func (o *Orchestrator) tryBatchTier(
	ctx context.Context,
	tier domain.Tier,
	agents []domain.AgentSnapshot,
	attempts map[domain.AgentID][]Attempt,
	results map[domain.AgentID]Result,
	start time.Time,
) []domain.AgentSnapshot {
	reg := o.strategic.Registry()
	if tier == domain.TierSimplifiedStrategic {
		reg = o.strategic.SimplifiedRegistry()
	}

	t0 := time.Now()
	batch, err := o.inferBatch(ctx, agents, reg)
	elapsed := time.Since(t0)
	if err != nil {
		o.logger.Warn("batch tier failed", "tier", tier, "agents", len(agents), "error", err)
		for _, a := range agents {
			att := Attempt{Tier: tier, Try: 1, Err: err, Error: err.Error(), Duration: elapsed}
			attempts[a.ID] = append(attempts[a.ID], att)
			o.observe(ctx, att)
		}
		return agents
	}

	var pending []domain.AgentSnapshot
	for i, a := range agents {
		num := i + 1
		att := Attempt{Tier: tier, Try: 1, Duration: elapsed}
		pr, ok := batch.Plans[num]
		if ok && len(pr.Plan.Steps) > 0 {
			att.Success = true
			attempts[a.ID] = append(attempts[a.ID], att)
			o.observe(ctx, att)
			plan := pr.Plan
			plan.Tier = tier
			res := Result{Plan: plan, Tier: tier, Attempts: attempts[a.ID], Duration: time.Since(start)}
			o.recordSuccess(res)
			results[a.ID] = res
			continue
		}

		cause := batch.Errors[num]
		if cause == nil {
			cause = domain.NewSubSystemError("fallback", "Orchestrator.PlanBatch", domain.ErrNoPlan, "batch response missing plan for agent")
		}
		att.Err, att.Error = cause, cause.Error()
		attempts[a.ID] = append(attempts[a.ID], att)
		o.observe(ctx, att)
		o.logger.Debug("batch plan rejected for agent", "tier", tier, "agent_id", a.ID, "error", cause)
		pending = append(pending, a)
	}
	return pending
}

func (o *Orchestrator) inferBatch(ctx context.Context, agents []domain.AgentSnapshot, reg *domain.ToolRegistry) (parser.BatchResult, error) {
	text := o.strategic.Prompts().BuildBatch(agents, reg)
	resp, err := o.strategic.Infer(ctx, text)
	if err != nil {
		return parser.BatchResult{}, err
	}
	return o.strategic.Parser().ParseBatch(resp.Text, reg, len(agents))
}
