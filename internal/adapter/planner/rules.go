// Package planner holds the reference fast planner: a deterministic rule
// set that answers within microseconds and drives the tick loop when no
// strategic plan is being executed.
package planner

import (
	"fmt"
	"math"

	"arbiter-ai/internal/domain"
)

// SmokeCooldownKey is the cooldown entry consulted before throwing smoke.
const SmokeCooldownKey = "ThrowSmoke"

var _ domain.FastPlanner = (*RulePlanner)(nil)

// RulePlanner engages the nearest enemy: smoke at the midpoint and advance
// two tiles when smoke is ready, otherwise creep one tile; then cover fire.
type RulePlanner struct{}

// NewRulePlanner returns the reference planner.
func NewRulePlanner() *RulePlanner { return &RulePlanner{} }

// ProposePlan returns the full rule plan for snap. The plan is empty when
// no enemy is visible.
func (RulePlanner) ProposePlan(snap domain.WorldSnapshot) domain.PlanIntent {
	plan := domain.PlanIntent{
		PlanID: fmt.Sprintf("plan-%d", int64(math.Round(snap.T*1000))),
	}

	enemy, _, ok := snap.NearestEnemy()
	if !ok {
		return plan
	}

	me := snap.Me.Pos
	dx, dy := sign(enemy.Pos.X-me.X), sign(enemy.Pos.Y-me.Y)

	if snap.Me.Cooldowns[SmokeCooldownKey] <= 0 {
		mid := domain.IVec2{X: (me.X + enemy.Pos.X) / 2, Y: (me.Y + enemy.Pos.Y) / 2}
		plan.Rationale = "smoke the approach, advance, suppress"
		plan.Steps = []domain.ActionStep{
			domain.NewStep("ThrowSmoke", "x", mid.X, "y", mid.Y),
			domain.NewStep("MoveTo", "x", me.X+2*dx, "y", me.Y+2*dy),
			domain.NewStep("CoverFire", "target_id", enemy.ID, "duration", 2.5),
		}
		return plan
	}

	plan.Rationale = "smoke on cooldown, advance cautiously"
	plan.Steps = []domain.ActionStep{
		domain.NewStep("MoveTo", "x", me.X+dx, "y", me.Y+dy),
		domain.NewStep("CoverFire", "target_id", enemy.ID, "duration", 1.5),
	}
	return plan
}

// ProposeAction implements domain.FastPlanner with the first rule step.
func (p RulePlanner) ProposeAction(snap domain.WorldSnapshot) (domain.ActionStep, bool) {
	plan := p.ProposePlan(snap)
	if len(plan.Steps) == 0 {
		return domain.ActionStep{}, false
	}
	return plan.Steps[0], true
}

func sign(n int) int {
	switch {
	case n > 0:
		return 1
	case n < 0:
		return -1
	}
	return 0
}
