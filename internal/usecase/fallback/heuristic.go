package fallback

import (
	"fmt"
	"maps"
	"strings"

	"arbiter-ai/internal/domain"
)

// Binding fills step parameters from the snapshot.
type Binding string

const (
	BindNone           Binding = ""
	BindNearestEnemy   Binding = "nearest_enemy"    // target_id
	BindFirstPOI       Binding = "first_poi"        // x, y
	BindCoverFromEnemy Binding = "cover_from_enemy" // position two tiles away on x
)

// Condition is a conjunction: every set field must hold. A zero Condition
// always matches.
type Condition struct {
	MoraleBelow       *float64 `json:"morale_below,omitempty" yaml:"morale_below,omitempty"`
	AmmoAtMost        *int     `json:"ammo_at_most,omitempty" yaml:"ammo_at_most,omitempty"`
	EnemyWithin       *int     `json:"enemy_within,omitempty" yaml:"enemy_within,omitempty"`
	EnemyBeyond       *int     `json:"enemy_beyond,omitempty" yaml:"enemy_beyond,omitempty"`
	ObjectiveContains []string `json:"objective_contains,omitempty" yaml:"objective_contains,omitempty"`
	HasPOI            bool     `json:"has_poi,omitempty" yaml:"has_poi,omitempty"`
}

// Action is the step a matching rule contributes.
type Action struct {
	Tool   string         `json:"tool" yaml:"tool"`
	Params map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
	Bind   Binding        `json:"bind,omitempty" yaml:"bind,omitempty"`
}

// Rule is one row of the heuristic table.
type Rule struct {
	Name string    `json:"name" yaml:"name"`
	When Condition `json:"when" yaml:"when"`
	Then Action    `json:"then" yaml:"then"`
	// OnlyIfEmpty restricts the rule to snapshots where no earlier rule
	// produced a step.
	OnlyIfEmpty bool `json:"only_if_empty,omitempty" yaml:"only_if_empty,omitempty"`
}

// RuleSet is an ordered heuristic table. Every matching rule contributes
// one step.
type RuleSet struct {
	Rules []Rule `json:"rules" yaml:"rules"`
}

func ptr[T any](v T) *T { return &v }

// DefaultRules returns the built-in table.
func DefaultRules() *RuleSet {
	return &RuleSet{Rules: []Rule{
		{Name: "low_morale_heal", When: Condition{MoraleBelow: ptr(30.0)}, Then: Action{Tool: "Heal"}},
		{Name: "empty_reload", When: Condition{AmmoAtMost: ptr(0)}, Then: Action{Tool: "Reload"}},
		{Name: "close_enemy_attack", When: Condition{EnemyWithin: ptr(3)}, Then: Action{Tool: "Attack", Bind: BindNearestEnemy}},
		{Name: "far_enemy_cover", When: Condition{EnemyBeyond: ptr(3)}, Then: Action{Tool: "TakeCover", Bind: BindCoverFromEnemy}},
		{
			Name: "objective_move",
			When: Condition{ObjectiveContains: []string{"extract", "reach"}, HasPOI: true},
			Then: Action{Tool: "MoveTo", Bind: BindFirstPOI},
		},
		{Name: "idle_scan", Then: Action{Tool: "Scan", Params: map[string]any{"radius": 10.0}}, OnlyIfEmpty: true},
	}}
}

// Validate checks the table for structural errors.
func (rs *RuleSet) Validate() error {
	if rs == nil || len(rs.Rules) == 0 {
		return domain.NewSubSystemError("rules", "RuleSet.Validate", domain.ErrInvalidInput, "rule table is empty")
	}
	var errs []string
	for i, r := range rs.Rules {
		if r.Then.Tool == "" {
			errs = append(errs, fmt.Sprintf("rule %d (%s): then.tool is required", i+1, r.Name))
		}
		switch r.Then.Bind {
		case BindNone, BindNearestEnemy, BindFirstPOI, BindCoverFromEnemy:
		default:
			errs = append(errs, fmt.Sprintf("rule %d (%s): unknown bind %q", i+1, r.Name, r.Then.Bind))
		}
		if r.When.EnemyWithin != nil && *r.When.EnemyWithin < 0 {
			errs = append(errs, fmt.Sprintf("rule %d (%s): enemy_within must be >= 0", i+1, r.Name))
		}
	}
	if len(errs) > 0 {
		return domain.NewSubSystemError("rules", "RuleSet.Validate", domain.ErrInvalidInput, strings.Join(errs, "; "))
	}
	return nil
}

func (c Condition) matches(snap domain.WorldSnapshot) bool {
	if c.MoraleBelow != nil && !(snap.Me.Morale < *c.MoraleBelow) {
		return false
	}
	if c.AmmoAtMost != nil && snap.Me.Ammo > *c.AmmoAtMost {
		return false
	}
	if c.EnemyWithin != nil || c.EnemyBeyond != nil {
		_, dist, ok := snap.NearestEnemy()
		if !ok {
			return false
		}
		if c.EnemyWithin != nil && dist > *c.EnemyWithin {
			return false
		}
		if c.EnemyBeyond != nil && dist <= *c.EnemyBeyond {
			return false
		}
	}
	if len(c.ObjectiveContains) > 0 {
		obj := strings.ToLower(snap.Objective)
		found := false
		for _, w := range c.ObjectiveContains {
			if strings.Contains(obj, strings.ToLower(w)) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if c.HasPOI && len(snap.POIs) == 0 {
		return false
	}
	return true
}

func (a Action) bind(snap domain.WorldSnapshot) (domain.ActionStep, bool) {
	step := domain.ActionStep{Tool: a.Tool, Params: maps.Clone(a.Params)}
	if step.Params == nil && a.Bind != BindNone {
		step.Params = map[string]any{}
	}
	switch a.Bind {
	case BindNearestEnemy:
		enemy, _, ok := snap.NearestEnemy()
		if !ok {
			return domain.ActionStep{}, false
		}
		step.Params["target_id"] = enemy.ID
	case BindFirstPOI:
		if len(snap.POIs) == 0 {
			return domain.ActionStep{}, false
		}
		step.Params["x"] = snap.POIs[0].Pos.X
		step.Params["y"] = snap.POIs[0].Pos.Y
	case BindCoverFromEnemy:
		enemy, _, ok := snap.NearestEnemy()
		if !ok {
			return domain.ActionStep{}, false
		}
		x := snap.Me.Pos.X - 2
		if snap.Me.Pos.X > enemy.Pos.X {
			x = snap.Me.Pos.X + 2
		}
		step.Params["position"] = map[string]any{"x": x, "y": snap.Me.Pos.Y}
	}
	return step, true
}

// Plan evaluates the table against snap. Rules whose tool is not in reg
// are skipped.
func (rs *RuleSet) Plan(snap domain.WorldSnapshot, reg *domain.ToolRegistry) []domain.ActionStep {
	var steps []domain.ActionStep
	for _, r := range rs.Rules {
		if r.OnlyIfEmpty && len(steps) > 0 {
			continue
		}
		if !reg.Has(r.Then.Tool) || !r.When.matches(snap) {
			continue
		}
		if step, ok := r.Then.bind(snap); ok {
			steps = append(steps, step)
		}
	}
	return steps
}

// EmergencySteps is the fixed safe plan.
func EmergencySteps() []domain.ActionStep {
	return []domain.ActionStep{
		domain.NewStep("Scan", "radius", 10.0),
		domain.NewStep("Wait", "duration", 1.0),
	}
}
