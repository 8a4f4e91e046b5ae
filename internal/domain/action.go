package domain

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"
)

// ActionStep is one executable instruction: a tool name plus its arguments.
// It is a value type with no identity.
//
// On the wire a step is a flat object keyed by "act":
//
//	{"act":"MoveTo","x":4,"y":2}
type ActionStep struct {
	Tool   string
	Params map[string]any
}

// NewStep builds an ActionStep from alternating key/value pairs.
func NewStep(tool string, kv ...any) ActionStep {
	step := ActionStep{Tool: tool}
	if len(kv) > 0 {
		step.Params = make(map[string]any, len(kv)/2)
	}
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		step.Params[key] = kv[i+1]
	}
	return step
}

// IsZero reports whether the step has no tool.
func (a ActionStep) IsZero() bool { return a.Tool == "" }

// Param returns a parameter value.
func (a ActionStep) Param(name string) (any, bool) {
	v, ok := a.Params[name]
	return v, ok
}

// Float returns a numeric parameter as float64.
func (a ActionStep) Float(name string) (float64, bool) {
	switch v := a.Params[name].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint32:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	}
	return 0, false
}

// Clone returns a copy whose parameter map can be mutated independently.
func (a ActionStep) Clone() ActionStep {
	return ActionStep{Tool: a.Tool, Params: maps.Clone(a.Params)}
}

func (a ActionStep) String() string {
	if len(a.Params) == 0 {
		return a.Tool
	}
	keys := slices.Sorted(maps.Keys(a.Params))
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, a.Params[k]))
	}
	return a.Tool + "{" + strings.Join(parts, ", ") + "}"
}

// MarshalJSON encodes the step in its flat "act" form.
func (a ActionStep) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(a.Params)+1)
	for k, v := range a.Params {
		out[k] = v
	}
	out["act"] = a.Tool
	return json.Marshal(out)
}

// stepToolKeys are the keys accepted as the tool name, in priority order.
var stepToolKeys = []string{"act", "tool", "action", "name"}

// UnmarshalJSON accepts the flat form ({"act":"Scan","radius":10}), the
// args form ({"act":"Scan","args":{"radius":10}}) and the externally tagged
// form ({"Scan":{"radius":10}} or the bare string "Reload").
func (a *ActionStep) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		if name == "" {
			return fmt.Errorf("action step: empty tool name")
		}
		*a = ActionStep{Tool: name}
		return nil
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("action step: %w", err)
	}

	for _, key := range stepToolKeys {
		tool, ok := raw[key].(string)
		if !ok || tool == "" {
			continue
		}
		delete(raw, key)
		params := raw
		if args, ok := raw["args"].(map[string]any); ok {
			delete(raw, "args")
			params = args
			for k, v := range raw {
				params[k] = v
			}
		}
		*a = ActionStep{Tool: tool, Params: nilIfEmpty(params)}
		return nil
	}

	if len(raw) == 1 {
		for tool, v := range raw {
			params, _ := v.(map[string]any)
			*a = ActionStep{Tool: tool, Params: nilIfEmpty(params)}
			return nil
		}
	}
	return fmt.Errorf("action step: no tool name in %s", truncateBytes(data, 80))
}

func nilIfEmpty(m map[string]any) map[string]any {
	if len(m) == 0 {
		return nil
	}
	return m
}

func truncateBytes(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

// Tier is one rung of the fallback chain.
type Tier string

const (
	TierFullStrategic       Tier = "full_llm"
	TierSimplifiedStrategic Tier = "simplified_llm"
	TierHeuristic           Tier = "heuristic"
	TierEmergency           Tier = "emergency"
)

// Tiers lists the fallback chain in the order it is attempted.
var Tiers = []Tier{TierFullStrategic, TierSimplifiedStrategic, TierHeuristic, TierEmergency}

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	return slices.Contains(Tiers, t)
}

// Next returns the tier attempted after t.
func (t Tier) Next() (Tier, bool) {
	i := slices.Index(Tiers, t)
	if i < 0 || i+1 >= len(Tiers) {
		return "", false
	}
	return Tiers[i+1], true
}

// Strategic reports whether the tier calls the inference client.
func (t Tier) Strategic() bool {
	return t == TierFullStrategic || t == TierSimplifiedStrategic
}

// PlanIntent is an ordered strategy produced by a planner.
type PlanIntent struct {
	PlanID    string       `json:"plan_id"`
	Rationale string       `json:"rationale,omitempty"`
	Steps     []ActionStep `json:"steps"`
	Tier      Tier         `json:"tier,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
	Warnings  []string     `json:"warnings,omitempty"`
}

// Len returns the number of steps.
func (p PlanIntent) Len() int { return len(p.Steps) }

// Clone returns a deep copy of the plan.
func (p PlanIntent) Clone() PlanIntent {
	out := p
	out.Steps = make([]ActionStep, len(p.Steps))
	for i, s := range p.Steps {
		out.Steps[i] = s.Clone()
	}
	out.Warnings = slices.Clone(p.Warnings)
	return out
}
