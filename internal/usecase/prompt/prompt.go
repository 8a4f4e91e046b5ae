// Package prompt renders world snapshots and tool registries into the text
// sent to the strategic planner.
package prompt

import (
	"encoding/json"
	"fmt"
	"strings"

	"arbiter-ai/internal/domain"
)

// Role selects the compressed system header.
type Role string

const (
	RoleTactical    Role = "tactical"
	RoleStealth     Role = "stealth"
	RoleSupport     Role = "support"
	RoleExploration Role = "exploration"
)

var roleHeaders = map[Role]string{
	RoleTactical: `Tactical AI: Eliminate threats, minimize risk.
Rules:
1.Cover before engage
2.Smoke obscures LOS
3.Heal allies(safe)
4.No multi-engage w/o cover
5.Max 3 grenades
JSON: {plan_id:str,steps:[{act,...args}]} ONLY JSON.`,
	RoleStealth: `Stealth AI: Reach target undetected.
Rules:
1.NO Attack(alerts)
2.Wait for patrols
3.Distract with throws
4.Cover if risk>30%
5.Indirect routes
JSON: {plan_id:str,steps:[{act,...args}]} ONLY JSON.`,
	RoleSupport: `Support AI: Keep allies alive.
Rules:
1.Ally survival>kills
2.Revive ASAP(safe)
3.Smoke=escape routes
4.Behind front-line
5.Fire only if ally danger
JSON: {plan_id:str,steps:[{act,...args}]} ONLY JSON.`,
	RoleExploration: `Exploration AI: Map territory, locate objectives.
Rules:
1.Visit all unexplored
2.Investigate POI
3.Avoid combat
4.Mark threats
5.Return to start
JSON: {plan_id:str,steps:[{act,...args}]} ONLY JSON.`,
}

// Options controls the full prompt.
type Options struct {
	Role             Role
	IncludeExamples  bool
	MaxExamples      int
	IncludeSchemas   bool
	StrictJSONOnly   bool
	Examples         []Example
	IndentedSnapshot bool
}

// DefaultOptions returns the options used by the full strategic tier.
func DefaultOptions() Options {
	return Options{
		Role:            RoleTactical,
		IncludeExamples: true,
		MaxExamples:     5,
		IncludeSchemas:  true,
		StrictJSONOnly:  true,
		Examples:        DefaultExamples(),
	}
}

// Example is one few-shot demonstration.
type Example struct {
	Situation string
	Output    string
}

// DefaultExamples returns the built-in few-shot set. Examples that name
// tools missing from the registry are skipped at render time.
func DefaultExamples() []Example {
	return []Example{
		{
			Situation: "enemy 2 tiles away, ammo full",
			Output:    `{"plan_id":"ex-1","rationale":"close threat","steps":[{"act":"TakeCover","position":{"x":3,"y":5}},{"act":"Attack","target_id":7}]}`,
		},
		{
			Situation: "no ammo, enemy far",
			Output:    `{"plan_id":"ex-2","rationale":"rearm first","steps":[{"act":"Reload"},{"act":"Scan","radius":15}]}`,
		},
		{
			Situation: "several enemies grouped in the open",
			Output:    `{"plan_id":"ex-3","rationale":"obscure then flank","steps":[{"act":"ThrowSmoke","x":8,"y":4},{"act":"MoveTo","x":10,"y":2}]}`,
		},
		{
			Situation: "low morale, player nearby",
			Output:    `{"plan_id":"ex-4","rationale":"recover","steps":[{"act":"Heal"},{"act":"Retreat","target_id":3,"distance":20}]}`,
		},
		{
			Situation: "objective: extract, no enemies",
			Output:    `{"plan_id":"ex-5","rationale":"move to exit","steps":[{"act":"MoveTo","x":20,"y":20}]}`,
		},
		{
			Situation: "unknown surroundings",
			Output:    `{"plan_id":"ex-6","steps":[{"act":"Scan","radius":10},{"act":"Wait","duration":1}]}`,
		},
	}
}

// Builder renders prompts.
type Builder struct {
	opts Options
}

// NewBuilder creates a builder with opts.
func NewBuilder(opts Options) *Builder {
	if opts.Role == "" {
		opts.Role = RoleTactical
	}
	return &Builder{opts: opts}
}

// BuildFull renders the full strategic prompt: role, every registry tool
// grouped by category with its argument schema, few-shot examples, output
// instructions and the snapshot.
func (b *Builder) BuildFull(snap domain.WorldSnapshot, reg *domain.ToolRegistry) string {
	var sb strings.Builder

	sb.WriteString("You are an AI game companion planner. Convert the world snapshot into a legal action plan.\n")
	sb.WriteString("Use ONLY the tools listed below with their exact names and arguments. ")
	sb.WriteString("The engine validates cooldowns and line of sight.\n\n")

	sb.WriteString(fmt.Sprintf("Allowed tools (%d):\n", reg.Len()))
	for _, cat := range reg.Categories() {
		label := cat
		if label == "" {
			label = "general"
		}
		sb.WriteString(strings.ToUpper(label))
		sb.WriteString(":\n")
		for _, t := range reg.ByCategory(cat) {
			sb.WriteString("  ")
			if b.opts.IncludeSchemas {
				sb.WriteString(t.Signature())
			} else {
				sb.WriteString(t.Name)
			}
			if t.Description != "" {
				sb.WriteString(" - ")
				sb.WriteString(t.Description)
			}
			sb.WriteByte('\n')
		}
	}

	if b.opts.IncludeExamples {
		if ex := b.examples(reg); len(ex) > 0 {
			sb.WriteString("\nExamples:\n")
			for _, e := range ex {
				sb.WriteString("Situation: ")
				sb.WriteString(e.Situation)
				sb.WriteString("\nPlan: ")
				sb.WriteString(e.Output)
				sb.WriteByte('\n')
			}
		}
	}

	sb.WriteString("\nSnapshot:\n")
	sb.WriteString(b.snapshotJSON(snap))
	sb.WriteString("\n\n")

	sb.WriteString(`Output schema: {"plan_id":"string","rationale":"string","steps":[{"act":"ToolName",...args}]}`)
	sb.WriteByte('\n')
	if b.opts.StrictJSONOnly {
		sb.WriteString("Return ONLY JSON with no commentary. Do not invent tools; unknown tools reject the whole plan.\n")
	}
	return sb.String()
}

// examples returns up to MaxExamples examples whose tools all exist in reg.
func (b *Builder) examples(reg *domain.ToolRegistry) []Example {
	limit := b.opts.MaxExamples
	if limit <= 0 {
		return nil
	}
	out := make([]Example, 0, limit)
	for _, e := range b.opts.Examples {
		if len(out) == limit {
			break
		}
		if exampleFits(e, reg) {
			out = append(out, e)
		}
	}
	return out
}

func exampleFits(e Example, reg *domain.ToolRegistry) bool {
	var doc struct {
		Steps []domain.ActionStep `json:"steps"`
	}
	if err := json.Unmarshal([]byte(e.Output), &doc); err != nil {
		return false
	}
	for _, s := range doc.Steps {
		if !reg.Has(s.Tool) {
			return false
		}
	}
	return true
}

func (b *Builder) snapshotJSON(snap domain.WorldSnapshot) string {
	var (
		raw []byte
		err error
	)
	if b.opts.IndentedSnapshot {
		raw, err = json.MarshalIndent(snap, "", "  ")
	} else {
		raw, err = json.Marshal(snap)
	}
	if err != nil {
		return "{}"
	}
	return string(raw)
}

// BuildCompressed renders the compact prompt used by the simplified tier:
// a short role header, a pipe-separated tool list and abbreviated snapshot.
func (b *Builder) BuildCompressed(snap domain.WorldSnapshot, toolNames []string) string {
	header, ok := roleHeaders[b.opts.Role]
	if !ok {
		header = roleHeaders[RoleTactical]
	}
	return header + "\n\nTools: " + strings.Join(toolNames, "|") + "\n\nSnapshot: " + CompactSnapshot(snap)
}

type compactEnemy struct {
	ID    uint32  `json:"id"`
	Pos   [2]int  `json:"pos"`
	HP    int     `json:"hp"`
	Cover string  `json:"cover,omitempty"`
	Seen  float64 `json:"seen"`
}

type compactPoi struct {
	K   string `json:"k"`
	Pos [2]int `json:"pos"`
}

type compactSnapshot struct {
	Plr struct {
		Pos    [2]int `json:"pos"`
		HP     int    `json:"hp"`
		Stance string `json:"stance,omitempty"`
	} `json:"plr"`
	Me struct {
		Pos       [2]int             `json:"pos"`
		Morale    float64            `json:"morale"`
		Cooldowns map[string]float64 `json:"cooldowns,omitempty"`
		Ammo      int                `json:"ammo"`
	} `json:"me"`
	Enemies []compactEnemy `json:"enemies"`
	POIs    []compactPoi   `json:"pois"`
	Obs     [][2]int       `json:"obs"`
	Obj     string         `json:"obj,omitempty"`
}

func pair(v domain.IVec2) [2]int { return [2]int{v.X, v.Y} }

// CompactSnapshot serializes the snapshot with short keys and positions as
// [x,y] pairs.
func CompactSnapshot(snap domain.WorldSnapshot) string {
	var c compactSnapshot
	c.Plr.Pos = pair(snap.Player.Pos)
	c.Plr.HP = snap.Player.HP
	c.Plr.Stance = snap.Player.Stance
	c.Me.Pos = pair(snap.Me.Pos)
	c.Me.Morale = snap.Me.Morale
	c.Me.Cooldowns = snap.Me.Cooldowns
	c.Me.Ammo = snap.Me.Ammo
	c.Enemies = make([]compactEnemy, 0, len(snap.Enemies))
	for _, e := range snap.Enemies {
		c.Enemies = append(c.Enemies, compactEnemy{ID: e.ID, Pos: pair(e.Pos), HP: e.HP, Cover: e.Cover, Seen: e.LastSeen})
	}
	c.POIs = make([]compactPoi, 0, len(snap.POIs))
	for _, p := range snap.POIs {
		c.POIs = append(c.POIs, compactPoi{K: p.Kind, Pos: pair(p.Pos)})
	}
	c.Obs = make([][2]int, 0, len(snap.Obstacles))
	for _, o := range snap.Obstacles {
		c.Obs = append(c.Obs, pair(o))
	}
	c.Obj = snap.Objective

	raw, err := json.Marshal(c)
	if err != nil {
		return "{}"
	}
	return string(raw)
}

// BuildBatch renders one prompt asking for a plan per agent. Agents are
// numbered from 1 in the prompt; the model echoes that number as agent_id.
func (b *Builder) BuildBatch(agents []domain.AgentSnapshot, reg *domain.ToolRegistry) string {
	n := len(agents)
	var sb strings.Builder
	fmt.Fprintf(&sb, "You are planning for %d agents. Generate EXACTLY %d plans in JSON array format.\n\n", n, n)
	sb.WriteString("CRITICAL RULES:\n")
	fmt.Fprintf(&sb, "- Return a JSON ARRAY with %d elements\n", n)
	sb.WriteString("- Each element MUST have \"agent_id\", \"plan_id\", \"steps\"\n")
	sb.WriteString("- agent_id MUST match the agent number (1, 2, 3, ...)\n")
	sb.WriteString("- Use ONLY these tools: ")
	sb.WriteString(strings.Join(reg.Names(), "|"))
	sb.WriteString("\n\nAgents:\n")
	for i, a := range agents {
		fmt.Fprintf(&sb, "%d. Agent %d (ID %d): %s\n", i+1, i+1, a.ID, CompactSnapshot(a.Snapshot))
	}
	sb.WriteString("\nReturn ONLY JSON array (no markdown, no commentary):\n")
	sb.WriteString(`[{"agent_id":1,"plan_id":"batch-p1","steps":[{"act":"MoveTo","x":10,"y":5}]},{"agent_id":2,"plan_id":"batch-p2","steps":[...]}]`)
	sb.WriteByte('\n')
	return sb.String()
}
