package prompt

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arbiter-ai/internal/domain"
)

func testSnapshot() domain.WorldSnapshot {
	return domain.WorldSnapshot{
		T:         12.5,
		Player:    domain.PlayerState{HP: 80, Pos: domain.IVec2{X: 1, Y: 1}, Stance: "crouch"},
		Me:        domain.CompanionState{Ammo: 12, Morale: 70, Pos: domain.IVec2{X: 2, Y: 3}},
		Enemies:   []domain.EnemyState{{ID: 7, Pos: domain.IVec2{X: 9, Y: 3}, HP: 40, Cover: "low", LastSeen: 11}},
		POIs:      []domain.Poi{{Kind: "exit", Pos: domain.IVec2{X: 20, Y: 20}}},
		Obstacles: []domain.IVec2{{X: 5, Y: 5}},
		Objective: "extract",
	}
}

func testRegistry() *domain.ToolRegistry {
	return domain.NewToolRegistry([]domain.ToolDescriptor{
		{Name: "MoveTo", Category: "movement", Description: "move to a tile", Parameters: []domain.ToolParameter{
			{Name: "x", Type: "i32", Required: true}, {Name: "y", Type: "i32", Required: true},
		}},
		{Name: "Attack", Category: "offensive", Parameters: []domain.ToolParameter{{Name: "target_id", Type: "Entity", Required: true}}},
		{Name: "Scan", Category: "utility", Parameters: []domain.ToolParameter{{Name: "radius", Type: "f32", Required: true}}},
		{Name: "Wait", Category: "utility", Parameters: []domain.ToolParameter{{Name: "duration", Type: "f32", Required: true}}},
	}, domain.Constraints{})
}

func TestBuildFull(t *testing.T) {
	out := NewBuilder(DefaultOptions()).BuildFull(testSnapshot(), testRegistry())

	assert.Contains(t, out, "MOVEMENT:")
	assert.Contains(t, out, "UTILITY:")
	assert.Contains(t, out, `{"act":"MoveTo","x":<i32>,"y":<i32>} - move to a tile`)
	assert.Contains(t, out, "Return ONLY JSON")
	assert.Contains(t, out, `"objective":"extract"`)

	// Only examples whose tools are all registered are rendered.
	assert.Contains(t, out, "ex-5")
	assert.Contains(t, out, "ex-6")
	assert.NotContains(t, out, "ex-1")
	assert.NotContains(t, out, "ThrowSmoke")
}

func TestBuildFull_ExampleLimit(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxExamples = 1
	out := NewBuilder(opts).BuildFull(testSnapshot(), testRegistry())
	assert.Equal(t, 1, strings.Count(out, "Situation:"))

	opts.IncludeExamples = false
	out = NewBuilder(opts).BuildFull(testSnapshot(), testRegistry())
	assert.NotContains(t, out, "Examples:")
}

func TestBuildCompressed(t *testing.T) {
	b := NewBuilder(Options{Role: RoleStealth})
	out := b.BuildCompressed(testSnapshot(), []string{"MoveTo", "Wait"})

	assert.True(t, strings.HasPrefix(out, "Stealth AI"))
	assert.Contains(t, out, "\n\nTools: MoveTo|Wait\n\nSnapshot: {")

	full := NewBuilder(DefaultOptions()).BuildFull(testSnapshot(), testRegistry())
	assert.Less(t, len(out), len(full))
}

func TestBuildCompressed_UnknownRoleFallsBack(t *testing.T) {
	out := NewBuilder(Options{Role: "pirate"}).BuildCompressed(testSnapshot(), nil)
	assert.True(t, strings.HasPrefix(out, "Tactical AI"))
}

func TestCompactSnapshot(t *testing.T) {
	raw := CompactSnapshot(testSnapshot())
	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(raw), &m))

	assert.Contains(t, m, "plr")
	assert.Contains(t, m, "obs")
	assert.Equal(t, "extract", m["obj"])
	enemies := m["enemies"].([]any)
	require.Len(t, enemies, 1)
	assert.Equal(t, []any{9.0, 3.0}, enemies[0].(map[string]any)["pos"])
	assert.NotContains(t, raw, " ")
}

func TestBuildBatch(t *testing.T) {
	agents := []domain.AgentSnapshot{
		{ID: 42, Snapshot: testSnapshot()},
		{ID: 43, Snapshot: testSnapshot()},
	}
	out := NewBuilder(DefaultOptions()).BuildBatch(agents, testRegistry())
	assert.Contains(t, out, "planning for 2 agents")
	assert.Contains(t, out, "1. Agent 1 (ID 42)")
	assert.Contains(t, out, "2. Agent 2 (ID 43)")
	assert.Contains(t, out, "MoveTo|Attack|Scan|Wait")
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, ApproxTokens(""))
	assert.Equal(t, 1, ApproxTokens("abc"))
	assert.Equal(t, 3, ApproxTokens("hello world!"))

	SetTokenCounter(func(s string) int { return len(strings.Fields(s)) })
	t.Cleanup(func() { SetTokenCounter(nil) })
	assert.Equal(t, 2, EstimateTokens("hello world"))
}
