package parser

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arbiter-ai/internal/domain"
)

func testRegistry() *domain.ToolRegistry {
	return domain.NewToolRegistry([]domain.ToolDescriptor{
		{Name: "MoveTo", Parameters: []domain.ToolParameter{
			{Name: "x", Type: "i32", Required: true},
			{Name: "y", Type: "i32", Required: true},
			{Name: "speed", Type: "MovementSpeed"},
		}},
		{Name: "Attack", Parameters: []domain.ToolParameter{{Name: "target_id", Type: "Entity", Required: true}}},
		{Name: "Heal", Parameters: []domain.ToolParameter{{Name: "target_id", Type: "Entity?"}}},
		{Name: "ThrowSmoke", Parameters: []domain.ToolParameter{
			{Name: "x", Type: "i32", Required: true},
			{Name: "y", Type: "i32", Required: true},
		}},
		{Name: "Scan", Parameters: []domain.ToolParameter{{Name: "radius", Type: "f32", Required: true}}},
	}, domain.Constraints{})
}

var fixedNow = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func newTestParser(opts ...Option) *Parser {
	return New(append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)...)
}

func TestParse_Direct(t *testing.T) {
	in := `{"plan_id":"p-1","rationale":"flank","steps":[{"act":"MoveTo","x":4,"y":2},{"act":"Attack","target_id":9}]}`
	res, err := newTestParser().Parse(in, testRegistry())
	require.NoError(t, err)
	assert.Equal(t, MethodDirect, res.Method)
	assert.Equal(t, "p-1", res.Plan.PlanID)
	assert.Equal(t, "flank", res.Plan.Rationale)
	require.Len(t, res.Plan.Steps, 2)
	assert.Equal(t, "Attack", res.Plan.Steps[1].Tool)
	assert.Equal(t, fixedNow, res.Plan.CreatedAt)
	assert.Empty(t, res.Warnings)
}

func TestParse_CodeFence(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"json tag", "Here is the plan:\n```json\n{\"plan_id\":\"cf\",\"steps\":[{\"act\":\"Heal\"}]}\n```\nGood luck."},
		{"no tag", "```\n{\"plan_id\":\"cf\",\"steps\":[{\"act\":\"Heal\"}]}\n```"},
		{"trailing commas", "```json\n{\"plan_id\":\"cf\",\"steps\":[{\"act\":\"Heal\"},],}\n```"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := newTestParser().Parse(tt.in, testRegistry())
			require.NoError(t, err)
			assert.Equal(t, MethodCodeFence, res.Method)
			assert.Equal(t, "cf", res.Plan.PlanID)
		})
	}
}

func TestParse_Envelope(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"message content", `{"message":{"role":"assistant","content":"{\"plan_id\":\"env\",\"steps\":[{\"act\":\"Scan\",\"radius\":10}]}"}}`},
		{"response field", `{"model":"m","response":"{\"plan_id\":\"env\",\"steps\":[{\"act\":\"Scan\",\"radius\":10}]}"}`},
		{"fenced content", `{"message":{"content":"` + "```json\\n{\\\"plan_id\\\":\\\"env\\\",\\\"steps\\\":[]}\\n```" + `"}}`},
		{"openai choices", `{"choices":[{"message":{"content":"{\"plan_id\":\"env\",\"steps\":[{\"act\":\"Heal\"}]}"}}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := newTestParser().Parse(tt.in, testRegistry())
			require.NoError(t, err)
			assert.Equal(t, MethodEnvelope, res.Method)
			assert.Equal(t, "env", res.Plan.PlanID)
		})
	}
}

func TestParse_ObjectExtraction(t *testing.T) {
	in := `Sure! I think {"plan_id":"obj","steps":[{"act":"ThrowSmoke","x":1,"y":1},]} is best. {"ignored":true}`
	res, err := newTestParser().Parse(in, testRegistry())
	require.NoError(t, err)
	assert.Equal(t, MethodObjectExtraction, res.Method)
	assert.Equal(t, "obj", res.Plan.PlanID)
}

func TestParse_TolerantPlanIDVariants(t *testing.T) {
	for _, key := range []string{"planId", "planID", "id", "plan_no", "plan_num", "planNumber", "plan_n", "plan_eid", "Plan-Identifier"} {
		t.Run(key, func(t *testing.T) {
			in := `{"` + key + `":"tol","steps":[{"act":"Heal"}]}`
			res, err := newTestParser().Parse(in, testRegistry())
			require.NoError(t, err)
			assert.Equal(t, MethodTolerant, res.Method)
			assert.Equal(t, "tol", res.Plan.PlanID)
			assert.NotEmpty(t, res.Warnings)
		})
	}
}

func TestParse_TolerantAlternateStepsKey(t *testing.T) {
	in := `{"plan_id":"alt","actions":[{"tool":"Scan","radius":5}],"reasoning":"look around"}`
	res, err := newTestParser().Parse(in, testRegistry())
	require.NoError(t, err)
	assert.Equal(t, MethodTolerant, res.Method)
	assert.Equal(t, "look around", res.Plan.Rationale)
	require.Len(t, res.Plan.Steps, 1)
	assert.Equal(t, "Scan", res.Plan.Steps[0].Tool)
}

func TestParse_TolerantGeneratesMissingID(t *testing.T) {
	res, err := newTestParser().Parse(`{"steps":[{"act":"Heal"}]}`, testRegistry())
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(res.Plan.PlanID, "llm-"))
}

func TestParse_Hallucination(t *testing.T) {
	in := `{"plan_id":"h","steps":[{"act":"MoveTo","x":1,"y":1},{"act":"Teleport","x":99,"y":99}]}`
	_, err := newTestParser().Parse(in, testRegistry())
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrHallucination))
	assert.Contains(t, err.Error(), "Teleport")
	assert.Contains(t, err.Error(), "step 2")
}

func TestParse_HallucinationInsideFence(t *testing.T) {
	in := "```json\n{\"plan_id\":\"h\",\"steps\":[{\"act\":\"Fly\"}]}\n```"
	_, err := newTestParser().Parse(in, testRegistry())
	assert.ErrorIs(t, err, domain.ErrHallucination)
}

func TestParse_EmptyStepsIsWarning(t *testing.T) {
	res, err := newTestParser().Parse(`{"plan_id":"e","steps":[]}`, testRegistry())
	require.NoError(t, err)
	assert.Empty(t, res.Plan.Steps)
	assert.Contains(t, res.Warnings, "plan has no steps")
}

func TestParse_Failures(t *testing.T) {
	for _, in := range []string{
		"",
		"I cannot help with that.",
		`{"plan_id":"x","steps":[{"act":"MoveTo"`,
		`{"plan_id":"x","steps":"MoveTo"}`,
	} {
		_, err := newTestParser().Parse(in, testRegistry())
		require.Error(t, err, in)
		assert.True(t, errors.Is(err, domain.ErrParse), in)
		assert.Equal(t, domain.CodeParse, domain.ErrorCodeOf(err))
	}
}

func TestParse_ParamWarnings(t *testing.T) {
	in := `{"plan_id":"p","steps":[{"act":"MoveTo","x":"left","y":2}]}`

	res, err := newTestParser().Parse(in, testRegistry())
	require.NoError(t, err)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "MoveTo")

	_, err = newTestParser(WithStrictParams(true)).Parse(in, testRegistry())
	assert.ErrorIs(t, err, domain.ErrParse)

	res, err = newTestParser(WithoutParamValidation()).Parse(in, testRegistry())
	require.NoError(t, err)
	assert.Empty(t, res.Warnings)
}

func TestParse_MissingRequiredParam(t *testing.T) {
	res, err := newTestParser().Parse(`{"plan_id":"p","steps":[{"act":"Attack"}]}`, testRegistry())
	require.NoError(t, err)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "step 1")
}

func TestCleanJSON(t *testing.T) {
	assert.Equal(t, `{"a":[1,2]}`, cleanJSON(`{"a":[1,2,],}`))
	assert.Equal(t, `{"a":1}`, cleanJSON("{\"a\":1,\n}"))
}

func TestExtractJSONObject(t *testing.T) {
	obj, ok := extractJSONObject(`pre {"a":"}{","b":{"c":1}} post`)
	require.True(t, ok)
	assert.Equal(t, `{"a":"}{","b":{"c":1}}`, obj)

	obj, ok = extractJSONObject(`{"a":"quote \" {"}`)
	require.True(t, ok)
	assert.Equal(t, `{"a":"quote \" {"}`, obj)

	_, ok = extractJSONObject(`{"unterminated":1`)
	assert.False(t, ok)
}

func TestNormalizeKey(t *testing.T) {
	assert.Equal(t, "planid", normalizeKey("Plan_ID"))
	assert.Equal(t, "planid", normalizeKey("plan-id"))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcde...", truncate("abcdefghij", 5))
}
