// Package parser extracts a PlanIntent from raw model output and rejects
// plans that reference tools outside the registry.
//
// Extraction strategies run in a fixed order and the first one that yields
// a structurally valid plan wins:
//
//  1. direct: the whole response is the plan document
//  2. code_fence: the body of a ```json (or plain ```) fence
//  3. envelope: message.content / response / choices[0].message.content
//  4. object_extraction: the first balanced {...} substring
//  5. tolerant: like 4, but with normalized plan id and step keys
//
// A plan that parses but names an unknown tool fails with
// domain.ErrHallucination; no later strategy is tried.
package parser

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"arbiter-ai/internal/domain"
)

// Method names the strategy that produced a plan.
type Method string

const (
	MethodDirect           Method = "direct"
	MethodCodeFence        Method = "code_fence"
	MethodEnvelope         Method = "envelope"
	MethodObjectExtraction Method = "object_extraction"
	MethodTolerant         Method = "tolerant"
)

// Result is a successfully parsed and validated plan.
type Result struct {
	Plan     domain.PlanIntent
	Method   Method
	Warnings []string
}

// Parser runs the extraction pipeline. It is safe for concurrent use.
type Parser struct {
	params *ParamValidator
	strict bool
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Parser.
type Option func(*Parser)

// WithStrictParams turns parameter schema violations into parse failures
// instead of warnings.
func WithStrictParams(strict bool) Option {
	return func(p *Parser) { p.strict = strict }
}

// WithoutParamValidation disables per-tool argument checks.
func WithoutParamValidation() Option {
	return func(p *Parser) { p.params = nil }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(p *Parser) { p.now = now }
}

// WithLogger sets the logger used for per-stage debug output.
func WithLogger(l *slog.Logger) Option {
	return func(p *Parser) { p.logger = l }
}

// New creates a Parser.
func New(opts ...Option) *Parser {
	p := &Parser{
		params: NewParamValidator(),
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// planDoc is the strict wire shape of a plan. Pointer fields distinguish a
// missing key from an empty value.
type planDoc struct {
	PlanID    *string              `json:"plan_id"`
	Rationale string               `json:"rationale"`
	Steps     *[]domain.ActionStep `json:"steps"`
}

var errNoCandidate = errors.New("no candidate")

// Parse runs the extraction pipeline over text and validates the result
// against reg. The returned plan has CreatedAt set; Tier is left to the
// caller.
func (p *Parser) Parse(text string, reg *domain.ToolRegistry) (Result, error) {
	stages := []struct {
		method Method
		try    func(string) (domain.PlanIntent, []string, error)
	}{
		{MethodDirect, p.tryDirect},
		{MethodCodeFence, p.tryCodeFence},
		{MethodEnvelope, p.tryEnvelope},
		{MethodObjectExtraction, p.tryObject},
		{MethodTolerant, p.tryTolerant},
	}

	for i, st := range stages {
		plan, warnings, err := st.try(text)
		if err != nil {
			p.logger.Debug("plan parse stage failed", "stage", i+1, "method", st.method, "error", err)
			continue
		}
		if err := p.validate(&plan, reg, &warnings); err != nil {
			return Result{}, err
		}
		plan.CreatedAt = p.now()
		plan.Warnings = append(plan.Warnings, warnings...)
		p.logger.Debug("plan parsed", "method", st.method, "steps", len(plan.Steps), "warnings", len(warnings))
		return Result{Plan: plan, Method: st.method, Warnings: warnings}, nil
	}

	return Result{}, domain.NewSubSystemError("parser", "Parser.Parse", domain.ErrParse,
		fmt.Sprintf("all %d strategies failed; response preview: %q", len(stages), truncate(text, 200)))
}

func (p *Parser) tryDirect(text string) (domain.PlanIntent, []string, error) {
	return decodeStrict(strings.TrimSpace(text))
}

func (p *Parser) tryCodeFence(text string) (domain.PlanIntent, []string, error) {
	body, ok := extractCodeFence(text)
	if !ok {
		return domain.PlanIntent{}, nil, errNoCandidate
	}
	return decodeStrict(cleanJSON(body))
}

func (p *Parser) tryEnvelope(text string) (domain.PlanIntent, []string, error) {
	var root map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &root); err != nil {
		return domain.PlanIntent{}, nil, err
	}
	for _, inner := range envelopeContent(root) {
		switch v := inner.(type) {
		case string:
			if plan, w, err := decodeStrict(strings.TrimSpace(v)); err == nil {
				return plan, w, nil
			}
			if body, ok := extractCodeFence(v); ok {
				if plan, w, err := decodeStrict(cleanJSON(body)); err == nil {
					return plan, w, nil
				}
			}
			if obj, ok := extractJSONObject(v); ok {
				if plan, w, err := decodeStrict(cleanJSON(obj)); err == nil {
					return plan, w, nil
				}
			}
		case map[string]any:
			raw, err := json.Marshal(v)
			if err != nil {
				continue
			}
			if plan, w, err := decodeStrict(string(raw)); err == nil {
				return plan, w, nil
			}
		}
	}
	return domain.PlanIntent{}, nil, errNoCandidate
}

func (p *Parser) tryObject(text string) (domain.PlanIntent, []string, error) {
	obj, ok := extractJSONObject(text)
	if !ok {
		return domain.PlanIntent{}, nil, errNoCandidate
	}
	return decodeStrict(cleanJSON(obj))
}

func (p *Parser) tryTolerant(text string) (domain.PlanIntent, []string, error) {
	candidate, ok := extractJSONObject(text)
	if !ok {
		if body, fenced := extractCodeFence(text); fenced {
			candidate, ok = body, true
		}
	}
	if !ok {
		return domain.PlanIntent{}, nil, errNoCandidate
	}

	var obj map[string]any
	if err := json.Unmarshal([]byte(cleanJSON(candidate)), &obj); err != nil {
		return domain.PlanIntent{}, nil, fmt.Errorf("tolerant decode: %w", err)
	}

	rawSteps, ok := findSteps(obj)
	if !ok {
		return domain.PlanIntent{}, nil, fmt.Errorf("tolerant decode: missing steps")
	}
	var steps []domain.ActionStep
	if err := json.Unmarshal(rawSteps, &steps); err != nil {
		return domain.PlanIntent{}, nil, fmt.Errorf("tolerant decode steps: %w", err)
	}

	warnings := []string{"used tolerant parsing; plan id key may have been normalized"}
	id, ok := findPlanID(obj)
	if !ok {
		id = NewPlanID("llm")
		warnings = append(warnings, "plan id missing; generated "+id)
	}
	return domain.PlanIntent{
		PlanID:    id,
		Rationale: findRationale(obj),
		Steps:     steps,
	}, warnings, nil
}

func decodeStrict(text string) (domain.PlanIntent, []string, error) {
	if text == "" {
		return domain.PlanIntent{}, nil, errNoCandidate
	}
	var doc planDoc
	if err := json.Unmarshal([]byte(text), &doc); err != nil {
		return domain.PlanIntent{}, nil, err
	}
	if doc.PlanID == nil {
		return domain.PlanIntent{}, nil, errors.New("missing plan_id")
	}
	if doc.Steps == nil {
		return domain.PlanIntent{}, nil, errors.New("missing steps")
	}
	return domain.PlanIntent{
		PlanID:    *doc.PlanID,
		Rationale: doc.Rationale,
		Steps:     *doc.Steps,
	}, nil, nil
}

// validate enforces registry membership for every step and collects
// non-fatal warnings.
func (p *Parser) validate(plan *domain.PlanIntent, reg *domain.ToolRegistry, warnings *[]string) error {
	if len(plan.Steps) == 0 {
		*warnings = append(*warnings, "plan has no steps")
		return nil
	}
	if plan.PlanID == "" {
		plan.PlanID = NewPlanID("llm")
		*warnings = append(*warnings, "empty plan id; generated "+plan.PlanID)
	}

	for i, step := range plan.Steps {
		desc, ok := reg.Get(step.Tool)
		if !ok {
			return domain.NewSubSystemError("parser", "Parser.Validate", domain.ErrHallucination,
				fmt.Sprintf("step %d: %q is not in registry (allowed: %s)", i+1, step.Tool, allowedPreview(reg, 5)))
		}
		if p.params == nil {
			continue
		}
		if err := p.params.Validate(desc, step.Params); err != nil {
			if p.strict {
				return domain.NewSubSystemError("parser", "Parser.Validate", domain.ErrParse,
					fmt.Sprintf("step %d: %v", i+1, err))
			}
			*warnings = append(*warnings, fmt.Sprintf("step %d: %v", i+1, err))
		}
	}
	return nil
}

func allowedPreview(reg *domain.ToolRegistry, n int) string {
	names := reg.Names()
	if len(names) > n {
		return strings.Join(names[:n], ", ") + ", ..."
	}
	return strings.Join(names, ", ")
}

// NewPlanID returns a sortable plan id such as "heuristic-01J9...".
func NewPlanID(prefix string) string {
	id := ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader)
	return prefix + "-" + id.String()
}
