package parser

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/kaptinlin/jsonschema"

	"arbiter-ai/internal/domain"
)

// ParamValidator checks step arguments against a JSON Schema derived from
// each tool's parameter list. Compiled schemas are cached by tool signature.
type ParamValidator struct {
	compiler *jsonschema.Compiler
	mu       sync.Mutex
	schemas  map[string]*jsonschema.Schema
}

// NewParamValidator creates an empty validator.
func NewParamValidator() *ParamValidator {
	return &ParamValidator{
		compiler: jsonschema.NewCompiler(),
		schemas:  make(map[string]*jsonschema.Schema),
	}
}

// Validate returns nil when params satisfy the tool's parameter schema.
func (v *ParamValidator) Validate(tool domain.ToolDescriptor, params map[string]any) error {
	schema, err := v.schemaFor(tool)
	if err != nil {
		return err
	}
	data := map[string]any{}
	for k, val := range params {
		data[k] = val
	}
	result := schema.Validate(data)
	if !result.IsValid() {
		return fmt.Errorf("%s: %s", tool.Name, result.Error())
	}
	return nil
}

func (v *ParamValidator) schemaFor(tool domain.ToolDescriptor) (*jsonschema.Schema, error) {
	key := tool.Signature()

	v.mu.Lock()
	defer v.mu.Unlock()
	if s, ok := v.schemas[key]; ok {
		return s, nil
	}
	raw, err := ToolSchema(tool)
	if err != nil {
		return nil, err
	}
	s, err := v.compiler.Compile(raw)
	if err != nil {
		return nil, fmt.Errorf("compile schema for %q: %w", tool.Name, err)
	}
	v.schemas[key] = s
	return s, nil
}

// ToolSchema renders the JSON Schema for a tool's parameters. Integer
// types map to "number" because decoded arguments arrive as float64.
// Unknown parameter types accept any value; extra properties are allowed.
func ToolSchema(tool domain.ToolDescriptor) ([]byte, error) {
	props := make(map[string]any, len(tool.Parameters))
	required := []string{}
	for _, p := range tool.Parameters {
		props[p.Name] = paramTypeSchema(p.Type)
		if p.Required {
			required = append(required, p.Name)
		}
	}
	return json.Marshal(map[string]any{
		"type":       "object",
		"properties": props,
		"required":   required,
	})
}

var ivec2Schema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"x": map[string]any{"type": "number"},
		"y": map[string]any{"type": "number"},
	},
	"required": []string{"x", "y"},
}

func paramTypeSchema(typ string) map[string]any {
	t := strings.TrimSuffix(strings.TrimSpace(typ), "?")
	switch t {
	case "i32", "i64", "int":
		return map[string]any{"type": "number"}
	case "u32", "u64", "Entity":
		return map[string]any{"type": "number", "minimum": 0}
	case "f32", "f64", "float":
		return map[string]any{"type": "number"}
	case "String", "string":
		return map[string]any{"type": "string"}
	case "bool":
		return map[string]any{"type": "boolean"}
	case "IVec2":
		return ivec2Schema
	case "Vec<IVec2>":
		return map[string]any{"type": "array", "items": ivec2Schema}
	case "StrafeDirection":
		return map[string]any{"enum": []string{"Left", "Right"}}
	case "MovementSpeed":
		return map[string]any{"enum": []string{"Walk", "Run", "Sprint"}}
	}
	return map[string]any{}
}
