package domain

import (
	"slices"
	"strings"
)

// ToolParameter describes one argument of a tool.
type ToolParameter struct {
	Name        string `json:"name" yaml:"name"`
	Type        string `json:"type" yaml:"type"` // i32, f32, u32, Entity, IVec2, String, ...
	Required    bool   `json:"required" yaml:"required"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// ToolDescriptor is the static description of one legal action.
type ToolDescriptor struct {
	Name          string          `json:"name" yaml:"name"`
	Category      string          `json:"category" yaml:"category"`
	Description   string          `json:"description" yaml:"description"`
	Parameters    []ToolParameter `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	Preconditions []string        `json:"preconditions,omitempty" yaml:"preconditions,omitempty"`
	Effects       []string        `json:"effects,omitempty" yaml:"effects,omitempty"`
	Cooldown      float64         `json:"cooldown,omitempty" yaml:"cooldown,omitempty"` // seconds; 0 means none
	Cost          string          `json:"cost,omitempty" yaml:"cost,omitempty"`
}

// Parameter returns the named parameter.
func (t ToolDescriptor) Parameter(name string) (ToolParameter, bool) {
	for _, p := range t.Parameters {
		if p.Name == name {
			return p, true
		}
	}
	return ToolParameter{}, false
}

// HasParams reports whether the tool declares every named parameter.
func (t ToolDescriptor) HasParams(names ...string) bool {
	for _, n := range names {
		if _, ok := t.Parameter(n); !ok {
			return false
		}
	}
	return true
}

// Signature renders the tool as a JSON template, e.g. {"act":"MoveTo","x":<i32>,"y":<i32>}.
func (t ToolDescriptor) Signature() string {
	var b strings.Builder
	b.WriteString(`{"act":"`)
	b.WriteString(t.Name)
	b.WriteByte('"')
	for _, p := range t.Parameters {
		b.WriteString(`,"`)
		b.WriteString(p.Name)
		b.WriteString(`":<`)
		b.WriteString(p.Type)
		b.WriteByte('>')
		if !p.Required {
			b.WriteByte('?')
		}
	}
	b.WriteByte('}')
	return b.String()
}

// Constraints are engine-level toggles shared with the planners.
type Constraints struct {
	EnforceCooldowns bool `json:"enforce_cooldowns" yaml:"enforce_cooldowns"`
	EnforceLOS       bool `json:"enforce_los" yaml:"enforce_los"`
	EnforceStamina   bool `json:"enforce_stamina" yaml:"enforce_stamina"`
}

// ToolRegistry is the immutable legal action vocabulary. It is built once
// and may be shared across goroutines without locking.
type ToolRegistry struct {
	tools       []ToolDescriptor
	index       map[string]int
	constraints Constraints
}

// NewToolRegistry builds a registry. Later duplicates of a name are dropped.
func NewToolRegistry(tools []ToolDescriptor, constraints Constraints) *ToolRegistry {
	r := &ToolRegistry{
		tools:       make([]ToolDescriptor, 0, len(tools)),
		index:       make(map[string]int, len(tools)),
		constraints: constraints,
	}
	for _, t := range tools {
		if t.Name == "" {
			continue
		}
		if _, dup := r.index[t.Name]; dup {
			continue
		}
		r.index[t.Name] = len(r.tools)
		r.tools = append(r.tools, t)
	}
	return r
}

// Has reports whether name is a registered tool.
func (r *ToolRegistry) Has(name string) bool {
	_, ok := r.index[name]
	return ok
}

// Get returns the descriptor for name.
func (r *ToolRegistry) Get(name string) (ToolDescriptor, bool) {
	i, ok := r.index[name]
	if !ok {
		return ToolDescriptor{}, false
	}
	return r.tools[i], true
}

// Len returns the number of tools.
func (r *ToolRegistry) Len() int { return len(r.tools) }

// Tools returns a copy of the descriptors in registration order.
func (r *ToolRegistry) Tools() []ToolDescriptor { return slices.Clone(r.tools) }

// Names returns tool names in registration order.
func (r *ToolRegistry) Names() []string {
	names := make([]string, len(r.tools))
	for i, t := range r.tools {
		names[i] = t.Name
	}
	return names
}

// Constraints returns the engine constraints.
func (r *ToolRegistry) Constraints() Constraints { return r.constraints }

// Categories returns the distinct categories in first-seen order.
func (r *ToolRegistry) Categories() []string {
	var cats []string
	for _, t := range r.tools {
		if !slices.Contains(cats, t.Category) {
			cats = append(cats, t.Category)
		}
	}
	return cats
}

// ByCategory returns the tools in one category.
func (r *ToolRegistry) ByCategory(category string) []ToolDescriptor {
	var out []ToolDescriptor
	for _, t := range r.tools {
		if t.Category == category {
			out = append(out, t)
		}
	}
	return out
}

// Subset returns a registry containing only the named tools, keeping the
// order of names. Unknown names are ignored.
func (r *ToolRegistry) Subset(names []string) *ToolRegistry {
	tools := make([]ToolDescriptor, 0, len(names))
	for _, n := range names {
		if t, ok := r.Get(n); ok {
			tools = append(tools, t)
		}
	}
	return NewToolRegistry(tools, r.constraints)
}

// Admits reports whether every step of plan names a tool in the registry.
func (r *ToolRegistry) Admits(plan PlanIntent) bool {
	for _, s := range plan.Steps {
		if !r.Has(s.Tool) {
			return false
		}
	}
	return true
}
