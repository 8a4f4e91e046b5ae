// Package tool loads the action vocabulary: the built-in tool set embedded
// in the binary, or a YAML file with the same shape.
package tool

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"arbiter-ai/internal/domain"
	"arbiter-ai/internal/infra/config"
	"arbiter-ai/internal/usecase/parser"
)

//go:embed default_tools.yaml
var defaultVocabulary []byte

// File is the on-disk vocabulary format.
type File struct {
	Constraints domain.Constraints      `yaml:"constraints"`
	Tools       []domain.ToolDescriptor `yaml:"tools"`
}

// Default returns the built-in vocabulary.
func Default() *domain.ToolRegistry {
	reg, err := Parse(defaultVocabulary)
	if err != nil {
		panic(fmt.Sprintf("built-in tool vocabulary: %v", err))
	}
	return reg
}

// Parse decodes and validates a vocabulary document.
func Parse(data []byte) (*domain.ToolRegistry, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, domain.NewSubSystemError("registry", "tool.Parse", domain.ErrInvalidInput, err.Error())
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return domain.NewToolRegistry(f.Tools, f.Constraints), nil
}

// Validate checks names are present and unique and that every parameter
// list compiles to a JSON Schema.
func (f *File) Validate() error {
	if len(f.Tools) == 0 {
		return domain.NewSubSystemError("registry", "File.Validate", domain.ErrInvalidInput, "no tools defined")
	}

	var errs []string
	seen := make(map[string]bool, len(f.Tools))
	for i, t := range f.Tools {
		switch {
		case t.Name == "":
			errs = append(errs, fmt.Sprintf("tool %d: name is required", i+1))
			continue
		case seen[t.Name]:
			errs = append(errs, fmt.Sprintf("tool %q: duplicate name", t.Name))
		}
		seen[t.Name] = true

		params := make(map[string]bool, len(t.Parameters))
		for _, p := range t.Parameters {
			if p.Name == "" || params[p.Name] {
				errs = append(errs, fmt.Sprintf("tool %q: parameter names must be unique and non-empty", t.Name))
				break
			}
			params[p.Name] = true
		}
		if t.Cooldown < 0 {
			errs = append(errs, fmt.Sprintf("tool %q: cooldown must be >= 0", t.Name))
		}
		if _, err := parser.ToolSchema(t); err != nil {
			errs = append(errs, fmt.Sprintf("tool %q: %v", t.Name, err))
		}
	}

	if len(errs) > 0 {
		return domain.NewSubSystemError("registry", "File.Validate", domain.ErrInvalidInput, strings.Join(errs, "; "))
	}
	return nil
}

// Load reads the vocabulary named by cfg, or the built-in one when no file
// is configured. The constraint toggles always come from cfg.
func Load(cfg config.ToolsConfig) (*domain.ToolRegistry, error) {
	data := defaultVocabulary
	if cfg.RegistryFile != "" {
		var err error
		data, err = os.ReadFile(cfg.RegistryFile)
		if err != nil {
			return nil, fmt.Errorf("read tool registry: %w", err)
		}
	}

	reg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	return domain.NewToolRegistry(reg.Tools(), domain.Constraints{
		EnforceCooldowns: cfg.EnforceCooldowns,
		EnforceLOS:       cfg.EnforceLOS,
		EnforceStamina:   cfg.EnforceStamina,
	}), nil
}

// Marshal renders a registry back into the vocabulary format.
func Marshal(reg *domain.ToolRegistry) ([]byte, error) {
	return yaml.Marshal(File{Constraints: reg.Constraints(), Tools: reg.Tools()})
}
