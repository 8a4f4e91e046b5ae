// Package rules loads heuristic fallback tables from YAML and hot-reloads
// them when the file changes.
package rules

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"arbiter-ai/internal/domain"
	"arbiter-ai/internal/usecase/fallback"
)

// Parse decodes and validates a rule table.
func Parse(data []byte) (*fallback.RuleSet, error) {
	var rs fallback.RuleSet
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return nil, domain.NewSubSystemError("rules", "rules.Parse", domain.ErrInvalidInput, err.Error())
	}
	if err := rs.Validate(); err != nil {
		return nil, err
	}
	return &rs, nil
}

// LoadFile reads a rule table from path. An empty path yields the
// built-in table.
func LoadFile(path string) (*fallback.RuleSet, error) {
	if path == "" {
		return fallback.DefaultRules(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	return Parse(data)
}

// Marshal renders a rule table as YAML.
func Marshal(rs *fallback.RuleSet) ([]byte, error) {
	return yaml.Marshal(rs)
}
