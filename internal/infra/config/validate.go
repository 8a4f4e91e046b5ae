package config

import (
	"fmt"
	"net"
	"strings"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...any) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateArbiter(cfg, ve)
	validateStrategic(cfg, ve)
	validateCache(cfg, ve)
	validateFallback(cfg, ve)
	validateLLM(cfg, ve)
	validateScheduler(cfg, ve)
	validateObservability(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateArbiter(cfg *Config, ve *ValidationError) {
	if cfg.Arbiter.Cooldown < 0 {
		ve.Add("arbiter.cooldown must be >= 0")
	}
	if cfg.Arbiter.TickInterval <= 0 {
		ve.Add("arbiter.tick_interval must be > 0")
	}
}

var validRoles = map[string]bool{
	"tactical":    true,
	"stealth":     true,
	"support":     true,
	"exploration": true,
}

func validateStrategic(cfg *Config, ve *ValidationError) {
	s := cfg.Strategic
	if s.Timeout <= 0 {
		ve.Add("strategic.timeout must be > 0")
	}
	if s.Workers <= 0 {
		ve.Add("strategic.workers must be > 0")
	}
	if s.Temperature < 0 || s.Temperature > 2 {
		ve.Add("strategic.temperature must be within [0, 2], got %g", s.Temperature)
	}
	if s.MaxTokens < 0 {
		ve.Add("strategic.max_tokens must be >= 0")
	}
	if s.RatePerSecond < 0 {
		ve.Add("strategic.rate_per_second must be >= 0")
	}
	if s.RatePerSecond > 0 && s.RateBurst <= 0 {
		ve.Add("strategic.rate_burst must be > 0 when rate limiting is enabled")
	}
	if s.Role != "" && !validRoles[s.Role] {
		ve.Add("strategic.role %q is invalid (want: tactical, stealth, support, exploration)", s.Role)
	}
}

func validateCache(cfg *Config, ve *ValidationError) {
	if cfg.Cache.Capacity <= 0 {
		ve.Add("cache.capacity must be > 0")
	}
	if t := cfg.Cache.SimilarityThreshold; t <= 0 || t > 1 {
		ve.Add("cache.similarity_threshold must be within (0, 1], got %g", t)
	}
}

var validTiers = map[string]bool{
	"":               true,
	"full_llm":       true,
	"simplified_llm": true,
	"heuristic":      true,
	"emergency":      true,
}

func validateFallback(cfg *Config, ve *ValidationError) {
	if cfg.Fallback.TierRetries < 0 {
		ve.Add("fallback.tier_retries must be >= 0")
	}
	if !validTiers[cfg.Fallback.StartTier] {
		ve.Add("fallback.start_tier %q is invalid (want: full_llm, simplified_llm, heuristic, emergency)", cfg.Fallback.StartTier)
	}
	if cfg.Fallback.WatchRules && cfg.Fallback.RulesFile == "" {
		ve.Add("fallback.watch_rules requires fallback.rules_file")
	}
}

var validProviderTypes = map[string]bool{
	"ollama":    true,
	"openai":    true,
	"anthropic": true,
	"bedrock":   true,
	"scripted":  true,
}

// keyless provider types do not need an api_key.
var keyless = map[string]bool{
	"ollama":   true,
	"bedrock":  true,
	"scripted": true,
}

func validateLLM(cfg *Config, ve *ValidationError) {
	if cfg.LLM.DefaultProvider == "" {
		ve.Add("llm.default_provider must not be empty")
	}
	if len(cfg.LLM.Providers) == 0 {
		return
	}

	seen := make(map[string]bool)
	for i, p := range cfg.LLM.Providers {
		if p.Name == "" {
			ve.Add("llm.providers[%d].name must not be empty", i)
			continue
		}
		if seen[p.Name] {
			ve.Add("llm.providers[%d]: duplicate provider name %q", i, p.Name)
		}
		seen[p.Name] = true

		typ := p.Type
		if typ == "" {
			typ = p.Name
		}
		if !validProviderTypes[typ] {
			ve.Add("llm.providers[%d].type %q is invalid (want: ollama, openai, anthropic, bedrock, scripted)", i, typ)
			continue
		}
		if p.APIKey == "" && !keyless[typ] {
			ve.Add("llm.providers[%d] (%s): api_key is empty (set via ARBITER_LLM_PROVIDER_%s_API_KEY)",
				i, p.Name, strings.ToUpper(strings.ReplaceAll(p.Name, "-", "_")))
		}
		if typ == "bedrock" && p.Region == "" {
			ve.Add("llm.providers[%d] (%s): region is required for bedrock provider", i, p.Name)
		}
	}

	if cfg.LLM.DefaultProvider != "" && !seen[cfg.LLM.DefaultProvider] {
		ve.Add("llm.default_provider %q does not match any configured provider", cfg.LLM.DefaultProvider)
	}
	if cfg.LLM.Failover.Enabled {
		for _, name := range cfg.LLM.Failover.Fallbacks {
			if !seen[name] {
				ve.Add("llm.failover.fallbacks: unknown provider %q", name)
			}
		}
	}
	if cb := cfg.LLM.CircuitBreaker; cb.Enabled && (cb.MaxFailures == 0 || cb.Timeout <= 0) {
		ve.Add("llm.circuit_breaker requires max_failures > 0 and timeout > 0")
	}
}

var validJobActions = map[string]bool{
	"cache_persist": true,
	"cache_clear":   true,
	"stats_report":  true,
	"rules_reload":  true,
}

func validateScheduler(cfg *Config, ve *ValidationError) {
	if !cfg.Scheduler.Enabled {
		return
	}
	for i, j := range cfg.Scheduler.Jobs {
		if j.Name == "" {
			ve.Add("scheduler.jobs[%d].name is required", i)
		}
		if j.Schedule == "" {
			ve.Add("scheduler.jobs[%d].schedule is required", i)
		}
		if !validJobActions[j.Action] {
			ve.Add("scheduler.jobs[%d].action %q is invalid (want: cache_persist, cache_clear, stats_report, rules_reload)", i, j.Action)
		}
	}
}

func validateObservability(cfg *Config, ve *ValidationError) {
	switch cfg.Tracer.Exporter {
	case "", "noop", "stdout":
	default:
		ve.Add("tracer.exporter %q is invalid (want: noop, stdout)", cfg.Tracer.Exporter)
	}
	switch strings.ToLower(cfg.Logger.Format) {
	case "", "text", "json":
	default:
		ve.Add("logger.format %q is invalid (want: text, json)", cfg.Logger.Format)
	}
	if cfg.Gateway.Enabled {
		if _, _, err := net.SplitHostPort(cfg.Gateway.Addr); err != nil {
			ve.Add("gateway.addr %q is invalid: %v", cfg.Gateway.Addr, err)
		}
		if cfg.Gateway.RequestsPerMin <= 0 || cfg.Gateway.Burst <= 0 {
			ve.Add("gateway.requests_per_min and gateway.burst must be > 0")
		}
	}
	if cfg.Metrics.Enabled {
		if _, _, err := net.SplitHostPort(cfg.Metrics.Addr); err != nil {
			ve.Add("metrics.addr %q is invalid: %v", cfg.Metrics.Addr, err)
		}
		if !strings.HasPrefix(cfg.Metrics.Path, "/") {
			ve.Add("metrics.path must start with '/'")
		}
	}
}
