package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"arbiter-ai/internal/adapter/llm"
	"arbiter-ai/internal/adapter/rules"
	"arbiter-ai/internal/adapter/tool"
	"arbiter-ai/internal/domain"
	"arbiter-ai/internal/infra/config"
	"arbiter-ai/internal/usecase/strategic"
)

// CheckStatus represents the result of a health check.
type CheckStatus string

const (
	StatusPass CheckStatus = "PASS"
	StatusWarn CheckStatus = "WARN"
	StatusFail CheckStatus = "FAIL"
)

// CheckResult holds the outcome of a single health check.
type CheckResult struct {
	Name    string
	Status  CheckStatus
	Message string
	Fix     string // optional fix suggestion
}

// Check is a named health check function.
type Check struct {
	Name string
	Fn   func(cfg *config.Config) CheckResult
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run health checks on configuration and inference backends",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runDoctor(cmd.OutOrStdout())
	},
}

func runDoctor(out io.Writer) error {
	path := configPath()
	cfg, cfgErr := config.Load(path)

	checks := []Check{
		{Name: "Config file", Fn: checkConfigFile(path, cfgErr)},
		{Name: "Tool vocabulary", Fn: checkTools},
		{Name: "Heuristic rules", Fn: checkRules},
		{Name: "Inference clients", Fn: checkClients},
		{Name: "Cache store", Fn: checkCacheStore},
	}

	fmt.Fprintln(out, "arbiter doctor")
	fmt.Fprintln(out, strings.Repeat("=", 50))

	var pass, warn, fail int
	for _, check := range checks {
		result := check.Fn(cfg)
		result.Name = check.Name

		fmt.Fprintf(out, "  [%s] %s: %s\n", result.Status, result.Name, result.Message)
		if result.Fix != "" {
			fmt.Fprintf(out, "      Fix: %s\n", result.Fix)
		}
		switch result.Status {
		case StatusPass:
			pass++
		case StatusWarn:
			warn++
		case StatusFail:
			fail++
		}
	}

	fmt.Fprintln(out, strings.Repeat("-", 50))
	fmt.Fprintf(out, "Results: %d passed, %d warnings, %d failed\n", pass, warn, fail)
	if fail > 0 {
		return fmt.Errorf("%d check(s) failed", fail)
	}
	return nil
}

// checkConfigFile reports whether the config file exists and loads. A
// missing file is only a warning since defaults apply.
func checkConfigFile(path string, cfgErr error) func(*config.Config) CheckResult {
	return func(_ *config.Config) CheckResult {
		if cfgErr != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("config error: %v", cfgErr),
				Fix:     "Check config.yaml syntax and field values",
			}
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return CheckResult{
				Status:  StatusWarn,
				Message: fmt.Sprintf("no config at %s, using defaults", path),
			}
		}
		return CheckResult{Status: StatusPass, Message: fmt.Sprintf("config loaded from %s", path)}
	}
}

func checkTools(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusFail, Message: "cannot check: config not loaded"}
	}
	reg, err := tool.Load(cfg.Tools)
	if err != nil {
		return CheckResult{Status: StatusFail, Message: err.Error(), Fix: "Fix tools.registry_file or remove it to use the built-in vocabulary"}
	}
	names := cfg.Strategic.SimplifiedTools
	if len(names) == 0 {
		names = strategic.DefaultSimplifiedTools
	}
	var missing []string
	for _, n := range names {
		if !reg.Has(n) {
			missing = append(missing, n)
		}
	}
	if len(missing) > 0 {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("%d tools; simplified tier names unknown tools: %s", reg.Len(), strings.Join(missing, ", ")),
		}
	}
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("%d tools in %d categories", reg.Len(), len(reg.Categories()))}
}

func checkRules(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusFail, Message: "cannot check: config not loaded"}
	}
	rs, err := rules.LoadFile(cfg.Fallback.RulesFile)
	if err != nil {
		return CheckResult{Status: StatusFail, Message: err.Error(), Fix: "Fix fallback.rules_file"}
	}
	src := "built-in"
	if cfg.Fallback.RulesFile != "" {
		src = cfg.Fallback.RulesFile
	}
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("%d rules (%s)", len(rs.Rules), src)}
}

func checkClients(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusFail, Message: "cannot check: config not loaded"}
	}
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg, _, err := llm.Build(cfg.LLM, quiet)
	if err != nil {
		return CheckResult{Status: StatusFail, Message: err.Error(), Fix: "Check llm.providers"}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var healthy, down, unknown []string
	for _, name := range reg.List() {
		c, _ := reg.Get(name)
		hc, ok := c.(domain.HealthChecker)
		switch {
		case !ok:
			unknown = append(unknown, name)
		case hc.IsHealthy(ctx):
			healthy = append(healthy, name)
		default:
			down = append(down, name)
		}
	}

	msg := fmt.Sprintf("healthy [%s]", strings.Join(healthy, ", "))
	if len(unknown) > 0 {
		msg += fmt.Sprintf("; unprobed [%s]", strings.Join(unknown, ", "))
	}
	if len(down) > 0 {
		msg += fmt.Sprintf("; unreachable [%s]", strings.Join(down, ", "))
		if len(healthy) == 0 && len(unknown) == 0 {
			return CheckResult{Status: StatusFail, Message: msg, Fix: "Start the backend or use --offline; the heuristic tier still works"}
		}
		return CheckResult{Status: StatusWarn, Message: msg}
	}
	return CheckResult{Status: StatusPass, Message: msg}
}

func checkCacheStore(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusFail, Message: "cannot check: config not loaded"}
	}
	if cfg.Cache.PersistPath == "" {
		return CheckResult{Status: StatusWarn, Message: "persistence disabled, cache starts cold"}
	}
	dir := filepath.Dir(cfg.Cache.PersistPath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return CheckResult{Status: StatusFail, Message: err.Error(), Fix: "Set cache.persist_path to a writable location"}
	}
	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return CheckResult{Status: StatusFail, Message: fmt.Sprintf("%s is not writable: %v", dir, err)}
	}
	f.Close()
	os.Remove(f.Name())
	return CheckResult{Status: StatusPass, Message: cfg.Cache.PersistPath}
}
