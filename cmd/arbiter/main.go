package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"arbiter-ai/internal/domain"
	"arbiter-ai/internal/infra/config"
)

// Set by -ldflags at release time.
var (
	version = "dev"
	commit  = "none"
)

var (
	cfgPath string
	offline bool

	rootCmd = &cobra.Command{
		Use:   "arbiter",
		Short: "Hybrid action planner: instant rule-based actions with background LLM plans",
		Long: `arbiter drives an agent from a fast rule planner every tick while
strategic plans are computed by an inference backend in the background.
When the backend is slow or unavailable the fallback chain degrades to
heuristic and emergency plans so an action is always produced.`,
		SilenceUsage: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "config file (default $ARBITER_CONFIG or ./config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&offline, "offline", false, "use the scripted inference client instead of the configured providers")

	rootCmd.AddCommand(runCmd, planCmd, toolsCmd, doctorCmd, versionCmd)
}

func main() {
	// .env is optional
	_ = godotenv.Load(".env")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "arbiter: %v\n", err)
		os.Exit(1)
	}
}

func configPath() string {
	if cfgPath != "" {
		return cfgPath
	}
	if p := os.Getenv("ARBITER_CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}

// loadConfig reads the active config file, tagging failures with ErrConfigLoad.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrConfigLoad, err)
	}
	return cfg, nil
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "arbiter %s (%s)\n", version, commit)
	},
}
