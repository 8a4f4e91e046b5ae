package main

import (
	"encoding/json"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"arbiter-ai/internal/adapter/sim"
)

var (
	planSnapshot string

	planCmd = &cobra.Command{
		Use:   "plan",
		Short: "Run the fallback chain once and print the resulting plan as JSON",
		RunE:  runPlan,
	}
)

func init() {
	planCmd.Flags().StringVar(&planSnapshot, "snapshot", "", "JSON snapshot to plan for (default: the built-in scenario)")
}

func runPlan(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app, err := initApp(ctx)
	if err != nil {
		return err
	}
	defer shutdown(app)

	snap := sim.NewWorld().Snapshot()
	if planSnapshot != "" {
		if snap, err = readSnapshot(planSnapshot); err != nil {
			return err
		}
	}

	res, err := app.Arbiter.PlanNow(ctx, snap)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}
