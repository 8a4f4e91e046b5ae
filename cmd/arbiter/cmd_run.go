package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"arbiter-ai/internal/adapter/sim"
	"arbiter-ai/internal/domain"
)

var (
	runTicks    int
	runInterval time.Duration
	runSnapshot string

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Drive the arbiter against the built-in simulated skirmish",
		RunE:  runLoop,
	}
)

func init() {
	runCmd.Flags().IntVar(&runTicks, "ticks", 200, "number of ticks to run (0 runs until interrupted)")
	runCmd.Flags().DurationVar(&runInterval, "tick-interval", 0, "wall-clock time between ticks (default from config)")
	runCmd.Flags().StringVar(&runSnapshot, "snapshot", "", "JSON snapshot to start from instead of the built-in scenario")
}

func runLoop(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app, err := initApp(ctx)
	if err != nil {
		return err
	}
	defer shutdown(app)
	app.Start(ctx)

	world := sim.NewWorld()
	if runSnapshot != "" {
		snap, err := readSnapshot(runSnapshot)
		if err != nil {
			return err
		}
		world = sim.FromSnapshot(snap)
	}

	interval := runInterval
	if interval <= 0 {
		interval = app.Config.Arbiter.TickInterval
	}
	dt := interval.Seconds()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	out := cmd.OutOrStdout()
	for tick := 0; runTicks == 0 || tick < runTicks; tick++ {
		select {
		case <-ctx.Done():
			reportStats(app)
			return nil
		case <-ticker.C:
		}

		snap := world.Snapshot()
		action := app.Arbiter.Tick(snap)
		world.Apply(action, dt)

		params, _ := json.Marshal(action.Params)
		fmt.Fprintf(out, "t=%6.2f %-22s %-12s %s\n", snap.T, app.Arbiter.Mode(), action.Tool, params)

		if world.Done() {
			fmt.Fprintln(out, "all enemies down")
			break
		}
	}
	reportStats(app)
	return nil
}

func readSnapshot(path string) (domain.WorldSnapshot, error) {
	var snap domain.WorldSnapshot
	data, err := os.ReadFile(path)
	if err != nil {
		return snap, fmt.Errorf("read snapshot: %w", err)
	}
	if err := json.Unmarshal(data, &snap); err != nil {
		return snap, domain.NewDomainError("readSnapshot", domain.ErrInvalidInput, err.Error())
	}
	if err := domain.ValidateSnapshot(snap); err != nil {
		return snap, err
	}
	return snap, nil
}
