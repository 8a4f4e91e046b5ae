package main

import (
	"context"
	"errors"

	"arbiter-ai/internal/adapter/rules"
	"arbiter-ai/internal/usecase/scheduling"
)

// registerJobs binds the maintenance actions the scheduler can run.
func registerJobs(app *App) {
	s := app.Scheduler

	s.RegisterAction(scheduling.ActionCachePersist, func(ctx context.Context) error {
		if app.Store == nil {
			return errors.New("cache persistence is disabled")
		}
		n, err := app.Store.Persist(ctx, app.Cache)
		if err != nil {
			return err
		}
		app.Logger.Debug("cache persisted", "entries", n)
		return nil
	})

	s.RegisterAction(scheduling.ActionCacheClear, func(context.Context) error {
		app.Cache.Clear()
		app.Logger.Info("cache cleared")
		return nil
	})

	s.RegisterAction(scheduling.ActionStatsReport, func(context.Context) error {
		reportStats(app)
		return nil
	})

	s.RegisterAction(scheduling.ActionRulesReload, func(ctx context.Context) error {
		if app.Watcher != nil {
			return app.Watcher.Reload(ctx)
		}
		if app.Config.Fallback.RulesFile == "" {
			return nil
		}
		rs, err := rules.LoadFile(app.Config.Fallback.RulesFile)
		if err != nil {
			return err
		}
		return app.Fallback.SetRules(rs)
	})
}

func reportStats(app *App) {
	cs := app.Cache.Stats()
	am := app.Arbiter.Metrics()
	fm := app.Fallback.Metrics()
	ps := app.Pool.Stats()
	sum := app.Stats.Summary()

	app.Logger.Info("stats",
		"ticks", am.Ticks,
		"mode", app.Arbiter.Mode().String(),
		"mode_transitions", am.ModeTransitions,
		"strategic_requests", am.StrategicRequests,
		"strategic_failures", am.StrategicFailures,
		"ignored_results", am.IgnoredResults,
		"strategic_latency", sum.MeanStrategicLatency(),
		"max_tick", sum.MaxTickDuration,
		"cache_size", cs.Size,
		"cache_hit_rate", cs.HitRate(),
		"tokens_saved", cs.TokensSaved,
		"fallback_requests", fm.TotalRequests,
		"fallback_avg_attempts", fm.AverageAttempts,
		"pool_queued", ps.Queued,
		"pool_running", ps.Running,
	)
}
