package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"arbiter-ai/internal/adapter/gateway"
	"arbiter-ai/internal/adapter/llm"
	"arbiter-ai/internal/adapter/planner"
	"arbiter-ai/internal/adapter/rules"
	"arbiter-ai/internal/adapter/store"
	"arbiter-ai/internal/adapter/tool"
	"arbiter-ai/internal/domain"
	"arbiter-ai/internal/infra/config"
	"arbiter-ai/internal/infra/logger"
	"arbiter-ai/internal/infra/metrics"
	"arbiter-ai/internal/infra/tracer"
	"arbiter-ai/internal/usecase/arbiter"
	"arbiter-ai/internal/usecase/cache"
	"arbiter-ai/internal/usecase/eventbus"
	"arbiter-ai/internal/usecase/fallback"
	"arbiter-ai/internal/usecase/prompt"
	"arbiter-ai/internal/usecase/scheduling"
	"arbiter-ai/internal/usecase/strategic"
	"arbiter-ai/internal/usecase/task"
)

// App holds every wired component. Close releases them in reverse order.
type App struct {
	Config    *config.Config
	Logger    *slog.Logger
	Clients   *llm.Registry
	Client    domain.InferenceClient
	Tools     *domain.ToolRegistry
	Cache     *cache.Cache
	Store     *store.SQLiteCacheStore
	Pool      *task.Pool
	Executor  *strategic.Executor
	Fallback  *fallback.Orchestrator
	Arbiter   *arbiter.Arbiter
	Bus       *eventbus.Bus
	Scheduler *scheduling.Scheduler
	Watcher   *rules.Watcher
	Gateway   *gateway.Server
	Prom      *metrics.Prometheus
	Stats     *metrics.Memory

	closers []func(ctx context.Context) error
}

func (a *App) onClose(fn func(ctx context.Context) error) {
	a.closers = append(a.closers, fn)
}

// Close runs the registered closers last-in first-out.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// initApp loads configuration and wires the planner stack.
func initApp(ctx context.Context) (*App, error) {
	// 1. Config
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if offline {
		cfg.LLM.DefaultProvider = "scripted"
		cfg.LLM.Providers = []config.ProviderConfig{{Name: "scripted", Type: "scripted"}}
		cfg.LLM.Failover = config.FailoverConfig{}
	}

	// 2. Logger & Tracer
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	app := &App{Config: cfg, Logger: log}
	app.onClose(func(context.Context) error { return logCloser() })

	fail := func(stage string, err error) (*App, error) {
		_ = app.Close(context.Background())
		return nil, fmt.Errorf("%s: %w", stage, err)
	}

	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fail("tracer", err)
	}
	app.onClose(tracerShutdown)

	if cfg.Strategic.Tiktoken {
		if err := prompt.UseTiktoken("cl100k_base"); err != nil {
			log.Warn("tiktoken unavailable, using byte estimate", "error", err)
		}
	}

	// 3. Telemetry
	app.Prom = metrics.NewPrometheus()
	app.Stats = metrics.NewMemory()
	rec := metrics.Fanout{app.Prom, app.Stats}

	// 4. Event bus
	app.Bus = eventbus.New(logger.Component(log, "eventbus"))
	app.onClose(func(context.Context) error { app.Bus.Close(); return nil })

	// 5. Inference clients
	app.Clients, app.Client, err = llm.Build(cfg.LLM, logger.Component(log, "llm"))
	if err != nil {
		return fail("llm", err)
	}

	// 6. Tools
	app.Tools, err = tool.Load(cfg.Tools)
	if err != nil {
		return fail("tools", err)
	}

	// 7. Cache with optional warm start
	app.Cache = cache.New(
		cache.WithCapacity(cfg.Cache.Capacity),
		cache.WithApproximate(cfg.Cache.Approximate, cfg.Cache.SimilarityThreshold),
		cache.WithRecorder(rec),
		cache.WithTokenEstimator(prompt.EstimateTokens),
	)
	if cfg.Cache.PersistPath != "" {
		app.Store, err = store.NewSQLiteCacheStore(cfg.Cache.PersistPath)
		if err != nil {
			return fail("cache store", err)
		}
		n, err := app.Store.Restore(ctx, app.Cache, app.Tools.Admits)
		if err != nil {
			log.Warn("cache warm start failed", "path", cfg.Cache.PersistPath, "error", err)
		} else if n > 0 {
			log.Info("cache warm start", "entries", n)
		}
		app.onClose(func(ctx context.Context) error {
			if _, err := app.Store.Persist(ctx, app.Cache); err != nil {
				log.Warn("cache persist on shutdown failed", "error", err)
			}
			return app.Store.Close()
		})
	}

	// 8. Strategic executor
	app.Pool = task.NewPool(cfg.Strategic.Workers, logger.Component(log, "pool"))
	app.onClose(app.Pool.Close)

	app.Executor = strategic.NewExecutor(app.Client, app.Tools, app.Pool, strategic.Config{
		Model:           cfg.Strategic.Model,
		Temperature:     cfg.Strategic.Temperature,
		MaxTokens:       cfg.Strategic.MaxTokens,
		Timeout:         cfg.Strategic.Timeout,
		RatePerSecond:   cfg.Strategic.RatePerSecond,
		RateBurst:       cfg.Strategic.RateBurst,
		SimplifiedTools: cfg.Strategic.SimplifiedTools,
		Role:            prompt.Role(cfg.Strategic.Role),
	},
		strategic.WithCache(app.Cache),
		strategic.WithLogger(logger.Component(log, "strategic")),
		strategic.WithRecorder(rec),
	)

	// 9. Fallback chain
	rs, err := rules.LoadFile(cfg.Fallback.RulesFile)
	if err != nil {
		return fail("rules", err)
	}
	app.Fallback = fallback.New(app.Executor, app.Tools, fallback.Config{
		TierRetries: cfg.Fallback.TierRetries,
		StartTier:   domain.Tier(cfg.Fallback.StartTier),
	},
		fallback.WithRules(rs),
		fallback.WithLogger(logger.Component(log, "fallback")),
		fallback.WithRecorder(rec),
		fallback.WithEventBus(app.Bus),
	)
	if cfg.Fallback.RulesFile != "" && cfg.Fallback.WatchRules {
		app.Watcher, err = rules.NewWatcher(cfg.Fallback.RulesFile, app.Fallback, logger.Component(log, "rules"),
			rules.WithEventBus(app.Bus))
		if err != nil {
			return fail("rules watcher", err)
		}
		app.onClose(func(context.Context) error { app.Watcher.Stop(); return nil })
	}

	// 10. Arbiter
	app.Arbiter = arbiter.New(planner.NewRulePlanner(), app.Executor, app.Fallback,
		arbiter.WithCooldown(cfg.Arbiter.Cooldown),
		arbiter.WithRequestWhileExecuting(cfg.Arbiter.RequestWhileExecuting),
		arbiter.WithTrigger(enemiesChanged),
		arbiter.WithAgentID(cfg.Arbiter.AgentID),
		arbiter.WithLogger(logger.Component(log, "arbiter")),
		arbiter.WithEventBus(app.Bus),
		arbiter.WithRecorder(rec),
	)
	app.onClose(func(context.Context) error { app.Arbiter.Close(); return nil })

	// 11. Maintenance jobs
	if cfg.Scheduler.Enabled {
		app.Scheduler = scheduling.NewScheduler(logger.Component(log, "scheduler"))
		registerJobs(app)
		for _, jc := range cfg.Scheduler.Jobs {
			if err := app.Scheduler.AddJob(scheduling.Job{
				Name:     jc.Name,
				Schedule: jc.Schedule,
				Action:   scheduling.Action(jc.Action),
				OneShot:  jc.OneShot,
			}); err != nil {
				return fail("scheduler", err)
			}
		}
		app.onClose(func(context.Context) error { return app.Scheduler.Stop() })
	}

	// 12. Control gateway
	if cfg.Gateway.Enabled {
		app.Gateway = gateway.NewServer(app.Bus, gateway.Options{
			Addr:           cfg.Gateway.Addr,
			Auth:           gateway.NewTokenAuth(cfg.Gateway.Tokens),
			RequestsPerMin: cfg.Gateway.RequestsPerMin,
			Burst:          cfg.Gateway.Burst,
		}, logger.Component(log, "gateway"))
		gateway.NewAPI(gateway.Deps{
			Planner: app.Arbiter,
			Cache:   app.Cache,
			Tools:   app.Tools,
			Version: version,
		}).Register(app.Gateway)
		app.onClose(app.Gateway.Stop)
	}

	log.Info("arbiter ready",
		"client", app.Client.Name(),
		"clients", app.Clients.List(),
		"tools", app.Tools.Len(),
		"cache_capacity", cfg.Cache.Capacity,
	)
	return app, nil
}

// Start launches the background services: metrics endpoint, gateway, rule
// watcher and scheduler. They stop when ctx is cancelled.
func (a *App) Start(ctx context.Context) {
	if a.Config.Metrics.Enabled {
		go func() {
			if err := metrics.Serve(ctx, a.Config.Metrics.Addr, a.Config.Metrics.Path, a.Prom.Handler(), a.Logger); err != nil {
				a.Logger.Error("metrics server error", "error", err)
			}
		}()
	}
	if a.Gateway != nil {
		go func() {
			if err := a.Gateway.Start(ctx); err != nil {
				a.Logger.Error("gateway error", "error", err)
			}
		}()
	}
	if a.Watcher != nil {
		a.Watcher.Start(ctx)
	}
	if a.Scheduler != nil {
		if err := a.Scheduler.Start(ctx); err != nil {
			a.Logger.Error("scheduler start failed", "error", err)
		}
	}
}

// enemiesChanged requests a new plan as soon as an enemy appears or dies.
func enemiesChanged(last, current domain.WorldSnapshot) bool {
	if len(last.Enemies) != len(current.Enemies) {
		return true
	}
	seen := make(map[uint32]bool, len(last.Enemies))
	for _, e := range last.Enemies {
		seen[e.ID] = true
	}
	for _, e := range current.Enemies {
		if !seen[e.ID] {
			return true
		}
	}
	return false
}

func shutdown(app *App) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := app.Close(ctx); err != nil {
		app.Logger.Error("shutdown error", "error", err)
	}
}
