// Command renderd is the render pipeline supervisor: it loads
// configuration, wires a Store and a StepExecutor into an Engine, restores
// any runs left behind by a previous process, and blocks until an interrupt
// (SIGINT) triggers a bounded, in-flight-draining shutdown.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"time"

	render "github.com/nevindra/renderpipe"
	"github.com/nevindra/renderpipe/internal/config"
	"github.com/nevindra/renderpipe/observer"
	"github.com/nevindra/renderpipe/stepexec"
	"github.com/nevindra/renderpipe/store/postgres"
	"github.com/nevindra/renderpipe/store/sqlite"

	"github.com/jackc/pgx/v5/pgxpool"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfgPath := os.Getenv("RENDER_CONFIG_PATH")
	cfg := config.Load(cfgPath)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("open store", "error", err)
		os.Exit(1)
	}
	defer closeStore()

	var tracer render.Tracer
	var inst *observer.Instruments
	if cfg.Observer.Enabled {
		var shutdown func(context.Context) error
		var err error
		inst, shutdown, err = observer.Init(ctx)
		if err != nil {
			logger.Error("init observer", "error", err)
			os.Exit(1)
		}
		tracer = observer.NewTracer()
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				logger.Warn("observer shutdown", "error", err)
			}
		}()
		logger.Info("observer enabled")
	}

	var stepExec render.StepExecutor = buildStepExecutor(cfg, store, logger)
	if inst != nil {
		stepExec = observer.WrapStepExecutor(stepExec, inst)
	}

	var metrics render.Metrics
	if inst != nil {
		metrics = observer.NewMetrics(inst)
	}

	engine := render.New(
		render.WithStore(store),
		render.WithStepExecutor(stepExec),
		render.WithLogger(logger),
		render.WithTracer(tracer),
		render.WithMetrics(metrics),
		render.WithEngineConfig(render.EngineConfig{
			MaxConcurrentRuns:    cfg.Engine.MaxConcurrentRuns,
			MaxQueueSize:         cfg.Engine.MaxQueueSize,
			MaxSubscribersPerRun: cfg.Engine.MaxSubscribersPerRun,
			HeartbeatInterval:    cfg.Engine.HeartbeatInterval(),
		}),
	)

	if err := engine.RestoreAfterRestart(ctx); err != nil {
		logger.Error("restore after restart", "error", err)
		os.Exit(1)
	}

	logger.Info("renderd started",
		"max_concurrent_runs", cfg.Engine.MaxConcurrentRuns,
		"max_queue_size", cfg.Engine.MaxQueueSize,
		"dry_run", cfg.DryRun.Enabled,
	)

	<-ctx.Done()
	logger.Info("shutdown signal received, draining active runs")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := engine.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", "error", err)
		os.Exit(1)
	}
	logger.Info("renderd stopped")
}

// openStore constructs the configured Store backend (sqlite by default,
// postgres when RENDER_POSTGRES_DSN is set) and returns its close function.
func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (render.Store, func(), error) {
	if cfg.Postgres.DSN != "" {
		pool, err := pgxpool.New(ctx, cfg.Postgres.DSN)
		if err != nil {
			return nil, nil, err
		}
		store := postgres.New(pool, postgres.WithLogger(logger))
		if err := store.Init(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return store, pool.Close, nil
	}

	store := sqlite.New(cfg.SQLite.Path, sqlite.WithLogger(logger))
	if err := store.Init(ctx); err != nil {
		return nil, nil, err
	}
	return store, func() { _ = store.Close() }, nil
}

// buildStepExecutor wires a dry-run executor by default, promoting to a
// Docker-backed ffmpeg_render step when DOCKER_HOST (or the daemon's default
// socket) is reachable and dry-run mode is off.
func buildStepExecutor(cfg config.Config, store render.Store, logger *slog.Logger) render.StepExecutor {
	opts := []stepexec.DryRunOption{
		stepexec.WithStore(store),
		stepexec.WithImageConcurrency(cfg.Engine.MaxConcurrentImageGeneration),
	}
	if cfg.DryRun.FailStep != "" {
		opts = append(opts, stepexec.WithFailStep(render.StepName(cfg.DryRun.FailStep)))
	}
	if cfg.DryRun.StepDelayMS > 0 {
		opts = append(opts, stepexec.WithStepDelay(cfg.DryRun.StepDelay()))
	}

	if !cfg.DryRun.Enabled {
		if docker, err := stepexec.NewDockerFFmpegFromEnv("linuxserver/ffmpeg", cfg.Engine.ArtifactRoot); err == nil {
			opts = append(opts, stepexec.WithDocker(docker))
		} else {
			logger.Warn("docker ffmpeg backend unavailable, falling back to placeholder render", "error", err)
		}
	}

	return stepexec.NewDryRun(cfg.Engine.ArtifactRoot, opts...)
}
