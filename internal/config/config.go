// Package config loads the Engine's immutable configuration snapshot:
// defaults, then an optional TOML file, then environment-variable
// overrides. This replaces reading environment variables as live globals
// inside hot paths with a single Config value
// read once at Supervisor startup.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the root configuration for the render pipeline supervisor.
type Config struct {
	Engine   EngineConfig   `toml:"engine"`
	DryRun   DryRunConfig   `toml:"dry_run"`
	SQLite   SQLiteConfig   `toml:"sqlite"`
	Postgres PostgresConfig `toml:"postgres"`
	Observer ObserverConfig `toml:"observer"`
}

// EngineConfig holds the concurrency/queue/subscriber/heartbeat knobs
// recognized as environment overrides.
type EngineConfig struct {
	MaxConcurrentRuns            int    `toml:"max_concurrent_runs"`
	MaxQueueSize                 int    `toml:"max_queue_size"`
	MaxSubscribersPerRun         int    `toml:"max_subscribers_per_run"`
	MaxConcurrentImageGeneration int    `toml:"max_concurrent_image_generation"`
	HeartbeatIntervalMS          int64  `toml:"heartbeat_interval_ms"`
	ArtifactRoot                 string `toml:"artifact_root"`
}

// DryRunConfig is the dry-run knob set. Like every other section it is
// captured from Config at startup; this package offers no way to change it
// after Load returns.
type DryRunConfig struct {
	Enabled     bool   `toml:"enabled"`
	FailStep    string `toml:"fail_step"`
	StepDelayMS int    `toml:"step_delay_ms"`
}

// SQLiteConfig configures the local/dev/test Store backend.
type SQLiteConfig struct {
	Path string `toml:"path"`
}

// PostgresConfig configures the production Store backend.
type PostgresConfig struct {
	DSN string `toml:"dsn"`
}

// ObserverConfig toggles OTEL wiring.
type ObserverConfig struct {
	Enabled bool `toml:"enabled"`
}

// Default returns a Config with every recognized knob set to its
// documented default.
func Default() Config {
	return Config{
		Engine: EngineConfig{
			MaxConcurrentRuns:            1,
			MaxQueueSize:                 100,
			MaxSubscribersPerRun:         100,
			MaxConcurrentImageGeneration: 3,
			HeartbeatIntervalMS:          25000,
			ArtifactRoot:                 "artifacts",
		},
		DryRun: DryRunConfig{
			Enabled: false,
		},
		SQLite: SQLiteConfig{
			Path: "render.db",
		},
	}
}

// Load reads config: defaults -> TOML file at path (ignored if absent or
// malformed) -> environment-variable overrides (env wins). Invalid
// MAX_CONCURRENT_IMAGE_GENERATION values fall back to the default of 3,
// rather than erroring out.
func Load(path string) Config {
	cfg := Default()

	if path != "" {
		if data, err := os.ReadFile(path); err == nil {
			_ = toml.Unmarshal(data, &cfg)
		}
	}

	if v, ok := getenvInt("RENDER_MAX_CONCURRENT_RUNS"); ok && v > 0 {
		cfg.Engine.MaxConcurrentRuns = v
	}
	if v, ok := getenvInt("RENDER_MAX_QUEUE_SIZE"); ok && v > 0 {
		cfg.Engine.MaxQueueSize = v
	}
	if v, ok := getenvInt("RENDER_MAX_SUBSCRIBERS_PER_RUN"); ok && v > 0 {
		cfg.Engine.MaxSubscribersPerRun = v
	}
	if v, ok := getenvInt("RENDER_MAX_CONCURRENT_IMAGE_GENERATION"); ok && v > 0 {
		cfg.Engine.MaxConcurrentImageGeneration = v
	} else if ok {
		cfg.Engine.MaxConcurrentImageGeneration = 3
	}
	if v, ok := getenvInt64("RENDER_HEARTBEAT_INTERVAL_MS"); ok && v > 0 {
		cfg.Engine.HeartbeatIntervalMS = v
	}
	if v := os.Getenv("RENDER_ARTIFACT_ROOT"); v != "" {
		cfg.Engine.ArtifactRoot = v
	}

	if v := os.Getenv("APP_RENDER_DRY_RUN"); v == "1" {
		cfg.DryRun.Enabled = true
	} else if v == "0" {
		cfg.DryRun.Enabled = false
	}
	if v, ok := os.LookupEnv("APP_DRY_RUN_FAIL_STEP"); ok {
		cfg.DryRun.FailStep = v
	}
	if v, ok := getenvInt("APP_DRY_RUN_STEP_DELAY_MS"); ok {
		if v < 0 {
			v = 0
		}
		if v > 5000 {
			v = 5000
		}
		cfg.DryRun.StepDelayMS = v
	}

	if v := os.Getenv("RENDER_SQLITE_PATH"); v != "" {
		cfg.SQLite.Path = v
	}
	if v := os.Getenv("RENDER_POSTGRES_DSN"); v != "" {
		cfg.Postgres.DSN = v
	}
	if v := os.Getenv("RENDER_OBSERVER_ENABLED"); v == "1" || v == "true" {
		cfg.Observer.Enabled = true
	}

	return cfg
}

// HeartbeatInterval returns the configured heartbeat cadence as a
// time.Duration.
func (c EngineConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalMS) * time.Millisecond
}

// StepDelay returns the configured dry-run per-step sleep as a
// time.Duration.
func (c DryRunConfig) StepDelay() time.Duration {
	return time.Duration(c.StepDelayMS) * time.Millisecond
}

func getenvInt(key string) (int, bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func getenvInt64(key string) (int64, bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
