package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()
	if cfg.Engine.MaxConcurrentRuns != 1 {
		t.Errorf("expected 1, got %d", cfg.Engine.MaxConcurrentRuns)
	}
	if cfg.Engine.MaxQueueSize != 100 {
		t.Errorf("expected 100, got %d", cfg.Engine.MaxQueueSize)
	}
	if cfg.Engine.MaxSubscribersPerRun != 100 {
		t.Errorf("expected 100, got %d", cfg.Engine.MaxSubscribersPerRun)
	}
	if cfg.Engine.MaxConcurrentImageGeneration != 3 {
		t.Errorf("expected 3, got %d", cfg.Engine.MaxConcurrentImageGeneration)
	}
	if cfg.Engine.HeartbeatIntervalMS != 25000 {
		t.Errorf("expected 25000, got %d", cfg.Engine.HeartbeatIntervalMS)
	}
}

func TestLoadFromTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.toml")
	os.WriteFile(path, []byte(`
[engine]
max_concurrent_runs = 4

[sqlite]
path = "custom.db"
`), 0644)

	cfg := Load(path)
	if cfg.Engine.MaxConcurrentRuns != 4 {
		t.Errorf("expected 4, got %d", cfg.Engine.MaxConcurrentRuns)
	}
	if cfg.SQLite.Path != "custom.db" {
		t.Errorf("expected custom.db, got %s", cfg.SQLite.Path)
	}
	// Defaults preserved
	if cfg.Engine.MaxQueueSize != 100 {
		t.Errorf("default should be preserved, got %d", cfg.Engine.MaxQueueSize)
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("RENDER_MAX_CONCURRENT_RUNS", "5")
	t.Setenv("APP_RENDER_DRY_RUN", "1")
	t.Setenv("APP_DRY_RUN_FAIL_STEP", "captions_build")

	cfg := Load("/nonexistent/path.toml")
	if cfg.Engine.MaxConcurrentRuns != 5 {
		t.Errorf("expected 5, got %d", cfg.Engine.MaxConcurrentRuns)
	}
	if !cfg.DryRun.Enabled {
		t.Error("expected dry run enabled")
	}
	if cfg.DryRun.FailStep != "captions_build" {
		t.Errorf("expected captions_build, got %s", cfg.DryRun.FailStep)
	}
}

func TestInvalidImageConcurrencyFallsBackToThree(t *testing.T) {
	t.Setenv("RENDER_MAX_CONCURRENT_IMAGE_GENERATION", "-7")

	cfg := Load("/nonexistent/path.toml")
	if cfg.Engine.MaxConcurrentImageGeneration != 3 {
		t.Errorf("expected fallback to 3, got %d", cfg.Engine.MaxConcurrentImageGeneration)
	}
}

func TestDryRunStepDelayClamped(t *testing.T) {
	t.Setenv("APP_DRY_RUN_STEP_DELAY_MS", "999999")

	cfg := Load("/nonexistent/path.toml")
	if cfg.DryRun.StepDelayMS != 5000 {
		t.Errorf("expected clamp to 5000, got %d", cfg.DryRun.StepDelayMS)
	}
}
