package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Scheduler.MaxConcurrency != 4 {
		t.Errorf("expected max concurrency 4, got %d", cfg.Scheduler.MaxConcurrency)
	}

	if cfg.Scheduler.TaskTimeout != 15*time.Minute {
		t.Errorf("expected task timeout 15m, got %v", cfg.Scheduler.TaskTimeout)
	}

	if cfg.Scheduler.FailureStrategy != "continue" {
		t.Errorf("expected failure strategy 'continue', got %q", cfg.Scheduler.FailureStrategy)
	}

	if cfg.Pool.Mode != "fixed" {
		t.Errorf("expected pool mode 'fixed', got %q", cfg.Pool.Mode)
	}

	if cfg.Autoscale.Min != 1 || cfg.Autoscale.Max != 8 {
		t.Errorf("expected autoscale bounds 1..8, got %d..%d", cfg.Autoscale.Min, cfg.Autoscale.Max)
	}

	if cfg.Autoscale.TargetUtilization != 0.7 {
		t.Errorf("expected target utilization 0.7, got %f", cfg.Autoscale.TargetUtilization)
	}

	if cfg.Selector.Strategy != "balanced" {
		t.Errorf("expected selector strategy 'balanced', got %q", cfg.Selector.Strategy)
	}

	if cfg.Merge.MaxAutoResolveLines != 50 {
		t.Errorf("expected max auto-resolve lines 50, got %d", cfg.Merge.MaxAutoResolveLines)
	}

	if cfg.Retry.MaxAttempts != 3 {
		t.Errorf("expected retry attempts 3, got %d", cfg.Retry.MaxAttempts)
	}

	if cfg.Workspace.BaseBranch != "main" {
		t.Errorf("expected base branch 'main', got %q", cfg.Workspace.BaseBranch)
	}
}

func TestLoadFromPath(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
scheduler:
  max_concurrency: 8
  task_timeout: 30m
  failure_strategy: abort
pool:
  mode: autoscale
  workers:
    - id: builder-1
      cost_per_unit_time: 0.5
      tier: medium
autoscale:
  min: 2
  max: 16
selector:
  strategy: minimize-cost
  daily_budget: 100.0
merge:
  max_auto_resolve_lines: 20
retry:
  max_attempts: 5
workspace:
  base_branch: develop
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cfg, err := LoadFromPath(configPath)
	if err != nil {
		t.Fatalf("LoadFromPath failed: %v", err)
	}

	if cfg.Scheduler.MaxConcurrency != 8 {
		t.Errorf("expected max concurrency 8, got %d", cfg.Scheduler.MaxConcurrency)
	}

	if cfg.Scheduler.TaskTimeout != 30*time.Minute {
		t.Errorf("expected task timeout 30m, got %v", cfg.Scheduler.TaskTimeout)
	}

	if cfg.Scheduler.FailureStrategy != "abort" {
		t.Errorf("expected failure strategy 'abort', got %q", cfg.Scheduler.FailureStrategy)
	}

	if cfg.Pool.Mode != "autoscale" {
		t.Errorf("expected pool mode 'autoscale', got %q", cfg.Pool.Mode)
	}

	if len(cfg.Pool.Workers) != 1 || cfg.Pool.Workers[0].ID != "builder-1" {
		t.Errorf("expected one worker 'builder-1', got %+v", cfg.Pool.Workers)
	}

	if cfg.Autoscale.Min != 2 || cfg.Autoscale.Max != 16 {
		t.Errorf("expected autoscale bounds 2..16, got %d..%d", cfg.Autoscale.Min, cfg.Autoscale.Max)
	}

	if cfg.Selector.Strategy != "minimize-cost" {
		t.Errorf("expected selector strategy 'minimize-cost', got %q", cfg.Selector.Strategy)
	}

	if cfg.Selector.DailyBudget != 100.0 {
		t.Errorf("expected daily budget 100.0, got %f", cfg.Selector.DailyBudget)
	}

	if cfg.Merge.MaxAutoResolveLines != 20 {
		t.Errorf("expected max auto-resolve lines 20, got %d", cfg.Merge.MaxAutoResolveLines)
	}

	if cfg.Retry.MaxAttempts != 5 {
		t.Errorf("expected retry attempts 5, got %d", cfg.Retry.MaxAttempts)
	}

	if cfg.Workspace.BaseBranch != "develop" {
		t.Errorf("expected base branch 'develop', got %q", cfg.Workspace.BaseBranch)
	}

	// Unset keys fall back to defaults.
	if cfg.Retry.InitialDelay != time.Second {
		t.Errorf("expected default initial delay 1s, got %v", cfg.Retry.InitialDelay)
	}
}

func TestLoadFromPathMissingFile(t *testing.T) {
	if _, err := LoadFromPath(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing config file")
	}
}
