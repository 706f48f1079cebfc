// Package config handles configuration loading for stagehand.
// It supports XDG config paths, project-level overrides, and environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for stagehand.
type Config struct {
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Pool      PoolConfig      `mapstructure:"pool"`
	Autoscale AutoscaleConfig `mapstructure:"autoscale"`
	Selector  SelectorConfig  `mapstructure:"selector"`
	Merge     MergeConfig     `mapstructure:"merge"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Workspace WorkspaceConfig `mapstructure:"workspace"`
}

// SchedulerConfig holds plan execution settings.
type SchedulerConfig struct {
	MaxConcurrency  int           `mapstructure:"max_concurrency"`
	TaskTimeout     time.Duration `mapstructure:"task_timeout"`
	FailureStrategy string        `mapstructure:"failure_strategy"`
	SquashMerge     bool          `mapstructure:"squash_merge"`
}

// PoolConfig holds worker pool settings.
type PoolConfig struct {
	// Mode selects the pool variant: fixed or autoscale.
	Mode string `mapstructure:"mode"`
	// Workers describes the fixed pool's members.
	Workers []WorkerConfig `mapstructure:"workers"`
}

// WorkerConfig describes one fixed-pool worker.
type WorkerConfig struct {
	ID              string  `mapstructure:"id"`
	CostPerUnitTime float64 `mapstructure:"cost_per_unit_time"`
	CostPerTask     float64 `mapstructure:"cost_per_task"`
	Tier            string  `mapstructure:"tier"`
}

// AutoscaleConfig holds autoscaling pool settings.
type AutoscaleConfig struct {
	Min               int           `mapstructure:"min"`
	Max               int           `mapstructure:"max"`
	TargetUtilization float64       `mapstructure:"target_utilization"`
	ScaleUpThreshold  int           `mapstructure:"scale_up_threshold"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
	Cooldown          time.Duration `mapstructure:"cooldown"`
	EvalInterval      time.Duration `mapstructure:"eval_interval"`
}

// SelectorConfig holds cost-aware routing settings.
type SelectorConfig struct {
	Strategy          string  `mapstructure:"strategy"`
	CostWeight        float64 `mapstructure:"cost_weight"`
	PerformanceWeight float64 `mapstructure:"performance_weight"`
	MaxCostPerTask    float64 `mapstructure:"max_cost_per_task"`
	DailyBudget       float64 `mapstructure:"daily_budget"`
}

// MergeConfig holds conflict resolution settings.
type MergeConfig struct {
	MaxAutoResolveLines         int      `mapstructure:"max_auto_resolve_lines"`
	SemanticSimilarityThreshold float64  `mapstructure:"semantic_similarity_threshold"`
	HighRiskPatterns            []string `mapstructure:"high_risk_patterns"`
}

// RetryConfig holds transient-failure retry settings.
type RetryConfig struct {
	MaxAttempts       int           `mapstructure:"max_attempts"`
	InitialDelay      time.Duration `mapstructure:"initial_delay"`
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier"`
	MaxDelay          time.Duration `mapstructure:"max_delay"`
}

// WorkspaceConfig holds isolated workspace settings.
type WorkspaceConfig struct {
	// BaseDir is where worktrees are created, relative to the repo root
	// unless absolute.
	BaseDir string `mapstructure:"base_dir"`
	// BaseBranch is the branch workspaces fork from and merge back into.
	BaseBranch string `mapstructure:"base_branch"`
	// MaxAge is how old a workspace may grow before cleanup removes it.
	MaxAge time.Duration `mapstructure:"max_age"`
}

// Default returns the built-in configuration.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	cfg := &Config{}
	_ = v.Unmarshal(cfg)
	return cfg
}

// Load loads configuration from XDG paths, project overrides, and environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (STAGEHAND_*)
// 2. Project config (.stagehand/config.yaml in current directory or parent)
// 3. User config (~/.config/stagehand/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(getUserConfigDir())

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	if projectConfig := findProjectConfig(); projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err == nil {
			if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
				return nil, fmt.Errorf("merging project config: %w", err)
			}
		}
	}

	v.SetEnvPrefix("STAGEHAND")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	return cfg, nil
}

// LoadFromPath loads configuration from a specific path (for testing).
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	return cfg, nil
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	// Scheduler defaults
	v.SetDefault("scheduler.max_concurrency", 4)
	v.SetDefault("scheduler.task_timeout", "15m")
	v.SetDefault("scheduler.failure_strategy", "continue")
	v.SetDefault("scheduler.squash_merge", true)

	// Pool defaults
	v.SetDefault("pool.mode", "fixed")

	// Autoscale defaults
	v.SetDefault("autoscale.min", 1)
	v.SetDefault("autoscale.max", 8)
	v.SetDefault("autoscale.target_utilization", 0.7)
	v.SetDefault("autoscale.scale_up_threshold", 2)
	v.SetDefault("autoscale.idle_timeout", "5m")
	v.SetDefault("autoscale.cooldown", "30s")
	v.SetDefault("autoscale.eval_interval", "10s")

	// Selector defaults
	v.SetDefault("selector.strategy", "balanced")
	v.SetDefault("selector.cost_weight", 0.5)
	v.SetDefault("selector.performance_weight", 0.5)
	v.SetDefault("selector.max_cost_per_task", 0.0)
	v.SetDefault("selector.daily_budget", 0.0)

	// Merge defaults
	v.SetDefault("merge.max_auto_resolve_lines", 50)
	v.SetDefault("merge.semantic_similarity_threshold", 0.85)

	// Retry defaults
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_delay", "1s")
	v.SetDefault("retry.backoff_multiplier", 2.0)
	v.SetDefault("retry.max_delay", "30s")

	// Workspace defaults
	v.SetDefault("workspace.base_dir", ".stagehand/workspaces")
	v.SetDefault("workspace.base_branch", "main")
	v.SetDefault("workspace.max_age", "24h")
}

// getUserConfigDir returns the XDG config directory for stagehand.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "stagehand")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "stagehand")
	}
	return filepath.Join(home, ".config", "stagehand")
}

// findProjectConfig searches for .stagehand/config.yaml in the current
// directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	dir := cwd
	for {
		candidate := filepath.Join(dir, ".stagehand", "config.yaml")
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}
