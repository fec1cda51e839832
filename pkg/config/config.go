// Package config loads and validates the autopilot.yaml configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Config is the complete runtime configuration.
type Config struct {
	// WorkspaceRoot is the base directory for session files; the
	// repository the agents work on lives at its root.
	WorkspaceRoot    string `yaml:"workspaceRoot"`
	DesiredInstances int    `yaml:"desiredInstances"`

	// Global budget ceilings.
	DailyBudgetUSD   float64 `yaml:"dailyBudgetUsd"`
	MonthlyBudgetUSD float64 `yaml:"monthlyBudgetUsd"`

	// Per-session caps passed to the LLM runtime.
	MaxBudgetPerTaskUSD     float64 `yaml:"maxBudgetPerTaskUsd"`
	MaxBudgetPerReviewUSD   float64 `yaml:"maxBudgetPerReviewUsd"`
	MaxBudgetPerIdeationUSD float64 `yaml:"maxBudgetPerIdeationUsd"`
	MaxTurnsPerTask         int     `yaml:"maxTurnsPerTask"`

	// EnabledCategories turns ideation on when non-empty. Each entry
	// needs a <category>.md template under CategoryPromptsDir.
	EnabledCategories  []string `yaml:"enabledCategories"`
	CategoryPromptsDir string   `yaml:"categoryPromptsDir"`

	// Code-host identity and auth.
	ProjectID string `yaml:"projectId"`
	Owner     string `yaml:"owner"`
	Repo      string `yaml:"repo"`
	HostToken string `yaml:"hostToken"`

	// Loop and lifecycle tunables.
	IdlePollInterval time.Duration `yaml:"idlePollInterval"`
	CooldownInterval time.Duration `yaml:"cooldownInterval"`
	CleanupInterval  time.Duration `yaml:"cleanupInterval"`
	ShutdownGrace    time.Duration `yaml:"shutdownGrace"`

	// APIAddr is the listen address of the operator HTTP API. Empty
	// disables the API.
	APIAddr string `yaml:"apiAddr"`
}

// Default returns the built-in defaults applied under any user-set
// values.
func Default() *Config {
	return &Config{
		DesiredInstances:        1,
		DailyBudgetUSD:          10,
		MonthlyBudgetUSD:        100,
		MaxBudgetPerTaskUSD:     2,
		MaxBudgetPerReviewUSD:   0.5,
		MaxBudgetPerIdeationUSD: 0.5,
		MaxTurnsPerTask:         50,
		IdlePollInterval:        30 * time.Second,
		CooldownInterval:        60 * time.Second,
		CleanupInterval:         30 * time.Minute,
		ShutdownGrace:           30 * time.Second,
		APIAddr:                 ":8080",
	}
}

// Load reads path, expands environment variables, merges the result
// over the built-in defaults, and validates. A missing hostToken falls
// back to the GITHUB_TOKEN environment variable.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var user Config
	if err := yaml.Unmarshal(ExpandEnv(data), &user); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg := Default()
	if err := mergo.Merge(cfg, &user, mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("merge config: %w", err)
	}

	if cfg.HostToken == "" {
		cfg.HostToken = os.Getenv("GITHUB_TOKEN")
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	slog.Info("Configuration loaded",
		"path", path,
		"desired_instances", cfg.DesiredInstances,
		"daily_budget_usd", cfg.DailyBudgetUSD,
		"monthly_budget_usd", cfg.MonthlyBudgetUSD,
		"enabled_categories", cfg.EnabledCategories)
	return cfg, nil
}

func (c *Config) validate() error {
	if c.WorkspaceRoot == "" {
		return fmt.Errorf("workspaceRoot is required")
	}
	if c.Owner == "" || c.Repo == "" {
		return fmt.Errorf("owner and repo are required")
	}
	if c.ProjectID == "" {
		return fmt.Errorf("projectId is required")
	}
	if c.HostToken == "" {
		return fmt.Errorf("hostToken is required (or set GITHUB_TOKEN)")
	}
	if c.DesiredInstances < 0 {
		return fmt.Errorf("desiredInstances must not be negative")
	}
	if c.DailyBudgetUSD <= 0 || c.MonthlyBudgetUSD <= 0 {
		return fmt.Errorf("budget ceilings must be positive")
	}
	if c.MaxBudgetPerTaskUSD <= 0 || c.MaxBudgetPerReviewUSD <= 0 || c.MaxBudgetPerIdeationUSD <= 0 {
		return fmt.Errorf("per-session budget caps must be positive")
	}
	if c.MaxTurnsPerTask <= 0 {
		return fmt.Errorf("maxTurnsPerTask must be positive")
	}
	if len(c.EnabledCategories) > 0 && c.CategoryPromptsDir == "" {
		return fmt.Errorf("categoryPromptsDir is required when enabledCategories is set")
	}
	return nil
}

// IdeationEnabled reports whether any ideation category is configured.
func (c *Config) IdeationEnabled() bool {
	return len(c.EnabledCategories) > 0
}
