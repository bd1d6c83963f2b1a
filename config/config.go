// Package config provides configuration loading and management for Buildplane.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete Buildplane configuration
type Config struct {
	Workspace    WorkspaceConfig    `yaml:"workspace"`
	Journal      JournalConfig      `yaml:"journal"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Retry        RetryConfig        `yaml:"retry"`
	Quota        QuotaConfig        `yaml:"quota"`
	NATS         NATSConfig         `yaml:"nats"`
	Metrics      MetricsConfig      `yaml:"metrics"`
}

// WorkspaceConfig configures the build workspace
type WorkspaceConfig struct {
	// Root is the directory build outputs are materialized under
	Root string `yaml:"root"`
}

// JournalConfig configures durable state
type JournalConfig struct {
	// Path is the registry journal file
	Path string `yaml:"path"`
	// QuotaPath is the quota journal file
	QuotaPath string `yaml:"quota_path"`
}

// OrchestratorConfig configures build execution
type OrchestratorConfig struct {
	// MaxConcurrentSteps bounds step parallelism across all builds
	MaxConcurrentSteps int `yaml:"max_concurrent_steps"`
	// ParallelBranches enables concurrent execution of independent branches
	ParallelBranches bool `yaml:"parallel_branches"`
	// MaxIterations caps replans per build
	MaxIterations int `yaml:"max_iterations"`
	// AgentTimeout is the per-action agent deadline
	AgentTimeout time.Duration `yaml:"agent_timeout"`
	// AgentTotalTimeout is the overall per-invocation deadline
	AgentTotalTimeout time.Duration `yaml:"agent_total_timeout"`
}

// RetryConfig configures the auto-fix attempt budgets
type RetryConfig struct {
	// MaxTotalAttempts caps attempts across all steps of a build
	MaxTotalAttempts int `yaml:"max_total_attempts"`
	// MaxPerStepAttempts caps attempts for any single step
	MaxPerStepAttempts int `yaml:"max_per_step_attempts"`
}

// QuotaConfig configures default tenant limits
type QuotaConfig struct {
	// ActivePreviewsLimit caps concurrent previews per tenant
	ActivePreviewsLimit int `yaml:"active_previews_limit"`
	// SnapshotRatePerMinute caps snapshot operations per minute
	SnapshotRatePerMinute int `yaml:"snapshot_rate_per_minute"`
	// LLMMonthlyBudget caps LLM spend per 30-day window
	LLMMonthlyBudget float64 `yaml:"llm_monthly_budget"`
}

// NATSConfig configures the NATS connection
type NATSConfig struct {
	// URL is the NATS server URL (empty = eventing disabled)
	URL string `yaml:"url"`
}

// MetricsConfig configures the Prometheus exposition endpoint
type MetricsConfig struct {
	// Addr is the listen address (empty = metrics disabled)
	Addr string `yaml:"addr"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Workspace: WorkspaceConfig{
			Root: "workspace",
		},
		Journal: JournalConfig{
			Path:      "buildplane.journal",
			QuotaPath: "quota.journal",
		},
		Orchestrator: OrchestratorConfig{
			MaxConcurrentSteps: 4,
			ParallelBranches:   false,
			MaxIterations:      3,
			AgentTimeout:       30 * time.Second,
			AgentTotalTimeout:  90 * time.Second,
		},
		Retry: RetryConfig{
			MaxTotalAttempts:   6,
			MaxPerStepAttempts: 3,
		},
		Quota: QuotaConfig{
			ActivePreviewsLimit:   3,
			SnapshotRatePerMinute: 30,
			LLMMonthlyBudget:      100,
		},
		NATS: NATSConfig{
			URL: "", // Eventing disabled
		},
		Metrics: MetricsConfig{
			Addr: "", // Metrics disabled
		},
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Workspace.Root == "" {
		return fmt.Errorf("workspace.root is required")
	}
	if c.Journal.Path == "" {
		return fmt.Errorf("journal.path is required")
	}
	if c.Orchestrator.MaxConcurrentSteps < 1 {
		return fmt.Errorf("orchestrator.max_concurrent_steps must be at least 1")
	}
	if c.Orchestrator.MaxIterations < 1 {
		return fmt.Errorf("orchestrator.max_iterations must be at least 1")
	}
	if c.Orchestrator.AgentTimeout <= 0 {
		return fmt.Errorf("orchestrator.agent_timeout must be positive")
	}
	if c.Retry.MaxTotalAttempts < 1 {
		return fmt.Errorf("retry.max_total_attempts must be at least 1")
	}
	if c.Retry.MaxPerStepAttempts < 1 {
		return fmt.Errorf("retry.max_per_step_attempts must be at least 1")
	}
	if c.Quota.ActivePreviewsLimit < 0 {
		return fmt.Errorf("quota.active_previews_limit must be non-negative")
	}
	if c.Quota.LLMMonthlyBudget < 0 {
		return fmt.Errorf("quota.llm_monthly_budget must be non-negative")
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := &Config{}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for non-zero values)
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	// Workspace
	if other.Workspace.Root != "" {
		c.Workspace.Root = other.Workspace.Root
	}

	// Journal
	if other.Journal.Path != "" {
		c.Journal.Path = other.Journal.Path
	}
	if other.Journal.QuotaPath != "" {
		c.Journal.QuotaPath = other.Journal.QuotaPath
	}

	// Orchestrator
	if other.Orchestrator.MaxConcurrentSteps != 0 {
		c.Orchestrator.MaxConcurrentSteps = other.Orchestrator.MaxConcurrentSteps
	}
	if other.Orchestrator.ParallelBranches {
		c.Orchestrator.ParallelBranches = true
	}
	if other.Orchestrator.MaxIterations != 0 {
		c.Orchestrator.MaxIterations = other.Orchestrator.MaxIterations
	}
	if other.Orchestrator.AgentTimeout != 0 {
		c.Orchestrator.AgentTimeout = other.Orchestrator.AgentTimeout
	}
	if other.Orchestrator.AgentTotalTimeout != 0 {
		c.Orchestrator.AgentTotalTimeout = other.Orchestrator.AgentTotalTimeout
	}

	// Retry
	if other.Retry.MaxTotalAttempts != 0 {
		c.Retry.MaxTotalAttempts = other.Retry.MaxTotalAttempts
	}
	if other.Retry.MaxPerStepAttempts != 0 {
		c.Retry.MaxPerStepAttempts = other.Retry.MaxPerStepAttempts
	}

	// Quota
	if other.Quota.ActivePreviewsLimit != 0 {
		c.Quota.ActivePreviewsLimit = other.Quota.ActivePreviewsLimit
	}
	if other.Quota.SnapshotRatePerMinute != 0 {
		c.Quota.SnapshotRatePerMinute = other.Quota.SnapshotRatePerMinute
	}
	if other.Quota.LLMMonthlyBudget != 0 {
		c.Quota.LLMMonthlyBudget = other.Quota.LLMMonthlyBudget
	}

	// NATS
	if other.NATS.URL != "" {
		c.NATS.URL = other.NATS.URL
	}

	// Metrics
	if other.Metrics.Addr != "" {
		c.Metrics.Addr = other.Metrics.Addr
	}
}
