package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Workspace.Root != "workspace" {
		t.Errorf("expected default workspace root, got %s", cfg.Workspace.Root)
	}
	if cfg.Journal.Path != "buildplane.journal" {
		t.Errorf("expected default journal path, got %s", cfg.Journal.Path)
	}
	if cfg.Orchestrator.MaxConcurrentSteps != 4 {
		t.Errorf("expected 4 concurrent steps, got %d", cfg.Orchestrator.MaxConcurrentSteps)
	}
	if cfg.Orchestrator.AgentTimeout != 30*time.Second {
		t.Errorf("expected 30s agent timeout, got %s", cfg.Orchestrator.AgentTimeout)
	}
	if cfg.NATS.URL != "" {
		t.Error("eventing should be disabled by default")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config must validate: %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"valid defaults", func(*Config) {}, false},
		{"missing workspace root", func(c *Config) { c.Workspace.Root = "" }, true},
		{"missing journal path", func(c *Config) { c.Journal.Path = "" }, true},
		{"zero concurrency", func(c *Config) { c.Orchestrator.MaxConcurrentSteps = 0 }, true},
		{"zero iterations", func(c *Config) { c.Orchestrator.MaxIterations = 0 }, true},
		{"non-positive agent timeout", func(c *Config) { c.Orchestrator.AgentTimeout = 0 }, true},
		{"zero total attempts", func(c *Config) { c.Retry.MaxTotalAttempts = 0 }, true},
		{"zero per-step attempts", func(c *Config) { c.Retry.MaxPerStepAttempts = 0 }, true},
		{"negative preview limit", func(c *Config) { c.Quota.ActivePreviewsLimit = -1 }, true},
		{"negative llm budget", func(c *Config) { c.Quota.LLMMonthlyBudget = -1 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfigMerge(t *testing.T) {
	base := DefaultConfig()
	base.Merge(&Config{
		Workspace:    WorkspaceConfig{Root: "/srv/builds"},
		Orchestrator: OrchestratorConfig{MaxIterations: 5, ParallelBranches: true},
		Quota:        QuotaConfig{LLMMonthlyBudget: 250},
		NATS:         NATSConfig{URL: "nats://localhost:4222"},
	})

	if base.Workspace.Root != "/srv/builds" {
		t.Errorf("override lost: %s", base.Workspace.Root)
	}
	if base.Orchestrator.MaxIterations != 5 || !base.Orchestrator.ParallelBranches {
		t.Errorf("orchestrator overrides lost: %+v", base.Orchestrator)
	}
	if base.Quota.LLMMonthlyBudget != 250 {
		t.Errorf("quota override lost: %f", base.Quota.LLMMonthlyBudget)
	}
	// Zero values in the overlay leave the base untouched.
	if base.Journal.Path != "buildplane.journal" {
		t.Errorf("unset overlay field clobbered the base: %s", base.Journal.Path)
	}
	if base.Orchestrator.MaxConcurrentSteps != 4 {
		t.Errorf("unset overlay field clobbered the base: %d", base.Orchestrator.MaxConcurrentSteps)
	}

	base.Merge(nil) // no-op
	if base.NATS.URL != "nats://localhost:4222" {
		t.Error("nil merge must not reset anything")
	}
}

func TestConfigSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "buildplane.yaml")

	cfg := DefaultConfig()
	cfg.Workspace.Root = "/srv/builds"
	cfg.Orchestrator.MaxIterations = 7
	if err := cfg.SaveToFile(path); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Workspace.Root != "/srv/builds" || loaded.Orchestrator.MaxIterations != 7 {
		t.Errorf("round trip lost values: %+v", loaded)
	}
}

func TestLoadFromFileErrors(t *testing.T) {
	if _, err := LoadFromFile(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("expected an error for a missing file")
	}

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(bad, []byte("workspace: [not: a: mapping"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFromFile(bad); err == nil {
		t.Error("expected a parse error")
	}
}
