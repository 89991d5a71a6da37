package config_test

import (
	"strings"
	"testing"

	"specline/internal/config"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := config.Default("proj-1")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if len(cfg.Pipeline.Phases) != 7 {
		t.Fatalf("expected 7 phases, got %d", len(cfg.Pipeline.Phases))
	}
	design := cfg.PhaseByName("design")
	if design == nil || !design.CoverageLoop {
		t.Fatal("design phase must run the coverage loop")
	}
	if cfg.Coverage.Weights["traceable"] <= cfg.Coverage.Weights["overlap"] {
		t.Fatal("traceable weight must dominate")
	}
}

func TestGenerateDefaultRoundTrips(t *testing.T) {
	yml := config.GenerateDefault("proj-x")
	cfg, err := config.FromYAML([]byte(yml))
	if err != nil {
		t.Fatalf("generated yaml invalid: %v", err)
	}
	if cfg.Project.ID != "proj-x" {
		t.Fatalf("project id: got %q", cfg.Project.ID)
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr string
	}{
		{"missing project id", func(c *config.Config) { c.Project.ID = "" }, "project.id"},
		{"wrong kind", func(c *config.Config) { c.Project.Kind = "webapp" }, "kind"},
		{"no phases", func(c *config.Config) { c.Pipeline.Phases = nil }, "phases"},
		{"duplicate phase", func(c *config.Config) {
			c.Pipeline.Phases = append(c.Pipeline.Phases, c.Pipeline.Phases[0])
		}, "duplicate"},
		{"fanout without source", func(c *config.Config) {
			c.PhaseByName("usecases").SourceItemType = ""
		}, "source_item_type"},
		{"single with source", func(c *config.Config) {
			c.PhaseByName("digest").SourceItemType = "requirement"
		}, "source_item_type"},
		{"ratio out of range", func(c *config.Config) {
			c.PhaseByName("usecases").MinSuccessRatio = 1.5
		}, "min_success_ratio"},
		{"parallel without experts", func(c *config.Config) {
			c.PhaseByName("experts").Experts = nil
		}, "experts"},
		{"coverage loop on fanout", func(c *config.Config) {
			c.PhaseByName("tasks").CoverageLoop = true
			c.PhaseByName("design").CoverageLoop = false
		}, "single-call"},
		{"two coverage loops", func(c *config.Config) {
			c.PhaseByName("digest").CoverageLoop = true
		}, "at most one"},
		{"threshold out of range", func(c *config.Config) { c.Coverage.Threshold = 150 }, "threshold"},
		{"zero iterations", func(c *config.Config) { c.Coverage.MaxIterations = 0 }, "max_iterations"},
		{"missing coverage approval", func(c *config.Config) { c.Coverage.Approval = "" }, "approval"},
		{"negative weight", func(c *config.Config) { c.Coverage.Weights["traceable"] = -1 }, "negative"},
		{"unknown agent mode", func(c *config.Config) { c.Agents.Mode = "carrier-pigeon" }, "agents.mode"},
		{"subprocess without command", func(c *config.Config) {
			c.Agents.Mode = config.ModeSubprocess
		}, "command"},
		{"zero parallelism", func(c *config.Config) { c.Agents.Parallelism = 0 }, "parallelism"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.Default("proj-1")
			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("error %q does not mention %q", err.Error(), tc.wantErr)
			}
		})
	}
}

func TestAgentTimeoutOverride(t *testing.T) {
	cfg := config.Default("proj-1")
	cfg.Agents.Tasks = map[string]config.AgentConfig{
		"design.generate": {TimeoutSeconds: 300},
	}
	if got := cfg.Agents.Timeout("design.generate"); got != 300 {
		t.Fatalf("override timeout: got %d", got)
	}
	if got := cfg.Agents.Timeout("digest.synthesize"); got != cfg.Agents.DefaultTimeoutSeconds {
		t.Fatalf("default timeout: got %d", got)
	}
}
