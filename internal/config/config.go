package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Phase shapes understood by the coordinator.
const (
	ShapeSingle   = "single"
	ShapeFanOut   = "fanout"
	ShapeParallel = "parallel"
)

// Agent invocation strategies.
const (
	ModeInProcess  = "inprocess"
	ModeSubprocess = "subprocess"
)

// Config models specline.yml.
type Config struct {
	Project struct {
		ID   string `yaml:"id"`
		Kind string `yaml:"kind"`
	} `yaml:"project"`
	Pipeline struct {
		Phases []PhaseConfig `yaml:"phases"`
	} `yaml:"pipeline"`
	Coverage CoverageConfig  `yaml:"coverage"`
	Agents   AgentsConfig    `yaml:"agents"`
	Webhooks []WebhookConfig `yaml:"webhooks,omitempty"`
}

// PhaseConfig declares one pipeline phase.
type PhaseConfig struct {
	Name      string `yaml:"name"`
	Shape     string `yaml:"shape"`
	AgentTask string `yaml:"agent_task"`
	ItemType  string `yaml:"item_type"`
	// Approval names a human checkpoint entered after the phase
	// completes; empty means the pipeline proceeds directly.
	Approval string `yaml:"approval,omitempty"`
	// SourceItemType selects the prior items a fan-out phase iterates.
	SourceItemType string `yaml:"source_item_type,omitempty"`
	// MinSuccessRatio is the fraction of fan-out items that must
	// succeed for the phase to count as complete. Zero means all.
	MinSuccessRatio float64 `yaml:"min_success_ratio,omitempty"`
	// Experts lists the fixed specialist set of a parallel phase.
	Experts []string `yaml:"experts,omitempty"`
	// CoverageLoop wraps the phase's single call in the validation loop.
	CoverageLoop bool `yaml:"coverage_loop,omitempty"`
}

// CoverageConfig tunes the validation loop. Weights are policy, not
// structure: the traceable dimension must dominate by default because
// equal weighting rewards vacuously complete designs.
type CoverageConfig struct {
	ScoringTask   string             `yaml:"scoring_task"`
	Threshold     float64            `yaml:"threshold"`
	MaxIterations int                `yaml:"max_iterations"`
	Approval      string             `yaml:"approval"`
	Weights       map[string]float64 `yaml:"weights"`
}

// AgentsConfig selects the invocation strategy and per-task overrides.
type AgentsConfig struct {
	Mode                  string                 `yaml:"mode"`
	Command               []string               `yaml:"command,omitempty"`
	DefaultTimeoutSeconds int                    `yaml:"default_timeout_seconds"`
	Parallelism           int                    `yaml:"parallelism"`
	Tasks                 map[string]AgentConfig `yaml:"tasks,omitempty"`
}

// AgentConfig overrides settings for one worker task id.
type AgentConfig struct {
	Mode           string   `yaml:"mode,omitempty"`
	Command        []string `yaml:"command,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret,omitempty"`
	Events         []string `yaml:"events,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with spl project config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Project.ID == "" {
		return fmt.Errorf("config.project.id is required")
	}
	if c.Project.Kind != "agent-pipeline" {
		return fmt.Errorf("config.project.kind must be 'agent-pipeline'")
	}
	if len(c.Pipeline.Phases) == 0 {
		return fmt.Errorf("config.pipeline.phases is required")
	}
	seen := map[string]bool{}
	loops := 0
	for i, p := range c.Pipeline.Phases {
		if p.Name == "" {
			return fmt.Errorf("phase %d has empty name", i)
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate phase name %s", p.Name)
		}
		seen[p.Name] = true
		if p.AgentTask == "" {
			return fmt.Errorf("phase %s missing agent_task", p.Name)
		}
		if p.ItemType == "" {
			return fmt.Errorf("phase %s missing item_type", p.Name)
		}
		switch p.Shape {
		case ShapeSingle:
			if p.SourceItemType != "" {
				return fmt.Errorf("phase %s: source_item_type only valid for fanout", p.Name)
			}
		case ShapeFanOut:
			if p.SourceItemType == "" {
				return fmt.Errorf("fanout phase %s missing source_item_type", p.Name)
			}
			if p.MinSuccessRatio < 0 || p.MinSuccessRatio > 1 {
				return fmt.Errorf("phase %s: min_success_ratio must be in [0,1]", p.Name)
			}
		case ShapeParallel:
			if len(p.Experts) == 0 {
				return fmt.Errorf("parallel phase %s missing experts", p.Name)
			}
		default:
			return fmt.Errorf("phase %s has unknown shape %q", p.Name, p.Shape)
		}
		if p.CoverageLoop {
			if p.Shape != ShapeSingle {
				return fmt.Errorf("coverage_loop phase %s must be single-call", p.Name)
			}
			loops++
		}
	}
	if loops > 1 {
		return fmt.Errorf("at most one phase may run the coverage loop")
	}
	if loops == 1 {
		if c.Coverage.ScoringTask == "" {
			return fmt.Errorf("config.coverage.scoring_task is required")
		}
		if c.Coverage.Threshold <= 0 || c.Coverage.Threshold > 100 {
			return fmt.Errorf("config.coverage.threshold must be in (0,100]")
		}
		if c.Coverage.MaxIterations < 1 {
			return fmt.Errorf("config.coverage.max_iterations must be >= 1")
		}
		if c.Coverage.Approval == "" {
			return fmt.Errorf("config.coverage.approval checkpoint is required")
		}
		total := 0.0
		for dim, w := range c.Coverage.Weights {
			if w < 0 {
				return fmt.Errorf("coverage weight %s is negative", dim)
			}
			total += w
		}
		if total <= 0 {
			return fmt.Errorf("config.coverage.weights must sum to a positive value")
		}
	}
	switch c.Agents.Mode {
	case ModeInProcess:
	case ModeSubprocess:
		if len(c.Agents.Command) == 0 {
			return fmt.Errorf("agents.mode=subprocess requires agents.command")
		}
	default:
		return fmt.Errorf("agents.mode must be %q or %q", ModeInProcess, ModeSubprocess)
	}
	if c.Agents.DefaultTimeoutSeconds < 1 {
		return fmt.Errorf("agents.default_timeout_seconds must be >= 1")
	}
	if c.Agents.Parallelism < 1 {
		return fmt.Errorf("agents.parallelism must be >= 1")
	}
	for taskID, a := range c.Agents.Tasks {
		if taskID == "" {
			return fmt.Errorf("agents.tasks contains empty task id")
		}
		if a.Mode != "" && a.Mode != ModeInProcess && a.Mode != ModeSubprocess {
			return fmt.Errorf("agents.tasks.%s has unknown mode %q", taskID, a.Mode)
		}
		if a.Mode == ModeSubprocess && len(a.Command) == 0 && len(c.Agents.Command) == 0 {
			return fmt.Errorf("agents.tasks.%s: subprocess mode without command", taskID)
		}
	}
	return nil
}

// PhaseByName returns the phase config, or nil.
func (c *Config) PhaseByName(name string) *PhaseConfig {
	for i := range c.Pipeline.Phases {
		if c.Pipeline.Phases[i].Name == name {
			return &c.Pipeline.Phases[i]
		}
	}
	return nil
}

// Timeout returns the effective timeout in seconds for a task id.
func (a AgentsConfig) Timeout(taskID string) int {
	if t, ok := a.Tasks[taskID]; ok && t.TimeoutSeconds > 0 {
		return t.TimeoutSeconds
	}
	return a.DefaultTimeoutSeconds
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "specline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(projectID string) string {
	return fmt.Sprintf(defaultTemplate, projectID)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for a project.
func Default(projectID string) *Config {
	var cfg Config
	cfg.Project.ID = projectID
	cfg.Project.Kind = "agent-pipeline"
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, projectID))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `project:
  id: %s
  kind: agent-pipeline

pipeline:
  phases:
    - name: requirements
      shape: single
      agent_task: requirements.extract
      item_type: requirement
      approval: requirements

    - name: usecases
      shape: fanout
      agent_task: usecases.derive
      item_type: usecase
      source_item_type: requirement
      min_success_ratio: 0.8

    - name: digest
      shape: single
      agent_task: digest.synthesize
      item_type: digest

    - name: experts
      shape: parallel
      agent_task: expert.review
      item_type: expert_review
      experts: [architecture, data, security, operations]

    - name: design
      shape: single
      agent_task: design.generate
      item_type: design
      coverage_loop: true

    - name: tasks
      shape: fanout
      agent_task: tasks.breakdown
      item_type: task
      source_item_type: requirement

    - name: assembly
      shape: single
      agent_task: document.assemble
      item_type: document

coverage:
  scoring_task: coverage.score
  threshold: 90
  max_iterations: 3
  approval: coverage
  weights:
    traceable: 0.7
    overlap: 0.3

agents:
  mode: inprocess
  default_timeout_seconds: 120
  parallelism: 4
`
