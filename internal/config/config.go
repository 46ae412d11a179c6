package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models venturelab.yml.
type Config struct {
	Project struct {
		ID string `yaml:"id"`
	} `yaml:"project"`
	Pipeline struct {
		Model             string `yaml:"model"`
		BriefThreshold    int    `yaml:"brief_threshold"`
		RefreshBrief      bool   `yaml:"refresh_brief"`
		SerializeRuns     bool   `yaml:"serialize_runs"`
		GenerationTimeout int    `yaml:"generation_timeout_seconds"`
	} `yaml:"pipeline"`
	Runs struct {
		ListLimit int `yaml:"list_limit"`
	} `yaml:"runs"`
	Chat struct {
		Persona string `yaml:"persona"`
	} `yaml:"chat"`
}

// GenerationDeadline returns the per-call deadline for outbound generation calls.
func (c *Config) GenerationDeadline() time.Duration {
	if c == nil || c.Pipeline.GenerationTimeout <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.Pipeline.GenerationTimeout) * time.Second
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found", path)
		}
		return nil, err
	}
	return FromYAML(data)
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

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Pipeline.Model == "" {
		return fmt.Errorf("config.pipeline.model is required")
	}
	if c.Pipeline.BriefThreshold < 2 {
		return fmt.Errorf("config.pipeline.brief_threshold must be at least 2")
	}
	if c.Pipeline.GenerationTimeout <= 0 {
		return fmt.Errorf("config.pipeline.generation_timeout_seconds must be positive")
	}
	if c.Runs.ListLimit <= 0 {
		return fmt.Errorf("config.runs.list_limit must be positive")
	}
	if c.Chat.Persona == "" {
		return fmt.Errorf("config.chat.persona is required")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "venturelab.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(projectID string) string {
	return fmt.Sprintf(defaultTemplate, projectID)
}

// Default returns the default Config struct for a project.
func Default(projectID string) *Config {
	var cfg Config
	cfg.Project.ID = projectID
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

pipeline:
  model: gemini-3-flash-preview

  # Auto-summarize the chat into an idea brief once the transcript reaches
  # this many turns.
  brief_threshold: 4

  # When true the brief is regenerated on every chat turn past the
  # threshold (rolling summary). Default keeps the first generated brief
  # until a re-run is requested explicitly.
  refresh_brief: false

  # At most one in-flight stage run per project.
  serialize_runs: true

  generation_timeout_seconds: 60

runs:
  list_limit: 10

chat:
  persona: >-
    You are the 'Idea Architect'. Your goal is to interview the user about
    their business idea to fill out a brief. Ask about the niche, problem,
    solution, and customers. Be conversational and probing.
`
