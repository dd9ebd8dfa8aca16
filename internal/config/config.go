package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models phaseline.yml.
type Config struct {
	Phases        []Phase       `yaml:"phases"`
	Orchestration Orchestration `yaml:"orchestration"`
	Batch         Batch         `yaml:"batch"`
	Provider      Provider      `yaml:"provider"`
	Notify        Notify        `yaml:"notify"`
	Webhooks      []Webhook     `yaml:"webhooks"`
	Log           Log           `yaml:"log"`
	Server        Server        `yaml:"server"`
}

type Orchestration struct {
	CompleteOnApproval  bool `yaml:"complete_on_approval"`
	AutoStartDependents bool `yaml:"auto_start_dependents"`
}

// Batch sizes the job worker pool.
type Batch struct {
	Workers int `yaml:"workers"`
	// SyncThreshold is the largest item list populated inline.
	SyncThreshold int `yaml:"sync_threshold"`
	QueueSize     int `yaml:"queue_size"`
}

type Provider struct {
	Kind         string `yaml:"kind"`
	URL          string `yaml:"url"`
	Timeout      string `yaml:"timeout"`
	Model        string `yaml:"model"`
	APIKeyEnv    string `yaml:"api_key_env"`
	StaticAction string `yaml:"static_action"`
}

type Notify struct {
	NATSURL       string `yaml:"nats_url"`
	SubjectPrefix string `yaml:"subject_prefix"`
	Buffer        int    `yaml:"buffer"`
}

// Webhook forwards audit events to an HTTP endpoint.
type Webhook struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type Server struct {
	Addr     string `yaml:"addr"`
	BasePath string `yaml:"base_path"`
}

// Phase declares one node of the static phase graph.
type Phase struct {
	Name     string   `yaml:"name"`
	Title    string   `yaml:"title"`
	Requires []string `yaml:"requires"`
}

// Load reads config from the workspace, falling back to the default template.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if len(c.Phases) == 0 {
		return fmt.Errorf("config.phases is required")
	}
	seen := make(map[string]bool, len(c.Phases))
	for _, p := range c.Phases {
		if p.Name == "" {
			return fmt.Errorf("config.phases contains a phase with empty name")
		}
		if seen[p.Name] {
			return fmt.Errorf("phase %s declared twice", p.Name)
		}
		seen[p.Name] = true
	}
	roots := 0
	for _, p := range c.Phases {
		if len(p.Requires) == 0 {
			roots++
		}
		for _, req := range p.Requires {
			if !seen[req] {
				return fmt.Errorf("phase %s requires unknown phase %s", p.Name, req)
			}
			if req == p.Name {
				return fmt.Errorf("phase %s requires itself", p.Name)
			}
		}
	}
	if roots == 0 {
		return fmt.Errorf("config.phases has no root phase")
	}
	if _, err := c.PhaseOrder(); err != nil {
		return err
	}
	if c.Batch.Workers < 1 {
		return fmt.Errorf("config.batch.workers must be at least 1")
	}
	if c.Batch.SyncThreshold < 0 {
		return fmt.Errorf("config.batch.sync_threshold must not be negative")
	}
	if c.Batch.QueueSize < 0 {
		return fmt.Errorf("config.batch.queue_size must not be negative")
	}
	switch c.Provider.Kind {
	case "static":
		switch c.Provider.StaticAction {
		case "", "accept", "decline":
		default:
			return fmt.Errorf("config.provider.static_action must be accept or decline")
		}
	case "http":
		if c.Provider.URL == "" {
			return fmt.Errorf("config.provider.url is required for kind http")
		}
	default:
		return fmt.Errorf("unknown provider kind %q", c.Provider.Kind)
	}
	if c.Provider.Timeout != "" {
		if _, err := time.ParseDuration(c.Provider.Timeout); err != nil {
			return fmt.Errorf("config.provider.timeout: %w", err)
		}
	}
	if c.Notify.Buffer < 0 {
		return fmt.Errorf("config.notify.buffer must not be negative")
	}
	for i, w := range c.Webhooks {
		if w.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if w.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must not be negative", i)
		}
	}
	return nil
}

// PhaseOrder returns phase names in topological order, keeping declaration
// order among phases that become ready together.
func (c *Config) PhaseOrder() ([]string, error) {
	indegree := make(map[string]int, len(c.Phases))
	dependents := make(map[string][]string, len(c.Phases))
	for _, p := range c.Phases {
		indegree[p.Name] += 0
		for _, req := range p.Requires {
			indegree[p.Name]++
			dependents[req] = append(dependents[req], p.Name)
		}
	}
	var order []string
	done := make(map[string]bool, len(c.Phases))
	for len(order) < len(c.Phases) {
		progressed := false
		for _, p := range c.Phases {
			if done[p.Name] || indegree[p.Name] > 0 {
				continue
			}
			done[p.Name] = true
			order = append(order, p.Name)
			for _, dep := range dependents[p.Name] {
				indegree[dep]--
			}
			progressed = true
		}
		if !progressed {
			return nil, fmt.Errorf("config.phases contains a cycle")
		}
	}
	return order, nil
}

// ProviderTimeout returns the provider call timeout, defaulting to 60s.
func (c *Config) ProviderTimeout() time.Duration {
	if c.Provider.Timeout == "" {
		return 60 * time.Second
	}
	d, err := time.ParseDuration(c.Provider.Timeout)
	if err != nil {
		return 60 * time.Second
	}
	return d
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "phaseline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	// Phases replace rather than merge with the defaults.
	cfg.Phases = nil
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `phases:
  - name: planning
    title: Planning
  - name: scoping
    title: Scoping
    requires: [planning]
  - name: sample_selection
    title: Sample Selection
    requires: [scoping]
  - name: data_owner_identification
    title: Data Owner Identification
    requires: [scoping]
  - name: request_for_information
    title: Request for Information
    requires: [sample_selection, data_owner_identification]
  - name: testing
    title: Testing
    requires: [request_for_information]
  - name: observations
    title: Observations
    requires: [testing]
  - name: report_finalization
    title: Report Finalization
    requires: [observations]

orchestration:
  complete_on_approval: false
  auto_start_dependents: true

batch:
  workers: 4
  sync_threshold: 10
  queue_size: 64

provider:
  kind: static
  static_action: accept
  timeout: 60s

notify:
  subject_prefix: phaseline.notify
  buffer: 256

log:
  level: info
  format: json

server:
  addr: 127.0.0.1:8080
  base_path: /v0
`
