package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"teamline/internal/domain"
)

// Config models teamline.yml.
type Config struct {
	Pipeline struct {
		Stages      []domain.Stage                  `yaml:"stages" json:"stages"`
		Terminal    []domain.Stage                  `yaml:"terminal" json:"terminal"`
		Blocked     domain.Stage                    `yaml:"blocked" json:"blocked"`
		Transitions map[domain.Stage][]domain.Stage `yaml:"transitions" json:"transitions"`
		WIPLimits   map[domain.Stage]int            `yaml:"wip_limits" json:"wip_limits,omitempty"`
	} `yaml:"pipeline" json:"pipeline"`
	// Roster maps canonical agent names to roles.
	Roster   map[string]string `yaml:"roster" json:"roster"`
	Identity struct {
		Prefixes []string `yaml:"prefixes" json:"prefixes,omitempty"`
	} `yaml:"identity" json:"identity"`
	Policy struct {
		SafePaths       []string `yaml:"safe_paths" json:"safe_paths,omitempty"`
		ConfigFile      string   `yaml:"config_file" json:"config_file,omitempty"`
		MissionDir      string   `yaml:"mission_dir" json:"mission_dir,omitempty"`
		TimeoutMS       int      `yaml:"timeout_ms" json:"timeout_ms,omitempty"`
		StateTTLSeconds int      `yaml:"state_ttl_seconds" json:"state_ttl_seconds,omitempty"`
	} `yaml:"policy" json:"policy"`
	Rejections struct {
		Threshold int `yaml:"threshold" json:"threshold"`
	} `yaml:"rejections" json:"rejections"`
	Claims struct {
		RequireDependenciesDone bool `yaml:"require_dependencies_done" json:"require_dependencies_done"`
	} `yaml:"claims" json:"claims"`
	Audit struct {
		Endpoint    string `yaml:"endpoint" json:"endpoint,omitempty"`
		QueueSize   int    `yaml:"queue_size" json:"queue_size,omitempty"`
		TimeoutMS   int    `yaml:"timeout_ms" json:"timeout_ms,omitempty"`
		EmitAllowed bool   `yaml:"emit_allowed" json:"emit_allowed"`
	} `yaml:"audit" json:"audit"`
	Log struct {
		Level string `yaml:"level" json:"level,omitempty"`
		File  string `yaml:"file" json:"file,omitempty"`
	} `yaml:"log" json:"log"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with tl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOrDefault returns the default config if the workspace has no config file.
func LoadOrDefault(workspace string) (*Config, error) {
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
	if len(c.Pipeline.Stages) == 0 {
		return fmt.Errorf("config.pipeline.stages is required")
	}
	known := make(map[domain.Stage]bool, len(c.Pipeline.Stages))
	for _, s := range c.Pipeline.Stages {
		if s == "" {
			return fmt.Errorf("config.pipeline.stages contains empty stage")
		}
		if known[s] {
			return fmt.Errorf("stage %s declared twice", s)
		}
		known[s] = true
	}
	if len(c.Pipeline.Terminal) == 0 {
		return fmt.Errorf("config.pipeline.terminal is required")
	}
	terminal := map[domain.Stage]bool{}
	for _, s := range c.Pipeline.Terminal {
		if !known[s] {
			return fmt.Errorf("terminal stage %s not declared", s)
		}
		terminal[s] = true
	}
	if c.Pipeline.Blocked == "" {
		return fmt.Errorf("config.pipeline.blocked is required")
	}
	if !terminal[c.Pipeline.Blocked] {
		return fmt.Errorf("blocked stage %s must be terminal", c.Pipeline.Blocked)
	}
	if terminal[c.Pipeline.Stages[0]] {
		return fmt.Errorf("initial stage %s cannot be terminal", c.Pipeline.Stages[0])
	}
	for from, tos := range c.Pipeline.Transitions {
		if !known[from] {
			return fmt.Errorf("transition from unknown stage %s", from)
		}
		if terminal[from] && len(tos) > 0 {
			return fmt.Errorf("terminal stage %s cannot have outgoing transitions", from)
		}
		for _, to := range tos {
			if !known[to] {
				return fmt.Errorf("transition %s -> %s targets unknown stage", from, to)
			}
			if to == from {
				return fmt.Errorf("self transition on %s not allowed", from)
			}
		}
	}
	for stage, limit := range c.Pipeline.WIPLimits {
		if !known[stage] {
			return fmt.Errorf("wip limit for unknown stage %s", stage)
		}
		if limit < 0 {
			return fmt.Errorf("wip limit for %s must be >= 0", stage)
		}
	}
	for name, role := range c.Roster {
		if name == "" || name != strings.ToLower(name) {
			return fmt.Errorf("roster name %q must be lowercase and non-empty", name)
		}
		if role == "" {
			return fmt.Errorf("roster entry %s has empty role", name)
		}
	}
	if c.Rejections.Threshold < 1 {
		return fmt.Errorf("config.rejections.threshold must be >= 1")
	}
	if c.Audit.QueueSize < 0 {
		return fmt.Errorf("config.audit.queue_size must be >= 0")
	}
	return nil
}

// PolicyTimeout returns the policy evaluation deadline.
func (c *Config) PolicyTimeout() time.Duration {
	if c.Policy.TimeoutMS <= 0 {
		return 500 * time.Millisecond
	}
	return time.Duration(c.Policy.TimeoutMS) * time.Millisecond
}

// AuditTimeout returns the per-delivery timeout for audit endpoints.
func (c *Config) AuditTimeout() time.Duration {
	if c.Audit.TimeoutMS <= 0 {
		return 2 * time.Second
	}
	return time.Duration(c.Audit.TimeoutMS) * time.Millisecond
}

// StateTTL returns how long a mission-state lookup may be cached.
func (c *Config) StateTTL() time.Duration {
	if c.Policy.StateTTLSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.Policy.StateTTLSeconds) * time.Second
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "teamline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("default config template: %v", err))
	}
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

const defaultTemplate = `pipeline:
  stages: [backlog, ready, testing, implementing, review, probing, done, blocked]
  terminal: [done, blocked]
  blocked: blocked
  transitions:
    backlog: [ready]
    ready: [testing, backlog]
    testing: [implementing]
    implementing: [review]
    review: [probing, done, implementing, testing]
    probing: [done, implementing]
  wip_limits:
    testing: 3
    implementing: 3
    review: 2
    probing: 2

roster:
  hannibal: orchestrator
  face: decomposer
  sosa: critic
  murdock: tester
  ba: implementer
  lynch: reviewer
  amy: investigator
  tawnia: documentation

identity:
  prefixes: ["ai-team:"]

policy:
  safe_paths: ["/tmp/**", "/private/tmp/**", "/var/folders/**", "**/.claude/**", "**/.teamline/**"]
  # config_file is relative to the workspace root; CLAUDE.md in a
  # subdirectory is not exempt.
  config_file: CLAUDE.md
  mission_dir: mission/
  timeout_ms: 500
  state_ttl_seconds: 5

rejections:
  threshold: 2

claims:
  require_dependencies_done: false

audit:
  endpoint: ""
  queue_size: 256
  timeout_ms: 2000
  emit_allowed: false

log:
  level: info
`
