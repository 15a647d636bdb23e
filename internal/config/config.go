package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that reads from YAML as "30s", "5m", etc.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// SLAStaleAfter holds one staleness budget per case priority.
type SLAStaleAfter struct {
	High   Duration `yaml:"high"`
	Normal Duration `yaml:"normal"`
	Low    Duration `yaml:"low"`
}

// ForPriority returns the budget for a priority, falling back to the
// normal tier for anything unrecognised.
func (s SLAStaleAfter) ForPriority(priority string) Duration {
	switch priority {
	case "high":
		return s.High
	case "low":
		return s.Low
	default:
		return s.Normal
	}
}

// Config models caseline.yml, the static coordination policy. It is loaded
// once at startup; there is no runtime mutation path.
type Config struct {
	Supervisor struct {
		ID string `yaml:"id"`
	} `yaml:"supervisor"`
	Routing struct {
		SweepInterval Duration `yaml:"sweep_interval"`
		BatchLimit    int      `yaml:"batch_limit"`
	} `yaml:"routing"`
	Load struct {
		RebalanceInterval Duration `yaml:"rebalance_interval"`
		MaxMoves          int      `yaml:"max_moves"`
		SpreadThreshold   int      `yaml:"spread_threshold"`
	} `yaml:"load"`
	Heartbeat struct {
		Interval Duration `yaml:"interval"`
		Timeout  Duration `yaml:"timeout"`
	} `yaml:"heartbeat"`
	SLA struct {
		StaleAfter    SLAStaleAfter `yaml:"stale_after"`
		SweepInterval Duration      `yaml:"sweep_interval"`
	} `yaml:"sla"`
	Approvals struct {
		Timeout Duration `yaml:"timeout"`
		// GatedTransitions lists target statuses that require an approval
		// before the store will accept the transition.
		GatedTransitions []string `yaml:"gated_transitions"`
	} `yaml:"approvals"`
	Mailbox struct {
		BufferSize    int      `yaml:"buffer_size"`
		RatePerSecond float64  `yaml:"rate_per_second"`
		RateBurst     int      `yaml:"rate_burst"`
		DedupeWindow  int      `yaml:"dedupe_window"`
		Blocklist     []string `yaml:"blocklist"`
		AcceptedTypes []string `yaml:"accepted_types"`
	} `yaml:"mailbox"`
	Worker struct {
		ConfidenceThreshold float64  `yaml:"confidence_threshold"`
		AssessTimeout       Duration `yaml:"assess_timeout"`
	} `yaml:"worker"`
	Compliance struct {
		Rules []ComplianceRule `yaml:"rules"`
	} `yaml:"compliance"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// ComplianceRule denies a set of actions to a set of actors. Rules are
// evaluated in order; the first match wins. An empty actor or action list
// matches everything.
type ComplianceRule struct {
	ID         string   `yaml:"id"`
	Effect     string   `yaml:"effect"`
	Actors     []string `yaml:"actors"`
	Actions    []string `yaml:"actions"`
	Suggestion string   `yaml:"suggestion"`
}

type WebhookConfig struct {
	URL    string   `yaml:"url"`
	Events []string `yaml:"events"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with cl init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the defaults if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
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
	if c.Supervisor.ID == "" {
		return fmt.Errorf("config.supervisor.id is required")
	}
	if c.Routing.SweepInterval <= 0 {
		return fmt.Errorf("config.routing.sweep_interval must be positive")
	}
	if c.Load.RebalanceInterval <= 0 {
		return fmt.Errorf("config.load.rebalance_interval must be positive")
	}
	if c.Load.MaxMoves < 0 {
		return fmt.Errorf("config.load.max_moves must be >= 0")
	}
	if c.Heartbeat.Interval <= 0 {
		return fmt.Errorf("config.heartbeat.interval must be positive")
	}
	if c.Heartbeat.Timeout <= c.Heartbeat.Interval {
		return fmt.Errorf("config.heartbeat.timeout must exceed the interval")
	}
	if c.SLA.StaleAfter.High <= 0 {
		return fmt.Errorf("config.sla.stale_after.high must be positive")
	}
	if c.SLA.StaleAfter.Normal <= 0 {
		return fmt.Errorf("config.sla.stale_after.normal must be positive")
	}
	if c.SLA.StaleAfter.Low <= 0 {
		return fmt.Errorf("config.sla.stale_after.low must be positive")
	}
	if c.SLA.SweepInterval <= 0 {
		return fmt.Errorf("config.sla.sweep_interval must be positive")
	}
	if c.Approvals.Timeout <= 0 {
		return fmt.Errorf("config.approvals.timeout must be positive")
	}
	if c.Mailbox.BufferSize <= 0 {
		return fmt.Errorf("config.mailbox.buffer_size must be positive")
	}
	if c.Mailbox.RatePerSecond <= 0 {
		return fmt.Errorf("config.mailbox.rate_per_second must be positive")
	}
	if c.Mailbox.RateBurst <= 0 {
		return fmt.Errorf("config.mailbox.rate_burst must be positive")
	}
	if c.Worker.ConfidenceThreshold < 0 || c.Worker.ConfidenceThreshold > 1 {
		return fmt.Errorf("config.worker.confidence_threshold must be in [0,1]")
	}
	if c.Worker.AssessTimeout <= 0 {
		return fmt.Errorf("config.worker.assess_timeout must be positive")
	}
	for i, rule := range c.Compliance.Rules {
		if rule.ID == "" {
			return fmt.Errorf("compliance rule %d has no id", i)
		}
		if rule.Effect != "allow" && rule.Effect != "deny" {
			return fmt.Errorf("compliance rule %s has effect %q; want allow or deny", rule.ID, rule.Effect)
		}
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("webhook %d has no url", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "caseline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	cfg, err := FromYAML([]byte(defaultTemplate))
	if err != nil {
		panic(fmt.Sprintf("default config invalid: %v", err))
	}
	return cfg
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

const defaultTemplate = `supervisor:
  id: supervisor

routing:
  sweep_interval: 2s
  batch_limit: 50

load:
  rebalance_interval: 30s
  max_moves: 5
  spread_threshold: 4

heartbeat:
  interval: 5s
  timeout: 20s

sla:
  stale_after:
    high: 5m
    normal: 10m
    low: 30m
  sweep_interval: 1m

approvals:
  timeout: 15m
  gated_transitions: [resolved]

mailbox:
  buffer_size: 256
  rate_per_second: 10
  rate_burst: 20
  dedupe_window: 64
  blocklist: []
  accepted_types: [assignment, report, transfer, approval_request, approval_response, heartbeat]

worker:
  confidence_threshold: 0.5
  assess_timeout: 10s

compliance:
  rules: []

webhooks: []
`
