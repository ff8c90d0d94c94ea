package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models researchhunt.yml.
type Config struct {
	Operator struct {
		ID string `yaml:"id"`
	} `yaml:"operator"`
	Timespans struct {
		ApplicationMinimum int64 `yaml:"application_minimum"`
		SubmissionMinimum  int64 `yaml:"submission_minimum"`
		DistributionEnd    int64 `yaml:"distribution_end"`
		Refundable         int64 `yaml:"refundable"`
	} `yaml:"timespans"`
	Limits struct {
		MaxApplicants int `yaml:"max_applicants"`
	} `yaml:"limits"`
	Auth struct {
		AllowLegacyActorHeader bool `yaml:"allow_legacy_actor_header"`
	} `yaml:"auth"`
	Webhooks []WebhookConfig `yaml:"webhooks,omitempty"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Secret         string   `yaml:"secret,omitempty" json:"secret,omitempty"`
	Events         []string `yaml:"events,omitempty" json:"events,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty" json:"enabled,omitempty"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Operator.ID == "" {
		return fmt.Errorf("config.operator.id is required")
	}
	if c.Timespans.ApplicationMinimum < 0 {
		return fmt.Errorf("config.timespans.application_minimum must be >= 0")
	}
	if c.Timespans.SubmissionMinimum < 0 {
		return fmt.Errorf("config.timespans.submission_minimum must be >= 0")
	}
	if c.Timespans.DistributionEnd < 0 {
		return fmt.Errorf("config.timespans.distribution_end must be >= 0")
	}
	if c.Timespans.Refundable < 0 {
		return fmt.Errorf("config.timespans.refundable must be >= 0")
	}
	if c.Limits.MaxApplicants <= 0 {
		return fmt.Errorf("config.limits.max_applicants must be positive")
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "researchhunt.yml")
}

// Load reads and validates config from the workspace, falling back to the
// default when the file does not exist.
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

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
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

const defaultTemplate = `operator:
  id: operator

timespans:
  # seconds; enforced by the request lifecycle checks
  application_minimum: 86400      # 1 day between creation and application end
  submission_minimum: 86400       # 1 day between application end and submission end
  distribution_end: 1209600       # 14 days after submission end to distribute (0 = no deadline)
  refundable: 1209600             # 14 days after creation before refund opens

limits:
  max_applicants: 100

auth:
  allow_legacy_actor_header: false
`
