package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"runline/internal/domain"
)

// Config models runline.yml.
type Config struct {
	Auth struct {
		JWTSecret             string `yaml:"jwt_secret"`
		ApprovalTokenTTLHours int    `yaml:"approval_token_ttl_hours"`
		AllowActorHeader      bool   `yaml:"allow_actor_header"`
	} `yaml:"auth"`
	Defaults struct {
		// Termination is stamped onto recurring events created without a
		// policy. Empty means none: such events fail at publish time.
		Termination string `yaml:"termination"`
	} `yaml:"defaults"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Load reads and validates config from the workspace. A missing file yields
// the defaults.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Auth.ApprovalTokenTTLHours <= 0 {
		return fmt.Errorf("config.auth.approval_token_ttl_hours must be positive")
	}
	switch c.Defaults.Termination {
	case "", string(domain.TerminationOneYear):
	default:
		return fmt.Errorf("config.defaults.termination must be empty or %q", domain.TerminationOneYear)
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must not be negative", i)
		}
	}
	return nil
}

// DefaultTermination returns the termination stamped onto recurring events
// created without a policy.
func (c *Config) DefaultTermination() domain.Termination {
	if c.Defaults.Termination == string(domain.TerminationOneYear) {
		return domain.Termination{OneYear: true}
	}
	return domain.Termination{}
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "runline.yml")
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	cfg.Auth.ApprovalTokenTTLHours = 72
	cfg.Auth.AllowActorHeader = true
	return &cfg
}
