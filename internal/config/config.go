package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models swarmline.yml.
type Config struct {
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Tasks struct {
		// IDs is the allow-list of task ids accepted in signed envelopes.
		IDs []string `yaml:"ids"`
		// AuthorityURL is the stake authority's base URL. Empty disables the
		// gate entirely and falls back to the fixed claim timeout.
		AuthorityURL string `yaml:"authority_url"`
		// BypassStakeCheck skips stake-list membership checks; test harness only.
		BypassStakeCheck bool `yaml:"bypass_stake_check"`
		// StakeCacheTTLSeconds bounds load on the stake authority.
		StakeCacheTTLSeconds int `yaml:"stake_cache_ttl_seconds"`
	} `yaml:"tasks"`
	Assignment struct {
		// ClaimTimeoutSeconds is the canonical stale-assignment reclaim window.
		// Defaults to the round duration reported by the stake authority when
		// zero.
		ClaimTimeoutSeconds int `yaml:"claim_timeout_seconds"`
		// AggregatorTimeoutSeconds reclaims issues stuck in aggregator_pending.
		AggregatorTimeoutSeconds int `yaml:"aggregator_timeout_seconds"`
		// MaxAttempts is the exhaustion threshold per work item.
		MaxAttempts int `yaml:"max_attempts"`
	} `yaml:"assignment"`
	GitHub struct {
		Token   string `yaml:"token"`
		BaseURL string `yaml:"base_url"`
	} `yaml:"github"`
	Notify struct {
		BountyWebhookURL string `yaml:"bounty_webhook_url"`
		SlackWebhookURL  string `yaml:"slack_webhook_url"`
	} `yaml:"notify"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; run swarm init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
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
	if c.Server.Addr == "" {
		return fmt.Errorf("config.server.addr is required")
	}
	if c.Assignment.MaxAttempts <= 0 {
		return fmt.Errorf("config.assignment.max_attempts must be positive")
	}
	if c.Assignment.AggregatorTimeoutSeconds <= 0 {
		return fmt.Errorf("config.assignment.aggregator_timeout_seconds must be positive")
	}
	if c.Tasks.StakeCacheTTLSeconds < 0 {
		return fmt.Errorf("config.tasks.stake_cache_ttl_seconds must not be negative")
	}
	for _, id := range c.Tasks.IDs {
		if id == "" {
			return fmt.Errorf("config.tasks.ids contains empty task id")
		}
	}
	return nil
}

// ClaimTimeout returns the configured reclaim window, or fallback when unset.
func (c *Config) ClaimTimeout(fallback time.Duration) time.Duration {
	if c.Assignment.ClaimTimeoutSeconds > 0 {
		return time.Duration(c.Assignment.ClaimTimeoutSeconds) * time.Second
	}
	return fallback
}

// AggregatorTimeout returns the aggregator_pending reclaim window.
func (c *Config) AggregatorTimeout() time.Duration {
	return time.Duration(c.Assignment.AggregatorTimeoutSeconds) * time.Second
}

// StakeCacheTTL returns the identity gate cache TTL.
func (c *Config) StakeCacheTTL() time.Duration {
	if c.Tasks.StakeCacheTTLSeconds == 0 {
		return 120 * time.Second
	}
	return time.Duration(c.Tasks.StakeCacheTTLSeconds) * time.Second
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "swarmline.yml")
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
	cfg := Default()
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

const defaultTemplate = `server:
  addr: ":8080"
  base_path: /v0

tasks:
  ids: []
  authority_url: ""
  bypass_stake_check: false
  stake_cache_ttl_seconds: 120

assignment:
  # 0 means "use the round duration reported by the stake authority".
  claim_timeout_seconds: 0
  aggregator_timeout_seconds: 60
  max_attempts: 5

github:
  token: ""
  base_url: https://api.github.com

notify:
  bounty_webhook_url: ""
  slack_webhook_url: ""
`
