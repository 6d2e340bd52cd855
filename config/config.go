// Package config provides configuration loading and management for ProspectFlow.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"
)

// Config represents the complete ProspectFlow configuration
type Config struct {
	Model     ModelConfig     `yaml:"model"`
	NATS      NATSConfig      `yaml:"nats"`
	HTTP      HTTPConfig      `yaml:"http"`
	Campaign  CampaignConfig  `yaml:"campaign"`
	Targeting TargetingConfig `yaml:"targeting"`
}

// ModelConfig configures the LLM model settings
type ModelConfig struct {
	// Default is the default model to use (e.g., "qwen2.5-coder:32b")
	Default string `yaml:"default"`
	// Endpoint is the OpenAI-compatible API endpoint
	Endpoint string `yaml:"endpoint"`
	// APIKey is sent as a bearer token when non-empty
	APIKey string `yaml:"api_key"`
	// Temperature controls randomness (0.0-1.0, default: 0.2)
	Temperature float64 `yaml:"temperature"`
	// Timeout is the maximum time to wait for model responses
	Timeout time.Duration `yaml:"timeout"`
}

// NATSConfig configures the NATS connection
type NATSConfig struct {
	// URL is the NATS server URL (empty = in-memory storage, no broadcasts)
	URL string `yaml:"url"`
}

// HTTPConfig configures the control-plane server
type HTTPConfig struct {
	// Addr is the listen address (default: ":8080")
	Addr string `yaml:"addr"`
}

// CampaignConfig configures campaign execution
type CampaignConfig struct {
	// MaxEnrich caps the number of prospects enriched per discovery run
	MaxEnrich int `yaml:"max_enrich"`
	// BroadcastThrottle is the minimum interval between unforced status
	// broadcasts per plan
	BroadcastThrottle time.Duration `yaml:"broadcast_throttle"`
	// DemoFallback enables the sample-prospect fallback when a hunt
	// succeeds but finds nothing
	DemoFallback bool `yaml:"demo_fallback"`
}

// TargetingConfig configures prospect targeting defaults
type TargetingConfig struct {
	// ExcludeDomains are glob patterns matched against candidate website
	// hostnames (e.g. "*.gov", "*.edu")
	ExcludeDomains []string `yaml:"exclude_domains"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Model: ModelConfig{
			Default:     "qwen2.5-coder:32b",
			Endpoint:    "http://localhost:11434",
			Temperature: 0.2,
			Timeout:     3 * time.Minute,
		},
		NATS: NATSConfig{
			URL: "",
		},
		HTTP: HTTPConfig{
			Addr: ":8080",
		},
		Campaign: CampaignConfig{
			MaxEnrich:         10,
			BroadcastThrottle: 2 * time.Second,
			DemoFallback:      true,
		},
		Targeting: TargetingConfig{
			ExcludeDomains: nil,
		},
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Model.Default == "" {
		return fmt.Errorf("model.default is required")
	}
	if c.Model.Endpoint == "" {
		return fmt.Errorf("model.endpoint is required")
	}
	if c.Model.Temperature < 0 || c.Model.Temperature > 1 {
		return fmt.Errorf("model.temperature must be between 0 and 1")
	}
	if c.HTTP.Addr == "" {
		return fmt.Errorf("http.addr is required")
	}
	if c.Campaign.MaxEnrich <= 0 {
		return fmt.Errorf("campaign.max_enrich must be positive")
	}
	if c.Campaign.BroadcastThrottle < 0 {
		return fmt.Errorf("campaign.broadcast_throttle must not be negative")
	}
	for _, pattern := range c.Targeting.ExcludeDomains {
		if !doublestar.ValidatePattern(pattern) {
			return fmt.Errorf("targeting.exclude_domains: invalid pattern %q", pattern)
		}
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for non-zero values)
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	// Model
	if other.Model.Default != "" {
		c.Model.Default = other.Model.Default
	}
	if other.Model.Endpoint != "" {
		c.Model.Endpoint = other.Model.Endpoint
	}
	if other.Model.APIKey != "" {
		c.Model.APIKey = other.Model.APIKey
	}
	if other.Model.Temperature != 0 {
		c.Model.Temperature = other.Model.Temperature
	}
	if other.Model.Timeout != 0 {
		c.Model.Timeout = other.Model.Timeout
	}

	// NATS
	if other.NATS.URL != "" {
		c.NATS.URL = other.NATS.URL
	}

	// HTTP
	if other.HTTP.Addr != "" {
		c.HTTP.Addr = other.HTTP.Addr
	}

	// Campaign
	if other.Campaign.MaxEnrich != 0 {
		c.Campaign.MaxEnrich = other.Campaign.MaxEnrich
	}
	if other.Campaign.BroadcastThrottle != 0 {
		c.Campaign.BroadcastThrottle = other.Campaign.BroadcastThrottle
	}

	// Targeting
	if len(other.Targeting.ExcludeDomains) > 0 {
		c.Targeting.ExcludeDomains = other.Targeting.ExcludeDomains
	}
}
