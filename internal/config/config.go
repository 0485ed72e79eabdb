// Package config loads the previewhub server configuration from a YAML file.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// PortRange bounds the ports handed out to preview dev servers.
type PortRange struct {
	Min int `yaml:"min"`
	Max int `yaml:"max"`
}

// SourceHostConfig configures the source-control hosting client.
type SourceHostConfig struct {
	BaseURL string `yaml:"base_url"`
	Token   string `yaml:"token"`
}

// Config is the full server configuration.
type Config struct {
	ListenAddr    string           `yaml:"listen_addr"`
	ProxyBase     string           `yaml:"proxy_base"`
	WorkspaceRoot string           `yaml:"workspace_root"`
	DatabasePath  string           `yaml:"database_path"`
	AuthSecret    string           `yaml:"auth_secret"`
	Ports         PortRange        `yaml:"ports"`
	SourceHost    SourceHostConfig `yaml:"source_host"`

	InstallCommand []string `yaml:"install_command"`
	ServeCommand   []string `yaml:"serve_command"`

	ReadyTimeoutSeconds int     `yaml:"ready_timeout_seconds"`
	StartRatePerMinute  float64 `yaml:"start_rate_per_minute"`
}

// Default returns a Config with sane development defaults.
func Default() *Config {
	return &Config{
		ListenAddr:          ":8090",
		ProxyBase:           "/preview",
		WorkspaceRoot:       "",
		DatabasePath:        "previewhub.db",
		AuthSecret:          "",
		Ports:               PortRange{Min: 3100, Max: 3200},
		ReadyTimeoutSeconds: 30,
		StartRatePerMinute:  6,
	}
}

// Load reads and validates a YAML config file, applying defaults for any
// omitted field.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for internally inconsistent values.
func (c *Config) Validate() error {
	if c.Ports.Min <= 0 || c.Ports.Max <= 0 || c.Ports.Min > c.Ports.Max {
		return fmt.Errorf("invalid port range: min %d, max %d", c.Ports.Min, c.Ports.Max)
	}
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr must not be empty")
	}
	if c.ReadyTimeoutSeconds <= 0 {
		return fmt.Errorf("ready_timeout_seconds must be positive")
	}
	return nil
}
