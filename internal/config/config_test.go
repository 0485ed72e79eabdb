package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "previewhub.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}
	return path
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `
listen_addr: ":9000"
proxy_base: /previews
workspace_root: /var/lib/previewhub
database_path: /var/lib/previewhub/state.db
auth_secret: sekrit
ports:
  min: 4000
  max: 4100
source_host:
  base_url: https://api.github.com
  token: ghp_xxx
install_command: ["pnpm", "install"]
serve_command: ["pnpm", "dev", "--port"]
ready_timeout_seconds: 60
start_rate_per_minute: 12
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.ListenAddr != ":9000" || cfg.ProxyBase != "/previews" {
		t.Errorf("Unexpected server settings: %+v", cfg)
	}
	if cfg.Ports.Min != 4000 || cfg.Ports.Max != 4100 {
		t.Errorf("Unexpected port range: %+v", cfg.Ports)
	}
	if cfg.SourceHost.BaseURL != "https://api.github.com" || cfg.SourceHost.Token != "ghp_xxx" {
		t.Errorf("Unexpected source host settings: %+v", cfg.SourceHost)
	}
	if len(cfg.InstallCommand) != 2 || cfg.InstallCommand[0] != "pnpm" {
		t.Errorf("Unexpected install command: %v", cfg.InstallCommand)
	}
	if cfg.ReadyTimeoutSeconds != 60 || cfg.StartRatePerMinute != 12 {
		t.Errorf("Unexpected timing settings: %+v", cfg)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `auth_secret: sekrit`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	def := Default()
	if cfg.ListenAddr != def.ListenAddr {
		t.Errorf("Expected default listen addr %s, got %s", def.ListenAddr, cfg.ListenAddr)
	}
	if cfg.Ports != def.Ports {
		t.Errorf("Expected default port range %+v, got %+v", def.Ports, cfg.Ports)
	}
	if cfg.AuthSecret != "sekrit" {
		t.Errorf("Explicit value should survive defaulting, got %s", cfg.AuthSecret)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Expected error for missing config file")
	}
}

func TestLoadMalformedYAML(t *testing.T) {
	path := writeConfig(t, "listen_addr: [unclosed")
	if _, err := Load(path); err == nil {
		t.Error("Expected error for malformed YAML")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"Defaults are valid", func(c *Config) {}, false},
		{"Inverted port range", func(c *Config) { c.Ports = PortRange{Min: 4100, Max: 4000} }, true},
		{"Zero min port", func(c *Config) { c.Ports.Min = 0 }, true},
		{"Empty listen addr", func(c *Config) { c.ListenAddr = "" }, true},
		{"Zero ready timeout", func(c *Config) { c.ReadyTimeoutSeconds = 0 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
