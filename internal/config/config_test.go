package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"bmustore/internal/models"
)

func TestLoadConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	t.Setenv("BMUSTORE_UPSTREAM", "http://inventory.local:9000")

	yamlContent := `
database:
  path: "test.db"
upstream:
  base_url: "${BMUSTORE_UPSTREAM}"
  timeout: 5s
proxy:
  precache:
    - /
    - /index.html
sync:
  interval: 30s
  on_connect: false
`
	if err := os.WriteFile(configPath, []byte(yamlContent), 0o644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.Upstream.BaseURL != "http://inventory.local:9000" {
		t.Errorf("expected expanded base_url, got %s", cfg.Upstream.BaseURL)
	}
	if cfg.Upstream.Timeout != 5*time.Second {
		t.Errorf("expected timeout 5s, got %s", cfg.Upstream.Timeout)
	}
	if len(cfg.Proxy.Precache) != 2 {
		t.Errorf("expected 2 precache urls, got %d", len(cfg.Proxy.Precache))
	}
	if cfg.Sync.Interval != 30*time.Second {
		t.Errorf("expected sync interval 30s, got %s", cfg.Sync.Interval)
	}
	if cfg.Sync.SyncOnConnect() {
		t.Errorf("expected on_connect to be disabled")
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}

func TestValidateConfig(t *testing.T) {
	valid := func() Config {
		return Config{
			Database: DatabaseConfig{Path: "path"},
			Upstream: UpstreamConfig{BaseURL: "http://localhost:8000"},
			Proxy:    ProxyConfig{APIPrefix: "/api/"},
			Sync:     SyncConfig{MaxRetries: 3},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "valid config", mutate: func(*Config) {}},
		{name: "missing database path", mutate: func(c *Config) { c.Database.Path = "" }, wantErr: true},
		{name: "missing upstream", mutate: func(c *Config) { c.Upstream.BaseURL = "" }, wantErr: true},
		{name: "relative upstream", mutate: func(c *Config) { c.Upstream.BaseURL = "inventory/api" }, wantErr: true},
		{name: "bad api prefix", mutate: func(c *Config) { c.Proxy.APIPrefix = "api" }, wantErr: true},
		{name: "zero retries", mutate: func(c *Config) { c.Sync.MaxRetries = 0 }, wantErr: true},
		{
			name: "duplicate api key",
			mutate: func(c *Config) {
				c.Control.Auth.APIKeys = []APIClientKey{{Key: "k", Name: "a"}, {Key: "k", Name: "b"}}
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg := &Config{}
	cfg.applyDefaults()

	if cfg.Proxy.APIPrefix != models.DefaultAPIPrefix {
		t.Errorf("expected default api prefix %s, got %s", models.DefaultAPIPrefix, cfg.Proxy.APIPrefix)
	}
	if cfg.Sync.MaxRetries != models.MaxRetries {
		t.Errorf("expected default max retries %d, got %d", models.MaxRetries, cfg.Sync.MaxRetries)
	}
	if cfg.Upstream.Timeout != models.DefaultRequestTimeout {
		t.Errorf("expected default timeout %s, got %s", models.DefaultRequestTimeout, cfg.Upstream.Timeout)
	}
	if cfg.Proxy.CacheGeneration != models.DefaultCacheGeneration {
		t.Errorf("expected default cache generation %s, got %s", models.DefaultCacheGeneration, cfg.Proxy.CacheGeneration)
	}
	if !cfg.Sync.SyncOnConnect() || !cfg.Sync.ClearSynced() || !cfg.Reachability.StartOnline() {
		t.Errorf("expected boolean defaults to be enabled")
	}
}

func TestValidateAPIKeys(t *testing.T) {
	if err := ValidateAPIKeys([]APIClientKey{{Key: "a"}, {Key: "b"}}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := ValidateAPIKeys([]APIClientKey{{Key: " ", Name: "blank"}}); err == nil {
		t.Errorf("expected error for blank key")
	}
}
