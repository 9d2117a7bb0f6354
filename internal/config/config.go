package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"bmustore/internal/models"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App          AppConfig          `yaml:"app"`
	Database     DatabaseConfig     `yaml:"database"`
	Redis        RedisConfig        `yaml:"redis"`
	Upstream     UpstreamConfig     `yaml:"upstream"`
	Proxy        ProxyConfig        `yaml:"proxy"`
	Control      ControlConfig      `yaml:"control"`
	Reachability ReachabilityConfig `yaml:"reachability"`
	Sync         SyncConfig         `yaml:"sync"`
	Backup       BackupConfig       `yaml:"backup"`
	Monitoring   MonitoringConfig   `yaml:"monitoring"`
	Logging      LoggingConfig      `yaml:"logging"`
	Exports      ExportConfig       `yaml:"exports"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type RedisConfig struct {
	Address       string `yaml:"address"`
	Password      string `yaml:"password"`
	DB            int    `yaml:"db"`
	PoolSize      int    `yaml:"pool_size"`
	QueueKey      string `yaml:"queue_key"`
	DeadLetterKey string `yaml:"dead_letter_key"`
}

// UpstreamConfig points at the inventory backend.
type UpstreamConfig struct {
	BaseURL      string        `yaml:"base_url"`
	Timeout      time.Duration `yaml:"timeout"`
	HealthPath   string        `yaml:"health_path"`
	MaxBodyBytes int64         `yaml:"max_body_bytes"`
}

type ProxyConfig struct {
	Enabled            bool     `yaml:"enabled"`
	Port               int      `yaml:"port"`
	APIPrefix          string   `yaml:"api_prefix"`
	CacheGeneration    string   `yaml:"cache_generation"`
	Precache           []string `yaml:"precache"`
	OfflinePlaceholder string   `yaml:"offline_placeholder"`
	ChannelBuffer      int      `yaml:"channel_buffer"`
}

// ControlConfig guards the /_offline/ operator endpoints.
type ControlConfig struct {
	Auth      ControlAuthConfig      `yaml:"auth"`
	RateLimit ControlRateLimitConfig `yaml:"rate_limit"`
}

type ControlAuthConfig struct {
	Enabled      bool           `yaml:"enabled"`
	HeaderAPIKey string         `yaml:"header_api_key"`
	HeaderExtra  string         `yaml:"header_extra"`
	APIKeys      []APIClientKey `yaml:"api_keys"`
}

type APIClientKey struct {
	Key         string   `yaml:"key"`
	Extra       string   `yaml:"extra"`
	Name        string   `yaml:"name"`
	Permissions []string `yaml:"permissions"`
}

type ControlRateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type ReachabilityConfig struct {
	InitialOnline    *bool         `yaml:"initial_online"`
	ProbeInterval    time.Duration `yaml:"probe_interval"`
	MaxProbeInterval time.Duration `yaml:"max_probe_interval"`
}

type SyncConfig struct {
	MaxRetries            int           `yaml:"max_retries"`
	Interval              time.Duration `yaml:"interval"`
	OnConnect             *bool         `yaml:"on_connect"`
	FailFastClientErrors  bool          `yaml:"fail_fast_client_errors"`
	ClearSyncedAfterDrain *bool         `yaml:"clear_synced_after_drain"`
	LeaseTTL              time.Duration `yaml:"lease_ttl"`
}

type BackupConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Schedule      string `yaml:"schedule"`
	RetentionDays int    `yaml:"retention_days"`
	StoragePath   string `yaml:"storage_path"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool `yaml:"prometheus_enabled"`
	PrometheusPort    int  `yaml:"prometheus_port"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

type ExportConfig struct {
	Path string `yaml:"path"`
}

func Load(configPath string) (*Config, error) {
	// .env is optional; values already in the environment win.
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	expandedData := []byte(os.ExpandEnv(string(data)))

	var config Config
	if err := yaml.Unmarshal(expandedData, &config); err != nil {
		return nil, err
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return errors.New("database path is required")
	}

	if c.Upstream.BaseURL == "" {
		return errors.New("upstream base_url is required")
	}
	u, err := url.Parse(c.Upstream.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("upstream base_url %q is not an absolute URL", c.Upstream.BaseURL)
	}

	if !strings.HasPrefix(c.Proxy.APIPrefix, "/") {
		return fmt.Errorf("proxy api_prefix %q must start with /", c.Proxy.APIPrefix)
	}

	if c.Sync.MaxRetries < 1 {
		return fmt.Errorf("sync max_retries must be >= 1, got %d", c.Sync.MaxRetries)
	}

	return ValidateAPIKeys(c.Control.Auth.APIKeys)
}

func ValidateAPIKeys(keys []APIClientKey) error {
	seen := make(map[string]bool)
	for _, k := range keys {
		if strings.TrimSpace(k.Key) == "" {
			return fmt.Errorf("api key '%s' is empty", k.Name)
		}
		if seen[k.Key] {
			return fmt.Errorf("duplicate api key for client '%s'", k.Name)
		}
		seen[k.Key] = true
	}
	return nil
}

// SyncOnConnect reports whether a reconnect triggers a drain.
func (s SyncConfig) SyncOnConnect() bool {
	return s.OnConnect == nil || *s.OnConnect
}

// ClearSynced reports whether drains garbage-collect synced items.
func (s SyncConfig) ClearSynced() bool {
	return s.ClearSyncedAfterDrain == nil || *s.ClearSyncedAfterDrain
}

// StartOnline reports the platform flag the monitor starts with.
func (r ReachabilityConfig) StartOnline() bool {
	return r.InitialOnline == nil || *r.InitialOnline
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "bmustore"
	}
	if c.Proxy.Port == 0 {
		c.Proxy.Port = 8080
	}
	if c.Proxy.APIPrefix == "" {
		c.Proxy.APIPrefix = models.DefaultAPIPrefix
	}
	if c.Proxy.CacheGeneration == "" {
		c.Proxy.CacheGeneration = models.DefaultCacheGeneration
	}
	if c.Proxy.ChannelBuffer == 0 {
		c.Proxy.ChannelBuffer = models.DefaultChannelBuffer
	}
	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort == 0 {
		c.Monitoring.PrometheusPort = 9090
	}
	if c.Control.Auth.HeaderAPIKey == "" {
		c.Control.Auth.HeaderAPIKey = "x-api-key"
	}
	if c.Control.Auth.HeaderExtra == "" {
		c.Control.Auth.HeaderExtra = "x-api-extra"
	}

	if c.Upstream.Timeout == 0 {
		c.Upstream.Timeout = models.DefaultRequestTimeout
	}
	if c.Upstream.HealthPath == "" {
		c.Upstream.HealthPath = "/api/health"
	}
	if c.Upstream.MaxBodyBytes == 0 {
		c.Upstream.MaxBodyBytes = models.DefaultMaxBodyBytes
	}

	if c.Redis.QueueKey == "" {
		c.Redis.QueueKey = "bmustore:offline:queue"
	}
	if c.Redis.DeadLetterKey == "" {
		c.Redis.DeadLetterKey = "bmustore:offline:deadletter"
	}

	if c.Reachability.ProbeInterval == 0 {
		c.Reachability.ProbeInterval = 2 * time.Second
	}
	if c.Reachability.MaxProbeInterval == 0 {
		c.Reachability.MaxProbeInterval = time.Minute
	}

	if c.Sync.LeaseTTL <= 0 {
		c.Sync.LeaseTTL = models.DefaultSyncLeaseTTL
	}
	if c.Sync.MaxRetries == 0 {
		c.Sync.MaxRetries = models.MaxRetries
	}

	if c.Exports.Path == "" {
		c.Exports.Path = "exports"
	}
}
