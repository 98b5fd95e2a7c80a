package config

import (
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Pool     PoolConfig     `yaml:"pool"`
	Tasks    TasksConfig    `yaml:"tasks"`
	Storage  StorageConfig  `yaml:"storage"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

type ServerConfig struct {
	Port      int    `yaml:"port"`
	Host      string `yaml:"host"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // "text" or "json"
}

// UpstreamConfig controls calls against the Gemini business API.
type UpstreamConfig struct {
	BaseURL            string `yaml:"base_url"`
	UserAgent          string `yaml:"user_agent"`
	Timeout            int    `yaml:"timeout"`          // seconds, regular calls
	DownloadTimeout    int    `yaml:"download_timeout"` // seconds, per download attempt
	DownloadMaxRetries int    `yaml:"download_max_retries"`
}

// PoolConfig controls account health and lifecycle policy.
type PoolConfig struct {
	FailureThreshold      int `yaml:"failure_threshold"`
	CooldownSeconds       int `yaml:"cooldown_seconds"`
	SessionCacheTTL       int `yaml:"session_cache_ttl_seconds"`
	RefreshWindowHours    int `yaml:"refresh_window_hours"`
	ExpiryGraceHours      int `yaml:"expiry_grace_hours"` // 0 = delete expired accounts immediately
	HealthFloor           int `yaml:"health_floor"`
	HealthCheckSeconds    int `yaml:"health_check_seconds"`
	RefreshPollSeconds    int `yaml:"refresh_poll_seconds"` // 0 disables the refresh loop
	BrowserFailureCeiling int `yaml:"browser_failure_ceiling"`
}

// TasksConfig controls background task execution.
type TasksConfig struct {
	RegisterWorkers      int    `yaml:"register_workers"`
	RegisterDefaultCount int    `yaml:"register_default_count"`
	RegisterDomain       string `yaml:"register_domain"`
	AutomationCommand    string `yaml:"automation_command"` // browser driver sidecar, e.g. "node driver.js"
	ProxyList            string `yaml:"proxy_list"`         // comma-separated proxies handed to the driver
}

type StorageConfig struct {
	Backend      string `yaml:"backend"` // "sqlite" or "file"
	DBPath       string `yaml:"db_path"`
	AccountsPath string `yaml:"accounts_path"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

var (
	cfg  *Config
	once sync.Once
)

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:      8046,
			Host:      "0.0.0.0",
			LogLevel:  "info",
			LogFormat: "text",
		},
		Upstream: UpstreamConfig{
			BaseURL:            "https://biz-discoveryengine.googleapis.com/v1alpha",
			UserAgent:          "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
			Timeout:            120,
			DownloadTimeout:    180,
			DownloadMaxRetries: 3,
		},
		Pool: PoolConfig{
			FailureThreshold:      3,
			CooldownSeconds:       300,
			SessionCacheTTL:       3600,
			RefreshWindowHours:    6,
			ExpiryGraceHours:      0,
			HealthFloor:           100,
			HealthCheckSeconds:    600,
			RefreshPollSeconds:    1800,
			BrowserFailureCeiling: 5,
		},
		Tasks: TasksConfig{
			RegisterWorkers:      2,
			RegisterDefaultCount: 5,
		},
		Storage: StorageConfig{
			Backend:      "sqlite",
			DBPath:       "./data/accounts.db",
			AccountsPath: "./data/accounts.json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// Load loads configuration from file
func Load(path string) (*Config, error) {
	var err error
	once.Do(func() {
		cfg = DefaultConfig()

		data, readErr := os.ReadFile(path)
		if readErr != nil {
			if os.IsNotExist(readErr) {
				// Create default config file
				err = Save(path, cfg)
				return
			}
			err = readErr
			return
		}

		if unmarshalErr := yaml.Unmarshal(data, cfg); unmarshalErr != nil {
			err = unmarshalErr
			return
		}
	})

	return cfg, err
}

// Save saves configuration to file
func Save(path string, c *Config) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Get returns the current configuration
func Get() *Config {
	if cfg == nil {
		return DefaultConfig()
	}
	return cfg
}

// CooldownDuration returns the failure cooldown as a duration.
func (p PoolConfig) CooldownDuration() time.Duration {
	return time.Duration(p.CooldownSeconds) * time.Second
}

// SessionTTL returns the conversation session cache TTL as a duration.
func (p PoolConfig) SessionTTL() time.Duration {
	return time.Duration(p.SessionCacheTTL) * time.Second
}
