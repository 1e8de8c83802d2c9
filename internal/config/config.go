package config

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all daemon configuration.
type Config struct {
	Manifest ManifestConfig
	Logging  LogConfig
	Metrics  MetricsConfig
	Limits   LimitsConfig
}

// ManifestConfig locates the partition manifest.
type ManifestConfig struct {
	Path string `envconfig:"SPM_MANIFEST" default:"manifest.yaml"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// MetricsConfig holds the Prometheus endpoint configuration.
type MetricsConfig struct {
	Addr    string `envconfig:"METRICS_ADDR" default:":9091"`
	Enabled bool   `envconfig:"METRICS_ENABLED" default:"true"`
}

// LimitsConfig bounds pooled resources.
type LimitsConfig struct {
	ConnectionPool int `envconfig:"SPM_CONNECTION_POOL" default:"32"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Manifest: ManifestConfig{Path: "manifest.yaml"},
		Logging:  LogConfig{Level: "info", Development: false},
		Metrics:  MetricsConfig{Addr: ":9091", Enabled: true},
		Limits:   LimitsConfig{ConnectionPool: 32},
	}
}
