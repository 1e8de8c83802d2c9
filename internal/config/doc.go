// Package config provides 12-factor configuration management for the SPM
// daemon.
//
// Configuration is loaded from environment variables with sensible defaults.
//
// Configuration Sections:
//   - Manifest: partition manifest location
//   - Logging: log level and output format
//   - Metrics: Prometheus endpoint settings
//   - Limits: pooled resource bounds
//
// Example Usage:
//
//	cfg := config.LoadOrDefault()
//	fmt.Printf("manifest at %s\n", cfg.Manifest.Path)
//
// Environment Variables:
//   - SPM_MANIFEST, SPM_CONNECTION_POOL
//   - LOG_LEVEL, LOG_DEV
//   - METRICS_ADDR, METRICS_ENABLED
package config
