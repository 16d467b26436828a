// Package config handles environment-based configuration for stevedore.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete stevedore configuration.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Docker DockerConfig `yaml:"docker"`
	Audit  AuditConfig  `yaml:"audit"`
	Log    LogConfig    `yaml:"log"`
	Host   HostConfig   `yaml:"host"`

	// Warnings collects values that were ignored while loading. They are
	// logged once the logger exists.
	Warnings []string `yaml:"-"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Host           string        `yaml:"host"`
	Port           string        `yaml:"port"`
	Mode           string        `yaml:"mode"` // "debug" or "release"
	RequestTimeout time.Duration `yaml:"request_timeout"` // 0 disables
	CORSOrigins    []string      `yaml:"cors_origins"`
}

// DockerConfig contains Docker daemon settings.
type DockerConfig struct {
	Host       string `yaml:"host"`
	APIVersion string `yaml:"api_version"`
}

// AuditConfig controls the sqlite audit trail of mutations.
type AuditConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Path          string `yaml:"path"`
	RetentionDays int    `yaml:"retention_days"`
}

// LogConfig contains logger settings.
type LogConfig struct {
	Level string `yaml:"level"`
}

// HostConfig contains settings for host machine sampling.
type HostConfig struct {
	CPUSampleInterval time.Duration `yaml:"cpu_sample_interval"`
}

// Load reads configuration with sensible defaults. When STEVEDORE_CONFIG_FILE
// names a YAML file its values replace the defaults; environment variables
// override both. All environment variables use the STEVEDORE_ prefix.
//
// Configuration variables:
//   - STEVEDORE_SERVER_HOST (default: "0.0.0.0")
//   - STEVEDORE_SERVER_PORT (default: "8080")
//   - STEVEDORE_SERVER_MODE (default: "debug")
//   - STEVEDORE_REQUEST_TIMEOUT (default: "60s")
//   - STEVEDORE_CORS_ORIGINS (default: "http://localhost:3000", comma separated)
//   - STEVEDORE_DOCKER_HOST (default: "", falls back to DOCKER_HOST)
//   - STEVEDORE_DOCKER_API_VERSION (default: "", negotiated)
//   - STEVEDORE_AUDIT_ENABLED (default: "true")
//   - STEVEDORE_DB_PATH (default: "/app/data/stevedore.db" or "./stevedore.db")
//   - STEVEDORE_AUDIT_RETENTION_DAYS (default: "30")
//   - STEVEDORE_LOG_LEVEL (default: "info")
//   - STEVEDORE_HOST_CPU_INTERVAL (default: "1s")
//
// Returns an error if the file cannot be read or validation fails.
func Load() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv("STEVEDORE_CONFIG_FILE"); path != "" {
		if err := loadFile(cfg, path); err != nil {
			return nil, err
		}
	}

	cfg.Server.Host = getEnv("STEVEDORE_SERVER_HOST", cfg.Server.Host)
	cfg.Server.Port = getEnv("STEVEDORE_SERVER_PORT", cfg.Server.Port)
	cfg.Server.Mode = getEnv("STEVEDORE_SERVER_MODE", cfg.Server.Mode)
	cfg.Server.RequestTimeout = cfg.getEnvDuration("STEVEDORE_REQUEST_TIMEOUT", cfg.Server.RequestTimeout)
	cfg.Server.CORSOrigins = getEnvList("STEVEDORE_CORS_ORIGINS", cfg.Server.CORSOrigins)
	cfg.Docker.Host = getEnv("STEVEDORE_DOCKER_HOST", cfg.Docker.Host)
	cfg.Docker.APIVersion = getEnv("STEVEDORE_DOCKER_API_VERSION", cfg.Docker.APIVersion)
	cfg.Audit.Enabled = cfg.getEnvBool("STEVEDORE_AUDIT_ENABLED", cfg.Audit.Enabled)
	cfg.Audit.Path = getEnv("STEVEDORE_DB_PATH", cfg.Audit.Path)
	cfg.Audit.RetentionDays = cfg.getEnvInt("STEVEDORE_AUDIT_RETENTION_DAYS", cfg.Audit.RetentionDays)
	cfg.Log.Level = getEnv("STEVEDORE_LOG_LEVEL", cfg.Log.Level)
	cfg.Host.CPUSampleInterval = cfg.getEnvDuration("STEVEDORE_HOST_CPU_INTERVAL", cfg.Host.CPUSampleInterval)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           "8080",
			Mode:           "debug",
			RequestTimeout: 60 * time.Second,
			CORSOrigins:    []string{"http://localhost:3000"},
		},
		Audit: AuditConfig{
			Enabled:       true,
			Path:          defaultDBPath(),
			RetentionDays: 30,
		},
		Log:  LogConfig{Level: "info"},
		Host: HostConfig{CPUSampleInterval: time.Second},
	}
}

func loadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// validate checks if the configuration is valid.
func validate(cfg *Config) error {
	if cfg.Server.Mode != "debug" && cfg.Server.Mode != "release" && cfg.Server.Mode != "test" {
		return fmt.Errorf("server mode must be debug, release or test, got %q", cfg.Server.Mode)
	}
	if port, err := strconv.Atoi(cfg.Server.Port); err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("server port must be between 1 and 65535, got %q", cfg.Server.Port)
	}
	if t := cfg.Server.RequestTimeout; t < 0 || (t > 0 && t < time.Second) {
		return errors.New("request timeout must be 0 (disabled) or at least 1 second")
	}
	if cfg.Audit.Enabled && cfg.Audit.Path == "" {
		return errors.New("audit database path is required when the audit trail is enabled")
	}
	if cfg.Audit.RetentionDays < 1 {
		return errors.New("audit retention days must be at least 1")
	}
	if cfg.Host.CPUSampleInterval < 0 || cfg.Host.CPUSampleInterval > 10*time.Second {
		return errors.New("host cpu sample interval must be between 0 and 10 seconds")
	}
	return nil
}

// defaultDBPath prefers /app/data when running inside a container.
func defaultDBPath() string {
	if _, err := os.Stat("/app/data"); err == nil {
		return "/app/data/stevedore.db"
	}
	return "./stevedore.db"
}

// getEnv retrieves an environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvList splits a comma separated environment variable.
func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func (cfg *Config) warn(key, kind, value string, defaultValue any) {
	cfg.Warnings = append(cfg.Warnings,
		fmt.Sprintf("invalid %s value for %s: %s, using %v", kind, key, value, defaultValue))
}

// getEnvInt retrieves an integer environment variable or returns a default value.
func (cfg *Config) getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
		cfg.warn(key, "integer", value, defaultValue)
	}
	return defaultValue
}

// getEnvBool retrieves a boolean environment variable or returns a default value.
func (cfg *Config) getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
		cfg.warn(key, "boolean", value, defaultValue)
	}
	return defaultValue
}

// getEnvDuration retrieves a duration environment variable or returns a default value.
// Accepts values like "30s", "5m", "1h"
func (cfg *Config) getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
		cfg.warn(key, "duration", value, defaultValue)
	}
	return defaultValue
}
