// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port          string
	DBPath        string
	AllowedOrigin string

	// CoordinatorURL is the base URL workers use to report events and
	// poll messages; it is injected into every sandbox environment.
	CoordinatorURL string

	Idle    IdleConfig
	Sandbox SandboxConfig

	// LegacyAgentAddr is the gRPC address of the legacy in-process
	// conversation service. Empty disables the legacy routing branch.
	LegacyAgentAddr string
}

// IdleConfig controls the health/idle evaluation loop.
type IdleConfig struct {
	// DetectionEnabled disables idle classification entirely when false.
	// Dead detection always runs.
	DetectionEnabled bool
	IdleThreshold    time.Duration
	CheckInterval    time.Duration
	DeadThreshold    time.Duration
	MaxRestarts      int
}

// SandboxConfig controls the Docker-backed lifecycle controller.
type SandboxConfig struct {
	Image   string
	Runtime string // "" = default (runc), "runsc" = gVisor
	Network string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:           getEnv("PORT", "8080"),
		DBPath:         getEnv("DB_PATH", "./data/quarry.db"),
		AllowedOrigin:  getEnv("ALLOWED_ORIGIN", "*"),
		CoordinatorURL: getEnv("COORDINATOR_URL", "http://localhost:8080"),
		Idle: IdleConfig{
			DetectionEnabled: getEnvBool("IDLE_DETECTION_ENABLED", true),
			IdleThreshold:    time.Duration(getEnvInt("IDLE_THRESHOLD_MINUTES", 30)) * time.Minute,
			CheckInterval:    time.Duration(getEnvInt("IDLE_CHECK_INTERVAL_SECONDS", 60)) * time.Second,
			DeadThreshold:    time.Duration(getEnvInt("DEAD_THRESHOLD_SECONDS", 90)) * time.Second,
			MaxRestarts:      getEnvInt("MAX_SANDBOX_RESTARTS", 3),
		},
		Sandbox: SandboxConfig{
			Image:   getEnv("SANDBOX_IMAGE", "quarry-worker:latest"),
			Runtime: getEnv("SANDBOX_RUNTIME", ""),
			Network: getEnv("SANDBOX_NETWORK", "quarry-sandboxes"),
		},
		LegacyAgentAddr: getEnv("LEGACY_AGENT_ADDR", ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// IsDevelopment reports whether the server runs in development mode.
func (c *Config) IsDevelopment() bool {
	return strings.EqualFold(getEnv("APP_ENV", "development"), "development")
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.Idle.IdleThreshold <= 0 {
		return fmt.Errorf("IDLE_THRESHOLD_MINUTES must be > 0")
	}
	if c.Idle.CheckInterval <= 0 {
		return fmt.Errorf("IDLE_CHECK_INTERVAL_SECONDS must be > 0")
	}
	if c.Idle.DeadThreshold <= 0 {
		return fmt.Errorf("DEAD_THRESHOLD_SECONDS must be > 0")
	}
	if c.Idle.MaxRestarts < 0 {
		return fmt.Errorf("MAX_SANDBOX_RESTARTS cannot be negative")
	}
	if c.Sandbox.Image == "" {
		return fmt.Errorf("SANDBOX_IMAGE cannot be empty")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}
