// Package config provides configuration management for Weft.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for Weft.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Auth        AuthConfig        `mapstructure:"auth"`
	NATS        NATSConfig        `mapstructure:"nats"`
	Coordinator CoordinatorConfig `mapstructure:"coordinator"`
	WebSocket   WebSocketConfig   `mapstructure:"websocket"`
	Targets     TargetsConfig     `mapstructure:"targets"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// AuthConfig holds authentication configuration.
// An empty token disables authentication entirely; when set, every /api
// request and WebSocket upgrade must present it.
type AuthConfig struct {
	Token string `mapstructure:"token"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL disables the bridge; the service runs standalone.
type NATSConfig struct {
	URL         string `mapstructure:"url"`
	SubjectRoot string `mapstructure:"subjectRoot"`
}

// CoordinatorConfig holds work coordinator tuning.
type CoordinatorConfig struct {
	CleanupIntervalMs int `mapstructure:"cleanupIntervalMs"` // stale sweep cadence
	StaleThresholdMs  int `mapstructure:"staleThresholdMs"`  // assigned-but-silent cutoff
	MaxAttempts       int `mapstructure:"maxAttempts"`
}

// WebSocketConfig holds hub tuning.
type WebSocketConfig struct {
	HeartbeatInterval int   `mapstructure:"heartbeatInterval"` // in seconds
	StatsInterval     int   `mapstructure:"statsInterval"`     // in seconds
	ShutdownGrace     int   `mapstructure:"shutdownGrace"`     // in seconds
	MaxMessageSize    int64 `mapstructure:"maxMessageSize"`    // in bytes
}

// TargetsConfig points at an optional declarative seed file for spin-up
// targets. WebhookToken is the fleet-wide bearer sent to webhook targets
// whose own config carries no token.
type TargetsConfig struct {
	File         string `mapstructure:"file"`
	WebhookToken string `mapstructure:"webhookToken"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// Enabled reports whether request authentication is turned on.
func (a *AuthConfig) Enabled() bool {
	return a.Token != ""
}

// CleanupInterval returns the stale sweep cadence as a time.Duration.
func (c *CoordinatorConfig) CleanupInterval() time.Duration {
	return time.Duration(c.CleanupIntervalMs) * time.Millisecond
}

// StaleThreshold returns the assigned-item staleness cutoff as a time.Duration.
func (c *CoordinatorConfig) StaleThreshold() time.Duration {
	return time.Duration(c.StaleThresholdMs) * time.Millisecond
}

// HeartbeatIntervalDuration returns the heartbeat interval as a time.Duration.
func (w *WebSocketConfig) HeartbeatIntervalDuration() time.Duration {
	return time.Duration(w.HeartbeatInterval) * time.Second
}

// StatsIntervalDuration returns the stats push interval as a time.Duration.
func (w *WebSocketConfig) StatsIntervalDuration() time.Duration {
	return time.Duration(w.StatsInterval) * time.Second
}

// ShutdownGraceDuration returns the close handshake grace as a time.Duration.
func (w *WebSocketConfig) ShutdownGraceDuration() time.Duration {
	return time.Duration(w.ShutdownGrace) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	// Check if running in Kubernetes
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	// Check for explicit production environment
	if env := os.Getenv("WEFT_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	// Default to text format for terminal use (more readable than JSON)
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Auth defaults - empty token means auth is disabled
	v.SetDefault("auth.token", "")

	// NATS defaults - empty URL means the bridge stays off
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.subjectRoot", "weft")

	// Coordinator defaults
	v.SetDefault("coordinator.cleanupIntervalMs", 60000)
	v.SetDefault("coordinator.staleThresholdMs", 300000)
	v.SetDefault("coordinator.maxAttempts", 3)

	// WebSocket defaults
	v.SetDefault("websocket.heartbeatInterval", 30)
	v.SetDefault("websocket.statsInterval", 30)
	v.SetDefault("websocket.shutdownGrace", 5)
	v.SetDefault("websocket.maxMessageSize", 65536)

	// Targets defaults - no seed file, no fleet webhook token
	v.SetDefault("targets.file", "")
	v.SetDefault("targets.webhookToken", "")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix WEFT_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory,
// ./config, or /etc/weft/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("WEFT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys)
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("nats.subjectRoot", "WEFT_NATS_SUBJECT_ROOT")
	_ = v.BindEnv("coordinator.cleanupIntervalMs", "WEFT_COORDINATOR_CLEANUP_INTERVAL_MS")
	_ = v.BindEnv("coordinator.staleThresholdMs", "WEFT_COORDINATOR_STALE_THRESHOLD_MS")
	_ = v.BindEnv("coordinator.maxAttempts", "WEFT_COORDINATOR_MAX_ATTEMPTS")
	_ = v.BindEnv("websocket.heartbeatInterval", "WEFT_WEBSOCKET_HEARTBEAT_INTERVAL")
	_ = v.BindEnv("websocket.statsInterval", "WEFT_WEBSOCKET_STATS_INTERVAL")
	_ = v.BindEnv("websocket.shutdownGrace", "WEFT_WEBSOCKET_SHUTDOWN_GRACE")
	_ = v.BindEnv("websocket.maxMessageSize", "WEFT_WEBSOCKET_MAX_MESSAGE_SIZE")
	_ = v.BindEnv("server.readTimeout", "WEFT_SERVER_READ_TIMEOUT")
	_ = v.BindEnv("server.writeTimeout", "WEFT_SERVER_WRITE_TIMEOUT")
	_ = v.BindEnv("targets.webhookToken", "WEFT_TARGETS_WEBHOOK_TOKEN")
	_ = v.BindEnv("logging.outputPath", "WEFT_LOGGING_OUTPUT_PATH")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/weft/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	// Server validation - always required
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	// Coordinator validation - the reaper divides by these
	if cfg.Coordinator.CleanupIntervalMs <= 0 {
		errs = append(errs, "coordinator.cleanupIntervalMs must be positive")
	}
	if cfg.Coordinator.StaleThresholdMs <= 0 {
		errs = append(errs, "coordinator.staleThresholdMs must be positive")
	}
	if cfg.Coordinator.StaleThresholdMs < cfg.Coordinator.CleanupIntervalMs {
		errs = append(errs, "coordinator.staleThresholdMs must not be smaller than coordinator.cleanupIntervalMs")
	}
	if cfg.Coordinator.MaxAttempts <= 0 {
		errs = append(errs, "coordinator.maxAttempts must be positive")
	}

	// WebSocket validation
	if cfg.WebSocket.HeartbeatInterval <= 0 {
		errs = append(errs, "websocket.heartbeatInterval must be positive")
	}
	if cfg.WebSocket.StatsInterval <= 0 {
		errs = append(errs, "websocket.statsInterval must be positive")
	}
	if cfg.WebSocket.ShutdownGrace < 0 {
		errs = append(errs, "websocket.shutdownGrace must not be negative")
	}
	if cfg.WebSocket.MaxMessageSize <= 0 {
		errs = append(errs, "websocket.maxMessageSize must be positive")
	}

	// NATS validation - optional (bridge disabled when URL is empty)
	// No validation needed

	// Targets validation - the seed file must exist when named
	if cfg.Targets.File != "" {
		if _, err := os.Stat(cfg.Targets.File); err != nil {
			errs = append(errs, fmt.Sprintf("targets.file %q is not readable", cfg.Targets.File))
		}
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
