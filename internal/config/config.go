// Package config provides application configuration.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Client   ClientConfig
	Server   ServerConfig
	LogLevel slog.Level
}

// ClientConfig controls the realtime client and its request/response calls.
type ClientConfig struct {
	ServerURL         string
	ReconnectMax      int
	ReconnectDelay    time.Duration
	KeepAliveInterval time.Duration
	RefreshInterval   time.Duration
	RequestTimeout    time.Duration
}

// ServerConfig controls the reference dialog server.
type ServerConfig struct {
	Port        string
	FrontendURL string
	DBPath      string
	SessionTTL  time.Duration

	PipelineStep  time.Duration
	HealthTimeout time.Duration
}

// DefaultClientConfig returns the client defaults used when nothing is set.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		ServerURL:         "http://localhost:8000",
		ReconnectMax:      5,
		ReconnectDelay:    3 * time.Second,
		KeepAliveInterval: 30 * time.Second,
		RefreshInterval:   15 * time.Second,
		RequestTimeout:    30 * time.Second,
	}
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	def := DefaultClientConfig()
	cfg := &Config{
		Client: ClientConfig{
			ServerURL:         getEnv("DIALOG_SERVER_URL", def.ServerURL),
			ReconnectMax:      getEnvInt("DIALOG_RECONNECT_MAX", def.ReconnectMax),
			ReconnectDelay:    getEnvDuration("DIALOG_RECONNECT_DELAY", def.ReconnectDelay),
			KeepAliveInterval: getEnvDuration("DIALOG_KEEPALIVE_INTERVAL", def.KeepAliveInterval),
			RefreshInterval:   getEnvDuration("DIALOG_REFRESH_INTERVAL", def.RefreshInterval),
			RequestTimeout:    getEnvDuration("DIALOG_REQUEST_TIMEOUT", def.RequestTimeout),
		},
		Server: ServerConfig{
			Port:        getEnv("PORT", "8000"),
			FrontendURL: getEnv("FRONTEND_URL", ""),
			DBPath:      getEnv("DB_PATH", "./data/dialog.db"),
			SessionTTL:  getEnvDuration("SESSION_TTL", 60*time.Minute),

			PipelineStep:  getEnvDuration("PIPELINE_STEP", time.Second),
			HealthTimeout: getEnvDuration("HEALTH_CHECK_TIMEOUT", 5*time.Second),
		},
		LogLevel: getEnvLevel("LOG_LEVEL", slog.LevelInfo),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if err := c.Client.Validate(); err != nil {
		return err
	}
	if c.Server.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.Server.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.Server.SessionTTL <= 0 {
		return fmt.Errorf("SESSION_TTL must be > 0")
	}
	if c.Server.PipelineStep <= 0 {
		return fmt.Errorf("PIPELINE_STEP must be > 0")
	}
	return nil
}

// Validate checks the client section on its own; the CLI only needs this.
func (c *ClientConfig) Validate() error {
	u, err := url.Parse(c.ServerURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("DIALOG_SERVER_URL must be an http(s) URL, got %q", c.ServerURL)
	}
	if c.ReconnectMax < 0 {
		return fmt.Errorf("DIALOG_RECONNECT_MAX must be >= 0")
	}
	if c.ReconnectDelay <= 0 {
		return fmt.Errorf("DIALOG_RECONNECT_DELAY must be > 0")
	}
	if c.KeepAliveInterval <= 0 {
		return fmt.Errorf("DIALOG_KEEPALIVE_INTERVAL must be > 0")
	}
	if c.RefreshInterval <= 0 {
		return fmt.Errorf("DIALOG_REFRESH_INTERVAL must be > 0")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("DIALOG_REQUEST_TIMEOUT must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *ServerConfig) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
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

// getEnvDuration accepts Go durations ("3s", "1m30s") or bare seconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if n, err := strconv.Atoi(value); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}

func getEnvLevel(key string, fallback slog.Level) slog.Level {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(value))); err != nil {
		return fallback
	}
	return level
}
