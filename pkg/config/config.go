// Package config provides configuration management for bizagent.
// It uses Viper for loading with support for:
// - JSON config files with auto-created defaults
// - Environment variables (BIZAGENT_ prefix)
// - Hot-reload
package config

import (
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Config represents the complete bizagent configuration.
type Config struct {
	Logger   LoggerConfig   `mapstructure:"logger" json:"logger"`
	Database DatabaseConfig `mapstructure:"database" json:"database"`
	Redis    RedisConfig    `mapstructure:"redis" json:"redis"`
	Bus      BusConfig      `mapstructure:"bus" json:"bus"`
	Gateway  GatewayConfig  `mapstructure:"gateway" json:"gateway"`
	Auth     AuthConfig     `mapstructure:"auth" json:"auth"`
	Agent    AgentConfig    `mapstructure:"agent" json:"agent"`
	Session  SessionConfig  `mapstructure:"session" json:"session"`
	Links    LinksConfig    `mapstructure:"links" json:"links"`
	mu       sync.RWMutex
}

// LoggerConfig configures structured logging.
type LoggerConfig struct {
	Level       string `mapstructure:"level" json:"level"`
	OutputPath  string `mapstructure:"output_path" json:"output_path"`
	MaxSize     int    `mapstructure:"max_size" json:"max_size"`
	MaxBackups  int    `mapstructure:"max_backups" json:"max_backups"`
	MaxAge      int    `mapstructure:"max_age" json:"max_age"`
	Compress    bool   `mapstructure:"compress" json:"compress"`
	Development bool   `mapstructure:"development" json:"development"`
}

// DatabaseConfig selects the relational store.
type DatabaseConfig struct {
	Driver string `mapstructure:"driver" json:"driver"` // sqlite or postgres
	DSN    string `mapstructure:"dsn" json:"dsn"`
}

// RedisConfig is shared by redis-backed components.
type RedisConfig struct {
	Addr     string `mapstructure:"addr" json:"addr"`
	Password string `mapstructure:"password" json:"password"`
	DB       int    `mapstructure:"db" json:"db"`
}

// BusConfig configures the conversation activity bus.
type BusConfig struct {
	Type       string `mapstructure:"type" json:"type"` // local or redis
	Prefix     string `mapstructure:"prefix" json:"prefix"`
	BufferSize int    `mapstructure:"buffer_size" json:"buffer_size"`
}

// GatewayConfig configures the HTTP/socket listener.
type GatewayConfig struct {
	Host           string   `mapstructure:"host" json:"host"`
	Port           int      `mapstructure:"port" json:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins" json:"allowed_origins"`
}

// AuthConfig protects the admin API.
type AuthConfig struct {
	Username      string `mapstructure:"username" json:"username"`
	PasswordHash  string `mapstructure:"password_hash" json:"password_hash"`
	JWTSecret     string `mapstructure:"jwt_secret" json:"jwt_secret"`
	TokenTTLHours int    `mapstructure:"token_ttl_hours" json:"token_ttl_hours"`
}

// AgentConfig configures the tool-calling generator.
type AgentConfig struct {
	APIBase               string  `mapstructure:"api_base" json:"api_base"`
	APIKey                string  `mapstructure:"api_key" json:"api_key"`
	Model                 string  `mapstructure:"model" json:"model"`
	MaxTokens             int     `mapstructure:"max_tokens" json:"max_tokens"`
	Temperature           float64 `mapstructure:"temperature" json:"temperature"`
	MaxToolIterations     int     `mapstructure:"max_tool_iterations" json:"max_tool_iterations"`
	RequestTimeoutSeconds int     `mapstructure:"request_timeout_seconds" json:"request_timeout_seconds"`
	SystemPrompt          string  `mapstructure:"system_prompt" json:"system_prompt"`
}

// SessionConfig configures live agent sessions.
type SessionConfig struct {
	PingIntervalSeconds int    `mapstructure:"ping_interval_seconds" json:"ping_interval_seconds"`
	PongTimeoutSeconds  int    `mapstructure:"pong_timeout_seconds" json:"pong_timeout_seconds"`
	IdleTimeoutMinutes  int    `mapstructure:"idle_timeout_minutes" json:"idle_timeout_minutes"`
	SweepSchedule       string `mapstructure:"sweep_schedule" json:"sweep_schedule"`
	WelcomeMessage      string `mapstructure:"welcome_message" json:"welcome_message"`
	FallbackMessage     string `mapstructure:"fallback_message" json:"fallback_message"`
}

// LinksConfig configures access link issuing and expiry.
type LinksConfig struct {
	TokenBytes          int    `mapstructure:"token_bytes" json:"token_bytes"`
	ExpirySweepSchedule string `mapstructure:"expiry_sweep_schedule" json:"expiry_sweep_schedule"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	baseDir := filepath.Join(homeDir, ".bizagent")

	return &Config{
		Logger: LoggerConfig{
			Level:      "info",
			OutputPath: filepath.Join(baseDir, "logs", "bizagent.log"),
			MaxSize:    100,
			MaxBackups: 3,
			MaxAge:     7,
			Compress:   true,
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    filepath.Join(baseDir, "bizagent.db"),
		},
		Bus: BusConfig{
			Type:       "local",
			Prefix:     "bizagent:bus:",
			BufferSize: 100,
		},
		Gateway: GatewayConfig{
			Host:           "0.0.0.0",
			Port:           18790,
			AllowedOrigins: []string{"*"},
		},
		Auth: AuthConfig{
			Username:      "admin",
			TokenTTLHours: 24,
		},
		Agent: AgentConfig{
			APIBase:               "https://api.openai.com/v1",
			Model:                 "gpt-4o-mini",
			MaxTokens:             1024,
			Temperature:           0.4,
			MaxToolIterations:     6,
			RequestTimeoutSeconds: 120,
		},
		Session: SessionConfig{
			PingIntervalSeconds: 25,
			PongTimeoutSeconds:  60,
			IdleTimeoutMinutes:  30,
			SweepSchedule:       "@every 1m",
			WelcomeMessage:      "Hello! How can I help you today?",
			FallbackMessage:     "Sorry, I could not come up with an answer. Could you rephrase that?",
		},
		Links: LinksConfig{
			TokenBytes:          24,
			ExpirySweepSchedule: "@every 5m",
		},
	}
}

// PingInterval returns the socket keepalive ping interval.
func (c *SessionConfig) PingInterval() time.Duration {
	if c.PingIntervalSeconds <= 0 {
		return 25 * time.Second
	}
	return time.Duration(c.PingIntervalSeconds) * time.Second
}

// PongTimeout returns how long a socket may stay silent before it is dropped.
func (c *SessionConfig) PongTimeout() time.Duration {
	if c.PongTimeoutSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.PongTimeoutSeconds) * time.Second
}

// IdleTimeout returns the idle window after which a live session is ended.
// Zero disables idle sweeping.
func (c *SessionConfig) IdleTimeout() time.Duration {
	if c.IdleTimeoutMinutes <= 0 {
		return 0
	}
	return time.Duration(c.IdleTimeoutMinutes) * time.Minute
}

// TokenTTL returns the admin JWT lifetime.
func (c *AuthConfig) TokenTTL() time.Duration {
	if c.TokenTTLHours <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(c.TokenTTLHours) * time.Hour
}

// RequestTimeout returns the per-request LLM timeout.
func (c *AgentConfig) RequestTimeout() time.Duration {
	if c.RequestTimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// AgentSnapshot returns a copy of the agent section safe for concurrent readers.
func (c *Config) AgentSnapshot() AgentConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Agent
}

// SessionSnapshot returns a copy of the session section.
func (c *Config) SessionSnapshot() SessionConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Session
}

// Apply copies hot-reloadable sections from another config.
func (c *Config) Apply(other *Config) {
	if other == nil || other == c {
		return
	}
	other.mu.RLock()
	agent := other.Agent
	session := other.Session
	other.mu.RUnlock()

	c.mu.Lock()
	c.Agent = agent
	c.Session = session
	c.mu.Unlock()
}
