package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/robfig/cron/v3"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

// Error implements the error interface.
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for _, err := range e {
		sb.WriteString(fmt.Sprintf("  - %s\n", err.Error()))
	}
	return sb.String()
}

// Validator validates configuration.
type Validator struct {
	errors ValidationErrors
}

// NewValidator creates a new configuration validator.
func NewValidator() *Validator {
	return &Validator{
		errors: make(ValidationErrors, 0),
	}
}

// Validate validates the entire configuration.
func (v *Validator) Validate(cfg *Config) error {
	v.errors = make(ValidationErrors, 0)

	v.validateLogger(&cfg.Logger)
	v.validateDatabase(&cfg.Database)
	v.validateBus(&cfg.Bus, &cfg.Redis)
	v.validateGateway(&cfg.Gateway)
	v.validateAgent(&cfg.Agent)
	v.validateSession(&cfg.Session)
	v.validateLinks(&cfg.Links)

	if len(v.errors) > 0 {
		return v.errors
	}
	return nil
}

func (v *Validator) validateLogger(cfg *LoggerConfig) {
	switch strings.ToLower(strings.TrimSpace(cfg.Level)) {
	case "", "debug", "info", "warn", "error", "fatal":
	default:
		v.addError("logger.level", "level must be one of: debug, info, warn, error, fatal")
	}
}

func (v *Validator) validateDatabase(cfg *DatabaseConfig) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "sqlite":
	case "postgres":
		if strings.TrimSpace(cfg.DSN) == "" {
			v.addError("database.dsn", "dsn is required for postgres")
		}
	default:
		v.addError("database.driver", "driver must be one of: sqlite, postgres")
	}
}

func (v *Validator) validateBus(cfg *BusConfig, redisCfg *RedisConfig) {
	switch cfg.Type {
	case "", "local":
	case "redis":
		if strings.TrimSpace(redisCfg.Addr) == "" {
			v.addError("redis.addr", "addr is required when bus type is redis")
		}
	default:
		v.addError("bus.type", "type must be one of: local, redis")
	}
	if cfg.BufferSize < 0 {
		v.addError("bus.buffer_size", "buffer_size must be non-negative")
	}
}

func (v *Validator) validateGateway(cfg *GatewayConfig) {
	if cfg.Port < 0 || cfg.Port > 65535 {
		v.addError("gateway.port", "port must be between 0 and 65535")
	}
}

func (v *Validator) validateAgent(cfg *AgentConfig) {
	if strings.TrimSpace(cfg.APIBase) != "" {
		if _, err := url.ParseRequestURI(cfg.APIBase); err != nil {
			v.addError("agent.api_base", fmt.Sprintf("invalid URL: %v", err))
		}
	}
	if cfg.MaxTokens < 0 {
		v.addError("agent.max_tokens", "max_tokens must be non-negative")
	}
	if cfg.Temperature < 0 || cfg.Temperature > 2 {
		v.addError("agent.temperature", "temperature must be between 0 and 2")
	}
	if cfg.MaxToolIterations < 1 {
		v.addError("agent.max_tool_iterations", "max_tool_iterations must be at least 1")
	}
}

func (v *Validator) validateSession(cfg *SessionConfig) {
	if cfg.PingIntervalSeconds < 0 {
		v.addError("session.ping_interval_seconds", "ping_interval_seconds must be non-negative")
	}
	if cfg.PongTimeoutSeconds > 0 && cfg.PingIntervalSeconds >= cfg.PongTimeoutSeconds {
		v.addError("session.pong_timeout_seconds", "pong_timeout_seconds must exceed ping_interval_seconds")
	}
	v.validateSchedule("session.sweep_schedule", cfg.SweepSchedule)
}

func (v *Validator) validateLinks(cfg *LinksConfig) {
	if cfg.TokenBytes != 0 && cfg.TokenBytes < 16 {
		v.addError("links.token_bytes", "token_bytes must be at least 16")
	}
	v.validateSchedule("links.expiry_sweep_schedule", cfg.ExpirySweepSchedule)
}

func (v *Validator) validateSchedule(field, spec string) {
	if strings.TrimSpace(spec) == "" {
		return
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		v.addError(field, fmt.Sprintf("invalid schedule: %v", err))
	}
}

func (v *Validator) addError(field, message string) {
	v.errors = append(v.errors, ValidationError{
		Field:   field,
		Message: message,
	})
}

// ValidateConfig validates a configuration using a fresh validator.
func ValidateConfig(cfg *Config) error {
	validator := NewValidator()
	return validator.Validate(cfg)
}
