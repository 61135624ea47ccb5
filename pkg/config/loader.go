package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Loader handles configuration loading with Viper.
type Loader struct {
	viper *viper.Viper
}

const ConfigPathEnv = "BIZAGENT_CONFIG_FILE"

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("json")

	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".bizagent"))
	}
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	// Environment variable settings
	v.SetEnvPrefix("BIZAGENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	registerDefaults(v, DefaultConfig())

	return &Loader{viper: v}
}

// registerDefaults makes every key visible to AutomaticEnv
// (BIZAGENT_AGENT_API_KEY -> agent.api_key).
func registerDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("logger.level", cfg.Logger.Level)
	v.SetDefault("logger.output_path", cfg.Logger.OutputPath)
	v.SetDefault("logger.max_size", cfg.Logger.MaxSize)
	v.SetDefault("logger.max_backups", cfg.Logger.MaxBackups)
	v.SetDefault("logger.max_age", cfg.Logger.MaxAge)
	v.SetDefault("logger.compress", cfg.Logger.Compress)
	v.SetDefault("logger.development", cfg.Logger.Development)
	v.SetDefault("database.driver", cfg.Database.Driver)
	v.SetDefault("database.dsn", cfg.Database.DSN)
	v.SetDefault("redis.addr", cfg.Redis.Addr)
	v.SetDefault("redis.password", cfg.Redis.Password)
	v.SetDefault("redis.db", cfg.Redis.DB)
	v.SetDefault("bus.type", cfg.Bus.Type)
	v.SetDefault("bus.prefix", cfg.Bus.Prefix)
	v.SetDefault("bus.buffer_size", cfg.Bus.BufferSize)
	v.SetDefault("gateway.host", cfg.Gateway.Host)
	v.SetDefault("gateway.port", cfg.Gateway.Port)
	v.SetDefault("gateway.allowed_origins", cfg.Gateway.AllowedOrigins)
	v.SetDefault("auth.username", cfg.Auth.Username)
	v.SetDefault("auth.password_hash", cfg.Auth.PasswordHash)
	v.SetDefault("auth.jwt_secret", cfg.Auth.JWTSecret)
	v.SetDefault("auth.token_ttl_hours", cfg.Auth.TokenTTLHours)
	v.SetDefault("agent.api_base", cfg.Agent.APIBase)
	v.SetDefault("agent.api_key", cfg.Agent.APIKey)
	v.SetDefault("agent.model", cfg.Agent.Model)
	v.SetDefault("agent.max_tokens", cfg.Agent.MaxTokens)
	v.SetDefault("agent.temperature", cfg.Agent.Temperature)
	v.SetDefault("agent.max_tool_iterations", cfg.Agent.MaxToolIterations)
	v.SetDefault("agent.request_timeout_seconds", cfg.Agent.RequestTimeoutSeconds)
	v.SetDefault("agent.system_prompt", cfg.Agent.SystemPrompt)
	v.SetDefault("session.ping_interval_seconds", cfg.Session.PingIntervalSeconds)
	v.SetDefault("session.pong_timeout_seconds", cfg.Session.PongTimeoutSeconds)
	v.SetDefault("session.idle_timeout_minutes", cfg.Session.IdleTimeoutMinutes)
	v.SetDefault("session.sweep_schedule", cfg.Session.SweepSchedule)
	v.SetDefault("session.welcome_message", cfg.Session.WelcomeMessage)
	v.SetDefault("session.fallback_message", cfg.Session.FallbackMessage)
	v.SetDefault("links.token_bytes", cfg.Links.TokenBytes)
	v.SetDefault("links.expiry_sweep_schedule", cfg.Links.ExpirySweepSchedule)
}

// Load loads the configuration from file and environment variables.
// If configPath is empty, it will search default paths.
// If the file doesn't exist, it auto-creates one.
func (l *Loader) Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if strings.TrimSpace(configPath) == "" {
		configPath = strings.TrimSpace(os.Getenv(ConfigPathEnv))
	}
	explicitPath := strings.TrimSpace(configPath) != ""
	resolvedPath, err := resolveConfigPath(configPath)
	if err != nil {
		return nil, err
	}
	if explicitPath {
		l.viper.SetConfigFile(resolvedPath)
	}

	if err := l.viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok || os.IsNotExist(err) {
			if err := SaveToFile(cfg, resolvedPath); err != nil {
				return nil, fmt.Errorf("creating config file: %w", err)
			}
			l.viper.SetConfigFile(resolvedPath)
			if err := l.viper.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("reading created config file: %w", err)
			}
		} else {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	if err := l.viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	return cfg, nil
}

// Save saves the configuration to a file.
func (l *Loader) Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	format := "json"
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		format = "yaml"
	case ".toml":
		format = "toml"
	}

	v := viper.New()
	v.SetConfigType(format)

	v.Set("logger", cfg.Logger)
	v.Set("database", cfg.Database)
	v.Set("redis", cfg.Redis)
	v.Set("bus", cfg.Bus)
	v.Set("gateway", cfg.Gateway)
	v.Set("auth", cfg.Auth)
	v.Set("agent", cfg.Agent)
	v.Set("session", cfg.Session)
	v.Set("links", cfg.Links)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	return nil
}

// SaveToFile is a convenience function to save config without creating a Loader.
func SaveToFile(cfg *Config, path string) error {
	loader := NewLoader()
	return loader.Save(path, cfg)
}

// GetConfigHome returns the default config directory.
func GetConfigHome() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home directory: %w", err)
	}
	return filepath.Join(home, ".bizagent"), nil
}

// GetConfigPath returns the path of the loaded config file.
func (l *Loader) GetConfigPath() string {
	return l.viper.ConfigFileUsed()
}

func resolveConfigPath(configPath string) (string, error) {
	path := strings.TrimSpace(configPath)
	if path == "" {
		home, err := GetConfigHome()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, "config.json")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve config path: %w", err)
	}
	return abs, nil
}
