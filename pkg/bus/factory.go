package bus

import (
	"fmt"
	"strings"

	"bizagent/pkg/config"
	"bizagent/pkg/logger"
)

// Backend names where activities travel.
type Backend string

const (
	// BackendLocal fans out inside this process only.
	BackendLocal Backend = "local"
	// BackendRedis shares activities between gateway replicas.
	BackendRedis Backend = "redis"
)

// Config selects and sizes the activity bus.
type Config struct {
	Backend    Backend
	BufferSize int
	// Redis is only read by the redis backend.
	Redis RedisBusConfig
}

// ConfigFrom maps the bus and redis sections of the gateway config.
func ConfigFrom(busCfg config.BusConfig, redisCfg config.RedisConfig) *Config {
	return &Config{
		Backend:    Backend(strings.ToLower(strings.TrimSpace(busCfg.Type))),
		BufferSize: busCfg.BufferSize,
		Redis: RedisBusConfig{
			Addr:     redisCfg.Addr,
			Password: redisCfg.Password,
			DB:       redisCfg.DB,
			Prefix:   busCfg.Prefix,
		},
	}
}

// NewBus builds the activity bus for cfg.Backend. The bus is not started.
func NewBus(log *logger.Logger, cfg *Config) (Bus, error) {
	switch cfg.Backend {
	case "", BackendLocal:
		return NewLocalBus(log, cfg.BufferSize), nil
	case BackendRedis:
		if strings.TrimSpace(cfg.Redis.Addr) == "" {
			return nil, fmt.Errorf("activity bus: redis backend needs redis.addr")
		}
		redisCfg := cfg.Redis
		return NewRedisBus(log, &redisCfg)
	default:
		return nil, fmt.Errorf("activity bus: unknown backend %q", cfg.Backend)
	}
}
