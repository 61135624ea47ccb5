package bus

import (
	"context"

	"go.uber.org/fx"

	"bizagent/pkg/config"
	"bizagent/pkg/logger"
)

// Module is the fx module for the activity bus.
var Module = fx.Module("bus",
	fx.Provide(NewActivityBus),
)

// NewActivityBus creates the configured bus and ties it to the app lifecycle.
func NewActivityBus(
	lc fx.Lifecycle,
	log *logger.Logger,
	cfg *config.Config,
) (Bus, error) {
	b, err := NewBus(log.Named("bus"), ConfigFrom(cfg.Bus, cfg.Redis))
	if err != nil {
		return nil, err
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return b.Start()
		},
		OnStop: func(ctx context.Context) error {
			return b.Stop()
		},
	})

	return b, nil
}
