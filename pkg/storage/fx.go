package storage

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"bizagent/pkg/config"
	"bizagent/pkg/logger"
)

// Module provides the shared *gorm.DB.
var Module = fx.Module("storage",
	fx.Provide(ProvideDB),
)

// ProvideDB opens the configured database and closes it on shutdown.
func ProvideDB(lc fx.Lifecycle, cfg *config.Config, log *logger.Logger) (*gorm.DB, error) {
	db, err := OpenGorm(cfg.Database.Driver, cfg.Database.DSN, WithLogger(log, DefaultSlowQuery))
	if err != nil {
		return nil, err
	}

	log.Info("Database opened",
		zap.String("driver", cfg.Database.Driver),
	)

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			if err := Close(db); err != nil {
				log.Warn("Failed to close database", zap.Error(err))
			}
			return nil
		},
	})

	return db, nil
}
