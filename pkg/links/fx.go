package links

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"bizagent/pkg/config"
	"bizagent/pkg/cron"
	"bizagent/pkg/logger"
)

// Module wires link persistence and the expiry sweep.
var Module = fx.Module("links",
	fx.Provide(ProvideManager),
	fx.Invoke(registerExpirySweep),
)

// ProvideManager builds the manager from configuration.
func ProvideManager(cfg *config.Config, log *logger.Logger, db *gorm.DB) (*Manager, error) {
	return NewManager(log, db, cfg.Links.TokenBytes)
}

func registerExpirySweep(cfg *config.Config, mgr *Manager, jobs *cron.Manager) error {
	_, err := jobs.AddJob("links.expire", cfg.Links.ExpirySweepSchedule, mgr.sweepExpired)
	return err
}

func (m *Manager) sweepExpired(ctx context.Context) error {
	count, err := m.ExpireOverdue(ctx)
	if err != nil {
		return err
	}
	if count > 0 {
		m.log.Info("Expired overdue access links", zap.Int64("count", count))
	}
	return nil
}
