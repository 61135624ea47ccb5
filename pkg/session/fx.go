package session

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"bizagent/pkg/agent"
	"bizagent/pkg/business"
	"bizagent/pkg/bus"
	"bizagent/pkg/config"
	"bizagent/pkg/conversation"
	"bizagent/pkg/cron"
	"bizagent/pkg/links"
	"bizagent/pkg/logger"
)

// Module provides the session manager and its idle sweeper.
var Module = fx.Module("session",
	fx.Provide(ProvideManager),
	fx.Invoke(registerIdleSweep),
)

// ProvideManager wires the manager to the stores and ends all sessions on stop.
func ProvideManager(
	lc fx.Lifecycle,
	log *logger.Logger,
	cfg *config.Config,
	linkManager *links.Manager,
	store *conversation.Store,
	directory *business.Directory,
	generator agent.Generator,
	activity bus.Bus,
) *Manager {
	m := NewManager(Deps{
		Log:           log.Named("session"),
		Links:         linkManager,
		Conversations: store,
		Businesses:    directory,
		Generator:     generator,
		Bus:           activity,
		Settings:      cfg.SessionSnapshot,
	})

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			m.Close(ctx)
			return nil
		},
	})
	return m
}

func registerIdleSweep(cfg *config.Config, m *Manager, jobs *cron.Manager) error {
	_, err := jobs.AddJob("session.idle_sweep", cfg.Session.SweepSchedule, func(ctx context.Context) error {
		count, err := m.SweepIdle(ctx)
		if count > 0 {
			m.log.Info("Ended idle sessions", zap.Int("count", count))
		}
		return err
	})
	return err
}
