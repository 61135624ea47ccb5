package conversation

import (
	"context"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"bizagent/pkg/bus"
	"bizagent/pkg/logger"
)

// Module provides the conversation store and records tool activity on it.
var Module = fx.Module("conversation",
	fx.Provide(ProvideStore),
	fx.Invoke(RegisterActionRecorder),
)

// ProvideStore provides the store for fx.
func ProvideStore(log *logger.Logger, db *gorm.DB) (*Store, error) {
	return NewStore(log.Named("conversation"), db)
}

// RegisterActionRecorder appends finished tool calls to their conversation.
func RegisterActionRecorder(b bus.Bus, store *Store) {
	b.Subscribe(bus.KindToolFinished, store.recordToolActivity)
}

func (s *Store) recordToolActivity(ctx context.Context, activity *bus.Activity) error {
	if activity.ConversationID == "" {
		return nil
	}
	action := Action{
		Type:   "tool",
		Name:   activity.String("tool"),
		Detail: activity.String("detail"),
		At:     activity.Timestamp,
	}
	if success, ok := activity.Bool("success"); ok {
		action.Success = &success
	}
	if action.At.IsZero() {
		action.At = time.Now().UTC()
	}
	if err := s.RecordAction(ctx, activity.ConversationID, action); err != nil {
		s.log.Warn("Failed to record tool action",
			zap.String("conversation_id", activity.ConversationID),
			zap.String("tool", action.Name),
			zap.Error(err))
		return err
	}
	return nil
}
