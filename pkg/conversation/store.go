package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"bizagent/pkg/logger"
)

// Store persists conversations and messages. Counters are incremented
// server-side so concurrent writers never lose updates.
type Store struct {
	log *logger.Logger
	db  *gorm.DB
	now func() time.Time
}

// NewStore creates a store on the shared database and migrates its tables.
func NewStore(log *logger.Logger, db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("gorm db is nil")
	}
	if err := db.AutoMigrate(&conversationRow{}, &messageRow{}); err != nil {
		return nil, fmt.Errorf("migrate conversations: %w", err)
	}
	return &Store{
		log: log,
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}, nil
}

// SetClock overrides the time source.
func (s *Store) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Create starts a new active conversation.
func (s *Store) Create(ctx context.Context, input CreateInput) (*Conversation, error) {
	businessID := strings.TrimSpace(input.BusinessID)
	if businessID == "" {
		return nil, errors.New("business id is required")
	}
	now := s.now()
	row := conversationRow{
		ID:         uuid.NewString(),
		BusinessID: businessID,
		Status:     string(StatusActive),
		StartedAt:  now,
		Metadata:   datatypes.JSONMap(input.Metadata),
		Actions:    datatypes.JSONSlice[Action]{},
		UpdatedAt:  now,
	}
	if linkID := strings.TrimSpace(input.LinkID); linkID != "" {
		row.LinkID = &linkID
	}
	if row.Metadata == nil {
		row.Metadata = datatypes.JSONMap{}
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	return row.toConversation(), nil
}

// Get returns a conversation by id.
func (s *Store) Get(ctx context.Context, id string) (*Conversation, error) {
	row, err := s.take(ctx, s.db, strings.TrimSpace(id))
	if err != nil {
		return nil, err
	}
	return row.toConversation(), nil
}

// FindResumable returns the conversation a client asked to continue. It must
// be active and belong to linkID. Anything else reports ErrNotFound.
func (s *Store) FindResumable(ctx context.Context, linkID, conversationID string) (*Conversation, error) {
	linkID = strings.TrimSpace(linkID)
	conversationID = strings.TrimSpace(conversationID)
	if linkID == "" || conversationID == "" {
		return nil, ErrNotFound
	}
	var row conversationRow
	err := s.db.WithContext(ctx).
		Where("id = ? AND link_id = ? AND status = ?", conversationID, linkID, string(StatusActive)).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find resumable conversation: %w", err)
	}
	return row.toConversation(), nil
}

// List returns conversations newest first. An empty businessID lists all.
func (s *Store) List(ctx context.Context, businessID string, limit int) ([]*Conversation, error) {
	query := s.db.WithContext(ctx).Order("started_at DESC")
	if businessID = strings.TrimSpace(businessID); businessID != "" {
		query = query.Where("business_id = ?", businessID)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	var rows []conversationRow
	if err := query.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	out := make([]*Conversation, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toConversation())
	}
	return out, nil
}

// AppendMessage adds a message and bumps message_count in one transaction.
func (s *Store) AppendMessage(ctx context.Context, conversationID string, role Role, content string, tokens int) (*Message, error) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return nil, errors.New("conversation id is required")
	}
	if role != RoleUser && role != RoleAssistant {
		return nil, fmt.Errorf("invalid message role %q", role)
	}
	if tokens < 0 {
		tokens = 0
	}

	var msg messageRow
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.now()
		res := tx.Model(&conversationRow{}).
			Where("id = ?", conversationID).
			Updates(map[string]any{
				"message_count": gorm.Expr("message_count + 1"),
				"updated_at":    now,
			})
		if res.Error != nil {
			return fmt.Errorf("increment message count: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}

		var seq int
		if err := tx.Model(&conversationRow{}).
			Where("id = ?", conversationID).
			Select("message_count").
			Scan(&seq).Error; err != nil {
			return fmt.Errorf("read message count: %w", err)
		}

		msg = messageRow{
			ID:             uuid.NewString(),
			ConversationID: conversationID,
			Seq:            seq,
			Role:           string(role),
			Content:        content,
			Tokens:         tokens,
			CreatedAt:      now,
		}
		if err := tx.Create(&msg).Error; err != nil {
			return fmt.Errorf("create message: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := msg.toMessage()
	return &out, nil
}

// Messages returns the full ordered message log of a conversation.
func (s *Store) Messages(ctx context.Context, conversationID string) ([]Message, error) {
	var rows []messageRow
	err := s.db.WithContext(ctx).
		Where("conversation_id = ?", strings.TrimSpace(conversationID)).
		Order("seq ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	out := make([]Message, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toMessage())
	}
	return out, nil
}

// Complete closes an active conversation at endedAt. duration_seconds is the
// floor of the elapsed seconds. Completing twice returns ErrAlreadyCompleted.
func (s *Store) Complete(ctx context.Context, id string, endedAt time.Time) (*Conversation, error) {
	row, err := s.take(ctx, s.db, strings.TrimSpace(id))
	if err != nil {
		return nil, err
	}
	if Status(row.Status) == StatusCompleted {
		return nil, ErrAlreadyCompleted
	}

	endedAt = endedAt.UTC()
	duration := int(endedAt.Sub(row.StartedAt) / time.Second)
	if duration < 0 {
		duration = 0
	}

	res := s.db.WithContext(ctx).Model(&conversationRow{}).
		Where("id = ? AND status = ?", row.ID, string(StatusActive)).
		Updates(map[string]any{
			"status":           string(StatusCompleted),
			"ended_at":         endedAt,
			"duration_seconds": duration,
			"updated_at":       s.now(),
		})
	if res.Error != nil {
		return nil, fmt.Errorf("complete conversation: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, ErrAlreadyCompleted
	}

	s.log.Info("Conversation completed",
		zap.String("conversation_id", row.ID),
		zap.Int("duration_seconds", duration),
		zap.Int("message_count", row.MessageCount),
	)
	return s.Get(ctx, row.ID)
}

// RecordAction appends an action to a conversation.
func (s *Store) RecordAction(ctx context.Context, id string, action Action) error {
	if action.At.IsZero() {
		action.At = s.now()
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := s.take(ctx, tx, strings.TrimSpace(id))
		if err != nil {
			return err
		}
		actions := append(datatypes.JSONSlice[Action]{}, row.Actions...)
		actions = append(actions, action)
		err = tx.Model(&conversationRow{}).
			Where("id = ?", row.ID).
			Updates(map[string]any{"actions": actions, "updated_at": s.now()}).Error
		if err != nil {
			return fmt.Errorf("record action: %w", err)
		}
		return nil
	})
}

// UpdateMetadata merges keys into a conversation's metadata.
func (s *Store) UpdateMetadata(ctx context.Context, id string, metadata map[string]any) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := s.take(ctx, tx, strings.TrimSpace(id))
		if err != nil {
			return err
		}
		merged := datatypes.JSONMap{}
		for k, v := range row.Metadata {
			merged[k] = v
		}
		for k, v := range metadata {
			merged[k] = v
		}
		return tx.Model(&conversationRow{}).
			Where("id = ?", row.ID).
			Updates(map[string]any{"metadata": merged, "updated_at": s.now()}).Error
	})
}

func (s *Store) take(ctx context.Context, db *gorm.DB, id string) (*conversationRow, error) {
	if id == "" {
		return nil, errors.New("conversation id is required")
	}
	var row conversationRow
	err := db.WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return &row, nil
}
