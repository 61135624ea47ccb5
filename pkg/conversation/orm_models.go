package conversation

import (
	"time"

	"gorm.io/datatypes"
)

type conversationRow struct {
	ID              string                      `gorm:"primaryKey;size:64"`
	BusinessID      string                      `gorm:"size:64;index;not null"`
	LinkID          *string                     `gorm:"size:64;index"`
	Status          string                      `gorm:"size:32;index;not null"`
	StartedAt       time.Time                   `gorm:"not null"`
	EndedAt         *time.Time
	DurationSeconds int                         `gorm:"not null;default:0"`
	MessageCount    int                         `gorm:"not null;default:0"`
	Metadata        datatypes.JSONMap           `gorm:"type:json"`
	Actions         datatypes.JSONSlice[Action] `gorm:"type:json"`
	UpdatedAt       time.Time                   `gorm:"not null"`
}

func (conversationRow) TableName() string {
	return "conversations"
}

func (r conversationRow) toConversation() *Conversation {
	conv := &Conversation{
		ID:              r.ID,
		BusinessID:      r.BusinessID,
		Status:          Status(r.Status),
		StartedAt:       r.StartedAt,
		EndedAt:         r.EndedAt,
		DurationSeconds: r.DurationSeconds,
		MessageCount:    r.MessageCount,
		Metadata:        map[string]any{},
		Actions:         append([]Action(nil), r.Actions...),
	}
	if r.LinkID != nil {
		conv.LinkID = *r.LinkID
	}
	for k, v := range r.Metadata {
		conv.Metadata[k] = v
	}
	return conv
}

type messageRow struct {
	ID             string    `gorm:"primaryKey;size:64"`
	ConversationID string    `gorm:"size:64;not null;uniqueIndex:idx_messages_conversation_seq,priority:1"`
	Seq            int       `gorm:"not null;uniqueIndex:idx_messages_conversation_seq,priority:2"`
	Role           string    `gorm:"size:16;not null"`
	Content        string    `gorm:"type:text;not null"`
	Tokens         int       `gorm:"not null;default:0"`
	CreatedAt      time.Time `gorm:"not null"`
}

func (messageRow) TableName() string {
	return "messages"
}

func (r messageRow) toMessage() Message {
	return Message{
		ID:             r.ID,
		ConversationID: r.ConversationID,
		Seq:            r.Seq,
		Role:           Role(r.Role),
		Content:        r.Content,
		Tokens:         r.Tokens,
		CreatedAt:      r.CreatedAt,
	}
}
