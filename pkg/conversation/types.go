// Package conversation persists conversations and their append-only message log.
package conversation

import (
	"errors"
	"time"
)

// Status of a conversation.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
)

// Role of a message author.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

var (
	// ErrNotFound is returned when a conversation does not exist.
	ErrNotFound = errors.New("conversation not found")
	// ErrAlreadyCompleted is returned when ending a conversation twice.
	ErrAlreadyCompleted = errors.New("conversation already completed")
)

// Conversation is one logical chat tied to a business and optionally to an access link.
type Conversation struct {
	ID              string         `json:"id"`
	BusinessID      string         `json:"business_id"`
	LinkID          string         `json:"link_id,omitempty"`
	Status          Status         `json:"status"`
	StartedAt       time.Time      `json:"started_at"`
	EndedAt         *time.Time     `json:"ended_at,omitempty"`
	DurationSeconds int            `json:"duration_seconds"`
	MessageCount    int            `json:"message_count"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	Actions         []Action       `json:"actions,omitempty"`
}

// Action is something the agent did during a conversation.
type Action struct {
	Type    string    `json:"type"`
	Name    string    `json:"name"`
	Success *bool     `json:"success,omitempty"`
	Detail  string    `json:"detail,omitempty"`
	At      time.Time `json:"at"`
}

// Message is one turn entry.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Seq            int       `json:"seq"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	Tokens         int       `json:"tokens"`
	CreatedAt      time.Time `json:"created_at"`
}

// CreateInput describes a new conversation.
type CreateInput struct {
	BusinessID string
	LinkID     string
	Metadata   map[string]any
}
