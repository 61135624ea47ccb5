// Package session binds live transport connections to conversations. It
// validates access links on start, runs at most one generation per session,
// relays generator events to the transport and closes conversations on end.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"bizagent/pkg/business"
	"bizagent/pkg/links"
	"bizagent/pkg/logger"
)

var (
	// ErrSessionNotFound is returned for unknown or already ended sessions.
	ErrSessionNotFound = errors.New("SessionNotFound")
	// ErrAlreadyProcessing rejects a send while a generation is in flight.
	ErrAlreadyProcessing = errors.New("AlreadyProcessing")
	// ErrEmptyMessage rejects blank user messages.
	ErrEmptyMessage = errors.New("EmptyMessage")
	// ErrPersistence marks a failed best-effort write. It is logged and never
	// interrupts the relay.
	ErrPersistence = errors.New("persistence failed")
)

// DefaultWelcomeMessage is used when neither the link, the business nor the
// configuration provide one.
const DefaultWelcomeMessage = "Hello! How can I help you today?"

// DefaultFallbackMessage is spoken when a turn produced no text.
const DefaultFallbackMessage = "Sorry, I could not come up with an answer. Could you rephrase that?"

// generatorFailureMessage is what the client sees when generation fails.
const generatorFailureMessage = "The assistant is unavailable right now. Please try again."

// ErrorTag returns the client facing tag for err.
func ErrorTag(err error) string {
	if err == nil {
		return ""
	}
	if reason, ok := links.ReasonOf(err); ok {
		return string(reason)
	}
	switch {
	case errors.Is(err, ErrSessionNotFound):
		return ErrSessionNotFound.Error()
	case errors.Is(err, ErrAlreadyProcessing):
		return ErrAlreadyProcessing.Error()
	case errors.Is(err, ErrEmptyMessage):
		return ErrEmptyMessage.Error()
	}
	return err.Error()
}

// Info is the public description of a session.
type Info struct {
	SessionID      string         `json:"sessionId"`
	ConversationID string         `json:"conversationId"`
	BusinessID     string         `json:"businessId"`
	LinkID         string         `json:"linkId,omitempty"`
	Settings       map[string]any `json:"settings,omitempty"`
	StartedAt      time.Time      `json:"startedAt"`
	LastActivityAt time.Time      `json:"lastActivityAt"`
	IsProcessing   bool           `json:"isProcessing"`
}

// StartRequest opens a session.
type StartRequest struct {
	Token string
	// ConversationID optionally resumes an active conversation of the same link.
	ConversationID string
}

// EndResult summarizes a closed session.
type EndResult struct {
	ConversationID  string `json:"conversationId"`
	DurationSeconds int    `json:"durationSeconds"`
	MinutesUsed     int    `json:"minutesUsed"`
}

// Session is the in-memory state of one live connection. It is never persisted.
type Session struct {
	id             string
	conversationID string
	businessID     string
	link           *links.Link
	business       *business.Business
	settings       map[string]any
	startedAt      time.Time
	log            *logger.Logger

	mu           sync.Mutex
	lastActivity time.Time
	processing   bool
	cancel       context.CancelFunc
	ended        bool
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Info returns a snapshot of the session.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := Info{
		SessionID:      s.id,
		ConversationID: s.conversationID,
		BusinessID:     s.businessID,
		Settings:       s.settings,
		StartedAt:      s.startedAt,
		LastActivityAt: s.lastActivity,
		IsProcessing:   s.processing,
	}
	if s.link != nil {
		info.LinkID = s.link.ID
	}
	return info
}
