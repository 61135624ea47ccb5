// Package bus fans out conversation activity to interested components.
package bus

import (
	"context"
	"time"
)

// Kind identifies an activity.
type Kind string

const (
	KindConversationStarted Kind = "conversation.started"
	KindMessagePersisted    Kind = "message.persisted"
	KindToolFinished        Kind = "tool.finished"
	KindUserTyping          Kind = "user.typing"
	KindConversationEnded   Kind = "conversation.ended"

	// KindAll subscribes a handler to every activity.
	KindAll Kind = "*"
)

// Activity is one thing that happened in a live session.
type Activity struct {
	ID             string         `json:"id"`
	Kind           Kind           `json:"kind"`
	SessionID      string         `json:"session_id"`
	ConversationID string         `json:"conversation_id"`
	BusinessID     string         `json:"business_id"`
	Data           map[string]any `json:"data,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
}

// String returns a string field of Data or "".
func (a *Activity) String(key string) string {
	if a == nil || a.Data == nil {
		return ""
	}
	v, _ := a.Data[key].(string)
	return v
}

// Bool returns a bool field of Data.
func (a *Activity) Bool(key string) (bool, bool) {
	if a == nil || a.Data == nil {
		return false, false
	}
	v, ok := a.Data[key].(bool)
	return v, ok
}

// Handler processes an activity.
type Handler func(ctx context.Context, activity *Activity) error

// Bus routes activities to subscribers.
type Bus interface {
	// Start starts delivery.
	Start() error

	// Stop stops delivery and waits for in-flight handlers.
	Stop() error

	// Subscribe registers a handler for a kind. KindAll receives everything.
	Subscribe(kind Kind, handler Handler)

	// Unsubscribe removes all handlers for a kind.
	Unsubscribe(kind Kind)

	// Publish queues an activity for delivery.
	Publish(activity *Activity) error

	// GetMetrics returns current bus metrics.
	GetMetrics() map[string]uint64
}

// handlersFor returns the handlers subscribed to kind followed by wildcard handlers.
func handlersFor(handlers map[Kind][]Handler, kind Kind) []Handler {
	out := make([]Handler, 0, len(handlers[kind])+len(handlers[KindAll]))
	out = append(out, handlers[kind]...)
	return append(out, handlers[KindAll]...)
}
