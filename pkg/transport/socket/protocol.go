// Package socket carries session events over a bidirectional WebSocket.
// Every frame is a JSON envelope naming the event; requests that carry an id
// are answered with an ack envelope echoing it.
package socket

import (
	"encoding/json"

	"bizagent/pkg/session"
)

// Client to server events.
const (
	EventSessionStart   = "session:start"
	EventSessionEnd     = "session:end"
	EventAgentSend      = "agent:send"
	EventAgentInterrupt = "agent:interrupt"
	EventUserTyping     = "user:typing"
)

// Server to client events.
const (
	EventAck              = "ack"
	EventSessionStarted   = "session:started"
	EventSessionError     = "session:error"
	EventAgentMessage     = "agent:message"
	EventAgentTyping      = "agent:typing"
	EventAgentFeedback    = "agent:feedback"
	EventAgentTool        = "agent:tool"
	EventAgentFallback    = "agent:fallback"
	EventAgentError       = "agent:error"
	EventAgentInterrupted = "agent:interrupted"
	EventAgentSessionEnd  = "agent:session_end"
)

// Error tags that only exist on the socket.
const (
	ErrTagSessionAlreadyStarted = "SessionAlreadyStarted"
	ErrTagUnknownEvent          = "UnknownEvent"
	ErrTagInvalidPayload        = "InvalidPayload"
)

// Envelope is one frame in either direction.
type Envelope struct {
	Event string          `json:"event"`
	ID    *int64          `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Ack answers a request envelope.
type Ack struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// StartPayload is the data of session:start.
type StartPayload struct {
	Token          string `json:"token"`
	ConversationID string `json:"conversationId,omitempty"`
}

// SendPayload is the data of agent:send.
type SendPayload struct {
	Message string `json:"message"`
}

// TypingPayload is the data of user:typing.
type TypingPayload struct {
	IsTyping bool `json:"isTyping"`
}

// ErrorPayload is the data of session:error.
type ErrorPayload struct {
	Error string `json:"error"`
}

// EncodeEvent maps a session event to its socket event name and payload.
func EncodeEvent(ev session.Event) (string, any) {
	switch e := ev.(type) {
	case session.MessageEvent:
		return EventAgentMessage, e
	case session.TypingEvent:
		return EventAgentTyping, e
	case session.FeedbackEvent:
		return EventAgentFeedback, e
	case session.ToolEvent:
		return EventAgentTool, e
	case session.FallbackEvent:
		return EventAgentFallback, e
	case session.ErrorEvent:
		return EventAgentError, e
	case session.InterruptedEvent:
		return EventAgentInterrupted, struct{}{}
	case session.SessionEndEvent:
		return EventAgentSessionEnd, e
	case session.StartedEvent:
		return EventSessionStarted, e
	default:
		return "", nil
	}
}

// Marshal builds an envelope frame.
func Marshal(event string, id *int64, data any) ([]byte, error) {
	env := Envelope{Event: event, ID: id}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		env.Data = raw
	}
	return json.Marshal(env)
}
