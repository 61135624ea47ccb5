package client

import (
	"encoding/json"
	"fmt"

	"bizagent/pkg/session"
	"bizagent/pkg/transport/socket"
)

// ServerEvent is an event received from the server. Dispatch switches over
// every variant.
type ServerEvent interface {
	isServerEvent()
}

type (
	// SessionStarted confirms session:start.
	SessionStarted struct {
		Session        session.Info `json:"session"`
		WelcomeMessage string       `json:"welcomeMessage"`
	}
	// SessionError reports a rejected request or a failed start.
	SessionError struct {
		Error string `json:"error"`
	}
	// Message is assistant text; IsComplete marks the end of a turn.
	Message struct {
		Chunk      string `json:"chunk"`
		IsComplete bool   `json:"isComplete"`
	}
	// Typing toggles the assistant typing indicator.
	Typing struct {
		IsTyping bool `json:"isTyping"`
	}
	// Feedback is tool progress commentary.
	Feedback struct {
		Type     string `json:"type"`
		Message  string `json:"message"`
		ToolName string `json:"toolName,omitempty"`
	}
	// Tool reports a tool starting or ending.
	Tool struct {
		Status   string `json:"status"`
		ToolName string `json:"toolName"`
		Success  *bool  `json:"success,omitempty"`
	}
	// Fallback replaces an empty answer.
	Fallback struct {
		Message string `json:"message"`
		Speak   bool   `json:"speak"`
	}
	// AgentError ends a failed turn.
	AgentError struct {
		Error string `json:"error"`
	}
	// Interrupted ends a cancelled turn.
	Interrupted struct{}
	// SessionEnded is sent when the agent closed the session.
	SessionEnded struct {
		Message string `json:"message"`
		Reason  string `json:"reason,omitempty"`
	}
)

func (SessionStarted) isServerEvent() {}
func (SessionError) isServerEvent()   {}
func (Message) isServerEvent()        {}
func (Typing) isServerEvent()         {}
func (Feedback) isServerEvent()       {}
func (Tool) isServerEvent()           {}
func (Fallback) isServerEvent()       {}
func (AgentError) isServerEvent()     {}
func (Interrupted) isServerEvent()    {}
func (SessionEnded) isServerEvent()   {}

// Handler receives server events.
type Handler interface {
	OnSessionStarted(SessionStarted)
	OnSessionError(SessionError)
	OnMessage(Message)
	OnTyping(Typing)
	OnFeedback(Feedback)
	OnTool(Tool)
	OnFallback(Fallback)
	OnAgentError(AgentError)
	OnInterrupted(Interrupted)
	OnSessionEnded(SessionEnded)
}

// NopHandler ignores every event. Embed it to implement only some methods.
type NopHandler struct{}

func (NopHandler) OnSessionStarted(SessionStarted) {}
func (NopHandler) OnSessionError(SessionError)     {}
func (NopHandler) OnMessage(Message)               {}
func (NopHandler) OnTyping(Typing)                 {}
func (NopHandler) OnFeedback(Feedback)             {}
func (NopHandler) OnTool(Tool)                     {}
func (NopHandler) OnFallback(Fallback)             {}
func (NopHandler) OnAgentError(AgentError)         {}
func (NopHandler) OnInterrupted(Interrupted)       {}
func (NopHandler) OnSessionEnded(SessionEnded)     {}

// Dispatch calls the handler method for ev.
func Dispatch(h Handler, ev ServerEvent) {
	switch e := ev.(type) {
	case SessionStarted:
		h.OnSessionStarted(e)
	case SessionError:
		h.OnSessionError(e)
	case Message:
		h.OnMessage(e)
	case Typing:
		h.OnTyping(e)
	case Feedback:
		h.OnFeedback(e)
	case Tool:
		h.OnTool(e)
	case Fallback:
		h.OnFallback(e)
	case AgentError:
		h.OnAgentError(e)
	case Interrupted:
		h.OnInterrupted(e)
	case SessionEnded:
		h.OnSessionEnded(e)
	}
}

// IsTurnEnd reports whether ev closes the current turn.
func IsTurnEnd(ev ServerEvent) bool {
	switch e := ev.(type) {
	case Message:
		return e.IsComplete
	case AgentError, Interrupted, SessionEnded:
		return true
	default:
		return false
	}
}

// Decode converts an envelope into a ServerEvent.
func Decode(env socket.Envelope) (ServerEvent, error) {
	var (
		ev  ServerEvent
		err error
	)
	switch env.Event {
	case socket.EventSessionStarted:
		ev, err = decodeAs[SessionStarted](env.Data)
	case socket.EventSessionError:
		ev, err = decodeAs[SessionError](env.Data)
	case socket.EventAgentMessage:
		ev, err = decodeAs[Message](env.Data)
	case socket.EventAgentTyping:
		ev, err = decodeAs[Typing](env.Data)
	case socket.EventAgentFeedback:
		ev, err = decodeAs[Feedback](env.Data)
	case socket.EventAgentTool:
		ev, err = decodeAs[Tool](env.Data)
	case socket.EventAgentFallback:
		ev, err = decodeAs[Fallback](env.Data)
	case socket.EventAgentError:
		ev, err = decodeAs[AgentError](env.Data)
	case socket.EventAgentInterrupted:
		ev = Interrupted{}
	case socket.EventAgentSessionEnd:
		ev, err = decodeAs[SessionEnded](env.Data)
	default:
		return nil, fmt.Errorf("unknown server event %q", env.Event)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", env.Event, err)
	}
	return ev, nil
}

func decodeAs[T ServerEvent](data json.RawMessage) (ServerEvent, error) {
	var v T
	if len(data) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}
