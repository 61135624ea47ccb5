package session

// Event is sent from a session to its transport. The concrete types below are
// the complete vocabulary; transports switch over them exhaustively.
type Event interface {
	isEvent()
}

// StartedEvent acknowledges a successful start.
type StartedEvent struct {
	Session        Info   `json:"session"`
	WelcomeMessage string `json:"welcomeMessage"`
}

// MessageEvent carries assistant text. A frame with IsComplete set and an
// empty chunk is the completion marker of a turn.
type MessageEvent struct {
	Chunk      string `json:"chunk"`
	IsComplete bool   `json:"isComplete"`
}

// TypingEvent toggles the assistant typing indicator.
type TypingEvent struct {
	IsTyping bool `json:"isTyping"`
}

// Feedback types.
const (
	FeedbackProgress = "progress"
	FeedbackClear    = "clear"
)

// FeedbackEvent is progress commentary. Type clear removes a stale indicator.
type FeedbackEvent struct {
	Type     string `json:"type"`
	Message  string `json:"message"`
	ToolName string `json:"toolName,omitempty"`
}

// Tool statuses.
const (
	ToolStatusStart = "start"
	ToolStatusEnd   = "end"
)

// ToolEvent reports the lifecycle of a tool.
type ToolEvent struct {
	Status   string `json:"status"`
	ToolName string `json:"toolName"`
	Success  *bool  `json:"success,omitempty"`
}

// FallbackEvent replaces an empty answer.
type FallbackEvent struct {
	Message string `json:"message"`
	Speak   bool   `json:"speak"`
}

// ErrorEvent reports a failure with a human readable message or tag.
type ErrorEvent struct {
	Error string `json:"error"`
}

// InterruptedEvent ends a cancelled turn.
type InterruptedEvent struct{}

// SessionEndEvent carries the closing message when the agent ends the session.
type SessionEndEvent struct {
	Message string `json:"message"`
	Reason  string `json:"reason,omitempty"`
}

func (StartedEvent) isEvent()     {}
func (MessageEvent) isEvent()     {}
func (TypingEvent) isEvent()      {}
func (FeedbackEvent) isEvent()    {}
func (ToolEvent) isEvent()        {}
func (FallbackEvent) isEvent()    {}
func (ErrorEvent) isEvent()       {}
func (InterruptedEvent) isEvent() {}
func (SessionEndEvent) isEvent()  {}

// IsTerminal reports whether ev closes a turn.
func IsTerminal(ev Event) bool {
	switch e := ev.(type) {
	case MessageEvent:
		return e.IsComplete
	case InterruptedEvent, SessionEndEvent, ErrorEvent:
		return true
	default:
		return false
	}
}

// Sink receives the events of a session.
type Sink interface {
	Send(Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event) error

// Send calls f.
func (f SinkFunc) Send(ev Event) error { return f(ev) }
