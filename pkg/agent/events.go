// Package agent is the tool-calling response generator behind a live session.
// A generator turns the conversation history into an ordered stream of events.
package agent

// Event is one item of a generated turn. The concrete types below are the
// complete set; consumers switch over them exhaustively.
type Event interface {
	isEvent()
}

// Chunk is incremental assistant text.
type Chunk struct {
	Text string
}

// Feedback is human readable progress commentary.
type Feedback struct {
	Message  string
	ToolName string
}

// ToolStart announces that a named action is running.
type ToolStart struct {
	ToolName string
}

// ToolEnd reports the outcome of a named action.
type ToolEnd struct {
	ToolName string
	Success  bool
}

// SessionEnd means the agent decided to close the conversation.
type SessionEnd struct {
	Message string
	Reason  string
}

func (Chunk) isEvent()      {}
func (Feedback) isEvent()   {}
func (ToolStart) isEvent()  {}
func (ToolEnd) isEvent()    {}
func (SessionEnd) isEvent() {}

// Kind returns the wire name of an event.
func Kind(ev Event) string {
	switch ev.(type) {
	case Chunk:
		return "chunk"
	case Feedback:
		return "feedback"
	case ToolStart:
		return "tool_start"
	case ToolEnd:
		return "tool_end"
	case SessionEnd:
		return "session_end"
	default:
		return "unknown"
	}
}
