package agent

import (
	"context"

	"bizagent/pkg/business"
	"bizagent/pkg/conversation"
	"bizagent/pkg/links"
)

// Request is the input of one turn. History is the full ordered message log
// and ends with the user message being answered.
type Request struct {
	SessionID      string
	ConversationID string
	Business       *business.Business
	Link           *links.Link
	History        []conversation.Message
}

// Emit delivers one event to the session. A non-nil error means the turn is
// no longer wanted and generation must stop.
type Emit func(Event) error

// Generator produces the events of a turn. Generate returns after the last
// event was emitted, when emit fails, or when ctx is cancelled.
type Generator interface {
	Generate(ctx context.Context, req *Request, emit Emit) error
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, req *Request, emit Emit) error

// Generate calls f.
func (f GeneratorFunc) Generate(ctx context.Context, req *Request, emit Emit) error {
	return f(ctx, req, emit)
}
