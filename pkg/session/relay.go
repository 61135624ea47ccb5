package session

import (
	"context"
	"errors"
	"strings"
	"sync"

	"go.uber.org/zap"

	"bizagent/pkg/agent"
	"bizagent/pkg/bus"
	"bizagent/pkg/logger"
)

// errTurnClosed stops a generator that keeps emitting after the turn ended.
var errTurnClosed = errors.New("turn closed")

// relay forwards the events of one turn to the transport in generation order.
// It accumulates chunk text, tracks the tool in progress and guarantees that
// exactly one terminal signal reaches the transport.
type relay struct {
	ctx     context.Context
	log     *logger.Logger
	sink    Sink
	publish func(kind bus.Kind, data map[string]any)

	mu          sync.Mutex
	text        strings.Builder
	currentTool string
	terminated  bool
	sessionEnd  *agent.SessionEnd

	// done is closed with the terminal signal.
	done chan struct{}
}

func newRelay(ctx context.Context, log *logger.Logger, sink Sink, publish func(bus.Kind, map[string]any)) *relay {
	if publish == nil {
		publish = func(bus.Kind, map[string]any) {}
	}
	return &relay{ctx: ctx, log: log, sink: sink, publish: publish, done: make(chan struct{})}
}

// handle is the agent.Emit callback.
func (r *relay) handle(ev agent.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.ctx.Err(); err != nil {
		return err
	}
	if r.terminated {
		return errTurnClosed
	}

	switch e := ev.(type) {
	case agent.Chunk:
		if e.Text == "" {
			return nil
		}
		r.text.WriteString(e.Text)
		r.send(MessageEvent{Chunk: e.Text})
	case agent.Feedback:
		r.send(FeedbackEvent{Type: FeedbackProgress, Message: e.Message, ToolName: e.ToolName})
	case agent.ToolStart:
		r.currentTool = e.ToolName
		r.send(ToolEvent{Status: ToolStatusStart, ToolName: e.ToolName})
	case agent.ToolEnd:
		success := e.Success
		r.send(ToolEvent{Status: ToolStatusEnd, ToolName: e.ToolName, Success: &success})
		if r.currentTool != "" {
			r.currentTool = ""
			r.send(FeedbackEvent{Type: FeedbackClear})
		}
		r.publish(bus.KindToolFinished, map[string]any{"tool": e.ToolName, "success": e.Success})
	case agent.SessionEnd:
		end := e
		r.sessionEnd = &end
		r.closeLocked(SessionEndEvent{Message: e.Message, Reason: e.Reason})
		return errTurnClosed
	default:
		r.log.Warn("Ignoring unknown generator event", zap.String("kind", agent.Kind(ev)))
	}
	return nil
}

// typing sends a typing indicator unless the turn already ended.
func (r *relay) typing(on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.terminated {
		r.send(TypingEvent{IsTyping: on})
	}
}

// fallback sends a fallback event unless the turn already ended.
func (r *relay) fallback(message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.terminated {
		r.send(FallbackEvent{Message: message, Speak: true})
	}
}

// close sends the terminal signal of the turn. Later calls are no-ops and
// report false.
func (r *relay) close(ev Event) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closeLocked(ev)
}

func (r *relay) closeLocked(ev Event) bool {
	if r.terminated {
		return false
	}
	if r.currentTool != "" {
		r.currentTool = ""
		r.send(FeedbackEvent{Type: FeedbackClear})
	}
	r.send(TypingEvent{IsTyping: false})
	r.send(ev)
	r.terminated = true
	close(r.done)
	return true
}

// result returns the accumulated text and the agent's end request, if any.
func (r *relay) result() (string, *agent.SessionEnd) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.text.String(), r.sessionEnd
}

func (r *relay) send(ev Event) {
	if err := r.sink.Send(ev); err != nil {
		r.log.Debug("Transport dropped session event", zap.Error(err))
	}
}
