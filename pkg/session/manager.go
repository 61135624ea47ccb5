package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"bizagent/pkg/agent"
	"bizagent/pkg/business"
	"bizagent/pkg/bus"
	"bizagent/pkg/config"
	"bizagent/pkg/conversation"
	"bizagent/pkg/links"
	"bizagent/pkg/logger"
)

// LinkService validates links on start and receives usage on end.
type LinkService interface {
	ValidateAndConsume(ctx context.Context, token string) (*links.Link, error)
	IncrementUsage(ctx context.Context, linkID string, minutes int) (*links.Link, error)
}

// ConversationStore persists conversations and messages.
type ConversationStore interface {
	Create(ctx context.Context, input conversation.CreateInput) (*conversation.Conversation, error)
	FindResumable(ctx context.Context, linkID, conversationID string) (*conversation.Conversation, error)
	AppendMessage(ctx context.Context, conversationID string, role conversation.Role, content string, tokens int) (*conversation.Message, error)
	Messages(ctx context.Context, conversationID string) ([]conversation.Message, error)
	Complete(ctx context.Context, id string, endedAt time.Time) (*conversation.Conversation, error)
}

// BusinessLookup loads the business a link belongs to.
type BusinessLookup interface {
	Get(ctx context.Context, id string) (*business.Business, error)
}

// Manager owns the live sessions of this process.
type Manager struct {
	log           *logger.Logger
	links         LinkService
	conversations ConversationStore
	businesses    BusinessLookup
	generator     agent.Generator
	bus           bus.Bus
	settings      func() config.SessionConfig
	now           func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session
}

// Deps groups the collaborators of a Manager.
type Deps struct {
	Log           *logger.Logger
	Links         LinkService
	Conversations ConversationStore
	Businesses    BusinessLookup
	Generator     agent.Generator
	Bus           bus.Bus
	Settings      func() config.SessionConfig
}

// NewManager creates a session manager. Bus and Businesses are optional.
func NewManager(deps Deps) *Manager {
	log := deps.Log
	if log == nil {
		log = logger.NewNop()
	}
	settings := deps.Settings
	if settings == nil {
		defaults := config.DefaultConfig().Session
		settings = func() config.SessionConfig { return defaults }
	}
	return &Manager{
		log:           log,
		links:         deps.Links,
		conversations: deps.Conversations,
		businesses:    deps.Businesses,
		generator:     deps.Generator,
		bus:           deps.Bus,
		settings:      settings,
		now:           func() time.Time { return time.Now().UTC() },
		sessions:      make(map[string]*Session),
	}
}

// SetClock overrides the time source.
func (m *Manager) SetClock(now func() time.Time) {
	if now != nil {
		m.now = now
	}
}

// Start validates the link and opens a session. Link policy failures are
// returned as *links.PolicyError and no session is created.
func (m *Manager) Start(ctx context.Context, req StartRequest) (*StartedEvent, error) {
	link, err := m.links.ValidateAndConsume(ctx, strings.TrimSpace(req.Token))
	if err != nil {
		if reason, ok := links.ReasonOf(err); ok {
			m.log.Info("Rejected session start", zap.String("reason", string(reason)))
		}
		return nil, err
	}

	var biz *business.Business
	if m.businesses != nil {
		biz, err = m.businesses.Get(ctx, link.BusinessID)
		if err != nil {
			m.log.Warn("Business lookup failed",
				zap.String("business_id", link.BusinessID),
				zap.Error(err))
			biz = nil
		}
	}

	conv, resumed, err := m.openConversation(ctx, link, req.ConversationID)
	if err != nil {
		return nil, err
	}

	now := m.now()
	id := uuid.NewString()
	s := &Session{
		id:             id,
		conversationID: conv.ID,
		businessID:     link.BusinessID,
		link:           link,
		business:       biz,
		settings:       link.Settings,
		startedAt:      now,
		log:            m.log.ForSession(id, conv.ID),
		lastActivity:   now,
	}

	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()

	s.log.Info("Session started",
		zap.String("business_id", s.businessID),
		zap.String("link_id", link.ID),
		zap.Bool("resumed", resumed))
	m.publish(s, bus.KindConversationStarted, map[string]any{"resumed": resumed, "link_id": link.ID})

	return &StartedEvent{Session: s.Info(), WelcomeMessage: m.welcomeMessage(link, biz)}, nil
}

func (m *Manager) openConversation(ctx context.Context, link *links.Link, conversationID string) (*conversation.Conversation, bool, error) {
	if conversationID = strings.TrimSpace(conversationID); conversationID != "" {
		conv, err := m.conversations.FindResumable(ctx, link.ID, conversationID)
		if err == nil {
			return conv, true, nil
		}
		if !errors.Is(err, conversation.ErrNotFound) {
			m.log.Warn("Resume lookup failed", zap.String("conversation_id", conversationID), zap.Error(err))
		}
	}

	conv, err := m.conversations.Create(ctx, conversation.CreateInput{
		BusinessID: link.BusinessID,
		LinkID:     link.ID,
	})
	if err != nil {
		return nil, false, fmt.Errorf("create conversation: %w", err)
	}
	return conv, false, nil
}

func (m *Manager) welcomeMessage(link *links.Link, biz *business.Business) string {
	if msg := strings.TrimSpace(link.Setting(links.SettingWelcomeMessage)); msg != "" {
		return msg
	}
	if msg := biz.Setting(business.SettingWelcomeMessage); msg != "" {
		return msg
	}
	if msg := strings.TrimSpace(m.settings().WelcomeMessage); msg != "" {
		return msg
	}
	return DefaultWelcomeMessage
}

// Send runs one turn and returns when its terminal signal was sent. It fails
// synchronously with ErrSessionNotFound or ErrAlreadyProcessing. Cancelling
// ctx interrupts the turn.
func (m *Manager) Send(ctx context.Context, sessionID, message string, sink Sink) error {
	s, turnCtx, err := m.beginTurn(ctx, sessionID, message)
	if err != nil {
		return err
	}
	m.runTurn(turnCtx, s, message, sink)
	return nil
}

// Dispatch performs the same checks as Send and runs the turn in the
// background. A nil error means the turn was accepted.
func (m *Manager) Dispatch(sessionID, message string, sink Sink) error {
	s, turnCtx, err := m.beginTurn(context.Background(), sessionID, message)
	if err != nil {
		return err
	}
	go m.runTurn(turnCtx, s, message, sink)
	return nil
}

// beginTurn checks and sets the processing flag in one critical section.
func (m *Manager) beginTurn(parent context.Context, sessionID, message string) (*Session, context.Context, error) {
	if strings.TrimSpace(message) == "" {
		return nil, nil, ErrEmptyMessage
	}
	s, err := m.lookup(sessionID)
	if err != nil {
		return nil, nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return nil, nil, ErrSessionNotFound
	}
	if s.processing {
		return nil, nil, ErrAlreadyProcessing
	}
	turnCtx, cancel := context.WithCancel(parent)
	s.processing = true
	s.cancel = cancel
	s.lastActivity = m.now()
	return s, turnCtx, nil
}

// finishTurn clears the processing state.
func (m *Manager) finishTurn(s *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
	s.cancel = nil
	s.processing = false
	s.lastActivity = m.now()
}

func (m *Manager) runTurn(turnCtx context.Context, s *Session, message string, sink Sink) {
	defer m.finishTurn(s)

	// Persistence must survive an interrupt of the turn.
	storeCtx := context.WithoutCancel(turnCtx)
	r := newRelay(turnCtx, s.log, sink, func(kind bus.Kind, data map[string]any) {
		m.publish(s, kind, data)
	})
	r.typing(true)

	history := m.recordUserMessage(storeCtx, s, message)
	req := &agent.Request{
		SessionID:      s.id,
		ConversationID: s.conversationID,
		Business:       s.business,
		Link:           s.link,
		History:        history,
	}

	done := make(chan error, 1)
	go func() {
		done <- m.generator.Generate(turnCtx, req, r.handle)
	}()

	var genErr error
	select {
	case genErr = <-done:
	case <-turnCtx.Done():
		// Stop relaying at once even if the generator is slow to return.
	case <-r.done:
		// The agent ended the session; the generator is stopped by end.
	}

	text, sessionEnd := r.result()
	switch {
	case sessionEnd != nil:
		s.log.Info("Agent ended session",
			zap.String("reason", sessionEnd.Reason))
		if strings.TrimSpace(text) != "" {
			m.persistAssistant(storeCtx, s, text)
		}
		if _, err := m.end(storeCtx, s, "agent:"+sessionEnd.Reason); err != nil && !errors.Is(err, ErrSessionNotFound) {
			s.log.Warn("Failed to end session", zap.Error(err))
		}

	case turnCtx.Err() != nil:
		if r.close(InterruptedEvent{}) {
			s.log.Info("Turn interrupted")
		}

	case genErr != nil:
		s.log.Error("Generation failed", zap.Error(genErr))
		r.close(ErrorEvent{Error: generatorFailureMessage})

	case strings.TrimSpace(text) == "":
		s.log.Warn("Generator produced an empty response")
		r.fallback(m.fallbackMessage())
		r.close(MessageEvent{IsComplete: true})

	default:
		m.persistAssistant(storeCtx, s, text)
		r.close(MessageEvent{IsComplete: true})
	}
}

// recordUserMessage persists the user message and returns the history the
// generator sees. Store failures degrade to an in-memory history.
func (m *Manager) recordUserMessage(ctx context.Context, s *Session, message string) []conversation.Message {
	userMsg := conversation.Message{ConversationID: s.conversationID, Role: conversation.RoleUser, Content: message}

	persisted, appendErr := m.conversations.AppendMessage(ctx, s.conversationID, conversation.RoleUser, message, 0)
	if appendErr != nil {
		m.persistenceFailed(s, "append user message", appendErr)
	} else {
		m.publish(s, bus.KindMessagePersisted, map[string]any{"role": string(conversation.RoleUser), "seq": persisted.Seq})
	}

	history, err := m.conversations.Messages(ctx, s.conversationID)
	if err != nil {
		m.persistenceFailed(s, "load history", err)
		return []conversation.Message{userMsg}
	}
	if appendErr != nil {
		history = append(history, userMsg)
	}
	return history
}

func (m *Manager) persistAssistant(ctx context.Context, s *Session, text string) {
	msg, err := m.conversations.AppendMessage(ctx, s.conversationID, conversation.RoleAssistant, text, 0)
	if err != nil {
		m.persistenceFailed(s, "append assistant message", err)
		return
	}
	m.publish(s, bus.KindMessagePersisted, map[string]any{"role": string(conversation.RoleAssistant), "seq": msg.Seq})
}

func (m *Manager) persistenceFailed(s *Session, op string, err error) {
	s.log.Warn("Best-effort write failed",
		zap.String("op", op),
		zap.Error(fmt.Errorf("%w: %w", ErrPersistence, err)))
}

func (m *Manager) fallbackMessage() string {
	if msg := strings.TrimSpace(m.settings().FallbackMessage); msg != "" {
		return msg
	}
	return DefaultFallbackMessage
}

// Interrupt cancels the in-flight turn. Interrupting an idle session is a no-op.
func (m *Manager) Interrupt(sessionID string) error {
	s, err := m.lookup(sessionID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.processing && s.cancel != nil {
		s.cancel()
	}
	return nil
}

// Typing relays a user typing indicator to activity subscribers.
func (m *Manager) Typing(sessionID string, isTyping bool) error {
	s, err := m.lookup(sessionID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.lastActivity = m.now()
	s.mu.Unlock()
	m.publish(s, bus.KindUserTyping, map[string]any{"is_typing": isTyping})
	return nil
}

// End closes a session: the conversation is completed and link usage is
// propagated once per conversation. An in-flight turn is cancelled.
func (m *Manager) End(ctx context.Context, sessionID, reason string) (*EndResult, error) {
	s, err := m.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	return m.end(ctx, s, reason)
}

func (m *Manager) end(ctx context.Context, s *Session, reason string) (*EndResult, error) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return nil, ErrSessionNotFound
	}
	s.ended = true
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	m.mu.Lock()
	delete(m.sessions, s.id)
	m.mu.Unlock()

	result := &EndResult{ConversationID: s.conversationID}
	conv, err := m.conversations.Complete(ctx, s.conversationID, m.now())
	switch {
	case err == nil:
		result.DurationSeconds = conv.DurationSeconds
		result.MinutesUsed = minutesFor(conv.DurationSeconds)
		m.propagateUsage(ctx, s, result.MinutesUsed)
	case errors.Is(err, conversation.ErrAlreadyCompleted):
		// Another session of this conversation already propagated usage.
	default:
		m.persistenceFailed(s, "complete conversation", err)
	}

	s.log.Info("Session ended",
		zap.String("reason", reason),
		zap.Int("duration_seconds", result.DurationSeconds))
	m.publish(s, bus.KindConversationEnded, map[string]any{
		"reason":           reason,
		"duration_seconds": result.DurationSeconds,
		"minutes_used":     result.MinutesUsed,
	})
	return result, nil
}

func (m *Manager) propagateUsage(ctx context.Context, s *Session, minutes int) {
	if s.link == nil {
		return
	}
	if _, err := m.links.IncrementUsage(ctx, s.link.ID, minutes); err != nil {
		s.log.ForLink(s.link.ID).Warn("Failed to propagate link usage",
			zap.Int("minutes", minutes),
			zap.Error(fmt.Errorf("%w: %w", ErrPersistence, err)))
	}
}

// minutesFor bills every started minute.
func minutesFor(seconds int) int {
	if seconds <= 0 {
		return 0
	}
	return (seconds + 59) / 60
}

// Get returns a snapshot of a live session.
func (m *Manager) Get(sessionID string) (Info, error) {
	s, err := m.lookup(sessionID)
	if err != nil {
		return Info{}, err
	}
	return s.Info(), nil
}

// List returns snapshots of all live sessions.
func (m *Manager) List() []Info {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	out := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Info())
	}
	return out
}

// SweepIdle ends sessions that saw no activity for the configured idle
// timeout. Sessions with a turn in flight are skipped.
func (m *Manager) SweepIdle(ctx context.Context) (int, error) {
	cfg := m.settings()
	timeout := cfg.IdleTimeout()
	if timeout <= 0 {
		return 0, nil
	}
	cutoff := m.now().Add(-timeout)

	m.mu.RLock()
	var idle []*Session
	for _, s := range m.sessions {
		s.mu.Lock()
		if !s.processing && s.lastActivity.Before(cutoff) {
			idle = append(idle, s)
		}
		s.mu.Unlock()
	}
	m.mu.RUnlock()

	ended := 0
	for _, s := range idle {
		if _, err := m.end(ctx, s, "idle"); err == nil {
			ended++
		}
	}
	return ended, nil
}

// Close ends every live session.
func (m *Manager) Close(ctx context.Context) {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	for _, s := range sessions {
		_, _ = m.end(ctx, s, "shutdown")
	}
}

func (m *Manager) lookup(sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[strings.TrimSpace(sessionID)]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

func (m *Manager) publish(s *Session, kind bus.Kind, data map[string]any) {
	if m.bus == nil {
		return
	}
	err := m.bus.Publish(&bus.Activity{
		Kind:           kind,
		SessionID:      s.id,
		ConversationID: s.conversationID,
		BusinessID:     s.businessID,
		Data:           data,
	})
	if err != nil {
		s.log.Warn("Failed to publish activity",
			zap.String("kind", string(kind)),
			zap.Error(err))
	}
}
