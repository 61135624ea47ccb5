package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"bizagent/pkg/business"
	"bizagent/pkg/config"
	"bizagent/pkg/conversation"
	"bizagent/pkg/logger"
)

type recordedRequest struct {
	Auth string
	Body chatRequest
}

// fakeModel serves one scripted SSE body per request.
type fakeModel struct {
	mu       sync.Mutex
	scripts  [][]string
	requests []recordedRequest
}

func (f *fakeModel) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var body chatRequest
	_ = json.NewDecoder(r.Body).Decode(&body)

	f.mu.Lock()
	idx := len(f.requests)
	f.requests = append(f.requests, recordedRequest{Auth: r.Header.Get("Authorization"), Body: body})
	f.mu.Unlock()

	if idx >= len(f.scripts) {
		http.Error(w, `{"error":{"message":"no more scripts"}}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	for _, frame := range f.scripts[idx] {
		fmt.Fprintf(w, "data: %s\n\n", frame)
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
}

func textDelta(text string) string {
	b, _ := json.Marshal(map[string]any{
		"choices": []any{map[string]any{"delta": map[string]any{"content": text}}},
	})
	return string(b)
}

func toolDelta(index int, id, name, args string) string {
	call := map[string]any{"index": index, "function": map[string]any{"arguments": args}}
	if id != "" {
		call["id"] = id
		call["type"] = "function"
		call["function"].(map[string]any)["name"] = name
	}
	b, _ := json.Marshal(map[string]any{
		"choices": []any{map[string]any{"delta": map[string]any{"tool_calls": []any{call}}}},
	})
	return string(b)
}

type noteRecorder struct {
	actions []conversation.Action
}

func (n *noteRecorder) RecordAction(_ context.Context, _ string, action conversation.Action) error {
	n.actions = append(n.actions, action)
	return nil
}

func newTestGenerator(t *testing.T, model *fakeModel, recorder ActionRecorder) *LLMGenerator {
	t.Helper()
	srv := httptest.NewServer(model)
	t.Cleanup(srv.Close)

	cfg := config.DefaultConfig().Agent
	cfg.APIBase = srv.URL + "/v1"
	cfg.APIKey = "sk-test"
	cfg.MaxToolIterations = 3

	registry := NewRegistry()
	RegisterBuiltins(registry, nil, recorder)
	return NewLLMGenerator(logger.NewNop(), func() config.AgentConfig { return cfg }, registry, srv.Client())
}

func testRequest() *Request {
	return &Request{
		ConversationID: "conv-1",
		Business: &business.Business{
			ID:       "biz-1",
			Name:     "Salon Aurora",
			Timezone: "Europe/Madrid",
			Settings: map[string]any{business.SettingHours: map[string]any{"mon": "9-18"}},
		},
		History: []conversation.Message{{Role: conversation.RoleUser, Content: "hi"}},
	}
}

func collect(events *[]Event) Emit {
	return func(ev Event) error {
		*events = append(*events, ev)
		return nil
	}
}

func TestGenerateStreamsTextChunksInOrder(t *testing.T) {
	model := &fakeModel{scripts: [][]string{{textDelta("Hel"), textDelta("lo"), textDelta("!")}}}
	gen := newTestGenerator(t, model, &noteRecorder{})

	var events []Event
	if err := gen.Generate(context.Background(), testRequest(), collect(&events)); err != nil {
		t.Fatalf("generate: %v", err)
	}

	var text strings.Builder
	for _, ev := range events {
		chunk, ok := ev.(Chunk)
		if !ok {
			t.Fatalf("unexpected event %T", ev)
		}
		text.WriteString(chunk.Text)
	}
	if text.String() != "Hello!" || len(events) != 3 {
		t.Fatalf("unexpected chunks %v", events)
	}

	req := model.requests[0]
	if req.Auth != "Bearer sk-test" {
		t.Fatalf("unexpected auth header %q", req.Auth)
	}
	if !req.Body.Stream || len(req.Body.Tools) != 3 {
		t.Fatalf("expected streaming request with 3 tools, got %+v", req.Body)
	}
	if req.Body.Messages[0].Role != "system" || !strings.Contains(req.Body.Messages[0].Content, "Salon Aurora") {
		t.Fatalf("expected business system prompt, got %+v", req.Body.Messages[0])
	}
	if last := req.Body.Messages[len(req.Body.Messages)-1]; last.Role != "user" || last.Content != "hi" {
		t.Fatalf("expected user message last, got %+v", last)
	}
}

func TestGenerateRunsToolsThenAnswers(t *testing.T) {
	model := &fakeModel{scripts: [][]string{
		{
			toolDelta(0, "call_a", "get_business_info", `{"topic":`),
			toolDelta(0, "", "", `"hours"}`),
		},
		{textDelta("We open at 9.")},
	}}
	gen := newTestGenerator(t, model, &noteRecorder{})

	var events []Event
	if err := gen.Generate(context.Background(), testRequest(), collect(&events)); err != nil {
		t.Fatalf("generate: %v", err)
	}

	want := []string{"feedback", "tool_start", "tool_end", "chunk"}
	if len(events) != len(want) {
		t.Fatalf("expected %d events, got %v", len(want), events)
	}
	for i, kind := range want {
		if Kind(events[i]) != kind {
			t.Fatalf("event %d: expected %s, got %s", i, kind, Kind(events[i]))
		}
	}
	if fb := events[0].(Feedback); fb.ToolName != "get_business_info" || fb.Message == "" {
		t.Fatalf("unexpected feedback %+v", fb)
	}
	if end := events[2].(ToolEnd); !end.Success {
		t.Fatalf("expected tool success")
	}

	second := model.requests[1].Body.Messages
	toolMsg := second[len(second)-1]
	if toolMsg.Role != "tool" || toolMsg.ToolCallID != "call_a" || !strings.Contains(toolMsg.Content, "9-18") {
		t.Fatalf("unexpected tool result message %+v", toolMsg)
	}
	assistant := second[len(second)-2]
	if len(assistant.ToolCalls) != 1 || assistant.ToolCalls[0].Function.Arguments != `{"topic":"hours"}` {
		t.Fatalf("unexpected assistant tool call %+v", assistant)
	}
}

func TestGenerateToolFailureDoesNotAbortTurn(t *testing.T) {
	model := &fakeModel{scripts: [][]string{
		{toolDelta(0, "call_n", "record_note", `{"note":""}`)},
		{textDelta("Sorry, could you repeat that?")},
	}}
	recorder := &noteRecorder{}
	gen := newTestGenerator(t, model, recorder)

	var events []Event
	if err := gen.Generate(context.Background(), testRequest(), collect(&events)); err != nil {
		t.Fatalf("generate: %v", err)
	}
	end, ok := events[2].(ToolEnd)
	if !ok || end.Success {
		t.Fatalf("expected failed tool end, got %v", events)
	}
	if _, ok := events[len(events)-1].(Chunk); !ok {
		t.Fatalf("expected turn to continue with text, got %v", events)
	}
	if len(recorder.actions) != 0 {
		t.Fatalf("expected no note recorded")
	}
}

func TestGenerateEndConversation(t *testing.T) {
	model := &fakeModel{scripts: [][]string{
		{toolDelta(0, "call_e", "end_conversation", `{"message":"Goodbye!","reason":"completed"}`)},
	}}
	gen := newTestGenerator(t, model, &noteRecorder{})

	var events []Event
	if err := gen.Generate(context.Background(), testRequest(), collect(&events)); err != nil {
		t.Fatalf("generate: %v", err)
	}
	last, ok := events[len(events)-1].(SessionEnd)
	if !ok || last.Message != "Goodbye!" || last.Reason != "completed" {
		t.Fatalf("expected session end, got %v", events)
	}
	if len(model.requests) != 1 {
		t.Fatalf("expected generation to stop after end_conversation, got %d requests", len(model.requests))
	}
}

func TestGenerateStopsWhenEmitFails(t *testing.T) {
	model := &fakeModel{scripts: [][]string{{textDelta("a"), textDelta("b"), textDelta("c")}}}
	gen := newTestGenerator(t, model, &noteRecorder{})

	stop := errors.New("turn cancelled")
	count := 0
	err := gen.Generate(context.Background(), testRequest(), func(ev Event) error {
		count++
		if count == 2 {
			return stop
		}
		return nil
	})
	if !errors.Is(err, stop) {
		t.Fatalf("expected emit error, got %v", err)
	}
	if count != 2 {
		t.Fatalf("expected emission to stop at 2, got %d", count)
	}
}

func TestGenerateAPIError(t *testing.T) {
	gen := newTestGenerator(t, &fakeModel{}, &noteRecorder{})

	err := gen.Generate(context.Background(), testRequest(), func(Event) error { return nil })
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusInternalServerError || apiErr.Message != "no more scripts" {
		t.Fatalf("expected APIError, got %v", err)
	}
}

func TestRegistryRejectsInvalidArguments(t *testing.T) {
	r := NewRegistry()
	RegisterBuiltins(r, nil, &noteRecorder{})

	if err := r.Register(EndConversationTool{}); err == nil {
		t.Fatalf("expected duplicate registration error")
	}
	if got := r.List(); len(got) != 3 || got[0] != "end_conversation" {
		t.Fatalf("unexpected tool list %v", got)
	}

	call := &Call{Request: testRequest(), Args: map[string]any{"topic": "weather"}}
	if _, err := r.Execute(context.Background(), "get_business_info", call); err == nil {
		t.Fatalf("expected enum validation error")
	}
	if _, err := r.Execute(context.Background(), "missing", &Call{Request: testRequest()}); err == nil {
		t.Fatalf("expected unknown tool error")
	}
}
