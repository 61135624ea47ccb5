package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	"go.uber.org/zap"

	"bizagent/pkg/business"
	"bizagent/pkg/config"
	"bizagent/pkg/links"
	"bizagent/pkg/logger"
)

// LLMGenerator drives an OpenAI compatible chat completions endpoint in
// streaming mode and runs the tools the model asks for.
type LLMGenerator struct {
	log      *logger.Logger
	settings func() config.AgentConfig
	tools    *Registry
	client   *http.Client
}

// NewLLMGenerator creates a generator. settings is read at the start of every
// turn so configuration reloads take effect on the next message.
func NewLLMGenerator(log *logger.Logger, settings func() config.AgentConfig, tools *Registry, client *http.Client) *LLMGenerator {
	if client == nil {
		client = &http.Client{}
	}
	if tools == nil {
		tools = NewRegistry()
	}
	return &LLMGenerator{log: log, settings: settings, tools: tools, client: client}
}

type chatMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []chatToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type chatToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type,omitempty"`
	Function chatFunctionCall `json:"function"`
}

type chatToolCallDelta struct {
	Index    int              `json:"index"`
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function chatFunctionCall `json:"function"`
}

type chatFunctionCall struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments"`
}

type chatRequest struct {
	Model       string           `json:"model"`
	Messages    []chatMessage    `json:"messages"`
	MaxTokens   int              `json:"max_tokens,omitempty"`
	Temperature float64          `json:"temperature"`
	Stream      bool             `json:"stream"`
	Tools       []map[string]any `json:"tools,omitempty"`
	ToolChoice  string           `json:"tool_choice,omitempty"`
}

type chatStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content   string              `json:"content"`
			ToolCalls []chatToolCallDelta `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// APIError is a non-200 answer from the model endpoint.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("model API error (status %d): %s", e.StatusCode, e.Message)
}

// Generate implements Generator.
func (g *LLMGenerator) Generate(ctx context.Context, req *Request, emit Emit) error {
	cfg := g.settings()
	if timeout := cfg.RequestTimeout(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	messages := buildMessages(cfg, req)
	maxIterations := cfg.MaxToolIterations
	if maxIterations < 1 {
		maxIterations = 1
	}

	for iteration := 0; iteration < maxIterations; iteration++ {
		content, toolCalls, err := g.streamCompletion(ctx, cfg, messages, emit)
		if err != nil {
			return err
		}
		if len(toolCalls) == 0 {
			return nil
		}

		messages = append(messages, chatMessage{Role: "assistant", Content: content, ToolCalls: toolCalls})

		var ending *Call
		for _, tc := range toolCalls {
			call, result, err := g.runTool(ctx, req, tc, emit)
			if err != nil {
				return err
			}
			messages = append(messages, chatMessage{Role: "tool", ToolCallID: tc.ID, Content: result})
			if call.ended && ending == nil {
				ending = call
			}
		}
		if ending != nil {
			return emit(SessionEnd{Message: ending.endMessage, Reason: ending.endReason})
		}
	}

	g.log.Warn("Tool iteration limit reached",
		zap.String("conversation_id", req.ConversationID),
		zap.Int("max_iterations", maxIterations))
	return nil
}

func (g *LLMGenerator) runTool(ctx context.Context, req *Request, tc chatToolCall, emit Emit) (*Call, string, error) {
	name := tc.Function.Name
	call := &Call{Request: req, Args: map[string]any{}}
	if raw := strings.TrimSpace(tc.Function.Arguments); raw != "" {
		if err := json.Unmarshal([]byte(raw), &call.Args); err != nil {
			call.Args = map[string]any{}
		}
	}

	feedback := "Working on it..."
	if tool, ok := g.tools.Get(name); ok {
		feedback = tool.Feedback()
	}
	if err := emit(Feedback{Message: feedback, ToolName: name}); err != nil {
		return call, "", err
	}
	if err := emit(ToolStart{ToolName: name}); err != nil {
		return call, "", err
	}

	result, execErr := g.tools.Execute(ctx, name, call)
	if execErr != nil {
		g.log.Warn("Tool failed",
			zap.String("tool", name),
			zap.String("conversation_id", req.ConversationID),
			zap.Error(execErr))
		result = "error: " + execErr.Error()
		call.ended = false
	}
	if err := emit(ToolEnd{ToolName: name, Success: execErr == nil}); err != nil {
		return call, "", err
	}
	return call, result, nil
}

// streamCompletion performs one streaming request. Text deltas are emitted as
// they arrive; tool calls are assembled and returned.
func (g *LLMGenerator) streamCompletion(ctx context.Context, cfg config.AgentConfig, messages []chatMessage, emit Emit) (string, []chatToolCall, error) {
	body := chatRequest{
		Model:       cfg.Model,
		Messages:    messages,
		MaxTokens:   cfg.MaxTokens,
		Temperature: cfg.Temperature,
		Stream:      true,
		Tools:       g.tools.Definitions(),
	}
	if len(body.Tools) > 0 {
		body.ToolChoice = "auto"
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", nil, fmt.Errorf("marshaling request: %w", err)
	}

	url := strings.TrimRight(cfg.APIBase, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+cfg.APIKey)
	}

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return "", nil, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		return "", nil, parseAPIError(resp.StatusCode, raw)
	}

	var content strings.Builder
	calls := map[int]*chatToolCallDelta{}
	reader := newStreamReader(resp.Body)
	for {
		data, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return "", nil, ctxErr
			}
			return "", nil, fmt.Errorf("reading stream: %w", err)
		}

		var chunk chatStreamChunk
		if err := json.Unmarshal(data, &chunk); err != nil {
			g.log.Debug("Skipping undecodable stream chunk", zap.Error(err))
			continue
		}
		for _, choice := range chunk.Choices {
			if text := choice.Delta.Content; text != "" {
				content.WriteString(text)
				if err := emit(Chunk{Text: text}); err != nil {
					return "", nil, err
				}
			}
			for _, delta := range choice.Delta.ToolCalls {
				mergeToolCall(calls, delta)
			}
		}
	}
	if err := ctx.Err(); err != nil {
		return "", nil, err
	}

	return content.String(), orderedToolCalls(calls), nil
}

func mergeToolCall(calls map[int]*chatToolCallDelta, delta chatToolCallDelta) {
	existing, ok := calls[delta.Index]
	if !ok {
		tc := delta
		calls[delta.Index] = &tc
		return
	}
	if delta.ID != "" {
		existing.ID = delta.ID
	}
	if delta.Function.Name != "" {
		existing.Function.Name += delta.Function.Name
	}
	existing.Function.Arguments += delta.Function.Arguments
}

func orderedToolCalls(calls map[int]*chatToolCallDelta) []chatToolCall {
	if len(calls) == 0 {
		return nil
	}
	indexes := make([]int, 0, len(calls))
	for idx := range calls {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)
	out := make([]chatToolCall, 0, len(indexes))
	for _, idx := range indexes {
		delta := calls[idx]
		tc := chatToolCall{ID: delta.ID, Type: "function", Function: delta.Function}
		if tc.ID == "" {
			tc.ID = fmt.Sprintf("call_%d", idx)
		}
		out = append(out, tc)
	}
	return out
}

func buildMessages(cfg config.AgentConfig, req *Request) []chatMessage {
	messages := make([]chatMessage, 0, len(req.History)+1)
	messages = append(messages, chatMessage{Role: "system", Content: systemPrompt(cfg, req.Business, req.Link)})
	for _, msg := range req.History {
		messages = append(messages, chatMessage{Role: string(msg.Role), Content: msg.Content})
	}
	return messages
}

func systemPrompt(cfg config.AgentConfig, biz *business.Business, link *links.Link) string {
	var sb strings.Builder
	if prompt := biz.Setting(business.SettingSystemPrompt); prompt != "" {
		sb.WriteString(prompt)
	} else if strings.TrimSpace(cfg.SystemPrompt) != "" {
		sb.WriteString(strings.TrimSpace(cfg.SystemPrompt))
	} else {
		sb.WriteString("You are a friendly assistant answering visitors on behalf of a business. Keep answers short and conversational.")
	}

	if biz != nil {
		sb.WriteString("\n\nBusiness: ")
		sb.WriteString(biz.Name)
		if name := biz.Setting(business.SettingAgentName); name != "" {
			sb.WriteString("\nYour name: ")
			sb.WriteString(name)
		}
		if biz.Timezone != "" {
			sb.WriteString("\nTimezone: ")
			sb.WriteString(biz.Timezone)
		}
	}
	if name := link.Setting(links.SettingDisplayName); name != "" {
		sb.WriteString("\nVisitor: ")
		sb.WriteString(name)
	}
	sb.WriteString("\n\nUse get_business_info for facts about the business. Call end_conversation when the visitor is done.")
	return sb.String()
}

func parseAPIError(status int, body []byte) error {
	var errResp struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error.Message == "" {
		return &APIError{StatusCode: status, Message: strings.TrimSpace(string(body))}
	}
	return &APIError{StatusCode: status, Message: errResp.Error.Message}
}
