package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"

	"bizagent/pkg/business"
	"bizagent/pkg/conversation"
)

// BusinessLookup resolves a business by id.
type BusinessLookup interface {
	Get(ctx context.Context, id string) (*business.Business, error)
}

// ActionRecorder appends an action to a conversation.
type ActionRecorder interface {
	RecordAction(ctx context.Context, conversationID string, action conversation.Action) error
}

// BusinessInfoTool answers questions about the business the conversation runs in.
type BusinessInfoTool struct {
	lookup BusinessLookup
}

// NewBusinessInfoTool creates the get_business_info tool.
func NewBusinessInfoTool(lookup BusinessLookup) *BusinessInfoTool {
	return &BusinessInfoTool{lookup: lookup}
}

func (t *BusinessInfoTool) Name() string { return "get_business_info" }

func (t *BusinessInfoTool) Description() string {
	return "Look up the business profile: name, description, timezone, services and opening hours."
}

func (t *BusinessInfoTool) Feedback() string { return "Checking our business details..." }

func (t *BusinessInfoTool) Schema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type: "object",
		Properties: map[string]*jsonschema.Schema{
			"topic": {
				Type:        "string",
				Description: "Optional focus of the question.",
				Enum:        []any{"general", "services", "hours"},
			},
		},
	}
}

func (t *BusinessInfoTool) Execute(ctx context.Context, call *Call) (string, error) {
	biz := call.Request.Business
	if biz == nil && t.lookup != nil {
		if call.Request.Link == nil {
			return "", errors.New("no business bound to this conversation")
		}
		loaded, err := t.lookup.Get(ctx, call.Request.Link.BusinessID)
		if err != nil {
			return "", fmt.Errorf("load business: %w", err)
		}
		biz = loaded
	}
	if biz == nil {
		return "", errors.New("no business bound to this conversation")
	}

	info := map[string]any{"name": biz.Name}
	switch call.String("topic") {
	case "services":
		info["services"] = biz.Settings[business.SettingServices]
	case "hours":
		info["hours"] = biz.Settings[business.SettingHours]
		info["timezone"] = biz.Timezone
	default:
		info["description"] = biz.Description
		info["timezone"] = biz.Timezone
		info["services"] = biz.Settings[business.SettingServices]
		info["hours"] = biz.Settings[business.SettingHours]
	}
	out, err := json.Marshal(info)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// EndConversationTool lets the agent close the conversation.
type EndConversationTool struct{}

func (EndConversationTool) Name() string { return "end_conversation" }

func (EndConversationTool) Description() string {
	return "End the conversation when the visitor says goodbye, or when it must not continue. Provide a short closing message."
}

func (EndConversationTool) Feedback() string { return "Wrapping up..." }

func (EndConversationTool) Schema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type: "object",
		Properties: map[string]*jsonschema.Schema{
			"message": {Type: "string", Description: "Closing message shown to the visitor."},
			"reason":  {Type: "string", Description: "Why the conversation ends, e.g. completed or policy."},
		},
		Required: []string{"message"},
	}
}

func (EndConversationTool) Execute(_ context.Context, call *Call) (string, error) {
	message := strings.TrimSpace(call.String("message"))
	if message == "" {
		return "", errors.New("message is required")
	}
	reason := strings.TrimSpace(call.String("reason"))
	if reason == "" {
		reason = "completed"
	}
	call.EndSession(message, reason)
	return "conversation will end", nil
}

// RecordNoteTool stores a note about the visitor on the conversation.
type RecordNoteTool struct {
	recorder ActionRecorder
}

// NewRecordNoteTool creates the record_note tool.
func NewRecordNoteTool(recorder ActionRecorder) *RecordNoteTool {
	return &RecordNoteTool{recorder: recorder}
}

func (t *RecordNoteTool) Name() string { return "record_note" }

func (t *RecordNoteTool) Description() string {
	return "Save a short note for the business staff, such as a callback request or a preference the visitor mentioned."
}

func (t *RecordNoteTool) Feedback() string { return "Taking a note..." }

func (t *RecordNoteTool) Schema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type: "object",
		Properties: map[string]*jsonschema.Schema{
			"note": {Type: "string", Description: "The note to save.", MinLength: intPtr(1)},
		},
		Required: []string{"note"},
	}
}

func (t *RecordNoteTool) Execute(ctx context.Context, call *Call) (string, error) {
	note := strings.TrimSpace(call.String("note"))
	if note == "" {
		return "", errors.New("note is required")
	}
	if call.Request.ConversationID == "" {
		return "", errors.New("conversation is not persisted")
	}
	err := t.recorder.RecordAction(ctx, call.Request.ConversationID, conversation.Action{
		Type:   "note",
		Name:   t.Name(),
		Detail: note,
	})
	if err != nil {
		return "", fmt.Errorf("record note: %w", err)
	}
	return "note saved", nil
}

// RegisterBuiltins adds the built-in tools to r.
func RegisterBuiltins(r *Registry, lookup BusinessLookup, recorder ActionRecorder) {
	r.MustRegister(NewBusinessInfoTool(lookup))
	r.MustRegister(EndConversationTool{})
	r.MustRegister(NewRecordNoteTool(recorder))
}

func intPtr(v int) *int { return &v }
