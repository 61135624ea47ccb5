package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"
)

// Tool is an action the agent can take during a turn.
type Tool interface {
	// Name returns the unique name of the tool.
	Name() string

	// Description returns a description for the model.
	Description() string

	// Schema describes the tool arguments.
	Schema() *jsonschema.Schema

	// Feedback returns the progress text shown while the tool runs.
	Feedback() string

	// Execute runs the tool.
	Execute(ctx context.Context, call *Call) (string, error)
}

// Call is one invocation of a tool inside a turn.
type Call struct {
	Request *Request
	Args    map[string]any

	ended      bool
	endMessage string
	endReason  string
}

// EndSession asks the generator to close the conversation after this call.
func (c *Call) EndSession(message, reason string) {
	c.ended = true
	c.endMessage = message
	c.endReason = reason
}

// String returns a string argument or "".
func (c *Call) String(key string) string {
	v, _ := c.Args[key].(string)
	return v
}

type registeredTool struct {
	tool     Tool
	resolved *jsonschema.Resolved
}

// Registry manages the tools offered to the model.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]registeredTool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]registeredTool)}
}

// Register adds a tool. Names must be unique and schemas must resolve.
func (r *Registry) Register(tool Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := tool.Name()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %s already registered", name)
	}

	entry := registeredTool{tool: tool}
	if schema := tool.Schema(); schema != nil {
		resolved, err := schema.Resolve(nil)
		if err != nil {
			return fmt.Errorf("resolve schema for %s: %w", name, err)
		}
		entry.resolved = resolved
	}
	r.tools[name] = entry
	return nil
}

// MustRegister registers a built-in tool and panics on error.
func (r *Registry) MustRegister(tool Tool) {
	if err := r.Register(tool); err != nil {
		panic(err)
	}
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.tools[name]
	return entry.tool, ok
}

// List returns tool names in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.sortedNames()
}

func (r *Registry) sortedNames() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definitions returns OpenAI style function definitions, sorted by name.
func (r *Registry) Definitions() []map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := r.sortedNames()
	defs := make([]map[string]any, 0, len(names))
	for _, name := range names {
		tool := r.tools[name].tool
		defs = append(defs, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        tool.Name(),
				"description": tool.Description(),
				"parameters":  schemaToMap(tool.Schema()),
			},
		})
	}
	return defs
}

// Execute validates the arguments against the tool schema and runs the tool.
func (r *Registry) Execute(ctx context.Context, name string, call *Call) (string, error) {
	r.mu.RLock()
	entry, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("unknown tool: %s", name)
	}

	if call.Args == nil {
		call.Args = map[string]any{}
	}
	if entry.resolved != nil {
		if err := entry.resolved.Validate(call.Args); err != nil {
			return "", fmt.Errorf("invalid arguments for %s: %w", name, err)
		}
	}
	return entry.tool.Execute(ctx, call)
}

func schemaToMap(s *jsonschema.Schema) map[string]any {
	if s == nil {
		return map[string]any{"type": "object", "properties": map[string]any{}}
	}
	b, err := json.Marshal(s)
	if err != nil {
		return nil
	}
	out := map[string]any{}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil
	}
	return out
}
