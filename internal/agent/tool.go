package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/just-every/magi/pkg/models"
)

// Tool is one callable capability. Schema returns a JSON-Schema object
// describing the argument shape; Execute receives the parsed, validated
// arguments. A returned error becomes an {"error": …} output, never a
// crashed agent.
type Tool interface {
	Name() string
	Description() string
	Schema() map[string]any
	Execute(ctx context.Context, args map[string]any) (string, error)
}

// FuncTool adapts a plain function into a Tool.
type FuncTool struct {
	ToolName        string
	ToolDescription string
	ToolSchema      map[string]any
	Fn              func(ctx context.Context, args map[string]any) (string, error)
}

func (t *FuncTool) Name() string           { return t.ToolName }
func (t *FuncTool) Description() string    { return t.ToolDescription }
func (t *FuncTool) Schema() map[string]any { return t.ToolSchema }
func (t *FuncTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	return t.Fn(ctx, args)
}

// ToolRegistry manages available tools with thread-safe registration and
// lookup, and caches compiled argument schemas.
type ToolRegistry struct {
	mu       sync.RWMutex
	tools    map[string]Tool
	compiled map[string]*jsonschema.Schema
}

// NewToolRegistry creates an empty tool registry.
func NewToolRegistry(tools ...Tool) *ToolRegistry {
	r := &ToolRegistry{
		tools:    make(map[string]Tool),
		compiled: make(map[string]*jsonschema.Schema),
	}
	for _, t := range tools {
		r.Register(t)
	}
	return r
}

// Register adds a tool; a tool with the same name is replaced.
func (r *ToolRegistry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = tool
	delete(r.compiled, tool.Name())
}

// Get returns a tool by name.
func (r *ToolRegistry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Names returns the registered tool names.
func (r *ToolRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	return names
}

func (r *ToolRegistry) schemaFor(name string) (*jsonschema.Schema, error) {
	r.mu.RLock()
	schema, ok := r.compiled[name]
	r.mu.RUnlock()
	if ok {
		return schema, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if schema, ok := r.compiled[name]; ok {
		return schema, nil
	}
	tool, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("tool not found: %s", name)
	}
	raw, err := json.Marshal(tool.Schema())
	if err != nil {
		return nil, fmt.Errorf("tool %s has unserializable schema: %w", name, err)
	}
	schema, err = jsonschema.CompileString(name+".schema.json", string(raw))
	if err != nil {
		return nil, fmt.Errorf("tool %s has invalid schema: %w", name, err)
	}
	r.compiled[name] = schema
	return schema, nil
}

// Validate checks one tool call against the registry. On success it returns
// the parsed argument object. A call is valid iff its id is non-empty, its
// kind is "function", the function resolves, the arguments parse as JSON,
// and the parsed arguments satisfy the tool schema.
func (r *ToolRegistry) Validate(call models.ToolCall) (map[string]any, error) {
	if call.ID == "" {
		return nil, fmt.Errorf("tool call has empty id")
	}
	if call.Kind != "function" {
		return nil, fmt.Errorf("unsupported tool call kind %q", call.Kind)
	}
	if _, ok := r.Get(call.Function.Name); !ok {
		return nil, fmt.Errorf("unknown tool %q", call.Function.Name)
	}

	raw := call.Function.Arguments
	if raw == "" {
		raw = "{}"
	}
	var parsed any
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, fmt.Errorf("invalid JSON")
	}
	args, ok := parsed.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("arguments must be a JSON object")
	}

	schema, err := r.schemaFor(call.Function.Name)
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(parsed); err != nil {
		return nil, fmt.Errorf("arguments do not match schema: %w", err)
	}
	return args, nil
}
