// Package providers normalizes heterogeneous LLM backends into the shared
// streaming event grammar. Each adapter translates a Conversation into its
// provider's native request shape and the native response stream into
// models.Event values.
package providers

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/just-every/magi/pkg/models"
)

// ToolSchema is the provider-facing description of one callable tool.
// Parameters is a JSON-Schema object.
type ToolSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters"`
}

// Settings holds per-request generation options.
type Settings struct {
	MaxTokens   int
	Temperature *float32

	// ToolChoice forces the provider's next tool selection: "", "auto",
	// "none", or a specific tool name.
	ToolChoice string

	// SequentialTools disables concurrent tool execution and asks the
	// provider not to emit parallel calls where it supports that hint.
	SequentialTools bool
}

// Request is one provider call: a conversation snapshot plus the tools and
// settings of the agent making it.
type Request struct {
	Model        string
	Instructions string
	Conversation *models.Conversation
	Tools        []ToolSchema
	Settings     Settings
}

// Provider is one LLM backend. Run returns a lazy, finite, non-restartable
// event stream; the channel is closed after stream_end. Cancelling ctx stops
// upstream reads within one network buffer. Implementations must be safe for
// concurrent use.
type Provider interface {
	Name() string
	Run(ctx context.Context, req *Request) (<-chan *models.Event, error)
}

// Registry dispatches models to providers by model-prefix match.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	prefixes  []prefixRule
}

type prefixRule struct {
	prefix   string
	provider string
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds a provider and the model prefixes that route to it.
// Longer prefixes win over shorter ones.
func (r *Registry) Register(p Provider, prefixes ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
	for _, prefix := range prefixes {
		r.prefixes = append(r.prefixes, prefixRule{prefix: prefix, provider: p.Name()})
	}
}

// Get returns a provider by name.
func (r *Registry) Get(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	return p, ok
}

// ForModel resolves the provider responsible for a model id.
func (r *Registry) ForModel(model string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var best *prefixRule
	for i := range r.prefixes {
		rule := &r.prefixes[i]
		if strings.HasPrefix(model, rule.prefix) {
			if best == nil || len(rule.prefix) > len(best.prefix) {
				best = rule
			}
		}
	}
	if best == nil {
		return nil, fmt.Errorf("no provider registered for model %q", model)
	}
	return r.providers[best.provider], nil
}

// HardenSchema applies additionalProperties:false to every object schema,
// recursively, so models cannot invent free-form extension fields. The input
// is not modified.
func HardenSchema(schema map[string]any) map[string]any {
	if schema == nil {
		return nil
	}
	out := make(map[string]any, len(schema)+1)
	for k, v := range schema {
		out[k] = hardenValue(v)
	}
	if t, ok := out["type"].(string); ok && t == "object" {
		if _, present := out["additionalProperties"]; !present {
			out["additionalProperties"] = false
		}
	}
	return out
}

func hardenValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return HardenSchema(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = hardenValue(item)
		}
		return out
	default:
		return v
	}
}
