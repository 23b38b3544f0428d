package quay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ToolAttributes classify a tool for the permission gate and the dispatcher.
type ToolAttributes struct {
	// ReadOnly tools are the only ones runnable in readonly permission mode.
	ReadOnly bool
	// RequiresApproval forces the approval gate regardless of mode (except
	// readonly, where non-read-only tools are denied outright).
	RequiresApproval bool
	// ConcurrencySafe=false serializes the tool globally within the agent.
	ConcurrencySafe bool
}

// ToolContext is passed to tool invocations and prompt contributions.
type ToolContext struct {
	AgentID string
	CallID  string
	Sandbox Sandbox
	Logger  *slog.Logger
}

// InvokeFunc executes one tool call.
type InvokeFunc func(ctx context.Context, input json.RawMessage, tc ToolContext) (string, error)

// PromptFunc contributes tool-specific text to the model's tool-list prompt.
type PromptFunc func(tc ToolContext) string

// ToolDescriptor describes one named tool: schema for the model, attributes
// for the gate, and the invoker.
type ToolDescriptor struct {
	Name        string
	Description string
	// InputSchema is the JSON Schema of the input. Kept opaque; when present
	// the registry validates inputs against it before dispatch.
	InputSchema json.RawMessage
	Attributes  ToolAttributes
	GetPrompt   PromptFunc
	Invoke      InvokeFunc
}

// Schema renders the provider-facing view of the descriptor.
func (d ToolDescriptor) Schema() ToolSchema {
	return ToolSchema{Name: d.Name, Description: d.Description, InputSchema: d.InputSchema}
}

// Registry is a keyed mapping of tool name to descriptor. Iteration order of
// List is not stable.
type Registry struct {
	mu       sync.RWMutex
	tools    map[string]ToolDescriptor
	compiled map[string]*jsonschema.Schema // lazily compiled input schemas
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:    make(map[string]ToolDescriptor),
		compiled: make(map[string]*jsonschema.Schema),
	}
}

// Register adds a descriptor. A duplicate name is rejected with
// ErrDuplicateTool.
func (r *Registry) Register(d ToolDescriptor) error {
	if d.Name == "" {
		return fmt.Errorf("registry: empty tool name")
	}
	if d.Invoke == nil {
		return fmt.Errorf("registry: tool %q has no invoker", d.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[d.Name]; exists {
		return fmt.Errorf("registry: %q: %w", d.Name, ErrDuplicateTool)
	}
	r.tools[d.Name] = d
	return nil
}

// Unregister removes a descriptor. Unknown names are a no-op.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
	delete(r.compiled, name)
}

// Get returns the descriptor for name.
func (r *Registry) Get(name string) (ToolDescriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.tools[name]
	if !ok {
		return ToolDescriptor{}, fmt.Errorf("registry: tool %q: %w", name, ErrNotFound)
	}
	return d, nil
}

// List returns all descriptors.
func (r *Registry) List() []ToolDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ToolDescriptor, 0, len(r.tools))
	for _, d := range r.tools {
		out = append(out, d)
	}
	return out
}

// Schemas returns the provider-facing tool list.
func (r *Registry) Schemas() []ToolSchema {
	descs := r.List()
	out := make([]ToolSchema, 0, len(descs))
	for _, d := range descs {
		out = append(out, d.Schema())
	}
	return out
}

// Validate checks input against the tool's input schema, if it has one.
// Schemas are compiled lazily and cached. Schema enforcement is otherwise a
// tool-local concern; tools without a schema accept any input.
func (r *Registry) Validate(name string, input json.RawMessage) error {
	r.mu.RLock()
	d, ok := r.tools[name]
	schema := r.compiled[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("registry: tool %q: %w", name, ErrNotFound)
	}
	if len(d.InputSchema) == 0 {
		return nil
	}

	if schema == nil {
		var schemaDoc any
		if err := json.Unmarshal(d.InputSchema, &schemaDoc); err != nil {
			return fmt.Errorf("registry: tool %q schema: %w", name, err)
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("schema.json", schemaDoc); err != nil {
			return fmt.Errorf("registry: tool %q schema: %w", name, err)
		}
		var err error
		schema, err = c.Compile("schema.json")
		if err != nil {
			return fmt.Errorf("registry: tool %q schema: %w", name, err)
		}
		r.mu.Lock()
		r.compiled[name] = schema
		r.mu.Unlock()
	}

	var payload any
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	if err := json.Unmarshal(input, &payload); err != nil {
		return fmt.Errorf("registry: tool %q input: %w", name, err)
	}
	if err := schema.Validate(payload); err != nil {
		return fmt.Errorf("registry: tool %q input: %w", name, err)
	}
	return nil
}
