// Package tools provides the process-wide registry of tools the agent loop
// can invoke.
//
// A tool couples a name, a human-readable description, a JSON schema for its
// arguments (inferred from the input struct via jsonschema-go), and an
// executable handler. Handlers may perform arbitrary side effects and manage
// their own transactions. The agent loop does not retry a failed handler;
// the failure text becomes a tool message and information for the model's
// next decision.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"
)

// Sentinel errors for registry operations.
var (
	// ErrUnknownTool indicates a lookup for a name that was never registered.
	ErrUnknownTool = errors.New("unknown tool")

	// ErrDuplicateTool indicates a second registration under the same name.
	ErrDuplicateTool = errors.New("tool already registered")
)

// Tool is a registered capability. It stores a type-erased handler; New
// preserves compile-time type safety for the input struct via generics.
type Tool struct {
	name        string
	description string
	schema      *jsonschema.Schema
	handler     func(ctx context.Context, args map[string]any) (string, error)
}

// Name returns the tool's unique identifier.
func (t *Tool) Name() string { return t.name }

// Description returns the text the model uses to decide when to invoke the
// tool.
func (t *Tool) Description() string { return t.description }

// Schema returns the JSON schema of the tool's arguments.
func (t *Tool) Schema() *jsonschema.Schema { return t.schema }

// Execute runs the tool with loosely-typed arguments as produced by the
// model's structured decision.
func (t *Tool) Execute(ctx context.Context, args map[string]any) (string, error) {
	return t.handler(ctx, args)
}

// New creates a tool whose argument schema is inferred from In. The
// map-shaped arguments coming from the model are converted to In through a
// JSON round trip before the typed handler runs.
func New[In any](name, description string, handler func(ctx context.Context, in In) (string, error)) (*Tool, error) {
	schema, err := jsonschema.For[In](nil)
	if err != nil {
		return nil, fmt.Errorf("infer schema for tool %s: %w", name, err)
	}

	erased := func(ctx context.Context, args map[string]any) (string, error) {
		encoded, err := json.Marshal(args)
		if err != nil {
			return "", fmt.Errorf("marshal arguments: %w", err)
		}
		var in In
		if err := json.Unmarshal(encoded, &in); err != nil {
			return "", fmt.Errorf("invalid arguments for %s: %w", name, err)
		}
		return handler(ctx, in)
	}

	return &Tool{name: name, description: description, schema: schema, handler: erased}, nil
}

// Registry is the name -> tool lookup shared by the agent loop and the
// prompt that advertises tool capabilities to the model.
// Safe for concurrent use; registration normally happens at startup.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register adds a tool. Registering the same name twice is an error.
func (r *Registry) Register(t *Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tools[t.name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, t.name)
	}
	r.tools[t.name] = t
	return nil
}

// Get looks a tool up by name.
func (r *Registry) Get(name string) (*Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	return t, nil
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Catalog renders the registered tools as a text block for inclusion in the
// decision prompt: one entry per tool with its description and argument
// schema.
func (r *Registry) Catalog() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	var sb strings.Builder
	for _, name := range names {
		t := r.tools[name]
		fmt.Fprintf(&sb, "- %s: %s", t.name, t.description)
		if t.schema != nil {
			if encoded, err := json.Marshal(t.schema); err == nil {
				fmt.Fprintf(&sb, "\n  arguments: %s", encoded)
			}
		}
		sb.WriteString("\n")
	}
	return sb.String()
}
