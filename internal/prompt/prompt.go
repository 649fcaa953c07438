// Package prompt turns a conversation's active thread into the linear
// prompt the model consumes.
//
// Rendering is pluggable along two axes: a renderer registry keyed by
// (conversation kind, message role), and a retriever registry keyed by
// reference kind for renderers that must resolve an external pointer stored
// in a message's metadata (e.g. a tool-result reference to a document
// block). Both registries are populated once at process start; an
// unregistered (kind, role) pair deliberately falls back to the message's
// raw content, as an explicit default-lookup rule rather than a swallowed
// lookup failure.
package prompt

import (
	"context"
	"sync"

	"github.com/lectern/lectern/internal/thread"
)

// Renderer produces the prompt text for one message of a conversation.
type Renderer interface {
	Render(ctx context.Context, conv *thread.Conversation, msg *thread.Message) (string, error)
}

// RendererFunc adapts a function to the Renderer interface.
type RendererFunc func(ctx context.Context, conv *thread.Conversation, msg *thread.Message) (string, error)

func (f RendererFunc) Render(ctx context.Context, conv *thread.Conversation, msg *thread.Message) (string, error) {
	return f(ctx, conv, msg)
}

// Retriever resolves an external reference stored in message metadata into
// text a renderer can embed.
type Retriever interface {
	Resolve(ctx context.Context, ref map[string]any) (string, error)
}

// RendererKey addresses one renderer registration.
type RendererKey struct {
	Kind thread.Kind
	Role thread.Role
}

// Registry holds the renderer and retriever registrations.
// Safe for concurrent use; registration normally happens at startup.
type Registry struct {
	mu         sync.RWMutex
	renderers  map[RendererKey]Renderer
	retrievers map[string]Retriever
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		renderers:  make(map[RendererKey]Renderer),
		retrievers: make(map[string]Retriever),
	}
}

// RegisterRenderer installs a renderer for one (kind, role) pair,
// replacing any previous registration.
func (r *Registry) RegisterRenderer(kind thread.Kind, role thread.Role, renderer Renderer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.renderers[RendererKey{Kind: kind, Role: role}] = renderer
}

// RegisterRetriever installs a retriever for one reference kind.
func (r *Registry) RegisterRetriever(refKind string, retriever Retriever) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retrievers[refKind] = retriever
}

// Renderer looks up the renderer for a (kind, role) pair.
func (r *Registry) Renderer(kind thread.Kind, role thread.Role) (Renderer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	renderer, ok := r.renderers[RendererKey{Kind: kind, Role: role}]
	return renderer, ok
}

// Retriever looks up the retriever for a reference kind.
func (r *Registry) Retriever(refKind string) (Retriever, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	retriever, ok := r.retrievers[refKind]
	return retriever, ok
}
