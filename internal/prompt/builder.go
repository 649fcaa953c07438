package prompt

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/lectern/lectern/internal/llm"
	"github.com/lectern/lectern/internal/thread"
)

// Builder is the pure transformation from (conversation, ordered thread) to
// the linear prompt. It holds no mutable state beyond its registry.
type Builder struct {
	registry *Registry
	logger   *slog.Logger
}

// NewBuilder creates a Builder over the given registry.
func NewBuilder(registry *Registry, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{registry: registry, logger: logger}
}

// Build renders each message of the thread through the renderer registered
// for (conversation kind, message role), preserving thread order. Messages
// without a specific renderer pass through with their raw content.
func (b *Builder) Build(ctx context.Context, conv *thread.Conversation, msgs []*thread.Message) ([]llm.Turn, error) {
	turns := make([]llm.Turn, 0, len(msgs))
	for _, msg := range msgs {
		text := msg.Content
		if renderer, ok := b.registry.Renderer(conv.Kind, msg.Role); ok {
			rendered, err := renderer.Render(ctx, conv, msg)
			if err != nil {
				return nil, fmt.Errorf("render message %s (%s/%s): %w", msg.ID, conv.Kind, msg.Role, err)
			}
			text = rendered
		}
		turns = append(turns, llm.Turn{Role: string(msg.Role), Text: text})
	}
	return turns, nil
}
