package prompt

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/lectern/lectern/internal/thread"
)

// DefaultSnippetLength bounds the tool-result snippet embedded in a prompt.
// Overridable through config; long tool output is persisted in full on the
// tool message, only the prompt view is truncated.
const DefaultSnippetLength = 600

// ToolResultRenderer renders a tool-role message as a clearly delimited
// tool-result block. When the message's metadata carries an external
// reference, the referenced content is resolved through the retriever
// registry and used instead of the raw content.
type ToolResultRenderer struct {
	Registry      *Registry
	SnippetLength int
}

func (r *ToolResultRenderer) Render(ctx context.Context, conv *thread.Conversation, msg *thread.Message) (string, error) {
	text := msg.Content

	if ref, ok := msg.Reference(); ok {
		kind, _ := ref["kind"].(string)
		retriever, found := r.Registry.Retriever(kind)
		if !found {
			return "", fmt.Errorf("no retriever registered for reference kind %q", kind)
		}
		resolved, err := retriever.Resolve(ctx, ref)
		if err != nil {
			return "", fmt.Errorf("resolve %s reference: %w", kind, err)
		}
		text = resolved
	}

	name, _ := msg.Metadata[thread.MetaToolName].(string)
	if name == "" {
		name = "tool"
	}

	limit := r.SnippetLength
	if limit <= 0 {
		limit = DefaultSnippetLength
	}
	return fmt.Sprintf("[tool result: %s]\n%s", name, truncate(text, limit)), nil
}

// PendingCallRenderer renders an assistant message that carries a pending
// tool call in its metadata as a thought + call marker, so the model sees
// the intended invocation rather than the message's (typically empty)
// content. Assistant messages without a pending call pass through.
type PendingCallRenderer struct{}

func (PendingCallRenderer) Render(ctx context.Context, conv *thread.Conversation, msg *thread.Message) (string, error) {
	call, ok := msg.PendingToolCall()
	if !ok {
		return msg.Content, nil
	}

	args := "{}"
	if len(call.Arguments) > 0 {
		encoded, err := json.Marshal(call.Arguments)
		if err != nil {
			return "", fmt.Errorf("marshal tool arguments: %w", err)
		}
		args = string(encoded)
	}

	if call.Thought != "" {
		return fmt.Sprintf("[thought] %s\n[tool call] %s %s", call.Thought, call.Name, args), nil
	}
	return fmt.Sprintf("[tool call] %s %s", call.Name, args), nil
}

// RegisterDefaults installs the built-in renderers for the agent-style
// conversation kinds. Chat conversations keep identity rendering for every
// role.
func RegisterDefaults(registry *Registry, snippetLength int) {
	toolRenderer := &ToolResultRenderer{Registry: registry, SnippetLength: snippetLength}
	for _, kind := range []thread.Kind{thread.KindAgent, thread.KindRabbithole} {
		registry.RegisterRenderer(kind, thread.RoleTool, toolRenderer)
		registry.RegisterRenderer(kind, thread.RoleAssistant, PendingCallRenderer{})
	}
}

func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + "…"
}
