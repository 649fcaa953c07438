// Package thread implements the branching conversation engine: conversations
// persisted as versioned message trees, with a movable active pointer that
// selects exactly one root-to-leaf path as the current view.
//
// Editing a message never mutates the original. It inserts a sibling with the
// next version number and repoints the parent's active child at it, so every
// abandoned branch stays reachable through the full tree.
package thread

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Kind identifies the conversational mode of a conversation.
// The set is open: unknown kinds fall back to raw-content prompt rendering.
type Kind string

// Built-in conversation kinds.
const (
	KindChat       Kind = "chat"
	KindAgent      Kind = "agent"
	KindRabbithole Kind = "rabbithole"
)

// Role identifies who produced a message.
type Role string

// Message roles.
const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Metadata keys written by the agent loop and read by the prompt renderers.
const (
	// MetaToolCall holds a ToolCall on an assistant message that records a
	// pending tool invocation.
	MetaToolCall = "tool_call"

	// MetaToolName holds the invoked tool's name on a tool-role message.
	MetaToolName = "tool_name"

	// MetaReference holds an external reference ({"kind": ..., "id": ...})
	// resolvable through a prompt retriever.
	MetaReference = "ref"
)

// Conversation is a logical conversation owning a tree of messages.
type Conversation struct {
	ID   uuid.UUID
	Kind Kind

	// RootMessageID names the active root. Editing a root message creates a
	// parentless sibling version and repoints this field at it.
	RootMessageID *uuid.UUID

	// ActiveThreadIDs caches the reconstructed active path, root first.
	// The tree is the source of truth; Repository.LatestThread can always
	// rebuild this field from active-child pointers.
	ActiveThreadIDs []uuid.UUID

	Metadata  map[string]any
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Message is a single turn in a conversation tree. Messages sharing a parent
// are sibling versions of the same logical turn, ordered by Version.
type Message struct {
	ID             uuid.UUID
	ConversationID uuid.UUID

	// ParentID is nil only for root versions.
	ParentID *uuid.UUID

	// Version is unique among siblings sharing the same parent and increases
	// monotonically with creation order. The first child of a parent (and the
	// original root) carries version 0.
	Version int

	Role Role

	// Content is mutable in place exactly once: an assistant placeholder is
	// inserted empty and patched when its generation finishes or fails.
	Content string

	// ActiveChildID selects which child continues the active thread.
	ActiveChildID *uuid.UUID

	Metadata  map[string]any
	CreatedAt time.Time
}

// ToolCall records a pending tool invocation on an assistant message.
type ToolCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Thought   string         `json:"thought,omitempty"`
}

// PendingToolCall decodes the tool call carried in the message's metadata.
// Returns false when the message carries none.
func (m *Message) PendingToolCall() (*ToolCall, bool) {
	raw, ok := m.Metadata[MetaToolCall]
	if !ok || raw == nil {
		return nil, false
	}

	// Metadata round-trips through JSONB, so the value may be a *ToolCall
	// (fresh insert) or a map[string]any (read back from storage).
	if call, ok := raw.(*ToolCall); ok {
		return call, true
	}

	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil, false
	}
	var call ToolCall
	if err := json.Unmarshal(encoded, &call); err != nil {
		return nil, false
	}
	return &call, true
}

// Reference decodes the external reference carried in the message's metadata.
func (m *Message) Reference() (map[string]any, bool) {
	raw, ok := m.Metadata[MetaReference]
	if !ok {
		return nil, false
	}
	ref, ok := raw.(map[string]any)
	return ref, ok
}
