package thread

import (
	"context"

	"github.com/google/uuid"
)

// Store defines raw, transactional CRUD over Conversation and Message records.
// Following Go best practices the interface is defined by the consumer
// (Repository); PostgresStore is the production implementation and
// MemoryStore backs unit tests.
//
// Store methods perform single-row reads and writes only. Multi-row
// invariants (sibling versioning, ancestor pointer repair, cache refresh)
// live in Repository, which composes store calls inside WithTx.
type Store interface {
	// WithTx runs fn against a transaction-scoped store. A store that is
	// already transaction-scoped runs fn against itself, so repository
	// operations compose into larger transactions without nesting.
	WithTx(ctx context.Context, fn func(Store) error) error

	CreateConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, id uuid.UUID) (*Conversation, error)

	// LockConversation serializes tree-shape mutations for one conversation.
	// Postgres takes SELECT ... FOR UPDATE on the conversation row; the
	// in-memory store relies on WithTx's exclusive lock and only checks
	// existence.
	LockConversation(ctx context.Context, id uuid.UUID) error

	SetConversationRoot(ctx context.Context, id, rootID uuid.UUID) error
	UpdateActiveThread(ctx context.Context, id uuid.UUID, ids []uuid.UUID) error

	GetMessage(ctx context.Context, id uuid.UUID) (*Message, error)
	InsertMessage(ctx context.Context, msg *Message) error

	// UpdateMessageContent overwrites a message's content in place. Used
	// exactly once per placeholder, when its generation completes or fails.
	UpdateMessageContent(ctx context.Context, id uuid.UUID, content string) error

	// SetActiveChild writes the raw active-child pointer. Callers wanting
	// ancestor repair go through Repository.SetActiveChild.
	SetActiveChild(ctx context.Context, id uuid.UUID, childID *uuid.UUID) error

	// Children returns all direct children of a message, version ascending.
	Children(ctx context.Context, parentID uuid.UUID) ([]*Message, error)

	// RootVersions returns the parentless messages of a conversation,
	// version ascending. More than one exists once a root has been edited.
	RootVersions(ctx context.Context, conversationID uuid.UUID) ([]*Message, error)

	// ConversationMessages returns every message of a conversation in
	// creation order.
	ConversationMessages(ctx context.Context, conversationID uuid.UUID) ([]*Message, error)
}
