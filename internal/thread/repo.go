package thread

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
)

// Repository implements the tree algorithms on top of a Store: thread
// reconstruction, edit-as-branch, active pointer flips with ancestor repair,
// and the composed multi-message appends used by the chat service and the
// agent loop.
//
// Every mutating operation runs inside one store transaction and takes the
// conversation row lock first, so concurrent edits or branch switches on the
// same conversation serialize instead of corrupting the active path.
// Operations on different conversations proceed in parallel.
type Repository struct {
	store  Store
	logger *slog.Logger
}

// NewRepository creates a Repository over the given store.
func NewRepository(store Store, logger *slog.Logger) *Repository {
	if logger == nil {
		logger = slog.Default()
	}
	return &Repository{store: store, logger: logger}
}

// CreateConversation creates a conversation together with its root system
// message and primes the active-thread cache.
func (r *Repository) CreateConversation(ctx context.Context, kind Kind, systemPrompt string, metadata map[string]any) (*Conversation, *Message, error) {
	conv := &Conversation{ID: uuid.New(), Kind: kind, Metadata: metadata}
	root := &Message{
		ID:             uuid.New(),
		ConversationID: conv.ID,
		Role:           RoleSystem,
		Content:        systemPrompt,
	}

	err := r.store.WithTx(ctx, func(s Store) error {
		if err := s.CreateConversation(ctx, conv); err != nil {
			return err
		}
		if err := s.InsertMessage(ctx, root); err != nil {
			return err
		}
		if err := s.SetConversationRoot(ctx, conv.ID, root.ID); err != nil {
			return err
		}
		return s.UpdateActiveThread(ctx, conv.ID, []uuid.UUID{root.ID})
	})
	if err != nil {
		return nil, nil, fmt.Errorf("create conversation: %w", err)
	}

	conv.RootMessageID = &root.ID
	conv.ActiveThreadIDs = []uuid.UUID{root.ID}
	r.logger.Debug("created conversation", "id", conv.ID, "kind", conv.Kind)
	return conv, root, nil
}

// GetConversation returns a conversation by id.
func (r *Repository) GetConversation(ctx context.Context, id uuid.UUID) (*Conversation, error) {
	return r.store.GetConversation(ctx, id)
}

// GetMessage returns a message by id.
func (r *Repository) GetMessage(ctx context.Context, id uuid.UUID) (*Message, error) {
	return r.store.GetMessage(ctx, id)
}

// LatestThread reconstructs the active root-to-leaf path by walking
// active-child pointers from the root. This traversal is the ground truth;
// Conversation.ActiveThreadIDs is only a cache of its result.
//
// The walk is defensive about interior edits that left a pointer unset or
// dangling: in that case the child with the highest version number wins,
// i.e. the most recently created branch is the default active one.
func (r *Repository) LatestThread(ctx context.Context, conversationID uuid.UUID) ([]*Message, error) {
	conv, err := r.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	return latestThreadIn(ctx, r.store, conv)
}

// FullTree returns every message of the conversation, for callers rendering
// the whole branching structure.
func (r *Repository) FullTree(ctx context.Context, conversationID uuid.UUID) ([]*Message, error) {
	if _, err := r.store.GetConversation(ctx, conversationID); err != nil {
		return nil, err
	}
	return r.store.ConversationMessages(ctx, conversationID)
}

// MessageVersions returns all sibling versions of the given message,
// including itself, ordered by version ascending. An unedited root has no
// siblings and yields exactly itself.
func (r *Repository) MessageVersions(ctx context.Context, messageID uuid.UUID) ([]*Message, error) {
	msg, err := r.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if msg.ParentID == nil {
		return r.store.RootVersions(ctx, msg.ConversationID)
	}
	return r.store.Children(ctx, *msg.ParentID)
}

// AddMessage inserts msg with a fresh id and the next version number among
// its siblings. It deliberately alters no active-child pointers; callers
// that want the new message on the active path follow up with
// SetActiveChild.
func (r *Repository) AddMessage(ctx context.Context, msg *Message) (*Message, error) {
	err := r.store.WithTx(ctx, func(s Store) error {
		if err := s.LockConversation(ctx, msg.ConversationID); err != nil {
			return err
		}
		if msg.ID == uuid.Nil {
			msg.ID = uuid.New()
		}
		version, err := nextVersion(ctx, s, msg.ConversationID, msg.ParentID)
		if err != nil {
			return err
		}
		msg.Version = version
		return s.InsertMessage(ctx, msg)
	})
	if err != nil {
		return nil, fmt.Errorf("add message: %w", err)
	}
	return msg, nil
}

// EditMessage records an edit of the target message as a new sibling version
// with max(sibling versions)+1 and the supplied content. The original is
// never mutated. For non-root targets the parent's active child flips to the
// sibling and every ancestor pointer up to the root is repaired; editing a
// root version repoints the conversation's root instead. The rule is the
// same for roots and non-roots: version numbering continues from the highest
// existing sibling.
func (r *Repository) EditMessage(ctx context.Context, messageID uuid.UUID, newContent string) (*Message, error) {
	var sibling *Message

	err := r.store.WithTx(ctx, func(s Store) error {
		target, err := s.GetMessage(ctx, messageID)
		if err != nil {
			return err
		}
		if err := s.LockConversation(ctx, target.ConversationID); err != nil {
			return err
		}

		version, err := nextVersion(ctx, s, target.ConversationID, target.ParentID)
		if err != nil {
			return err
		}

		sibling = &Message{
			ID:             uuid.New(),
			ConversationID: target.ConversationID,
			ParentID:       copyUUIDPtr(target.ParentID),
			Version:        version,
			Role:           target.Role,
			Content:        newContent,
			Metadata:       cloneMetadata(target.Metadata),
		}
		if err := s.InsertMessage(ctx, sibling); err != nil {
			return err
		}

		if target.ParentID == nil {
			if err := s.SetConversationRoot(ctx, target.ConversationID, sibling.ID); err != nil {
				return err
			}
		} else {
			parent, err := s.GetMessage(ctx, *target.ParentID)
			if err != nil {
				return err
			}
			if err := s.SetActiveChild(ctx, parent.ID, &sibling.ID); err != nil {
				return err
			}
			if err := repairAncestors(ctx, s, parent); err != nil {
				return err
			}
		}
		return refreshCache(ctx, s, target.ConversationID)
	})
	if err != nil {
		return nil, fmt.Errorf("edit message %s: %w", messageID, err)
	}

	r.logger.Debug("edited message", "original", messageID, "sibling", sibling.ID, "version", sibling.Version)
	return sibling, nil
}

// SetActiveChild flips the parent's active-child pointer to childID and then
// repairs every ancestor pointer up to the root, all within one transaction,
// so readers never observe a path that reverts to an older branch above the
// flip point. childID must be an actual child of parentID; anything else is
// an invariant violation and fails with ErrNotChild.
func (r *Repository) SetActiveChild(ctx context.Context, parentID, childID uuid.UUID) error {
	return r.store.WithTx(ctx, func(s Store) error {
		parent, err := s.GetMessage(ctx, parentID)
		if err != nil {
			return err
		}
		if err := s.LockConversation(ctx, parent.ConversationID); err != nil {
			return err
		}

		child, err := s.GetMessage(ctx, childID)
		if err != nil {
			return err
		}
		if child.ParentID == nil || *child.ParentID != parentID {
			return fmt.Errorf("set active child %s -> %s: %w", parentID, childID, ErrNotChild)
		}

		if err := s.SetActiveChild(ctx, parentID, &childID); err != nil {
			return err
		}
		if err := repairAncestors(ctx, s, parent); err != nil {
			return err
		}
		return refreshCache(ctx, s, parent.ConversationID)
	})
}

// UpdateActiveThread writes the conversation's active-thread cache. Callers
// invoke it after any operation that changed the active path; LatestThread
// remains available as the ground truth.
func (r *Repository) UpdateActiveThread(ctx context.Context, conversationID uuid.UUID, ids []uuid.UUID) error {
	return r.store.UpdateActiveThread(ctx, conversationID, ids)
}

// SetMessageContent patches a message's content in place. Used to finalize a
// placeholder once its generation completes or fails.
func (r *Repository) SetMessageContent(ctx context.Context, messageID uuid.UUID, content string) error {
	return r.store.UpdateMessageContent(ctx, messageID, content)
}

// AppendUserTurn atomically extends the active thread with a user message
// and an empty assistant placeholder, and refreshes the cache. Returns both
// new messages; the placeholder's id doubles as the stream id its generation
// publishes under.
func (r *Repository) AppendUserTurn(ctx context.Context, conversationID uuid.UUID, text string) (*Message, *Message, error) {
	var user, placeholder *Message

	err := r.store.WithTx(ctx, func(s Store) error {
		if err := s.LockConversation(ctx, conversationID); err != nil {
			return err
		}
		conv, err := s.GetConversation(ctx, conversationID)
		if err != nil {
			return err
		}
		path, err := latestThreadIn(ctx, s, conv)
		if err != nil {
			return err
		}
		leaf := path[len(path)-1]

		user = &Message{
			ID:             uuid.New(),
			ConversationID: conversationID,
			ParentID:       &leaf.ID,
			Role:           RoleUser,
			Content:        text,
		}
		if user.Version, err = nextVersion(ctx, s, conversationID, user.ParentID); err != nil {
			return err
		}
		if err := s.InsertMessage(ctx, user); err != nil {
			return err
		}
		if err := s.SetActiveChild(ctx, leaf.ID, &user.ID); err != nil {
			return err
		}

		placeholder = &Message{
			ID:             uuid.New(),
			ConversationID: conversationID,
			ParentID:       &user.ID,
			Role:           RoleAssistant,
		}
		if err := s.InsertMessage(ctx, placeholder); err != nil {
			return err
		}
		if err := s.SetActiveChild(ctx, user.ID, &placeholder.ID); err != nil {
			return err
		}
		return refreshCache(ctx, s, conversationID)
	})
	if err != nil {
		return nil, nil, fmt.Errorf("append user turn: %w", err)
	}
	return user, placeholder, nil
}

// AppendPlaceholder atomically hangs a fresh assistant placeholder under the
// given message and moves the active path through it. Used when an edit
// needs a new generation on the new branch.
func (r *Repository) AppendPlaceholder(ctx context.Context, afterID uuid.UUID) (*Message, error) {
	var placeholder *Message

	err := r.store.WithTx(ctx, func(s Store) error {
		after, err := s.GetMessage(ctx, afterID)
		if err != nil {
			return err
		}
		if err := s.LockConversation(ctx, after.ConversationID); err != nil {
			return err
		}

		placeholder = &Message{
			ID:             uuid.New(),
			ConversationID: after.ConversationID,
			ParentID:       &after.ID,
			Role:           RoleAssistant,
		}
		if placeholder.Version, err = nextVersion(ctx, s, after.ConversationID, placeholder.ParentID); err != nil {
			return err
		}
		if err := s.InsertMessage(ctx, placeholder); err != nil {
			return err
		}
		if err := s.SetActiveChild(ctx, after.ID, &placeholder.ID); err != nil {
			return err
		}
		if err := repairAncestors(ctx, s, after); err != nil {
			return err
		}
		return refreshCache(ctx, s, after.ConversationID)
	})
	if err != nil {
		return nil, fmt.Errorf("append placeholder: %w", err)
	}
	return placeholder, nil
}

// AppendToolExchange atomically records one agent-loop tool round under the
// given tail message: an assistant message whose metadata carries the call,
// then a tool message holding the result text, with active-child pointers
// extended through both.
func (r *Repository) AppendToolExchange(ctx context.Context, conversationID, tailID uuid.UUID, call *ToolCall, result string) (*Message, *Message, error) {
	var callMsg, resultMsg *Message

	err := r.store.WithTx(ctx, func(s Store) error {
		if err := s.LockConversation(ctx, conversationID); err != nil {
			return err
		}
		tail, err := s.GetMessage(ctx, tailID)
		if err != nil {
			return err
		}

		callMsg = &Message{
			ID:             uuid.New(),
			ConversationID: conversationID,
			ParentID:       &tail.ID,
			Role:           RoleAssistant,
			Metadata:       map[string]any{MetaToolCall: call},
		}
		if callMsg.Version, err = nextVersion(ctx, s, conversationID, callMsg.ParentID); err != nil {
			return err
		}
		if err := s.InsertMessage(ctx, callMsg); err != nil {
			return err
		}
		if err := s.SetActiveChild(ctx, tail.ID, &callMsg.ID); err != nil {
			return err
		}

		resultMsg = &Message{
			ID:             uuid.New(),
			ConversationID: conversationID,
			ParentID:       &callMsg.ID,
			Role:           RoleTool,
			Content:        result,
			Metadata:       map[string]any{MetaToolName: call.Name},
		}
		if err := s.InsertMessage(ctx, resultMsg); err != nil {
			return err
		}
		if err := s.SetActiveChild(ctx, callMsg.ID, &resultMsg.ID); err != nil {
			return err
		}
		return refreshCache(ctx, s, conversationID)
	})
	if err != nil {
		return nil, nil, fmt.Errorf("append tool exchange: %w", err)
	}
	return callMsg, resultMsg, nil
}

// latestThreadIn walks the active path using the supplied store, so the same
// traversal serves both the public read path and cache rebuilds inside a
// transaction.
func latestThreadIn(ctx context.Context, s Store, conv *Conversation) ([]*Message, error) {
	if conv.RootMessageID == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoRoot, conv.ID)
	}

	cur, err := s.GetMessage(ctx, *conv.RootMessageID)
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}

	visited := make(map[uuid.UUID]bool)
	var path []*Message
	for {
		if visited[cur.ID] {
			return nil, fmt.Errorf("active-child cycle at message %s", cur.ID)
		}
		visited[cur.ID] = true
		path = append(path, cur)

		next, err := nextOnPath(ctx, s, cur)
		if err != nil {
			return nil, err
		}
		if next == nil {
			return path, nil
		}
		cur = next
	}
}

// nextOnPath resolves the continuation of the active path below msg. A set
// pointer wins when it references an existing child of msg; otherwise the
// highest-version child is the default branch, and a childless message ends
// the path. Only a missing message counts as a dangling pointer; any other
// store failure propagates rather than silently switching branches.
func nextOnPath(ctx context.Context, s Store, msg *Message) (*Message, error) {
	if msg.ActiveChildID != nil {
		child, err := s.GetMessage(ctx, *msg.ActiveChildID)
		switch {
		case err == nil:
			if child.ParentID != nil && *child.ParentID == msg.ID {
				return child, nil
			}
			// Pointer names a non-child: fall back to the version ordering.
		case errors.Is(err, ErrMessageNotFound):
			// Dangling pointer: fall back to the version ordering below.
		default:
			return nil, fmt.Errorf("resolve active child: %w", err)
		}
	}

	children, err := s.Children(ctx, msg.ID)
	if err != nil {
		return nil, err
	}
	if len(children) == 0 {
		return nil, nil
	}
	return children[len(children)-1], nil
}

// repairAncestors walks from the given message up to its root version,
// pointing each ancestor's active child at the node it came from, and
// finally repoints the conversation root if the walk ended on a non-active
// root version. Callers run it inside the transaction that made the change
// below `from`.
func repairAncestors(ctx context.Context, s Store, from *Message) error {
	cur := from
	for cur.ParentID != nil {
		parent, err := s.GetMessage(ctx, *cur.ParentID)
		if err != nil {
			return fmt.Errorf("repair ancestors: %w", err)
		}
		if parent.ActiveChildID == nil || *parent.ActiveChildID != cur.ID {
			if err := s.SetActiveChild(ctx, parent.ID, &cur.ID); err != nil {
				return fmt.Errorf("repair ancestors: %w", err)
			}
		}
		cur = parent
	}

	conv, err := s.GetConversation(ctx, cur.ConversationID)
	if err != nil {
		return fmt.Errorf("repair ancestors: %w", err)
	}
	if conv.RootMessageID == nil || *conv.RootMessageID != cur.ID {
		return s.SetConversationRoot(ctx, cur.ConversationID, cur.ID)
	}
	return nil
}

// refreshCache recomputes the active thread inside the current transaction
// and writes it to the conversation's cache field.
func refreshCache(ctx context.Context, s Store, conversationID uuid.UUID) error {
	conv, err := s.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	path, err := latestThreadIn(ctx, s, conv)
	if err != nil {
		return err
	}
	ids := make([]uuid.UUID, len(path))
	for i, msg := range path {
		ids[i] = msg.ID
	}
	return s.UpdateActiveThread(ctx, conversationID, ids)
}

func nextVersion(ctx context.Context, s Store, conversationID uuid.UUID, parentID *uuid.UUID) (int, error) {
	var (
		siblings []*Message
		err      error
	)
	if parentID == nil {
		siblings, err = s.RootVersions(ctx, conversationID)
	} else {
		siblings, err = s.Children(ctx, *parentID)
	}
	if err != nil {
		return 0, err
	}
	if len(siblings) == 0 {
		return 0, nil
	}
	return siblings[len(siblings)-1].Version + 1, nil
}

func copyUUIDPtr(id *uuid.UUID) *uuid.UUID {
	if id == nil {
		return nil
	}
	cp := *id
	return &cp
}
