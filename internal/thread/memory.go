package thread

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store used by unit tests and by code paths
// that need the repository algorithms without a database. WithTx serializes
// writers with a single mutex and rolls the state back when fn fails, which
// mirrors the atomicity the Postgres store gets from transactions.
type MemoryStore struct {
	mu    *sync.Mutex
	state *memoryState
	inTx  bool
}

type memoryState struct {
	conversations map[uuid.UUID]*Conversation
	messages      map[uuid.UUID]*Message
	seq           map[uuid.UUID]int // insertion order, for ConversationMessages
	nextSeq       int
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		mu: &sync.Mutex{},
		state: &memoryState{
			conversations: make(map[uuid.UUID]*Conversation),
			messages:      make(map[uuid.UUID]*Message),
			seq:           make(map[uuid.UUID]int),
		},
	}
}

func (s *MemoryStore) WithTx(ctx context.Context, fn func(Store) error) error {
	if s.inTx {
		return fn(s)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.state.clone()
	tx := &MemoryStore{mu: s.mu, state: s.state, inTx: true}
	if err := fn(tx); err != nil {
		*s.state = *snapshot
		return err
	}
	return nil
}

func (s *MemoryStore) lock() func() {
	if s.inTx {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

func (s *MemoryStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	defer s.lock()()

	if _, ok := s.state.conversations[conv.ID]; ok {
		return fmt.Errorf("conversation %s already exists", conv.ID)
	}
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = time.Now().UTC()
	}
	conv.UpdatedAt = conv.CreatedAt
	s.state.conversations[conv.ID] = cloneConversation(conv)
	return nil
}

func (s *MemoryStore) GetConversation(ctx context.Context, id uuid.UUID) (*Conversation, error) {
	defer s.lock()()

	conv, ok := s.state.conversations[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrConversationNotFound, id)
	}
	return cloneConversation(conv), nil
}

func (s *MemoryStore) LockConversation(ctx context.Context, id uuid.UUID) error {
	defer s.lock()()

	if _, ok := s.state.conversations[id]; !ok {
		return fmt.Errorf("%w: %s", ErrConversationNotFound, id)
	}
	return nil
}

func (s *MemoryStore) SetConversationRoot(ctx context.Context, id, rootID uuid.UUID) error {
	defer s.lock()()

	conv, ok := s.state.conversations[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrConversationNotFound, id)
	}
	root := rootID
	conv.RootMessageID = &root
	conv.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) UpdateActiveThread(ctx context.Context, id uuid.UUID, ids []uuid.UUID) error {
	defer s.lock()()

	conv, ok := s.state.conversations[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrConversationNotFound, id)
	}
	conv.ActiveThreadIDs = append([]uuid.UUID(nil), ids...)
	conv.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) GetMessage(ctx context.Context, id uuid.UUID) (*Message, error) {
	defer s.lock()()

	msg, ok := s.state.messages[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMessageNotFound, id)
	}
	return cloneMessage(msg), nil
}

func (s *MemoryStore) InsertMessage(ctx context.Context, msg *Message) error {
	defer s.lock()()

	if _, ok := s.state.messages[msg.ID]; ok {
		return fmt.Errorf("message %s already exists", msg.ID)
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	s.state.messages[msg.ID] = cloneMessage(msg)
	s.state.seq[msg.ID] = s.state.nextSeq
	s.state.nextSeq++
	return nil
}

func (s *MemoryStore) UpdateMessageContent(ctx context.Context, id uuid.UUID, content string) error {
	defer s.lock()()

	msg, ok := s.state.messages[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrMessageNotFound, id)
	}
	msg.Content = content
	return nil
}

func (s *MemoryStore) SetActiveChild(ctx context.Context, id uuid.UUID, childID *uuid.UUID) error {
	defer s.lock()()

	msg, ok := s.state.messages[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrMessageNotFound, id)
	}
	if childID == nil {
		msg.ActiveChildID = nil
		return nil
	}
	child := *childID
	msg.ActiveChildID = &child
	return nil
}

func (s *MemoryStore) Children(ctx context.Context, parentID uuid.UUID) ([]*Message, error) {
	defer s.lock()()

	var out []*Message
	for _, msg := range s.state.messages {
		if msg.ParentID != nil && *msg.ParentID == parentID {
			out = append(out, cloneMessage(msg))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func (s *MemoryStore) RootVersions(ctx context.Context, conversationID uuid.UUID) ([]*Message, error) {
	defer s.lock()()

	var out []*Message
	for _, msg := range s.state.messages {
		if msg.ConversationID == conversationID && msg.ParentID == nil {
			out = append(out, cloneMessage(msg))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func (s *MemoryStore) ConversationMessages(ctx context.Context, conversationID uuid.UUID) ([]*Message, error) {
	defer s.lock()()

	var out []*Message
	for _, msg := range s.state.messages {
		if msg.ConversationID == conversationID {
			out = append(out, cloneMessage(msg))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return s.state.seq[out[i].ID] < s.state.seq[out[j].ID]
	})
	return out, nil
}

func (st *memoryState) clone() *memoryState {
	cp := &memoryState{
		conversations: make(map[uuid.UUID]*Conversation, len(st.conversations)),
		messages:      make(map[uuid.UUID]*Message, len(st.messages)),
		seq:           make(map[uuid.UUID]int, len(st.seq)),
		nextSeq:       st.nextSeq,
	}
	for id, conv := range st.conversations {
		cp.conversations[id] = cloneConversation(conv)
	}
	for id, msg := range st.messages {
		cp.messages[id] = cloneMessage(msg)
	}
	for id, n := range st.seq {
		cp.seq[id] = n
	}
	return cp
}

func cloneConversation(conv *Conversation) *Conversation {
	cp := *conv
	if conv.RootMessageID != nil {
		root := *conv.RootMessageID
		cp.RootMessageID = &root
	}
	cp.ActiveThreadIDs = append([]uuid.UUID(nil), conv.ActiveThreadIDs...)
	cp.Metadata = cloneMetadata(conv.Metadata)
	return &cp
}

func cloneMessage(msg *Message) *Message {
	cp := *msg
	if msg.ParentID != nil {
		parent := *msg.ParentID
		cp.ParentID = &parent
	}
	if msg.ActiveChildID != nil {
		child := *msg.ActiveChildID
		cp.ActiveChildID = &child
	}
	cp.Metadata = cloneMetadata(msg.Metadata)
	return &cp
}

func cloneMetadata(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}
