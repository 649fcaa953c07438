package thread

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DBTX is the subset of pgx operations the store needs. Both *pgxpool.Pool
// and pgx.Tx satisfy it, which is what lets WithTx swap the pool for a
// transaction without changing any query code.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore persists conversations and messages in PostgreSQL.
// Safe for concurrent use by multiple goroutines.
type PostgresStore struct {
	db     DBTX
	pool   *pgxpool.Pool // nil when this store is transaction-scoped
	logger *slog.Logger
}

// NewPostgresStore creates a pool-backed store.
func NewPostgresStore(pool *pgxpool.Pool, logger *slog.Logger) *PostgresStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStore{db: pool, pool: pool, logger: logger}
}

// WithTx runs fn against a transaction-scoped copy of the store. When the
// store is already transaction-scoped, fn runs against the current
// transaction so composed operations share one atomic unit.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(Store) error) error {
	if s.pool == nil {
		return fn(s)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			s.logger.Debug("transaction rollback", "error", err)
		}
	}()

	if err := fn(&PostgresStore{db: tx, logger: s.logger}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = time.Now().UTC()
	}
	conv.UpdatedAt = conv.CreatedAt

	metadata, err := marshalMetadata(conv.Metadata)
	if err != nil {
		return fmt.Errorf("marshal conversation metadata: %w", err)
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO conversations (id, kind, root_message_id, active_thread_ids, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		pgUUID(conv.ID), string(conv.Kind), pgUUIDPtr(conv.RootMessageID),
		toPgUUIDs(conv.ActiveThreadIDs), metadata,
		pgTime(conv.CreatedAt), pgTime(conv.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert conversation %s: %w", conv.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetConversation(ctx context.Context, id uuid.UUID) (*Conversation, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, kind, root_message_id, active_thread_ids, metadata, created_at, updated_at
		FROM conversations WHERE id = $1`, pgUUID(id))

	conv, err := scanConversation(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrConversationNotFound, id)
		}
		return nil, fmt.Errorf("get conversation %s: %w", id, err)
	}
	return conv, nil
}

// LockConversation takes a row lock that serializes tree-shape mutations for
// one conversation until the surrounding transaction ends.
func (s *PostgresStore) LockConversation(ctx context.Context, id uuid.UUID) error {
	var locked pgtype.UUID
	err := s.db.QueryRow(ctx,
		`SELECT id FROM conversations WHERE id = $1 FOR UPDATE`, pgUUID(id),
	).Scan(&locked)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrConversationNotFound, id)
		}
		return fmt.Errorf("lock conversation %s: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) SetConversationRoot(ctx context.Context, id, rootID uuid.UUID) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE conversations SET root_message_id = $2, updated_at = now() WHERE id = $1`,
		pgUUID(id), pgUUID(rootID))
	if err != nil {
		return fmt.Errorf("set conversation root: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrConversationNotFound, id)
	}
	return nil
}

func (s *PostgresStore) UpdateActiveThread(ctx context.Context, id uuid.UUID, ids []uuid.UUID) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE conversations SET active_thread_ids = $2, updated_at = now() WHERE id = $1`,
		pgUUID(id), toPgUUIDs(ids))
	if err != nil {
		return fmt.Errorf("update active thread cache: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrConversationNotFound, id)
	}
	return nil
}

const messageColumns = `id, conversation_id, parent_id, version, role, content, active_child_id, metadata, created_at`

func (s *PostgresStore) GetMessage(ctx context.Context, id uuid.UUID) (*Message, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = $1`, pgUUID(id))

	msg, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrMessageNotFound, id)
		}
		return nil, fmt.Errorf("get message %s: %w", id, err)
	}
	return msg, nil
}

func (s *PostgresStore) InsertMessage(ctx context.Context, msg *Message) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	metadata, err := marshalMetadata(msg.Metadata)
	if err != nil {
		return fmt.Errorf("marshal message metadata: %w", err)
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO messages (id, conversation_id, parent_id, version, role, content, active_child_id, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		pgUUID(msg.ID), pgUUID(msg.ConversationID), pgUUIDPtr(msg.ParentID),
		int32(msg.Version), string(msg.Role), msg.Content,
		pgUUIDPtr(msg.ActiveChildID), metadata, pgTime(msg.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert message %s: %w", msg.ID, err)
	}
	return nil
}

func (s *PostgresStore) UpdateMessageContent(ctx context.Context, id uuid.UUID, content string) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE messages SET content = $2 WHERE id = $1`, pgUUID(id), content)
	if err != nil {
		return fmt.Errorf("update message content: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrMessageNotFound, id)
	}
	return nil
}

func (s *PostgresStore) SetActiveChild(ctx context.Context, id uuid.UUID, childID *uuid.UUID) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE messages SET active_child_id = $2 WHERE id = $1`, pgUUID(id), pgUUIDPtr(childID))
	if err != nil {
		return fmt.Errorf("set active child: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrMessageNotFound, id)
	}
	return nil
}

func (s *PostgresStore) Children(ctx context.Context, parentID uuid.UUID) ([]*Message, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE parent_id = $1 ORDER BY version`,
		pgUUID(parentID))
	if err != nil {
		return nil, fmt.Errorf("query children of %s: %w", parentID, err)
	}
	return collectMessages(rows)
}

func (s *PostgresStore) RootVersions(ctx context.Context, conversationID uuid.UUID) ([]*Message, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE conversation_id = $1 AND parent_id IS NULL ORDER BY version`,
		pgUUID(conversationID))
	if err != nil {
		return nil, fmt.Errorf("query root versions of %s: %w", conversationID, err)
	}
	return collectMessages(rows)
}

func (s *PostgresStore) ConversationMessages(ctx context.Context, conversationID uuid.UUID) ([]*Message, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE conversation_id = $1 ORDER BY created_at, version`,
		pgUUID(conversationID))
	if err != nil {
		return nil, fmt.Errorf("query messages of %s: %w", conversationID, err)
	}
	return collectMessages(rows)
}

func scanConversation(row pgx.Row) (*Conversation, error) {
	var (
		id, root  pgtype.UUID
		kind      string
		activeIDs []pgtype.UUID
		metadata  []byte
		createdAt pgtype.Timestamptz
		updatedAt pgtype.Timestamptz
	)
	if err := row.Scan(&id, &kind, &root, &activeIDs, &metadata, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	meta, err := unmarshalMetadata(metadata)
	if err != nil {
		return nil, err
	}

	return &Conversation{
		ID:              fromPgUUID(id),
		Kind:            Kind(kind),
		RootMessageID:   fromPgUUIDPtr(root),
		ActiveThreadIDs: fromPgUUIDs(activeIDs),
		Metadata:        meta,
		CreatedAt:       createdAt.Time,
		UpdatedAt:       updatedAt.Time,
	}, nil
}

func scanMessage(row pgx.Row) (*Message, error) {
	var (
		id, convID    pgtype.UUID
		parent, child pgtype.UUID
		version       int32
		role, content string
		metadata      []byte
		createdAt     pgtype.Timestamptz
	)
	if err := row.Scan(&id, &convID, &parent, &version, &role, &content, &child, &metadata, &createdAt); err != nil {
		return nil, err
	}

	meta, err := unmarshalMetadata(metadata)
	if err != nil {
		return nil, err
	}

	return &Message{
		ID:             fromPgUUID(id),
		ConversationID: fromPgUUID(convID),
		ParentID:       fromPgUUIDPtr(parent),
		Version:        int(version),
		Role:           Role(role),
		Content:        content,
		ActiveChildID:  fromPgUUIDPtr(child),
		Metadata:       meta,
		CreatedAt:      createdAt.Time,
	}, nil
}

func collectMessages(rows pgx.Rows) ([]*Message, error) {
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return msgs, nil
}

func marshalMetadata(m map[string]any) ([]byte, error) {
	if len(m) == 0 {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func unmarshalMetadata(b []byte) (map[string]any, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	if len(m) == 0 {
		return nil, nil
	}
	return m, nil
}

func pgUUID(id uuid.UUID) pgtype.UUID {
	return pgtype.UUID{Bytes: id, Valid: true}
}

func pgUUIDPtr(id *uuid.UUID) pgtype.UUID {
	if id == nil {
		return pgtype.UUID{}
	}
	return pgtype.UUID{Bytes: *id, Valid: true}
}

func fromPgUUID(id pgtype.UUID) uuid.UUID {
	if !id.Valid {
		return uuid.Nil
	}
	return id.Bytes
}

func fromPgUUIDPtr(id pgtype.UUID) *uuid.UUID {
	if !id.Valid {
		return nil
	}
	u := uuid.UUID(id.Bytes)
	return &u
}

func toPgUUIDs(ids []uuid.UUID) []pgtype.UUID {
	out := make([]pgtype.UUID, len(ids))
	for i, id := range ids {
		out[i] = pgUUID(id)
	}
	return out
}

func fromPgUUIDs(ids []pgtype.UUID) []uuid.UUID {
	if len(ids) == 0 {
		return nil
	}
	out := make([]uuid.UUID, len(ids))
	for i, id := range ids {
		out[i] = fromPgUUID(id)
	}
	return out
}

func pgTime(t time.Time) pgtype.Timestamptz {
	return pgtype.Timestamptz{Time: t, Valid: !t.IsZero()}
}
