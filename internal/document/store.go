package document

import (
	"context"
	"errors"
	"fmt"

	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/pgvector/pgvector-go"

	"github.com/lectern/lectern/internal/llm"
	"github.com/lectern/lectern/internal/log"
)

// blocksPerPage controls how ingestion slices extracted blocks into pages.
const blocksPerPage = 12

// searchTimeout bounds vector search queries.
const searchTimeout = 10 * time.Second

// DBTX is the subset of pgx operations the store needs. Both *pgxpool.Pool
// and pgx.Tx satisfy it.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store persists documents, pages and blocks, generating block embeddings
// through the configured embedder. Safe for concurrent use.
type Store struct {
	db       DBTX
	embedder llm.Embedder
	logger   log.Logger
}

// NewStore creates a store. A nil logger falls back to a no-op logger.
func NewStore(db DBTX, embedder llm.Embedder, logger log.Logger) *Store {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Store{db: db, embedder: embedder, logger: logger}
}

// IngestHTML extracts readable blocks from raw HTML, slices them into
// pages, embeds each block and stores the whole document.
func (s *Store) IngestHTML(ctx context.Context, title, sourceURL, html string) (*Document, error) {
	blocks, err := ExtractBlocks(html)
	if err != nil {
		return nil, fmt.Errorf("extract blocks: %w", err)
	}
	if len(blocks) == 0 {
		return nil, errors.New("document has no readable content")
	}
	if title == "" {
		title = ExtractTitle(html)
	}

	doc := &Document{ID: uuid.New(), Title: title, SourceURL: sourceURL}

	_, err = s.db.Exec(ctx, `
		INSERT INTO documents (id, title, source_url)
		VALUES ($1, $2, $3)`,
		pgUUID(doc.ID), doc.Title, doc.SourceURL)
	if err != nil {
		return nil, fmt.Errorf("insert document: %w", err)
	}

	for pageStart, pageNum := 0, 1; pageStart < len(blocks); pageStart, pageNum = pageStart+blocksPerPage, pageNum+1 {
		pageEnd := pageStart + blocksPerPage
		if pageEnd > len(blocks) {
			pageEnd = len(blocks)
		}

		pageID := uuid.New()
		_, err = s.db.Exec(ctx, `
			INSERT INTO pages (id, document_id, number, title)
			VALUES ($1, $2, $3, $4)`,
			pgUUID(pageID), pgUUID(doc.ID), pageNum, fmt.Sprintf("%s, page %d", doc.Title, pageNum))
		if err != nil {
			return nil, fmt.Errorf("insert page %d: %w", pageNum, err)
		}

		for i, text := range blocks[pageStart:pageEnd] {
			embedding, err := s.embedder.Embed(ctx, text)
			if err != nil {
				return nil, fmt.Errorf("embed block: %w", err)
			}
			vec := pgvector.NewVector(embedding)

			_, err = s.db.Exec(ctx, `
				INSERT INTO blocks (id, page_id, document_id, idx, text, embedding)
				VALUES ($1, $2, $3, $4, $5, $6)`,
				pgUUID(uuid.New()), pgUUID(pageID), pgUUID(doc.ID), pageStart+i, text, vec)
			if err != nil {
				return nil, fmt.Errorf("insert block: %w", err)
			}
		}
	}

	s.logger.Info("document ingested",
		"document_id", doc.ID, "title", doc.Title, "blocks", len(blocks))
	return doc, nil
}

// Search embeds the query and returns the closest blocks by cosine
// distance, together with page and document context.
func (s *Store) Search(ctx context.Context, query string, limit int) ([]*SearchResult, error) {
	if limit <= 0 {
		limit = 5
	}

	queryCtx, cancel := context.WithTimeout(ctx, searchTimeout)
	defer cancel()

	embedding, err := s.embedder.Embed(queryCtx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	vec := pgvector.NewVector(embedding)

	rows, err := s.db.Query(queryCtx, `
		SELECT b.id, b.page_id, b.document_id, b.idx, b.text,
		       p.number, d.title,
		       b.embedding <=> $1 AS distance
		FROM blocks b
		JOIN pages p ON p.id = b.page_id
		JOIN documents d ON d.id = b.document_id
		ORDER BY b.embedding <=> $1
		LIMIT $2`,
		vec, limit)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	defer rows.Close()

	var results []*SearchResult
	for rows.Next() {
		var (
			b                 Block
			id, pageID, docID pgtype.UUID
			pageNum           int
			docTitle          string
			distance          float64
		)
		if err := rows.Scan(&id, &pageID, &docID, &b.Index, &b.Text, &pageNum, &docTitle, &distance); err != nil {
			return nil, fmt.Errorf("scan search row: %w", err)
		}
		b.ID = fromPgUUID(id)
		b.PageID = fromPgUUID(pageID)
		b.DocumentID = fromPgUUID(docID)
		results = append(results, &SearchResult{
			Block:    &b,
			PageNum:  pageNum,
			DocTitle: docTitle,
			Distance: distance,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate search rows: %w", err)
	}
	return results, nil
}

// GetBlock fetches one block by id.
func (s *Store) GetBlock(ctx context.Context, id uuid.UUID) (*Block, error) {
	var (
		b                       Block
		bid, pageID, documentID pgtype.UUID
	)
	err := s.db.QueryRow(ctx, `
		SELECT id, page_id, document_id, idx, text
		FROM blocks WHERE id = $1`,
		pgUUID(id)).Scan(&bid, &pageID, &documentID, &b.Index, &b.Text)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrBlockNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get block: %w", err)
	}
	b.ID = fromPgUUID(bid)
	b.PageID = fromPgUUID(pageID)
	b.DocumentID = fromPgUUID(documentID)
	return &b, nil
}

// GetPage fetches one page by document id and page number.
func (s *Store) GetPage(ctx context.Context, documentID uuid.UUID, number int) (*Page, error) {
	var (
		p       Page
		id, dID pgtype.UUID
	)
	err := s.db.QueryRow(ctx, `
		SELECT id, document_id, number, title
		FROM pages WHERE document_id = $1 AND number = $2`,
		pgUUID(documentID), number).Scan(&id, &dID, &p.Number, &p.Title)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: document %s page %d", ErrPageNotFound, documentID, number)
	}
	if err != nil {
		return nil, fmt.Errorf("get page: %w", err)
	}
	p.ID = fromPgUUID(id)
	p.DocumentID = fromPgUUID(dID)
	return &p, nil
}

// PageText returns the concatenated block texts of a page in block order.
func (s *Store) PageText(ctx context.Context, pageID uuid.UUID) (string, error) {
	rows, err := s.db.Query(ctx, `
		SELECT text FROM blocks WHERE page_id = $1 ORDER BY idx`,
		pgUUID(pageID))
	if err != nil {
		return "", fmt.Errorf("load page blocks: %w", err)
	}
	defer rows.Close()

	var text string
	for rows.Next() {
		var block string
		if err := rows.Scan(&block); err != nil {
			return "", fmt.Errorf("scan block text: %w", err)
		}
		if text != "" {
			text += "\n\n"
		}
		text += block
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("iterate page blocks: %w", err)
	}
	if text == "" {
		return "", fmt.Errorf("%w: %s", ErrPageNotFound, pageID)
	}
	return text, nil
}

// GetDocument fetches one document by id.
func (s *Store) GetDocument(ctx context.Context, id uuid.UUID) (*Document, error) {
	var (
		d   Document
		dID pgtype.UUID
	)
	err := s.db.QueryRow(ctx, `
		SELECT id, title, source_url, created_at
		FROM documents WHERE id = $1`,
		pgUUID(id)).Scan(&dID, &d.Title, &d.SourceURL, &d.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrDocumentNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get document: %w", err)
	}
	d.ID = fromPgUUID(dID)
	return &d, nil
}

func pgUUID(id uuid.UUID) pgtype.UUID {
	return pgtype.UUID{Bytes: id, Valid: true}
}

func fromPgUUID(id pgtype.UUID) uuid.UUID {
	return uuid.UUID(id.Bytes)
}
