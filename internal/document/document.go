// Package document stores the texts the assistant reads: documents split
// into pages, pages split into blocks, each block carrying a vector
// embedding for semantic search with PostgreSQL + pgvector.
//
// The package also exposes the agent-facing surface over that storage: the
// search_document and read_page tools, and the retriever that resolves
// block references found in tool-result messages back into text at prompt
// build time.
package document

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors for document lookups.
var (
	ErrDocumentNotFound = errors.New("document not found")
	ErrPageNotFound     = errors.New("page not found")
	ErrBlockNotFound    = errors.New("block not found")
)

// Document is one ingested text.
type Document struct {
	ID        uuid.UUID
	Title     string
	SourceURL string
	CreatedAt time.Time
}

// Page is a contiguous slice of a document's blocks.
type Page struct {
	ID         uuid.UUID
	DocumentID uuid.UUID
	Number     int
	Title      string
}

// Block is the retrieval unit: one paragraph-sized span of text with its
// embedding.
type Block struct {
	ID         uuid.UUID
	PageID     uuid.UUID
	DocumentID uuid.UUID
	Index      int
	Text       string
}

// SearchResult pairs a block with its cosine distance to the query.
type SearchResult struct {
	Block    *Block
	PageNum  int
	DocTitle string
	Distance float64
}
