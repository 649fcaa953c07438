package document

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/lectern/lectern/internal/tools"
)

// Agent-facing tool names.
const (
	ToolSearchDocument = "search_document"
	ToolReadPage       = "read_page"
)

// SearchInput is the argument shape of the search_document tool.
type SearchInput struct {
	Query string `json:"query" jsonschema_description:"Natural-language query to search the ingested documents for"`
	Limit int    `json:"limit,omitempty" jsonschema_description:"Maximum number of matching passages to return (default 5)"`
}

// ReadPageInput is the argument shape of the read_page tool.
type ReadPageInput struct {
	DocumentID string `json:"document_id" jsonschema_description:"ID of the document, as returned by search_document"`
	Page       int    `json:"page" jsonschema_description:"Page number to read, starting at 1"`
}

// NewSearchTool builds the semantic-search tool over the store.
func NewSearchTool(store *Store) (*tools.Tool, error) {
	return tools.New(ToolSearchDocument,
		"Search the ingested documents for passages relevant to a query. "+
			"Returns the best-matching passages with their document and page so they can be read in full with read_page.",
		func(ctx context.Context, in SearchInput) (string, error) {
			results, err := store.Search(ctx, in.Query, in.Limit)
			if err != nil {
				return "", err
			}
			if len(results) == 0 {
				return "No matching passages found.", nil
			}

			var sb strings.Builder
			for i, res := range results {
				fmt.Fprintf(&sb, "%d. [%s, page %d] (document_id=%s, block_id=%s)\n%s\n",
					i+1, res.DocTitle, res.PageNum, res.Block.DocumentID, res.Block.ID, res.Block.Text)
			}
			return sb.String(), nil
		})
}

// NewReadPageTool builds the full-page reading tool over the store.
func NewReadPageTool(store *Store) (*tools.Tool, error) {
	return tools.New(ToolReadPage,
		"Read the full text of one page of an ingested document.",
		func(ctx context.Context, in ReadPageInput) (string, error) {
			documentID, err := uuid.Parse(in.DocumentID)
			if err != nil {
				return "", fmt.Errorf("parse document id %q: %w", in.DocumentID, err)
			}
			page, err := store.GetPage(ctx, documentID, in.Page)
			if err != nil {
				return "", err
			}
			text, err := store.PageText(ctx, page.ID)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("%s\n\n%s", page.Title, text), nil
		})
}
