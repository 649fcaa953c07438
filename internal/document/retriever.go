package document

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// RefKindBlock is the reference kind resolved by BlockRetriever. Tool
// results that point at a stored block carry a metadata reference of this
// kind instead of duplicating the block text.
const RefKindBlock = "block"

// BlockRetriever resolves block references from message metadata back into
// text at prompt build time, so edited or replayed threads always render
// the current stored content.
type BlockRetriever struct {
	store *Store
}

// NewBlockRetriever creates a retriever over the store.
func NewBlockRetriever(store *Store) *BlockRetriever {
	return &BlockRetriever{store: store}
}

// Resolve looks up the block named by ref["id"] and returns its text.
func (r *BlockRetriever) Resolve(ctx context.Context, ref map[string]any) (string, error) {
	raw, ok := ref["id"].(string)
	if !ok {
		return "", fmt.Errorf("block reference missing id: %v", ref)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse block id %q: %w", raw, err)
	}
	block, err := r.store.GetBlock(ctx, id)
	if err != nil {
		return "", err
	}
	return block.Text, nil
}
