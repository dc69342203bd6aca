package store

import (
	"context"
	"fmt"

	"github.com/af-corp/loom/internal/provider"
	"github.com/af-corp/loom/internal/types"
)

// Retriever answers "which prior messages resemble this query" by embedding
// the query text and running a pgvector nearest-neighbour search.
type Retriever struct {
	store    *Postgres
	embedder provider.Embedder
}

func NewRetriever(store *Postgres, embedder provider.Embedder) *Retriever {
	return &Retriever{store: store, embedder: embedder}
}

// FindSimilar returns up to k messages ordered by descending similarity to
// text. Messages in excludeIDs never appear in the result. A query that
// cannot be embedded yields no candidates rather than an error; retrieval is
// best-effort by design.
func (r *Retriever) FindSimilar(ctx context.Context, text, chatID string, k int, excludeIDs []string) ([]types.Message, error) {
	embedding, err := r.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if embedding == nil {
		return nil, nil
	}
	return r.store.SimilarMessages(ctx, chatID, embedding, k, excludeIDs)
}
