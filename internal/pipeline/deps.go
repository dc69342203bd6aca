package pipeline

import (
	"context"

	"github.com/af-corp/loom/internal/store"
	"github.com/af-corp/loom/internal/types"
)

// Store is the persistence surface the pipeline consumes. *store.Postgres
// implements it; tests substitute in-memory fakes.
type Store interface {
	CreateChat(ctx context.Context, ownerID, provider string) (*types.Chat, error)
	FindChat(ctx context.Context, id, ownerID string) (*types.Chat, error)
	UpdateChatTitle(ctx context.Context, id, title string) error
	CreateMessage(ctx context.Context, p store.CreateMessageParams) (*types.Message, error)
	FindMessagesByChat(ctx context.Context, chatID string, f store.MessageFilter) ([]types.Message, error)
	FindMessagesByIDs(ctx context.Context, chatID string, ids []string) ([]types.Message, error)
	UpdateMessageVector(ctx context.Context, id string, embedding []float32) error
}

// SimilaritySearcher returns prior messages ranked by descending semantic
// similarity to the query text.
type SimilaritySearcher interface {
	FindSimilar(ctx context.Context, text, chatID string, k int, excludeIDs []string) ([]types.Message, error)
}

// Emit delivers one consumer-facing event. Implementations must be safe to
// call from the request goroutine only; the pipeline never emits from
// background tasks.
type Emit func(types.StreamEvent)
