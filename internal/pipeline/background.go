package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/af-corp/loom/internal/config"
	"github.com/af-corp/loom/internal/provider"
	"github.com/af-corp/loom/internal/tokenizer"
	"github.com/af-corp/loom/internal/types"
)

const (
	backgroundTimeout = 30 * time.Second
	maxTitleLength    = 80

	titlePrompt = "Generate a short title (at most five words) summarizing the " +
		"conversation below. Reply with the title only, no quotes, no punctuation " +
		"around it."
)

// Background runs the fire-and-forget tasks dispatched after a successful
// turn: message embedding for similarity retrieval and first-turn chat
// titling. Failures are logged and counted, never surfaced to the consumer;
// the turn already succeeded by the time these run.
type Background struct {
	store     Store
	embedder  provider.Embedder
	inference provider.Inference
	tokens    tokenizer.Codec
	cfg       config.BackgroundConfig
	logger    *slog.Logger
	onFailure func(task string)
}

// NewBackground wires the post-turn task runner. onFailure is invoked once
// per failed task, for metrics; pass nil to disable.
func NewBackground(st Store, embedder provider.Embedder, inference provider.Inference, tokens tokenizer.Codec, cfg config.BackgroundConfig, logger *slog.Logger, onFailure func(task string)) *Background {
	if onFailure == nil {
		onFailure = func(string) {}
	}
	return &Background{
		store:     st,
		embedder:  embedder,
		inference: inference,
		tokens:    tokens,
		cfg:       cfg,
		logger:    logger,
		onFailure: onFailure,
	}
}

// EmbedMessages computes and stores vectors for the turn's user and
// assistant messages. Content past the embedding model's input limit is
// truncated, not rejected. Each message is independent: one failure does
// not stop the other.
func (b *Background) EmbedMessages(messages ...*types.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), backgroundTimeout)
	defer cancel()

	for _, msg := range messages {
		if msg == nil || msg.Content == "" {
			continue
		}
		if err := b.embedOne(ctx, msg); err != nil {
			b.onFailure("embedding")
			b.logger.Error("message embedding failed",
				"message_id", msg.ID, "chat_id", msg.ChatID, "error", err)
		}
	}
}

func (b *Background) embedOne(ctx context.Context, msg *types.Message) error {
	text := b.tokens.Truncate(msg.Content, b.cfg.EmbeddingMaxTokens)
	vector, err := b.embedder.Embed(ctx, text)
	if err != nil {
		return fmt.Errorf("embed content: %w", err)
	}
	if vector == nil {
		return nil
	}
	if err := b.store.UpdateMessageVector(ctx, msg.ID, vector); err != nil {
		return fmt.Errorf("store vector: %w", err)
	}
	return nil
}

// GenerateTitle asks the title model to name the chat from its first
// exchange and persists the result. Intended for the first turn only; the
// caller decides when a chat qualifies.
func (b *Background) GenerateTitle(chatID, userMessage, reply string) {
	ctx, cancel := context.WithTimeout(context.Background(), backgroundTimeout)
	defer cancel()

	title, err := b.requestTitle(ctx, userMessage, reply)
	if err != nil {
		b.onFailure("title")
		b.logger.Error("chat titling failed", "chat_id", chatID, "error", err)
		return
	}
	if title == "" {
		return
	}
	if err := b.store.UpdateChatTitle(ctx, chatID, title); err != nil {
		b.onFailure("title")
		b.logger.Error("chat title save failed", "chat_id", chatID, "error", err)
	}
}

func (b *Background) requestTitle(ctx context.Context, userMessage, reply string) (string, error) {
	messages := []types.PromptMessage{
		{Role: types.RoleSystem, Content: titlePrompt},
		{Role: types.RoleUser, Content: "User: " + userMessage + "\n\nAssistant: " + reply},
	}

	fragments, err := b.inference.Stream(ctx, messages, provider.StreamOptions{
		Provider: b.cfg.TitleProvider,
		Model:    b.cfg.TitleModel,
	})
	if err != nil {
		return "", fmt.Errorf("start title stream: %w", err)
	}

	var out strings.Builder
	for frag := range fragments {
		switch frag.Kind {
		case provider.FragmentContent:
			out.WriteString(frag.Content)
		case provider.FragmentError:
			return "", fmt.Errorf("title stream: %s", frag.Err)
		}
	}
	return cleanTitle(out.String()), nil
}

// cleanTitle strips the wrapping quotes models like to add and caps the
// length.
func cleanTitle(raw string) string {
	title := strings.TrimSpace(raw)
	title = strings.Trim(title, `"'`)
	title = strings.TrimSpace(title)
	if len(title) > maxTitleLength {
		title = strings.TrimSpace(title[:maxTitleLength])
	}
	return title
}
