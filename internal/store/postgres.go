package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/af-corp/loom/internal/types"
)

// Postgres persists chats and messages. All operations are single-statement
// and rely on the database for atomicity; concurrent turns on the same chat
// are last-write-wins on chat metadata.
type Postgres struct {
	db *pgxpool.Pool
}

func NewPostgres(db *pgxpool.Pool) *Postgres {
	return &Postgres{db: db}
}

func (s *Postgres) CreateChat(ctx context.Context, ownerID, provider string) (*types.Chat, error) {
	chat := &types.Chat{
		ID:       uuid.NewString(),
		OwnerID:  ownerID,
		Provider: provider,
	}
	err := s.db.QueryRow(ctx, `
		INSERT INTO chats (id, owner_id, provider)
		VALUES ($1, $2, $3)
		RETURNING created_at
	`, chat.ID, ownerID, provider).Scan(&chat.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert chat: %w", err)
	}
	return chat, nil
}

// FindChat returns the chat only when it belongs to ownerID; a missing chat
// and an ownership mismatch are indistinguishable to the caller.
func (s *Postgres) FindChat(ctx context.Context, id, ownerID string) (*types.Chat, error) {
	var chat types.Chat
	var title *string
	err := s.db.QueryRow(ctx, `
		SELECT id, owner_id, provider, title, created_at
		FROM chats
		WHERE id = $1 AND owner_id = $2
	`, id, ownerID).Scan(&chat.ID, &chat.OwnerID, &chat.Provider, &title, &chat.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query chat: %w", err)
	}
	if title != nil {
		chat.Title = *title
	}
	return &chat, nil
}

func (s *Postgres) UpdateChatTitle(ctx context.Context, id, title string) error {
	_, err := s.db.Exec(ctx, `UPDATE chats SET title = $2 WHERE id = $1`, id, title)
	if err != nil {
		return fmt.Errorf("update chat title: %w", err)
	}
	return nil
}

// CreateMessageParams carries everything persisted at message creation.
// Assistant-only fields are ignored for user messages.
type CreateMessageParams struct {
	ChatID      string
	Role        types.Role
	Content     string
	Provider    string
	Model       string
	TokensIn    int
	TokensOut   int
	CostInUSD   float64
	SentContext string
}

func (s *Postgres) CreateMessage(ctx context.Context, p CreateMessageParams) (*types.Message, error) {
	msg := &types.Message{
		ID:          uuid.NewString(),
		ChatID:      p.ChatID,
		Role:        p.Role,
		Content:     p.Content,
		Provider:    p.Provider,
		Model:       p.Model,
		TokensIn:    p.TokensIn,
		TokensOut:   p.TokensOut,
		CostInUSD:   p.CostInUSD,
		SentContext: p.SentContext,
	}
	err := s.db.QueryRow(ctx, `
		INSERT INTO messages (id, chat_id, role, content, provider, model, tokens_in, tokens_out, cost_in_usd, sent_context)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), $7, $8, $9, NULLIF($10, ''))
		RETURNING created_at
	`, msg.ID, p.ChatID, string(p.Role), p.Content, p.Provider, p.Model,
		p.TokensIn, p.TokensOut, p.CostInUSD, p.SentContext).Scan(&msg.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	return msg, nil
}

// MessageFilter narrows FindMessagesByChat. Zero value returns the full chat
// history in ascending chronological order.
type MessageFilter struct {
	PinnedOnly bool
	ExcludeIDs []string
	// Limit keeps only the most recent N matches; results are still
	// returned ascending by created_at.
	Limit int
}

func (s *Postgres) FindMessagesByChat(ctx context.Context, chatID string, f MessageFilter) ([]types.Message, error) {
	query := `
		SELECT id, chat_id, role, content, created_at, is_pinned,
		       COALESCE(provider, ''), COALESCE(model, ''), tokens_in, tokens_out, cost_in_usd
		FROM messages
		WHERE chat_id = $1`
	args := []any{chatID}
	if f.PinnedOnly {
		query += ` AND is_pinned`
	}
	if len(f.ExcludeIDs) > 0 {
		args = append(args, f.ExcludeIDs)
		query += fmt.Sprintf(` AND NOT (id = ANY($%d))`, len(args))
	}
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, len(args))
	} else {
		query += ` ORDER BY created_at ASC`
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	if f.Limit > 0 {
		reverse(msgs)
	}
	return msgs, nil
}

// FindMessagesByIDs returns the chat's messages matching ids, ascending by
// created_at. IDs from other chats are silently dropped.
func (s *Postgres) FindMessagesByIDs(ctx context.Context, chatID string, ids []string) ([]types.Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.db.Query(ctx, `
		SELECT id, chat_id, role, content, created_at, is_pinned,
		       COALESCE(provider, ''), COALESCE(model, ''), tokens_in, tokens_out, cost_in_usd
		FROM messages
		WHERE chat_id = $1 AND id = ANY($2)
		ORDER BY created_at ASC
	`, chatID, ids)
	if err != nil {
		return nil, fmt.Errorf("query messages by ids: %w", err)
	}
	return scanMessages(rows)
}

// ErrNotFound marks a lookup or update that matched no row the caller may
// touch. Ownership mismatches surface as this, never as a permission error.
var ErrNotFound = errors.New("not found")

// SetMessagePinned flips the pin flag on a message owned by ownerID.
func (s *Postgres) SetMessagePinned(ctx context.Context, id, ownerID string, pinned bool) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE messages SET is_pinned = $3
		FROM chats
		WHERE messages.id = $1 AND messages.chat_id = chats.id AND chats.owner_id = $2
	`, id, ownerID, pinned)
	if err != nil {
		return fmt.Errorf("update pin flag: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateMessageVector attaches an embedding to a message. Runs on the
// background path with its own timeout.
func (s *Postgres) UpdateMessageVector(ctx context.Context, id string, embedding []float32) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := s.db.Exec(ctx,
		`UPDATE messages SET embedding = $2::vector WHERE id = $1`,
		id, vectorLiteral(embedding))
	if err != nil {
		return fmt.Errorf("update message vector: %w", err)
	}
	return nil
}

// SimilarMessages returns up to k messages from the chat ranked by cosine
// distance to the query embedding, most similar first.
func (s *Postgres) SimilarMessages(ctx context.Context, chatID string, embedding []float32, k int, excludeIDs []string) ([]types.Message, error) {
	query := `
		SELECT id, chat_id, role, content, created_at, is_pinned,
		       COALESCE(provider, ''), COALESCE(model, ''), tokens_in, tokens_out, cost_in_usd
		FROM messages
		WHERE chat_id = $1 AND embedding IS NOT NULL`
	args := []any{chatID}
	if len(excludeIDs) > 0 {
		args = append(args, excludeIDs)
		query += fmt.Sprintf(` AND NOT (id = ANY($%d))`, len(args))
	}
	args = append(args, vectorLiteral(embedding))
	query += fmt.Sprintf(` ORDER BY embedding <=> $%d::vector`, len(args))
	args = append(args, k)
	query += fmt.Sprintf(` LIMIT $%d`, len(args))

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query similar messages: %w", err)
	}
	return scanMessages(rows)
}

func scanMessages(rows pgx.Rows) ([]types.Message, error) {
	defer rows.Close()
	var msgs []types.Message
	for rows.Next() {
		var m types.Message
		var role string
		if err := rows.Scan(&m.ID, &m.ChatID, &role, &m.Content, &m.CreatedAt, &m.IsPinned,
			&m.Provider, &m.Model, &m.TokensIn, &m.TokensOut, &m.CostInUSD); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Role = types.Role(role)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return msgs, nil
}

// vectorLiteral renders an embedding in pgvector input syntax: [x,y,...].
func vectorLiteral(v []float32) string {
	buf := make([]byte, 0, len(v)*8+2)
	buf = append(buf, '[')
	for i, f := range v {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = fmt.Appendf(buf, "%g", f)
	}
	return string(append(buf, ']'))
}

func reverse(msgs []types.Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}
