package types

import "time"

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a persisted chat message. Content is immutable once created;
// only metadata (pin flag, audit blob, vector, cost/token fields) may change.
type Message struct {
	ID        string    `json:"id"`
	ChatID    string    `json:"chat_id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
	IsPinned  bool      `json:"is_pinned"`

	// Assistant-message metadata, zero-valued for user messages.
	Provider  string  `json:"provider,omitempty"`
	Model     string  `json:"model,omitempty"`
	TokensIn  int     `json:"tokens_in,omitempty"`
	TokensOut int     `json:"tokens_out,omitempty"`
	CostInUSD float64 `json:"cost_in_usd,omitempty"`

	// SentContext is the serialized audit record attached to assistant and
	// error messages. Opaque at this layer.
	SentContext string `json:"sent_context,omitempty"`
}

type Chat struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	Provider  string    `json:"provider"`
	Title     string    `json:"title,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// PromptMessage is one entry of the exact ordered request sent to inference.
type PromptMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Origin tags which selection tier included a message in the context.
type Origin string

const (
	OriginPinned Origin = "pinned"
	OriginRAG    Origin = "rag"
	OriginRecent Origin = "recent"
	// OriginRAGRecent marks a message that appeared in both the similarity
	// and recency candidate pools.
	OriginRAGRecent Origin = "rag+recent"
	OriginManual    Origin = "manual"
)
