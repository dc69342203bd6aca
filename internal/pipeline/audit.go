package pipeline

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/af-corp/loom/internal/types"
)

// AutoFloat serializes a sampling parameter: the literal value when pinned,
// the string "auto" when the provider default was used.
type AutoFloat struct {
	value *float64
}

func (a AutoFloat) MarshalJSON() ([]byte, error) {
	if a.value == nil {
		return []byte(`"auto"`), nil
	}
	return json.Marshal(*a.value)
}

// AutoInt is AutoFloat for integer parameters.
type AutoInt struct {
	value *int
}

func (a AutoInt) MarshalJSON() ([]byte, error) {
	if a.value == nil {
		return []byte(`"auto"`), nil
	}
	return json.Marshal(*a.value)
}

// AuditSampling is the inference-parameter snapshot stored in the audit
// record. Mode is "manual" when any parameter was pinned by the caller.
type AuditSampling struct {
	Mode        string    `json:"mode"`
	Temperature AutoFloat `json:"temperature"`
	TopP        AutoFloat `json:"top_p"`
	TopK        AutoInt   `json:"top_k"`
	MaxTokens   AutoInt   `json:"max_tokens"`
}

// AuditContext is the context-assembly snapshot stored in the audit record.
type AuditContext struct {
	Mode             string  `json:"mode"`
	Strategy         string  `json:"strategy,omitempty"`
	MemoryWindow     AutoInt `json:"memory_window"`
	PinnedEnabled    bool    `json:"pinned_enabled"`
	RecentEnabled    bool    `json:"recent_enabled"`
	RecentCount      int     `json:"recent_count"`
	RAGEnabled       bool    `json:"rag_enabled"`
	RAGTopK          int     `json:"rag_top_k"`
	MaxContextTokens int     `json:"max_context_tokens"`
}

// AuditError is the structured failure block attached to the audit record of
// a failed turn.
type AuditError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
	Status  int    `json:"status,omitempty"`
	Type    string `json:"type"`
}

// AuditRecord is the lean per-turn audit trail persisted alongside the
// assistant message. It references history by message id rather than
// duplicating content; the system prompt is the one exception, stored
// verbatim because it has no message row of its own.
type AuditRecord struct {
	Provider      string        `json:"provider"`
	Model         string        `json:"model"`
	UserMessageID string        `json:"user_message_id"`
	SystemPrompt  string        `json:"system_prompt"`
	Sampling      AuditSampling `json:"sampling"`
	Context       AuditContext  `json:"context"`

	MessageIDs        []string             `json:"message_ids"`
	PinnedStepIndices []int                `json:"pinned_step_indices"`
	StepOrigins       map[int]types.Origin `json:"step_origins"`
	TotalTokens       int                  `json:"total_tokens"`

	CreatedAt time.Time   `json:"created_at"`
	Error     *AuditError `json:"error,omitempty"`
}

// AuditBuilder constructs audit records from the turn's resolved inputs.
type AuditBuilder struct {
	now func() time.Time
}

func NewAuditBuilder() *AuditBuilder {
	return &AuditBuilder{now: time.Now}
}

// Build snapshots what was sent and why. The record stays valid even after
// referenced messages are deleted: step indices and origins describe payload
// positions, not row contents.
func (b *AuditBuilder) Build(provider, model, userMessageID string, sampling types.SamplingParams, turn ValidatedTurn, cfg Config, assembled *AssembledContext, payload *Payload) *AuditRecord {
	samplingMode := "auto"
	if !sampling.Auto() {
		samplingMode = "manual"
	}
	contextMode := "auto"
	if turn.ManualMode {
		contextMode = "manual"
	}

	ids := make([]string, 0, len(assembled.Messages))
	for _, m := range assembled.Messages {
		ids = append(ids, m.ID)
	}

	return &AuditRecord{
		Provider:      provider,
		Model:         model,
		UserMessageID: userMessageID,
		SystemPrompt:  payload.Messages[0].Content,
		Sampling: AuditSampling{
			Mode:        samplingMode,
			Temperature: AutoFloat{value: sampling.Temperature},
			TopP:        AutoFloat{value: sampling.TopP},
			TopK:        AutoInt{value: sampling.TopK},
			MaxTokens:   AutoInt{value: sampling.MaxTokens},
		},
		Context: AuditContext{
			Mode:             contextMode,
			Strategy:         turn.Strategy,
			MemoryWindow:     AutoInt{value: turn.MemoryWindow},
			PinnedEnabled:    cfg.PinnedEnabled,
			RecentEnabled:    cfg.RecentEnabled,
			RecentCount:      cfg.RecentCount,
			RAGEnabled:       cfg.RAGEnabled,
			RAGTopK:          cfg.RAGTopK,
			MaxContextTokens: cfg.MaxContextTokens,
		},
		MessageIDs:        ids,
		PinnedStepIndices: payload.PinnedStepIndices,
		StepOrigins:       payload.StepOrigins,
		TotalTokens:       payload.TotalTokens,
		CreatedAt:         b.now().UTC(),
	}
}

// WithError returns a copy of the record annotated with the failure. The
// original is left untouched so a record built before streaming can be
// reused on both the success and error paths.
func (r *AuditRecord) WithError(e AuditError) *AuditRecord {
	if e.Type == "" {
		e.Type = "stream_error"
	}
	annotated := *r
	annotated.Error = &e
	return &annotated
}

// Serialize renders the record for storage in the message row.
func (r *AuditRecord) Serialize() (string, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("serialize audit record: %w", err)
	}
	return string(raw), nil
}
