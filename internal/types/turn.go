package types

// TurnRequest is the consumer-facing payload for one inbound user turn.
// All fields besides the message text are optional.
type TurnRequest struct {
	Message string `json:"message,omitempty"`
	// Prompt takes precedence over Message when both are set.
	Prompt   string `json:"prompt,omitempty"`
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`
	ChatID   string `json:"chat_id,omitempty"`

	// Context, when present, switches the turn to manual mode and replaces
	// the system prompt with its value.
	Context *string `json:"context,omitempty"`
	// SelectedMessageIDs, when non-empty, switches the turn to manual mode
	// with an explicit history selection.
	SelectedMessageIDs []string `json:"selected_message_ids,omitempty"`

	Strategy string `json:"strategy,omitempty"`

	Temperature  *float64 `json:"temperature,omitempty"`
	TopP         *float64 `json:"top_p,omitempty"`
	TopK         *int     `json:"top_k,omitempty"`
	MaxTokens    *int     `json:"max_tokens,omitempty"`
	MemoryWindow *int     `json:"memory_window,omitempty"`

	ContextConfig *ContextPipelineConfig `json:"context_config,omitempty"`
}

// SamplingParams returns the caller-supplied inference parameters.
func (r *TurnRequest) SamplingParams() SamplingParams {
	return SamplingParams{
		Temperature: r.Temperature,
		TopP:        r.TopP,
		TopK:        r.TopK,
		MaxTokens:   r.MaxTokens,
	}
}

// SamplingParams holds the inference parameters a caller may pin. Nil means
// "auto": the provider's own default is used and the parameter is not sent.
type SamplingParams struct {
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	TopK        *int     `json:"top_k,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
}

// Auto reports whether every sampling parameter is unset. A single explicit
// parameter forces manual inference mode.
func (p SamplingParams) Auto() bool {
	return p.Temperature == nil && p.TopP == nil && p.TopK == nil && p.MaxTokens == nil
}

// ContextPipelineConfig is the per-request tuning surface for context
// assembly. Pointer fields distinguish "absent" from explicit zero values;
// validation clamps everything into range (see pipeline.ValidateConfig).
type ContextPipelineConfig struct {
	SystemPrompt     *string `json:"system_prompt,omitempty"`
	PinnedEnabled    *bool   `json:"pinned_enabled,omitempty"`
	RecentEnabled    *bool   `json:"recent_enabled,omitempty"`
	RecentCount      *int    `json:"recent_count,omitempty"`
	RAGEnabled       *bool   `json:"rag_enabled,omitempty"`
	RAGTopK          *int    `json:"rag_top_k,omitempty"`
	MaxContextTokens *int    `json:"max_context_tokens,omitempty"`
}
