package pipeline

import (
	"errors"
	"strings"

	"github.com/af-corp/loom/internal/config"
	"github.com/af-corp/loom/internal/types"
)

// ValidationError marks caller mistakes that are rejected before anything is
// persisted.
type ValidationError struct {
	msg string
}

func (e *ValidationError) Error() string { return e.msg }

// ErrChatNotFound covers both a missing chat id and an ownership mismatch;
// callers cannot tell the two apart.
var ErrChatNotFound = errors.New("chat not found or access denied")

// ValidatedTurn is the normalized inbound turn. Strategy and MemoryWindow
// are caller-supplied labels recorded in the audit trail.
type ValidatedTurn struct {
	Content      string
	ManualMode   bool
	Strategy     string
	MemoryWindow *int
}

// ValidateTurn normalizes the turn request. Prompt takes precedence over
// Message; whitespace-only input is rejected. Manual mode is detected from
// an explicit context override or a non-empty message selection.
func ValidateTurn(req *types.TurnRequest) (ValidatedTurn, error) {
	content := req.Prompt
	if content == "" {
		content = req.Message
	}
	if content == "" {
		return ValidatedTurn{}, &ValidationError{msg: "message or prompt is required"}
	}

	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return ValidatedTurn{}, &ValidationError{msg: "message cannot be empty"}
	}

	manual := req.Context != nil || len(req.SelectedMessageIDs) > 0

	return ValidatedTurn{
		Content:      trimmed,
		ManualMode:   manual,
		Strategy:     req.Strategy,
		MemoryWindow: req.MemoryWindow,
	}, nil
}

// Config is the validated, clamped context-pipeline configuration.
type Config struct {
	SystemPrompt     string
	PinnedEnabled    bool
	RecentEnabled    bool
	RecentCount      int
	RAGEnabled       bool
	RAGTopK          int
	MaxContextTokens int
}

const (
	minRecentCount   = 1
	maxRecentCount   = 50
	minRAGTopK       = 1
	maxRAGTopK       = 20
	minContextTokens = 1000
	maxContextTokens = 100000
)

// ValidateConfig merges the caller's overrides onto the server defaults and
// clamps every numeric field into range. Never fails: out-of-range values
// are corrected, not rejected.
func ValidateConfig(override *types.ContextPipelineConfig, defaults config.PipelineConfig) Config {
	cfg := Config{
		SystemPrompt:     defaults.SystemPrompt,
		PinnedEnabled:    true,
		RecentEnabled:    true,
		RecentCount:      defaults.RecentCount,
		RAGEnabled:       defaults.RAGEnabled,
		RAGTopK:          defaults.RAGTopK,
		MaxContextTokens: defaults.MaxContextTokens,
	}
	if override == nil {
		return cfg
	}

	if override.SystemPrompt != nil {
		if trimmed := strings.TrimSpace(*override.SystemPrompt); trimmed != "" {
			cfg.SystemPrompt = trimmed
		}
	}
	if override.PinnedEnabled != nil {
		cfg.PinnedEnabled = *override.PinnedEnabled
	}
	if override.RecentEnabled != nil {
		cfg.RecentEnabled = *override.RecentEnabled
	}
	if override.RAGEnabled != nil {
		cfg.RAGEnabled = *override.RAGEnabled
	}
	if override.RecentCount != nil {
		cfg.RecentCount = clamp(*override.RecentCount, minRecentCount, maxRecentCount)
	}
	if override.RAGTopK != nil {
		cfg.RAGTopK = clamp(*override.RAGTopK, minRAGTopK, maxRAGTopK)
	}
	if override.MaxContextTokens != nil {
		cfg.MaxContextTokens = clamp(*override.MaxContextTokens, minContextTokens, maxContextTokens)
	}
	return cfg
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
