package pipeline

import (
	"fmt"
	"log/slog"

	"github.com/af-corp/loom/internal/config"
	"github.com/af-corp/loom/internal/types"
)

// warnThreshold is the fraction of a model's context limit past which the
// guard raises its advisory warning.
const warnThreshold = 0.9

// TokenGuard is an advisory pre-flight check on payload size. It warns when
// the payload approaches the model's context limit but never blocks the
// request: the provider is the authority on hard limits.
type TokenGuard struct {
	models *config.ModelsConfig
	logger *slog.Logger
}

func NewTokenGuard(models *config.ModelsConfig, logger *slog.Logger) *TokenGuard {
	return &TokenGuard{models: models, logger: logger}
}

// Check emits a debug event and logs a warning when the payload exceeds 90%
// of the model's known context limit. Unknown models are checked against the
// conservative default limit.
func (g *TokenGuard) Check(model string, payload *Payload, emit Emit) {
	info, known := g.models.Lookup(model)
	threshold := int(float64(info.ContextLimit) * warnThreshold)
	if payload.TotalTokens <= threshold {
		return
	}

	g.logger.Warn("payload near context limit",
		"model", model,
		"model_known", known,
		"payload_tokens", payload.TotalTokens,
		"context_limit", info.ContextLimit,
	)
	emit(types.StreamEvent{
		Type: types.EventDebug,
		Log: fmt.Sprintf("warning: payload is %d tokens, near the %d token limit for %s",
			payload.TotalTokens, info.ContextLimit, model),
	})
}
