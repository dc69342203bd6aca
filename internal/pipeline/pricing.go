package pipeline

import (
	"log/slog"

	"github.com/af-corp/loom/internal/config"
	"github.com/af-corp/loom/internal/tokenizer"
	"github.com/af-corp/loom/internal/types"
)

// Pricer turns provider usage reports into billable figures, filling in
// local estimates when a provider omits usage from its stream.
type Pricer struct {
	models *config.ModelsConfig
	tokens tokenizer.Counter
	logger *slog.Logger
}

func NewPricer(models *config.ModelsConfig, tokens tokenizer.Counter, logger *slog.Logger) *Pricer {
	return &Pricer{models: models, tokens: tokens, logger: logger}
}

// Finalize produces the turn's metrics. Provider-reported usage is trusted
// when present; a missing or empty report (TokensIn of zero) triggers a
// local recount of the payload and reply. Cost is always computed here from
// the configured per-model rates, never taken from the provider.
func (p *Pricer) Finalize(reported *types.TelemetryMetrics, providerName, model string, payload *Payload, reply string) *types.TelemetryMetrics {
	metrics := &types.TelemetryMetrics{Provider: providerName, Model: model}
	if reported != nil {
		metrics.TokensIn = reported.TokensIn
		metrics.TokensOut = reported.TokensOut
	}

	if metrics.TokensIn == 0 {
		p.logger.Debug("provider omitted usage, estimating locally",
			"provider", providerName, "model", model)
		metrics.TokensIn = payload.TotalTokens
		metrics.TokensOut = p.tokens.Count(reply)
	}

	info, _ := p.models.Lookup(model)
	metrics.CostInUSD = cost(metrics.TokensIn, info.CostPer1MInput) + cost(metrics.TokensOut, info.CostPer1MOutput)
	return metrics
}

func cost(tokens int, per1M float64) float64 {
	return float64(tokens) / 1_000_000 * per1M
}
