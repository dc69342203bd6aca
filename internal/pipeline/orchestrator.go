package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/af-corp/loom/internal/config"
	"github.com/af-corp/loom/internal/provider"
	"github.com/af-corp/loom/internal/store"
	"github.com/af-corp/loom/internal/telemetry"
	"github.com/af-corp/loom/internal/types"
)

// errorMessagePrefix marks persisted assistant rows that hold a failure
// notice instead of a model reply.
const errorMessagePrefix = "[error] "

// Orchestrator runs one conversation turn end to end: validate, persist the
// user message, assemble context, stream the reply, persist the outcome, and
// dispatch the post-turn background tasks.
type Orchestrator struct {
	store      Store
	assembler  *Assembler
	payloads   *PayloadBuilder
	guard      *TokenGuard
	audits     *AuditBuilder
	streams    *StreamManager
	pricer     *Pricer
	background *Background
	metrics    *telemetry.Metrics
	defaults   config.PipelineConfig
	logger     *slog.Logger

	// dispatch runs a background task; replaced in tests to run inline.
	dispatch func(func())
}

func NewOrchestrator(st Store, assembler *Assembler, payloads *PayloadBuilder, guard *TokenGuard, audits *AuditBuilder, streams *StreamManager, pricer *Pricer, background *Background, metrics *telemetry.Metrics, defaults config.PipelineConfig, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		store:      st,
		assembler:  assembler,
		payloads:   payloads,
		guard:      guard,
		audits:     audits,
		streams:    streams,
		pricer:     pricer,
		background: background,
		metrics:    metrics,
		defaults:   defaults,
		logger:     logger,
		dispatch:   func(task func()) { go task() },
	}
}

// ProcessTurn handles one inbound turn for userID, emitting events as it
// goes. Validation failures return a *ValidationError before anything is
// persisted; once the user message is saved, failures are additionally
// recorded as an error message in the chat so the history reflects what
// happened.
func (o *Orchestrator) ProcessTurn(ctx context.Context, userID string, req *types.TurnRequest, emit Emit) error {
	start := time.Now()

	turn, err := ValidateTurn(req)
	if err != nil {
		return err
	}

	providerName := req.Provider
	if providerName == "" {
		providerName = o.defaults.DefaultProvider
	}
	model := req.Model
	if model == "" {
		model = o.defaults.DefaultModel
	}

	chat, err := o.resolveChat(ctx, userID, req.ChatID, providerName)
	if err != nil {
		return err
	}

	cfg := ValidateConfig(req.ContextConfig, o.defaults)

	userMsg, err := o.store.CreateMessage(ctx, store.CreateMessageParams{
		ChatID:  chat.ID,
		Role:    types.RoleUser,
		Content: turn.Content,
	})
	if err != nil {
		return fmt.Errorf("save user message: %w", err)
	}
	emit(types.StreamEvent{
		Type:          types.EventUserMessageSaved,
		ChatID:        chat.ID,
		UserMessageID: userMsg.ID,
	})

	assembled, err := o.assembler.Assemble(ctx, userMsg, turn, req.SelectedMessageIDs, cfg, emit)
	if err != nil {
		return o.failTurn(ctx, chat, providerName, model, nil, nil, start, emit, err)
	}

	systemPrompt := cfg.SystemPrompt
	if req.Context != nil {
		if override := strings.TrimSpace(*req.Context); override != "" {
			systemPrompt = override
		}
	}

	payload := o.payloads.Build(systemPrompt, assembled, turn.Content)
	o.guard.Check(model, payload, emit)

	sampling := req.SamplingParams()
	audit := o.audits.Build(providerName, model, userMsg.ID, sampling, turn, cfg, assembled, payload)

	opts := provider.StreamOptions{Provider: providerName, Model: model, UserID: userID}
	if !sampling.Auto() {
		opts.Sampling = &sampling
	}

	result, err := o.streams.Run(ctx, payload.Messages, opts, emit)
	if err != nil {
		if errors.Is(err, ErrStreamIdle) {
			o.metrics.RecordWatchdogTimeout(providerName, model)
		}
		return o.failTurn(ctx, chat, providerName, model, audit, payload, start, emit, err)
	}

	return o.completeTurn(ctx, chat, providerName, model, turn, userMsg, payload, audit, result, start, emit)
}

// resolveChat loads the target chat or creates a fresh one when the request
// names none. Ownership is enforced here: a foreign chat id behaves exactly
// like a missing one.
func (o *Orchestrator) resolveChat(ctx context.Context, userID, chatID, providerName string) (*types.Chat, error) {
	if chatID == "" {
		chat, err := o.store.CreateChat(ctx, userID, providerName)
		if err != nil {
			return nil, fmt.Errorf("create chat: %w", err)
		}
		return chat, nil
	}
	chat, err := o.store.FindChat(ctx, chatID, userID)
	if err != nil {
		return nil, fmt.Errorf("load chat: %w", err)
	}
	if chat == nil {
		return nil, ErrChatNotFound
	}
	return chat, nil
}

func (o *Orchestrator) completeTurn(ctx context.Context, chat *types.Chat, providerName, model string, turn ValidatedTurn, userMsg *types.Message, payload *Payload, audit *AuditRecord, result *StreamResult, start time.Time, emit Emit) error {
	metrics := o.pricer.Finalize(result.Metrics, providerName, model, payload, result.Content)

	sentContext, err := audit.Serialize()
	if err != nil {
		o.logger.Error("audit serialization failed", "chat_id", chat.ID, "error", err)
	}

	assistantMsg, err := o.store.CreateMessage(ctx, store.CreateMessageParams{
		ChatID:      chat.ID,
		Role:        types.RoleAssistant,
		Content:     result.Content,
		Provider:    providerName,
		Model:       model,
		TokensIn:    metrics.TokensIn,
		TokensOut:   metrics.TokensOut,
		CostInUSD:   metrics.CostInUSD,
		SentContext: sentContext,
	})
	if err != nil {
		return o.failTurn(ctx, chat, providerName, model, nil, payload, start, emit, fmt.Errorf("save assistant message: %w", err))
	}

	metrics.MessageID = assistantMsg.ID
	metrics.ChatID = chat.ID
	emit(types.StreamEvent{Type: types.EventTelemetry, Metrics: metrics})

	o.metrics.RecordTurn(telemetry.TurnLabels{
		Provider:   providerName,
		Model:      model,
		Status:     "success",
		DurationMs: float64(time.Since(start).Milliseconds()),
		TokensIn:   metrics.TokensIn,
		TokensOut:  metrics.TokensOut,
		CostUSD:    metrics.CostInUSD,
	})

	o.dispatch(func() { o.background.EmbedMessages(userMsg, assistantMsg) })
	if chat.Title == "" {
		userContent, replyContent := turn.Content, result.Content
		o.dispatch(func() { o.background.GenerateTitle(chat.ID, userContent, replyContent) })
	}
	return nil
}

// failTurn records the failure in the chat history and tells the consumer.
// The original error is always returned: a failing save here is logged but
// never allowed to mask what actually went wrong.
func (o *Orchestrator) failTurn(ctx context.Context, chat *types.Chat, providerName, model string, audit *AuditRecord, payload *Payload, start time.Time, emit Emit, turnErr error) error {
	notice := errorMessagePrefix + turnErr.Error()

	var sentContext string
	if audit != nil {
		auditErr := AuditError{Message: turnErr.Error(), Type: "stream_error"}
		if errors.Is(turnErr, ErrStreamIdle) {
			auditErr.Code = "stream_idle"
		}
		serialized, err := audit.WithError(auditErr).Serialize()
		if err != nil {
			o.logger.Error("audit serialization failed", "chat_id", chat.ID, "error", err)
		} else {
			sentContext = serialized
		}
	}

	noticeMsg, err := o.store.CreateMessage(ctx, store.CreateMessageParams{
		ChatID:      chat.ID,
		Role:        types.RoleAssistant,
		Content:     notice,
		Provider:    providerName,
		Model:       model,
		SentContext: sentContext,
	})
	if err != nil {
		o.logger.Error("error message save failed", "chat_id", chat.ID, "error", err)
	}

	emit(types.StreamEvent{Type: types.EventError, Error: notice})

	// Zero-cost telemetry so the consumer can reconcile the failed turn:
	// tokens went in, nothing billable came out.
	metrics := &types.TelemetryMetrics{
		Provider: providerName,
		Model:    model,
		ChatID:   chat.ID,
	}
	if payload != nil {
		metrics.TokensIn = payload.TotalTokens
	}
	if noticeMsg != nil {
		metrics.MessageID = noticeMsg.ID
	}
	emit(types.StreamEvent{Type: types.EventTelemetry, Metrics: metrics})

	o.metrics.RecordTurn(telemetry.TurnLabels{
		Provider:   providerName,
		Model:      model,
		Status:     "error",
		DurationMs: float64(time.Since(start).Milliseconds()),
	})
	return turnErr
}
