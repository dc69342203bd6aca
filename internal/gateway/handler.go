package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/af-corp/loom/internal/auth"
	"github.com/af-corp/loom/internal/httputil"
	"github.com/af-corp/loom/internal/pipeline"
	"github.com/af-corp/loom/internal/ratelimit"
	"github.com/af-corp/loom/internal/store"
	"github.com/af-corp/loom/internal/types"
)

// Turner runs one conversation turn end to end, emitting events as it goes.
type Turner interface {
	ProcessTurn(ctx context.Context, userID string, req *types.TurnRequest, emit pipeline.Emit) error
}

// Store is the persistence surface the HTTP layer reads directly.
type Store interface {
	FindChat(ctx context.Context, id, ownerID string) (*types.Chat, error)
	FindMessagesByChat(ctx context.Context, chatID string, f store.MessageFilter) ([]types.Message, error)
	SetMessagePinned(ctx context.Context, id, ownerID string, pinned bool) error
}

// Handler holds dependencies for the HTTP handlers.
type Handler struct {
	turns  Turner
	store  Store
	budget *ratelimit.BudgetTracker
}

func NewHandler(turns Turner, st Store, budget *ratelimit.BudgetTracker) *Handler {
	return &Handler{turns: turns, store: st, budget: budget}
}

// Turn handles POST /v1/turns. The response is an SSE stream of turn events;
// failures before the first event are plain JSON errors instead.
func (h *Handler) Turn(w http.ResponseWriter, r *http.Request) {
	reqID := w.Header().Get("X-Request-ID")

	authInfo, ok := auth.AuthFromContext(r.Context())
	if !ok {
		httputil.WriteAuthError(w, reqID, "Not authenticated")
		return
	}

	var req types.TurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteBadRequestError(w, reqID, "Invalid JSON: "+err.Error())
		return
	}
	defer r.Body.Close()

	sse, ok := newSSEWriter(w, reqID)
	if !ok {
		httputil.WriteInternalError(w, reqID, "Streaming not supported")
		return
	}

	// Events arrive from the request goroutine only, so the cost capture
	// needs no locking.
	var turnCost float64
	emit := func(ev types.StreamEvent) {
		if ev.Type == types.EventTelemetry && ev.Metrics != nil {
			turnCost = ev.Metrics.CostInUSD
		}
		if err := sse.WriteEvent(ev); err != nil {
			slog.Error("event write failed", "request_id", reqID, "error", err)
		}
	}

	err := h.turns.ProcessTurn(r.Context(), authInfo.UserID, &req, emit)
	if err != nil {
		if !sse.Started() {
			writeTurnError(w, reqID, err)
			return
		}
		// The stream already carries the error event; nothing more to send.
		slog.Error("turn failed mid-stream", "request_id", reqID, "user_id", authInfo.UserID, "error", err)
		return
	}

	if turnCost > 0 && h.budget != nil {
		if err := h.budget.RecordSpend(r.Context(), authInfo.UserID, turnCost); err != nil {
			slog.Warn("spend recording failed", "request_id", reqID, "user_id", authInfo.UserID, "error", err)
		}
	}
	sse.Done()
}

func writeTurnError(w http.ResponseWriter, reqID string, err error) {
	var ve *pipeline.ValidationError
	switch {
	case errors.As(err, &ve):
		httputil.WriteBadRequestError(w, reqID, ve.Error())
	case errors.Is(err, pipeline.ErrChatNotFound):
		httputil.WriteNotFoundError(w, reqID, err.Error())
	default:
		slog.Error("turn failed", "request_id", reqID, "error", err)
		httputil.WriteInternalError(w, reqID, "Turn processing failed")
	}
}

// ChatMessages handles GET /v1/chats/{chatID}/messages
func (h *Handler) ChatMessages(w http.ResponseWriter, r *http.Request) {
	reqID := w.Header().Get("X-Request-ID")

	authInfo, ok := auth.AuthFromContext(r.Context())
	if !ok {
		httputil.WriteAuthError(w, reqID, "Not authenticated")
		return
	}

	chatID := chi.URLParam(r, "chatID")
	chat, err := h.store.FindChat(r.Context(), chatID, authInfo.UserID)
	if err != nil {
		slog.Error("chat lookup failed", "request_id", reqID, "chat_id", chatID, "error", err)
		httputil.WriteInternalError(w, reqID, "Failed to load chat")
		return
	}
	if chat == nil {
		httputil.WriteNotFoundError(w, reqID, "Chat not found")
		return
	}

	messages, err := h.store.FindMessagesByChat(r.Context(), chatID, store.MessageFilter{})
	if err != nil {
		slog.Error("history lookup failed", "request_id", reqID, "chat_id", chatID, "error", err)
		httputil.WriteInternalError(w, reqID, "Failed to load messages")
		return
	}
	if messages == nil {
		messages = []types.Message{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(chatMessagesResponse{
		ChatID:   chatID,
		Title:    chat.Title,
		Messages: messages,
	})
}

type chatMessagesResponse struct {
	ChatID   string          `json:"chat_id"`
	Title    string          `json:"title,omitempty"`
	Messages []types.Message `json:"messages"`
}

// PinMessage handles POST /v1/messages/{messageID}/pin
func (h *Handler) PinMessage(w http.ResponseWriter, r *http.Request) {
	reqID := w.Header().Get("X-Request-ID")

	authInfo, ok := auth.AuthFromContext(r.Context())
	if !ok {
		httputil.WriteAuthError(w, reqID, "Not authenticated")
		return
	}

	var req pinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteBadRequestError(w, reqID, "Invalid JSON: "+err.Error())
		return
	}
	defer r.Body.Close()
	if req.Pinned == nil {
		httputil.WriteBadRequestError(w, reqID, "pinned is required")
		return
	}

	messageID := chi.URLParam(r, "messageID")
	err := h.store.SetMessagePinned(r.Context(), messageID, authInfo.UserID, *req.Pinned)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httputil.WriteNotFoundError(w, reqID, "Message not found")
			return
		}
		slog.Error("pin update failed", "request_id", reqID, "message_id", messageID, "error", err)
		httputil.WriteInternalError(w, reqID, "Failed to update pin")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(pinResponse{ID: messageID, Pinned: *req.Pinned})
}

type pinRequest struct {
	Pinned *bool `json:"pinned"`
}

type pinResponse struct {
	ID     string `json:"id"`
	Pinned bool   `json:"pinned"`
}
