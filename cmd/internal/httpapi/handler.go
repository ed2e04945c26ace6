// Package httpapi serves the read-side query surface over HTTP JSON.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"courier/cmd/internal/auth"
	"courier/cmd/internal/chat"
	"courier/cmd/internal/directory"
	"courier/cmd/internal/metrics"

	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"
)

const defaultMaxBodyBytes = 16 << 10

// QueryService is the chat read surface.
type QueryService interface {
	ListConversations(ctx context.Context, userID string) ([]chat.ConversationView, error)
	FetchMessages(ctx context.Context, userID, conversationID string, afterSeq int64, limit int) ([]directory.Message, error)
	LookupConversation(ctx context.Context, userID, counterpartID string) (directory.Conversation, error)
	Presence(ctx context.Context, userID string) (chat.PresenceView, error)
}

// Config tunes the handler.
type Config struct {
	MaxBodyBytes int64
}

// Handler wires the query routes to the chat service.
type Handler struct {
	log      *slog.Logger
	cfg      Config
	verifier auth.Verifier
	svc      QueryService
	metrics  *metrics.Metrics
	validate *validator.Validate
	now      func() time.Time
}

// NewHandler constructs a Handler.
func NewHandler(log *slog.Logger, cfg Config, verifier auth.Verifier, svc QueryService, m *metrics.Metrics) *Handler {
	if log == nil {
		log = slog.Default()
	}
	if m == nil {
		m = metrics.Discard()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	return &Handler{
		log:      log,
		cfg:      cfg,
		verifier: verifier,
		svc:      svc,
		metrics:  m,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		now:      time.Now,
	}
}

// Register wires the query routes onto mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("GET /v1/conversations", h.handleListConversations)
	mux.HandleFunc("GET /v1/conversations/{id}/messages", h.handleFetchMessages)
	mux.HandleFunc("POST /v1/conversations/lookup", h.handleLookup)
	mux.HandleFunc("GET /v1/users/{id}/presence", h.handlePresence)
}

// ---- handlers ----

func (h *Handler) handleListConversations(w http.ResponseWriter, r *http.Request) {
	id, ok := h.requireAuth(w, r)
	if !ok {
		return
	}

	views, err := h.svc.ListConversations(r.Context(), id.UserID)
	if err != nil {
		h.writeServiceError(w, "http.conversations.list", err)
		return
	}
	writeJSON(w, http.StatusOK, conversationsResponse{
		Conversations: lo.Map(views, toConversationResponse),
	})
}

func (h *Handler) handleFetchMessages(w http.ResponseWriter, r *http.Request) {
	id, ok := h.requireAuth(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	afterSeq, err := parseInt(q.Get("after_seq"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", "after_seq must be an integer")
		return
	}
	limit, err := parseInt(q.Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", "limit must be an integer")
		return
	}

	convID := strings.TrimSpace(r.PathValue("id"))
	msgs, err := h.svc.FetchMessages(r.Context(), id.UserID, convID, afterSeq, int(limit))
	if err != nil {
		h.writeServiceError(w, "http.messages.fetch", err)
		return
	}
	writeJSON(w, http.StatusOK, messagesResponse{
		ConversationID: convID,
		Messages:       toMessages(msgs),
	})
}

func (h *Handler) handleLookup(w http.ResponseWriter, r *http.Request) {
	id, ok := h.requireAuth(w, r)
	if !ok {
		return
	}

	var req lookupRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	req.CounterpartID = strings.TrimSpace(req.CounterpartID)
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", "counterpart_id is required")
		return
	}

	conv, err := h.svc.LookupConversation(r.Context(), id.UserID, req.CounterpartID)
	if err != nil {
		h.writeServiceError(w, "http.conversations.lookup", err)
		return
	}
	writeJSON(w, http.StatusOK, lookupResponse{ConversationID: conv.ID})
}

func (h *Handler) handlePresence(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireAuth(w, r); !ok {
		return
	}

	p, err := h.svc.Presence(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeServiceError(w, "http.presence", err)
		return
	}
	writeJSON(w, http.StatusOK, presenceResponse{
		UserID:   p.UserID,
		Online:   p.Online,
		LastSeen: timePtr(p.LastSeen),
	})
}

// ---- helpers ----

func (h *Handler) requireAuth(w http.ResponseWriter, r *http.Request) (auth.Identity, bool) {
	tok := auth.BearerToken(r, false)
	if tok == "" {
		h.metrics.AuthFailures.WithLabelValues("missing_token").Inc()
		writeError(w, http.StatusUnauthorized, "unauthenticated", "authentication required")
		return auth.Identity{}, false
	}
	id, err := h.verifier.Verify(tok, h.now())
	if err != nil {
		h.metrics.AuthFailures.WithLabelValues("invalid_token").Inc()
		writeError(w, http.StatusUnauthorized, "unauthenticated", "authentication required")
		return auth.Identity{}, false
	}
	return id, true
}

func (h *Handler) writeServiceError(w http.ResponseWriter, event string, err error) {
	if errors.Is(err, chat.ErrStorage) {
		h.log.Error(event+".fail", "err", err)
	}
	writeError(w, chat.HTTPStatus(err), chat.Code(err), chat.PublicMessage(err))
}

func parseInt(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}
