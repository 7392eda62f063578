package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/auth"
	"github.com/lalithlochan/courier/internal/db"
	"github.com/lalithlochan/courier/internal/worker"
)

// maxBodyBytes caps request bodies read by handlers.
const maxBodyBytes = 1 << 20

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Dispatcher runs one delivery batch for a channel name.
type Dispatcher interface {
	Run(ctx context.Context, channel string) (worker.Summary, error)
}

// OAuthFlow is the calendar connection handshake.
type OAuthFlow interface {
	Start(session auth.Session, provider, returnURL string) (string, error)
	Callback(ctx context.Context, provider, code, state, providerError string) (string, error)
}

// Store is the persistence used by producer, diagnostics and inbound routes.
type Store interface {
	EnqueueEvent(ctx context.Context, tenantID uuid.UUID, eventType string, webhookPayload, chatPayload json.RawMessage) (db.FanOutResult, error)
	EnqueuePush(ctx context.Context, tenantID, userID uuid.UUID, eventType string, payload json.RawMessage) (int, error)
	EnqueueCalendar(ctx context.Context, tenantID uuid.UUID, provider, eventType string, payload json.RawMessage) (uuid.UUID, error)
	GetJob(ctx context.Context, ch db.Channel, tenantID, id uuid.UUID) (*db.DeliveryJob, error)
	RecordBillingEvent(ctx context.Context, ev *db.BillingEvent) (bool, error)
	RecordInboundEmail(ctx context.Context, email *db.InboundEmail) (bool, error)
}

// ReplayGuard remembers inbound event ids.
type ReplayGuard interface {
	Claim(ctx context.Context, source, eventID string) (bool, error)
	Release(ctx context.Context, source, eventID string) error
}

// HealthChecker reports dependency health.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// InboundConfig holds the inbound webhook secrets.
type InboundConfig struct {
	StripeSecret string
	SvixSecret   string
	Tolerance    time.Duration
}

// Deps are the collaborators of Handler. Replay and Health may be nil.
type Deps struct {
	Dispatcher Dispatcher
	OAuth      OAuthFlow
	Store      Store
	Replay     ReplayGuard
	Health     HealthChecker
	Inbound    InboundConfig
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger     *zap.Logger
	dispatcher Dispatcher
	oauth      OAuthFlow
	store      Store
	replay     ReplayGuard
	health     HealthChecker
	inbound    InboundConfig
	validate   *validator.Validate
	now        func() time.Time
}

// NewHandler creates a new API handler
func NewHandler(logger *zap.Logger, deps Deps) *Handler {
	return &Handler{
		logger:     logger,
		dispatcher: deps.Dispatcher,
		oauth:      deps.OAuth,
		store:      deps.Store,
		replay:     deps.Replay,
		health:     deps.Health,
		inbound:    deps.Inbound,
		validate:   validator.New(validator.WithRequiredStructEnabled()),
		now:        time.Now,
	}
}

// Dispatch handles POST /internal/dispatch/{channel}: one batch, summary back.
func (h *Handler) Dispatch(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "channel")

	summary, err := h.dispatcher.Run(r.Context(), name)
	switch {
	case errors.Is(err, db.ErrUnknownChannel):
		h.writeError(w, http.StatusNotFound, "unknown_channel", "Unknown channel", fmt.Sprintf("no channel named %q", name))
		return
	case errors.Is(err, worker.ErrChannelNotConfigured):
		h.writeError(w, http.StatusInternalServerError, "channel_not_configured", "Channel not configured", err.Error())
		return
	case err != nil:
		h.logger.Error("dispatch batch failed",
			zap.Error(err),
			zap.String("channel", name),
		)
		h.writeError(w, http.StatusInternalServerError, "dispatch_failed", "Dispatch failed", "")
		return
	}

	h.writeJSON(w, http.StatusOK, summary)
}

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.health.Health(ctx); err != nil {
			h.logger.Warn("health check failed", zap.Error(err))
			h.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// decodeBody reads a JSON request body into dst and validates it.
func (h *Handler) decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.writeError(w, http.StatusRequestEntityTooLarge, "invalid_request", "Body too large", err.Error())
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Validation failed", err.Error())
		return false
	}
	return true
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("failed to encode response", zap.Error(err))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
