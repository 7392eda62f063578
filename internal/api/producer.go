package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/auth"
	"github.com/lalithlochan/courier/internal/db"
	"github.com/lalithlochan/courier/internal/metrics"
	"github.com/lalithlochan/courier/internal/worker"
)

// EventRequest fans an application event out to webhook and chat targets.
// Chat is optional; without it chat targets get the event type as text.
type EventRequest struct {
	EventType string          `json:"event_type" validate:"required,max=128"`
	Data      json.RawMessage `json:"data" validate:"required"`
	Chat      json.RawMessage `json:"chat,omitempty"`
}

// EventResponse reports how many jobs were created.
type EventResponse struct {
	EventType string          `json:"event_type"`
	Jobs      db.FanOutResult `json:"jobs"`
}

// PushRequest enqueues a notification for every active device of a user.
type PushRequest struct {
	UserID       string          `json:"user_id" validate:"required,uuid"`
	EventType    string          `json:"event_type" validate:"required,max=128"`
	Notification json.RawMessage `json:"notification" validate:"required"`
}

// CalendarRequest enqueues an event write to the tenant's connected calendar.
type CalendarRequest struct {
	Provider  string          `json:"provider" validate:"required,oneof=google microsoft"`
	EventType string          `json:"event_type" validate:"required,max=128"`
	Event     json.RawMessage `json:"event" validate:"required"`
}

// PublishEvent handles POST /v1/events
func (h *Handler) PublishEvent(w http.ResponseWriter, r *http.Request) {
	session, _ := auth.FromContext(r.Context())

	var req EventRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	if err := worker.ValidatePayload(db.ChannelWebhook, req.Data); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_payload", "Invalid data", err.Error())
		return
	}

	chat := req.Chat
	if len(chat) == 0 {
		chat, _ = json.Marshal(worker.ChatPayload{Text: req.EventType})
	}
	if err := worker.ValidatePayload(db.ChannelChat, chat); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_payload", "Invalid chat message", err.Error())
		return
	}

	res, err := h.store.EnqueueEvent(r.Context(), session.TenantID, req.EventType, req.Data, chat)
	if err != nil {
		h.logger.Error("failed to enqueue event",
			zap.Error(err),
			zap.String("tenant_id", session.TenantID.String()),
			zap.String("event_type", req.EventType),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to enqueue event", "")
		return
	}

	metrics.RecordJobsEnqueued(string(db.ChannelWebhook), res.Webhook)
	metrics.RecordJobsEnqueued(string(db.ChannelChat), res.Chat)

	h.writeJSON(w, http.StatusAccepted, EventResponse{EventType: req.EventType, Jobs: res})
}

// EnqueuePush handles POST /v1/push
func (h *Handler) EnqueuePush(w http.ResponseWriter, r *http.Request) {
	session, _ := auth.FromContext(r.Context())

	var req PushRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	if err := worker.ValidatePayload(db.ChannelPush, req.Notification); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_payload", "Invalid notification", err.Error())
		return
	}

	userID := uuid.MustParse(req.UserID)
	n, err := h.store.EnqueuePush(r.Context(), session.TenantID, userID, req.EventType, req.Notification)
	if err != nil {
		h.logger.Error("failed to enqueue push",
			zap.Error(err),
			zap.String("tenant_id", session.TenantID.String()),
			zap.String("user_id", req.UserID),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to enqueue push", "")
		return
	}

	metrics.RecordJobsEnqueued(string(db.ChannelPush), n)
	h.writeJSON(w, http.StatusAccepted, map[string]int{"jobs": n})
}

// EnqueueCalendarEvent handles POST /v1/calendar-events
func (h *Handler) EnqueueCalendarEvent(w http.ResponseWriter, r *http.Request) {
	session, _ := auth.FromContext(r.Context())

	var req CalendarRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	if err := worker.ValidatePayload(db.ChannelCalendar, req.Event); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_payload", "Invalid calendar event", err.Error())
		return
	}

	id, err := h.store.EnqueueCalendar(r.Context(), session.TenantID, req.Provider, req.EventType, req.Event)
	if errors.Is(err, db.ErrNotFound) {
		h.writeError(w, http.StatusConflict, "calendar_not_connected", "Calendar not connected",
			"connect a "+req.Provider+" calendar before sending events")
		return
	}
	if err != nil {
		h.logger.Error("failed to enqueue calendar event",
			zap.Error(err),
			zap.String("tenant_id", session.TenantID.String()),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to enqueue calendar event", "")
		return
	}

	metrics.RecordJobsEnqueued(string(db.ChannelCalendar), 1)
	h.writeJSON(w, http.StatusAccepted, map[string]string{"id": id.String()})
}

// GetDelivery handles GET /v1/deliveries/{channel}/{id}
func (h *Handler) GetDelivery(w http.ResponseWriter, r *http.Request) {
	session, _ := auth.FromContext(r.Context())

	ch, ok := db.ParseChannel(chi.URLParam(r, "channel"))
	if !ok {
		h.writeError(w, http.StatusNotFound, "unknown_channel", "Unknown channel", "")
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid delivery ID", "ID must be a valid UUID")
		return
	}

	job, err := h.store.GetJob(r.Context(), ch, session.TenantID, id)
	if errors.Is(err, db.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "not_found", "Delivery not found", "")
		return
	}
	if err != nil {
		h.logger.Error("failed to get delivery",
			zap.Error(err),
			zap.String("id", id.String()),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to retrieve delivery", "")
		return
	}

	h.writeJSON(w, http.StatusOK, job)
}
