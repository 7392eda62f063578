package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/db"
	"github.com/lalithlochan/courier/internal/metrics"
	"github.com/lalithlochan/courier/internal/signing"
)

const (
	sourceBilling = "billing"
	sourceEmail   = "inbound_email"
)

type billingEnvelope struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

type emailEnvelope struct {
	Type string `json:"type"`
	Data struct {
		From    string   `json:"from"`
		To      []string `json:"to"`
		Subject string   `json:"subject"`
	} `json:"data"`
}

// BillingWebhook handles POST /webhooks/billing. The signature is checked
// against the raw body before anything is parsed.
func (h *Handler) BillingWebhook(w http.ResponseWriter, r *http.Request) {
	body, ok := h.readRawBody(w, r)
	if !ok {
		return
	}

	err := signing.VerifyStripe(r.Header.Get(signing.HeaderStripeSignature), body,
		h.inbound.StripeSecret, h.tolerance(), h.now())
	if err != nil {
		h.rejectInbound(w, sourceBilling, err)
		return
	}
	metrics.RecordInboundVerification(sourceBilling, "verified")

	var env billingEnvelope
	if err := json.Unmarshal(body, &env); err != nil || env.ID == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_payload", "Malformed billing event", "")
		return
	}

	if !h.claimReplay(w, r, sourceBilling, env.ID) {
		return
	}

	inserted, err := h.store.RecordBillingEvent(r.Context(), &db.BillingEvent{
		ProviderEventID: env.ID,
		EventType:       env.Type,
		Payload:         body,
	})
	if err != nil {
		h.releaseReplay(r, sourceBilling, env.ID)
		h.logger.Error("failed to record billing event",
			zap.Error(err),
			zap.String("event_id", env.ID),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to record event", "")
		return
	}
	if !inserted {
		metrics.RecordReplay(sourceBilling)
		h.writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
		return
	}

	h.logger.Info("billing event received",
		zap.String("event_id", env.ID),
		zap.String("event_type", env.Type),
	)
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "received"})
}

// InboundEmailWebhook handles POST /webhooks/inbound-email (svix-signed).
func (h *Handler) InboundEmailWebhook(w http.ResponseWriter, r *http.Request) {
	body, ok := h.readRawBody(w, r)
	if !ok {
		return
	}

	msgID := r.Header.Get(signing.HeaderSvixID)
	err := signing.VerifySvix(msgID, r.Header.Get(signing.HeaderSvixTimestamp),
		r.Header.Get(signing.HeaderSvixSignature), body, h.inbound.SvixSecret, h.tolerance(), h.now())
	if err != nil {
		h.rejectInbound(w, sourceEmail, err)
		return
	}
	metrics.RecordInboundVerification(sourceEmail, "verified")

	var env emailEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_payload", "Malformed email event", "")
		return
	}

	if !h.claimReplay(w, r, sourceEmail, msgID) {
		return
	}

	email := &db.InboundEmail{
		MessageID:   msgID,
		FromAddress: env.Data.From,
		Subject:     env.Data.Subject,
		Payload:     body,
	}
	if len(env.Data.To) > 0 {
		email.ToAddress = env.Data.To[0]
		email.TenantID = tenantFromAddress(email.ToAddress)
	}

	inserted, err := h.store.RecordInboundEmail(r.Context(), email)
	if err != nil {
		h.releaseReplay(r, sourceEmail, msgID)
		h.logger.Error("failed to record inbound email",
			zap.Error(err),
			zap.String("message_id", msgID),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to record email", "")
		return
	}
	if !inserted {
		metrics.RecordReplay(sourceEmail)
		h.writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"status": "received"})
}

func (h *Handler) readRawBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.writeError(w, http.StatusRequestEntityTooLarge, "invalid_request", "Body too large", "")
		return nil, false
	}
	return body, true
}

func (h *Handler) tolerance() time.Duration {
	if h.inbound.Tolerance > 0 {
		return h.inbound.Tolerance
	}
	return signing.DefaultTolerance
}

// rejectInbound maps a verification error to 400 for malformed headers and
// 401 for anything that failed authentication.
func (h *Handler) rejectInbound(w http.ResponseWriter, source string, err error) {
	metrics.RecordInboundVerification(source, "rejected")
	h.logger.Warn("inbound webhook rejected",
		zap.String("source", source),
		zap.Error(err),
	)

	if errors.Is(err, signing.ErrInvalidSecret) {
		h.writeError(w, http.StatusInternalServerError, "misconfigured", "Inbound webhook secret not configured", "")
		return
	}
	if errors.Is(err, signing.ErrMissingHeader) || errors.Is(err, signing.ErrInvalidTimestamp) {
		h.writeError(w, http.StatusBadRequest, "invalid_signature", "Missing or malformed signature headers", "")
		return
	}
	h.writeError(w, http.StatusUnauthorized, "invalid_signature", "Signature verification failed", "")
}

// claimReplay returns false when the response has already been written.
// A ledger outage does not block ingestion; the unique index still dedupes.
func (h *Handler) claimReplay(w http.ResponseWriter, r *http.Request, source, id string) bool {
	if h.replay == nil {
		return true
	}
	first, err := h.replay.Claim(r.Context(), source, id)
	if err != nil {
		h.logger.Warn("replay ledger unavailable", zap.Error(err), zap.String("source", source))
		return true
	}
	if !first {
		metrics.RecordReplay(source)
		h.writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
		return false
	}
	return true
}

func (h *Handler) releaseReplay(r *http.Request, source, id string) {
	if h.replay == nil {
		return
	}
	if err := h.replay.Release(r.Context(), source, id); err != nil {
		h.logger.Warn("failed to release replay claim", zap.Error(err), zap.String("source", source))
	}
}

// tenantFromAddress reads a tenant id from a plus-addressed recipient such
// as "inbox+<tenant-uuid>@example.com".
func tenantFromAddress(addr string) *uuid.UUID {
	local, _, ok := strings.Cut(addr, "@")
	if !ok {
		return nil
	}
	if i := strings.LastIndex(local, "<"); i >= 0 {
		local = local[i+1:]
	}
	_, tag, ok := strings.Cut(local, "+")
	if !ok {
		return nil
	}
	id, err := uuid.Parse(tag)
	if err != nil {
		return nil
	}
	return &id
}
