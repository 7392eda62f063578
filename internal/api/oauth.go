package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/auth"
	"github.com/lalithlochan/courier/internal/oauth"
)

// OAuthStart handles GET /v1/oauth/{provider}/start
func (h *Handler) OAuthStart(w http.ResponseWriter, r *http.Request) {
	session, _ := auth.FromContext(r.Context())
	provider := chi.URLParam(r, "provider")

	authURL, err := h.oauth.Start(session, provider, r.URL.Query().Get("return_to"))
	switch {
	case errors.Is(err, oauth.ErrUnknownProvider):
		h.writeError(w, http.StatusNotFound, "unknown_provider", "Unknown provider", err.Error())
		return
	case errors.Is(err, oauth.ErrForbidden):
		h.writeError(w, http.StatusForbidden, "forbidden", "Forbidden", err.Error())
		return
	case errors.Is(err, oauth.ErrInvalidReturnURL):
		h.writeError(w, http.StatusBadRequest, "invalid_return_url", "Invalid return URL", err.Error())
		return
	case err != nil:
		h.logger.Error("oauth start failed", zap.Error(err), zap.String("provider", provider))
		h.writeError(w, http.StatusInternalServerError, "oauth_error", "Could not start authorization", "")
		return
	}

	http.Redirect(w, r, authURL, http.StatusFound)
}

// OAuthCallback handles GET /v1/oauth/{provider}/callback
func (h *Handler) OAuthCallback(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	q := r.URL.Query()

	redirect, err := h.oauth.Callback(r.Context(), provider, q.Get("code"), q.Get("state"), q.Get("error"))
	switch {
	case errors.Is(err, oauth.ErrUnknownProvider):
		h.writeError(w, http.StatusNotFound, "unknown_provider", "Unknown provider", err.Error())
		return
	case errors.Is(err, oauth.ErrInvalidState):
		h.logger.Warn("oauth callback rejected", zap.Error(err), zap.String("provider", provider))
		h.writeError(w, http.StatusBadRequest, "invalid_state", "Invalid authorization response", err.Error())
		return
	case err != nil:
		h.logger.Error("oauth callback failed", zap.Error(err), zap.String("provider", provider))
		h.writeError(w, http.StatusInternalServerError, "oauth_error", "Authorization failed", "")
		return
	}

	http.Redirect(w, r, redirect, http.StatusFound)
}
