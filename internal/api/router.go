package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/auth"
	"github.com/lalithlochan/courier/internal/metrics"
)

// RouterConfig carries the auth pieces the router mounts.
type RouterConfig struct {
	Sessions    *auth.Verifier
	Limiter     Limiter
	WorkerToken string
	// AllowOpenDispatch permits an empty worker token (development only).
	AllowOpenDispatch bool
}

// NewRouter mounts every route on a chi router.
func NewRouter(h *Handler, cfg RouterConfig, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(RequestLogger(logger))

	r.Get("/health", h.Health)
	r.Handle("/metrics", metrics.Handler())

	r.With(WorkerAuth(cfg.WorkerToken, cfg.AllowOpenDispatch, logger)).
		Post("/internal/dispatch/{channel}", h.Dispatch)

	r.Route("/webhooks", func(r chi.Router) {
		r.Post("/billing", h.BillingWebhook)
		r.Post("/inbound-email", h.InboundEmailWebhook)
	})

	r.Route("/v1", func(r chi.Router) {
		r.Use(chimw.Timeout(30 * time.Second))

		// The callback is authenticated by its signed state, not a session.
		r.Get("/oauth/{provider}/callback", h.OAuthCallback)

		r.Group(func(r chi.Router) {
			r.Use(cfg.Sessions.Middleware)
			r.Use(RateLimitMiddleware(cfg.Limiter, logger, TenantKeyFunc))

			r.With(auth.RequireRole(auth.RoleOwner, auth.RoleManager)).
				Get("/oauth/{provider}/start", h.OAuthStart)
			r.Post("/events", h.PublishEvent)
			r.Post("/push", h.EnqueuePush)
			r.Post("/calendar-events", h.EnqueueCalendarEvent)
			r.Get("/deliveries/{channel}/{id}", h.GetDelivery)
		})
	})

	return r
}
