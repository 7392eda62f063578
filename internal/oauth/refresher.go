package oauth

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/lalithlochan/courier/internal/db"
	"github.com/lalithlochan/courier/internal/metrics"
	"github.com/lalithlochan/courier/internal/tracing"
)

// RefreshThreshold is how close to expiry a token gets refreshed.
const RefreshThreshold = 60 * time.Second

// TokenStore persists refreshed tokens.
type TokenStore interface {
	UpdateConnectionTokens(ctx context.Context, id uuid.UUID, encAccess, encRefresh string, expiresAt *time.Time) error
}

// Refresher keeps connection access tokens usable.
type Refresher struct {
	providers map[string]Provider
	store     TokenStore
	cipher    Cipher
	client    *http.Client
	logger    *zap.Logger
	now       func() time.Time
}

// NewRefresher creates a refresher for the configured providers.
func NewRefresher(providers []Provider, store TokenStore, cipher Cipher, timeout time.Duration, logger *zap.Logger) *Refresher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Refresher{
		providers: indexProviders(providers),
		store:     store,
		cipher:    cipher,
		client:    &http.Client{Timeout: timeout},
		logger:    logger,
		now:       time.Now,
	}
}

// EnsureFresh returns conn untouched unless its token expires within
// RefreshThreshold. Refresh failures are logged and the original connection
// is returned; the provider call that follows fails on its own.
func (r *Refresher) EnsureFresh(ctx context.Context, conn *db.OAuthConnection) *db.OAuthConnection {
	now := r.now()
	if conn.ExpiresAt == nil || conn.ExpiresAt.Sub(now) > RefreshThreshold {
		return conn
	}

	ctx, span := tracing.StartSpan(ctx, "oauth.refresh",
		attribute.String("provider", conn.Provider),
		attribute.String("connection_id", conn.ID.String()),
	)
	defer span.End()

	logger := r.logger.With(
		zap.String("connection_id", conn.ID.String()),
		zap.String("provider", conn.Provider),
	)

	updated, err := r.refresh(ctx, conn, now)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		logger.Warn("token refresh failed", zap.Error(err))
		metrics.RecordTokenRefresh(conn.Provider, "error")
		return conn
	}

	logger.Debug("token refreshed", zap.Timep("expires_at", updated.ExpiresAt))
	metrics.RecordTokenRefresh(conn.Provider, "success")
	return updated
}

func (r *Refresher) refresh(ctx context.Context, conn *db.OAuthConnection, now time.Time) (*db.OAuthConnection, error) {
	p, ok := r.providers[conn.Provider]
	if !ok {
		return nil, ErrUnknownProvider
	}

	refreshToken, err := r.cipher.Decrypt(conn.EncryptedRefreshToken)
	if err != nil {
		return nil, err
	}

	// A token without an access token is never valid, so the source goes
	// straight to the refresh grant.
	tok, err := p.config("").TokenSource(withClient(ctx, r.client), &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, tokenError(p, err)
	}

	encAccess, err := r.cipher.Encrypt(tok.AccessToken)
	if err != nil {
		return nil, err
	}
	// oauth2 echoes the old refresh token when the provider does not rotate it.
	var encRefresh string
	if tok.RefreshToken != "" && tok.RefreshToken != refreshToken {
		if encRefresh, err = r.cipher.Encrypt(tok.RefreshToken); err != nil {
			return nil, err
		}
	}
	expiresAt := tokenExpiry(now, tok)

	if err := r.store.UpdateConnectionTokens(ctx, conn.ID, encAccess, encRefresh, expiresAt); err != nil {
		return nil, err
	}

	updated := *conn
	updated.EncryptedAccessToken = encAccess
	if encRefresh != "" {
		updated.EncryptedRefreshToken = encRefresh
	}
	updated.ExpiresAt = expiresAt
	return &updated, nil
}
