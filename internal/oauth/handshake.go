package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/lalithlochan/courier/internal/auth"
	"github.com/lalithlochan/courier/internal/db"
	"github.com/lalithlochan/courier/internal/metrics"
	"github.com/lalithlochan/courier/internal/tracing"
)

var (
	ErrForbidden        = errors.New("role may not connect a calendar")
	ErrInvalidReturnURL = errors.New("return url not allowed")
)

// ConnectionStore persists connections created by the handshake.
type ConnectionStore interface {
	UpsertConnection(ctx context.Context, conn *db.OAuthConnection) error
}

// Cipher seals and opens stored tokens.
type Cipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// HandshakeConfig configures redirect handling.
type HandshakeConfig struct {
	// RedirectBaseURL is the public origin serving /v1/oauth/{provider}/callback.
	RedirectBaseURL string
	// AllowedHosts lists hosts an absolute return URL may point at.
	AllowedHosts []string
	Timeout      time.Duration
}

// Handshake runs the authorization-code flow with PKCE.
type Handshake struct {
	providers map[string]Provider
	signer    *StateSigner
	store     ConnectionStore
	cipher    Cipher
	client    *http.Client
	config    HandshakeConfig
	logger    *zap.Logger
	now       func() time.Time
}

// NewHandshake creates a handshake for the configured providers.
func NewHandshake(providers []Provider, signer *StateSigner, store ConnectionStore, cipher Cipher, cfg HandshakeConfig, logger *zap.Logger) *Handshake {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	cfg.RedirectBaseURL = strings.TrimRight(cfg.RedirectBaseURL, "/")
	return &Handshake{
		providers: indexProviders(providers),
		signer:    signer,
		store:     store,
		cipher:    cipher,
		client:    &http.Client{Timeout: cfg.Timeout},
		config:    cfg,
		logger:    logger,
		now:       time.Now,
	}
}

func indexProviders(providers []Provider) map[string]Provider {
	out := make(map[string]Provider, len(providers))
	for _, p := range providers {
		if p.Configured() {
			out[p.Name] = p
		}
	}
	return out
}

func (h *Handshake) redirectURI(provider string) string {
	return h.config.RedirectBaseURL + "/v1/oauth/" + provider + "/callback"
}

// Start returns the provider authorization URL for the session's tenant.
func (h *Handshake) Start(session auth.Session, provider, returnURL string) (string, error) {
	p, ok := h.providers[provider]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownProvider, provider)
	}
	if !session.HasRole(auth.RoleOwner, auth.RoleManager) {
		return "", ErrForbidden
	}

	if returnURL == "" {
		returnURL = "/"
	}
	if err := h.checkReturnURL(returnURL); err != nil {
		return "", err
	}

	verifier := oauth2.GenerateVerifier()
	state, err := h.signer.Sign(State{
		TenantID:     session.TenantID,
		UserID:       session.UserID,
		Provider:     p.Name,
		ReturnURL:    returnURL,
		CodeVerifier: verifier,
	})
	if err != nil {
		return "", err
	}

	return p.config(h.redirectURI(p.Name)).AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.ApprovalForce,
		oauth2.S256ChallengeOption(verifier),
	), nil
}

// checkReturnURL accepts a same-origin path or an absolute http(s) URL on an
// allowed host.
func (h *Handshake) checkReturnURL(raw string) error {
	if strings.ContainsAny(raw, "\\\r\n") {
		return ErrInvalidReturnURL
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ErrInvalidReturnURL
	}

	if u.Scheme == "" && u.Host == "" {
		if !strings.HasPrefix(raw, "/") || strings.HasPrefix(raw, "//") {
			return ErrInvalidReturnURL
		}
		return nil
	}

	if u.Scheme != "https" && u.Scheme != "http" {
		return ErrInvalidReturnURL
	}
	if u.User != nil || !slices.Contains(h.config.AllowedHosts, strings.ToLower(u.Hostname())) {
		return ErrInvalidReturnURL
	}
	return nil
}

// Callback completes the flow. Errors are returned only when the state
// cannot be trusted; once it verifies, every outcome is a redirect to the
// state's return URL carrying either connected=<provider> or
// oauth_error=<code>.
func (h *Handshake) Callback(ctx context.Context, provider, code, state, providerError string) (string, error) {
	p, ok := h.providers[provider]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownProvider, provider)
	}
	if state == "" {
		return "", ErrStateMalformed
	}
	if code == "" && providerError == "" {
		return "", ErrMissingCode
	}

	st, err := h.signer.Verify(state)
	if err != nil {
		metrics.RecordOAuthConnect(provider, "invalid_state")
		return "", err
	}
	if st.Provider != p.Name {
		metrics.RecordOAuthConnect(provider, "invalid_state")
		return "", fmt.Errorf("%w: provider mismatch", ErrInvalidState)
	}

	logger := h.logger.With(
		zap.String("tenant_id", st.TenantID.String()),
		zap.String("provider", p.Name),
	)

	if providerError != "" {
		logger.Info("oauth authorization declined", zap.String("error", providerError))
		metrics.RecordOAuthConnect(p.Name, "declined")
		return withQuery(st.ReturnURL, "oauth_error", providerErrorCode(providerError)), nil
	}

	if errCode, err := h.connect(ctx, p, st, code); err != nil {
		logger.Warn("oauth connect failed", zap.String("code", errCode), zap.Error(err))
		metrics.RecordOAuthConnect(p.Name, errCode)
		return withQuery(st.ReturnURL, "oauth_error", errCode), nil
	}

	logger.Info("oauth connection established")
	metrics.RecordOAuthConnect(p.Name, "connected")
	return withQuery(st.ReturnURL, "connected", p.Name), nil
}

func (h *Handshake) connect(ctx context.Context, p Provider, st State, code string) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "oauth.connect")
	defer span.End()

	tok, err := p.config(h.redirectURI(p.Name)).Exchange(withClient(ctx, h.client), code, oauth2.VerifierOption(st.CodeVerifier))
	if err != nil {
		err = tokenError(p, err)
		tracing.SetSpanError(ctx, err)
		return "token_exchange_failed", err
	}

	prof, err := fetchProfile(ctx, h.client, p, tok.AccessToken)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return "profile_failed", err
	}

	encAccess, err := h.cipher.Encrypt(tok.AccessToken)
	if err != nil {
		return "encryption_failed", err
	}
	var encRefresh string
	if tok.RefreshToken != "" {
		if encRefresh, err = h.cipher.Encrypt(tok.RefreshToken); err != nil {
			return "encryption_failed", err
		}
	}

	conn := &db.OAuthConnection{
		TenantID:              st.TenantID,
		Provider:              p.Name,
		EncryptedAccessToken:  encAccess,
		EncryptedRefreshToken: encRefresh,
		ExpiresAt:             tokenExpiry(h.now(), tok),
		Scopes:                tokenScopes(tok, p.Scopes),
		AccountEmail:          prof.Email,
		AccountName:           prof.Name,
	}
	if err := h.store.UpsertConnection(ctx, conn); err != nil {
		tracing.SetSpanError(ctx, err)
		return "storage_failed", err
	}
	return "", nil
}

func providerErrorCode(providerError string) string {
	if providerError == "access_denied" {
		return providerError
	}
	return "provider_error"
}

// withQuery sets key=value on a return URL that passed checkReturnURL.
func withQuery(raw, key, value string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "/"
	}
	q := u.Query()
	q.Set(key, value)
	u.RawQuery = q.Encode()
	return u.String()
}
