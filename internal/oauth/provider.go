package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/lalithlochan/courier/internal/db"
)

var (
	ErrUnknownProvider = errors.New("unknown oauth provider")
	ErrTokenEndpoint   = errors.New("token endpoint rejected request")
)

// Provider describes one OAuth 2.0 authorization server.
type Provider struct {
	Name         string
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	ProfileURL   string
	Scopes       []string
}

// Configured reports whether client credentials are present.
func (p Provider) Configured() bool {
	return p.ClientID != "" && p.ClientSecret != ""
}

// Google returns the Google Calendar provider.
func Google(clientID, clientSecret string) Provider {
	return Provider{
		Name:         db.ProviderGoogle,
		ClientID:     clientID,
		ClientSecret: clientSecret,
		AuthURL:      "https://accounts.google.com/o/oauth2/v2/auth",
		TokenURL:     "https://oauth2.googleapis.com/token",
		ProfileURL:   "https://openidconnect.googleapis.com/v1/userinfo",
		Scopes: []string{
			"openid",
			"email",
			"profile",
			"https://www.googleapis.com/auth/calendar.events",
		},
	}
}

// Microsoft returns the Microsoft identity platform provider for tenant
// ("common" accepts any account).
func Microsoft(tenant, clientID, clientSecret string) Provider {
	if tenant == "" {
		tenant = "common"
	}
	base := "https://login.microsoftonline.com/" + url.PathEscape(tenant) + "/oauth2/v2.0"
	return Provider{
		Name:         db.ProviderMicrosoft,
		ClientID:     clientID,
		ClientSecret: clientSecret,
		AuthURL:      base + "/authorize",
		TokenURL:     base + "/token",
		ProfileURL:   "https://graph.microsoft.com/v1.0/me",
		Scopes:       []string{"openid", "email", "profile", "offline_access", "Calendars.ReadWrite", "User.Read"},
	}
}

// config builds the oauth2 client configuration for one redirect URI.
// Credentials travel in the form body, which both providers accept.
func (p Provider) config(redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     p.ClientID,
		ClientSecret: p.ClientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:   p.AuthURL,
			TokenURL:  p.TokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
		RedirectURL: redirectURL,
		Scopes:      p.Scopes,
	}
}

// withClient makes oauth2 token calls go through client.
func withClient(ctx context.Context, client *http.Client) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, client)
}

// tokenError tags token endpoint failures with ErrTokenEndpoint.
func tokenError(p Provider, err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		status := 0
		if re.Response != nil {
			status = re.Response.StatusCode
		}
		return fmt.Errorf("%w: %s status %d %s", ErrTokenEndpoint, p.Name, status, re.ErrorCode)
	}
	return fmt.Errorf("token request: %w", err)
}

// tokenScopes returns the granted scopes, or fallback when the provider
// does not echo them.
func tokenScopes(tok *oauth2.Token, fallback []string) []string {
	if raw, ok := tok.Extra("scope").(string); ok && raw != "" {
		return strings.Fields(raw)
	}
	return fallback
}

// tokenExpiry is computed from expires_in against now so callers with an
// injected clock get a stable result.
func tokenExpiry(now time.Time, tok *oauth2.Token) *time.Time {
	if tok.ExpiresIn > 0 {
		t := now.Add(time.Duration(tok.ExpiresIn) * time.Second)
		return &t
	}
	if !tok.Expiry.IsZero() {
		t := tok.Expiry
		return &t
	}
	return nil
}

type profile struct {
	Email string
	Name  string
}

// fetchProfile reads the account identity for display on the connection.
func fetchProfile(ctx context.Context, client *http.Client, p Provider, accessToken string) (profile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.ProfileURL, nil)
	if err != nil {
		return profile{}, fmt.Errorf("build profile request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return profile{}, fmt.Errorf("profile request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return profile{}, fmt.Errorf("profile request: %s status %d", p.Name, resp.StatusCode)
	}

	var raw struct {
		Email             string `json:"email"`
		Name              string `json:"name"`
		Mail              string `json:"mail"`
		UserPrincipalName string `json:"userPrincipalName"`
		DisplayName       string `json:"displayName"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&raw); err != nil {
		return profile{}, fmt.Errorf("decode profile: %w", err)
	}

	out := profile{Email: raw.Email, Name: raw.Name}
	if p.Name == db.ProviderMicrosoft {
		out.Email = raw.Mail
		if out.Email == "" {
			out.Email = raw.UserPrincipalName
		}
		out.Name = raw.DisplayName
	}
	return out, nil
}
