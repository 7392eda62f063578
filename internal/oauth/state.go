package oauth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidState covers every state or callback parameter rejection.
var ErrInvalidState = errors.New("invalid oauth state")

var (
	ErrStateMalformed = fmt.Errorf("%w: malformed", ErrInvalidState)
	ErrStateSignature = fmt.Errorf("%w: signature mismatch", ErrInvalidState)
	ErrStateExpired   = fmt.Errorf("%w: expired", ErrInvalidState)
	ErrMissingCode    = fmt.Errorf("%w: missing authorization code", ErrInvalidState)
)

// Strict decoding rejects non-zero trailing bits, so every encoded
// character is covered by the signature check.
var stateEncoding = base64.RawURLEncoding.Strict()

// maxFutureSkew bounds how far ahead of our clock issued_at may be.
const maxFutureSkew = 60 * time.Second

// State is the signed round-trip context of an authorization request.
type State struct {
	TenantID     uuid.UUID `json:"tenant_id"`
	UserID       uuid.UUID `json:"user_id"`
	Provider     string    `json:"provider"`
	ReturnURL    string    `json:"return_url"`
	CodeVerifier string    `json:"code_verifier"`
	IssuedAt     int64     `json:"issued_at"`
}

// StateSigner signs and verifies state tokens of the form
// base64url(json) "." base64url(hmac-sha256).
type StateSigner struct {
	secret []byte
	maxAge time.Duration
	now    func() time.Time
}

// NewStateSigner creates a signer. States older than maxAge are rejected.
func NewStateSigner(secret string, maxAge time.Duration) *StateSigner {
	if maxAge <= 0 {
		maxAge = 10 * time.Minute
	}
	return &StateSigner{secret: []byte(secret), maxAge: maxAge, now: time.Now}
}

// Sign stamps st with the current time and returns the encoded token.
func (s *StateSigner) Sign(st State) (string, error) {
	st.IssuedAt = s.now().Unix()
	raw, err := json.Marshal(st)
	if err != nil {
		return "", fmt.Errorf("encode state: %w", err)
	}
	payload := stateEncoding.EncodeToString(raw)
	return payload + "." + stateEncoding.EncodeToString(s.mac(payload)), nil
}

// Verify checks the signature before decoding anything, then the age.
func (s *StateSigner) Verify(token string) (State, error) {
	payload, sig, ok := strings.Cut(token, ".")
	if !ok || payload == "" || sig == "" {
		return State{}, ErrStateMalformed
	}

	got, err := stateEncoding.DecodeString(sig)
	if err != nil {
		return State{}, ErrStateMalformed
	}
	if !hmac.Equal(got, s.mac(payload)) {
		return State{}, ErrStateSignature
	}

	raw, err := stateEncoding.DecodeString(payload)
	if err != nil {
		return State{}, ErrStateMalformed
	}
	var st State
	if err := json.Unmarshal(raw, &st); err != nil {
		return State{}, ErrStateMalformed
	}

	now := s.now()
	issued := time.Unix(st.IssuedAt, 0)
	if issued.After(now.Add(maxFutureSkew)) || now.Sub(issued) > s.maxAge {
		return State{}, ErrStateExpired
	}
	return st, nil
}

func (s *StateSigner) mac(payload string) []byte {
	h := hmac.New(sha256.New, s.secret)
	h.Write([]byte(payload))
	return h.Sum(nil)
}
