// Package signing signs outbound webhooks and verifies inbound provider
// webhooks (Stripe-style and Svix-style HMAC schemes).
package signing

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Outbound header names.
const (
	HeaderSignature = "X-Webhook-Signature"
	HeaderTimestamp = "X-Webhook-Timestamp"
	HeaderEvent     = "X-Webhook-Event"
)

// Inbound header names.
const (
	HeaderStripeSignature = "Stripe-Signature"
	HeaderSvixID          = "svix-id"
	HeaderSvixTimestamp   = "svix-timestamp"
	HeaderSvixSignature   = "svix-signature"
)

// DefaultTolerance is the freshness window for inbound timestamps.
const DefaultTolerance = 5 * time.Minute

var (
	ErrMissingHeader        = errors.New("signing: required header missing")
	ErrInvalidTimestamp     = errors.New("signing: invalid timestamp")
	ErrTimestampOutOfWindow = errors.New("signing: timestamp outside tolerance")
	ErrSignatureMismatch    = errors.New("signing: signature mismatch")
	ErrInvalidSecret        = errors.New("signing: invalid secret")
)

// Sign returns hex(HMAC-SHA256(secret, "{ts}.{body}")).
func Sign(secret string, ts int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// SignRequest sets the content type, timestamp, event and signature headers
// on an outbound webhook request.
func SignRequest(req *http.Request, secret, eventType string, body []byte, now time.Time) {
	ts := now.Unix()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
	req.Header.Set(HeaderEvent, eventType)
	req.Header.Set(HeaderSignature, Sign(secret, ts, body))
}

// VerifyStripe checks a "t=<ts>,v1=<hex>[,v1=<hex>]" header against body.
func VerifyStripe(header string, body []byte, secret string, tolerance time.Duration, now time.Time) error {
	if strings.TrimSpace(header) == "" {
		return ErrMissingHeader
	}
	if secret == "" {
		return ErrInvalidSecret
	}

	var ts string
	var candidates []string
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch key {
		case "t":
			ts = value
		case "v1":
			candidates = append(candidates, value)
		}
	}
	if ts == "" || len(candidates) == 0 {
		return ErrMissingHeader
	}
	if err := checkFreshness(ts, tolerance, now); err != nil {
		return err
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(body)
	expected := mac.Sum(nil)

	for _, candidate := range candidates {
		got, err := hex.DecodeString(candidate)
		if err != nil {
			continue
		}
		if hmac.Equal(got, expected) {
			return nil
		}
	}
	return ErrSignatureMismatch
}

// VerifySvix checks svix-style headers. The secret carries a "whsec_" prefix
// followed by the base64 key; the signed content is "{id}.{ts}.{body}" and the
// signature header holds space-separated "v1,<base64>" tokens.
func VerifySvix(id, ts, signatures string, body []byte, secret string, tolerance time.Duration, now time.Time) error {
	if id == "" || ts == "" || signatures == "" {
		return ErrMissingHeader
	}
	key, err := decodeSvixSecret(secret)
	if err != nil {
		return err
	}
	if err := checkFreshness(ts, tolerance, now); err != nil {
		return err
	}

	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(id))
	mac.Write([]byte("."))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(body)
	expected := mac.Sum(nil)

	for _, token := range strings.Fields(signatures) {
		version, sig, ok := strings.Cut(token, ",")
		if !ok || version != "v1" {
			continue
		}
		got, err := base64.StdEncoding.DecodeString(sig)
		if err != nil {
			continue
		}
		if hmac.Equal(got, expected) {
			return nil
		}
	}
	return ErrSignatureMismatch
}

// SvixSignature produces a "v1,<base64>" token. Used by tests and local tooling.
func SvixSignature(id, ts string, body []byte, secret string) (string, error) {
	key, err := decodeSvixSecret(secret)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(bytes.Join([][]byte{[]byte(id), []byte(ts), body}, []byte(".")))
	return "v1," + base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

func decodeSvixSecret(secret string) ([]byte, error) {
	raw := strings.TrimPrefix(strings.TrimSpace(secret), "whsec_")
	if raw == "" {
		return nil, ErrInvalidSecret
	}
	key, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSecret, err)
	}
	return key, nil
}

func checkFreshness(ts string, tolerance time.Duration, now time.Time) error {
	unix, err := strconv.ParseInt(strings.TrimSpace(ts), 10, 64)
	if err != nil {
		return ErrInvalidTimestamp
	}
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	skew := now.Sub(time.Unix(unix, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > tolerance {
		return ErrTimestampOutOfWindow
	}
	return nil
}
