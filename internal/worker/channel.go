package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/lalithlochan/courier/internal/circuitbreaker"
	"github.com/lalithlochan/courier/internal/db"
	"github.com/lalithlochan/courier/internal/retry"
)

// MaxResponseBody is the number of characters of a response body kept on
// the job row.
const MaxResponseBody = 1000

const userAgent = "Courier/1.0"

// Channel delivers one claimed job to its destination. A nil error means the
// job was delivered; any non-nil error sends the job down the retry path.
// Response carries whatever was observed either way.
type Channel interface {
	Name() db.Channel
	Deliver(ctx context.Context, job *db.ClaimedJob, payload Payload) (Response, error)
}

// Response is the last observed reply from the destination.
type Response struct {
	StatusCode int
	Body       string
}

// StatusError reports a non-2xx reply.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("destination returned status %d", e.StatusCode)
}

func configError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", retry.ErrConfig, fmt.Sprintf(format, args...))
}

// newHTTPClient returns the client shared by HTTP-backed channels. The
// per-request context deadline set by the dispatcher is the tighter bound.
func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

// sendJSON performs one outbound request and captures status and a truncated
// body. Non-2xx replies return a *StatusError alongside the response.
func sendJSON(ctx context.Context, client *http.Client, method, url string, body []byte, prepare func(*http.Request)) (Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return Response{}, configError("build request: %v", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if prepare != nil {
		prepare(req)
	}

	resp, err := client.Do(req)
	if err != nil {
		return Response{}, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	// Four bytes per rune is enough to keep MaxResponseBody characters.
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, MaxResponseBody*utf8.UTFMax))
	out := Response{StatusCode: resp.StatusCode, Body: Truncate(string(raw), MaxResponseBody)}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return out, &StatusError{StatusCode: resp.StatusCode}
	}
	return out, nil
}

// Truncate cuts s to at most n characters.
func Truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}

// Protect wraps ch with a circuit breaker. Only provider outage signals
// count against the breaker: transport errors, 5xx and 429 replies. A 4xx
// reply or a misconfigured target belongs to one tenant and passes through
// as a breaker success. An open breaker fails the job without a network call.
func Protect(ch Channel, breaker *circuitbreaker.CircuitBreaker) Channel {
	return &protectedChannel{Channel: ch, breaker: breaker}
}

type protectedChannel struct {
	Channel
	breaker *circuitbreaker.CircuitBreaker
}

func (p *protectedChannel) Deliver(ctx context.Context, job *db.ClaimedJob, payload Payload) (Response, error) {
	var (
		resp       Response
		deliverErr error
	)
	err := p.breaker.Execute(func() error {
		resp, deliverErr = p.Channel.Deliver(ctx, job, payload)
		if isOutage(resp, deliverErr) {
			return deliverErr
		}
		return nil
	})
	if err != nil && deliverErr == nil {
		return resp, err
	}
	return resp, deliverErr
}

// isOutage reports whether a delivery error says the provider itself is
// unhealthy rather than rejecting one tenant's request.
func isOutage(resp Response, err error) bool {
	if err == nil || errors.Is(err, retry.ErrConfig) {
		return false
	}

	status := resp.StatusCode
	var se *StatusError
	if errors.As(err, &se) {
		status = se.StatusCode
	}
	if status == 0 {
		status = awsStatus(err)
	}
	if status == 0 {
		return true
	}
	return status >= 500 || status == http.StatusTooManyRequests
}
