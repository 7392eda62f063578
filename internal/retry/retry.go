// Package retry holds the backoff table shared by every delivery dispatcher.
package retry

import (
	"errors"
	"strings"
	"time"
)

// MaxRetries is the number of retry attempts allowed before a job is
// marked permanently failed.
const MaxRetries = 5

// delays is indexed by attempt-1. Attempts past the end reuse the last entry.
var delays = []time.Duration{
	1 * time.Second,   // attempt 1
	5 * time.Second,   // attempt 2
	15 * time.Second,  // attempt 3
	60 * time.Second,  // attempt 4
	300 * time.Second, // attempt 5
}

// NextDelay maps an attempt number to the wait before the next try.
func NextDelay(attempt int) time.Duration {
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(delays) {
		idx = len(delays) - 1
	}
	return delays[idx]
}

// ShouldRetry reports whether a job that has failed attempt times may be
// scheduled again.
func ShouldRetry(attempt int) bool {
	return attempt <= MaxRetries
}

// ErrCircuitOpen and ErrConfig let callers tag failures that never reached
// the network. They only change the reason label, not the retry decision.
var (
	ErrCircuitOpen = errors.New("circuit open")
	ErrConfig      = errors.New("invalid target configuration")
)

// ClassifyFailure returns a low-cardinality reason label for metrics.
func ClassifyFailure(err error, status int) string {
	if err != nil {
		if errors.Is(err, ErrCircuitOpen) {
			return "circuit_open"
		}
		if errors.Is(err, ErrConfig) {
			return "config"
		}
		if status == 0 {
			msg := strings.ToLower(err.Error())
			switch {
			case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded"):
				return "timeout"
			case strings.Contains(msg, "connection refused"):
				return "connection_refused"
			case strings.Contains(msg, "no such host") || strings.Contains(msg, "dns"):
				return "dns_error"
			default:
				return "network"
			}
		}
	}
	switch {
	case status >= 500:
		return "http_5xx"
	case status == 429:
		return "http_429"
	case status >= 400:
		return "http_4xx"
	}
	return "other"
}
