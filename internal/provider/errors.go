// SPDX-License-Identifier: MIT

package provider

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrNotFound marks a 404 or an empty detail lookup. Not retried and not
// subject to fallback on detail fetches.
var ErrNotFound = errors.New("provider: not found")

// UnavailableError is the terminal failure of a gateway call: retries
// exhausted, a permanent upstream error, or a cache miss in offline mode.
type UnavailableError struct {
	Provider   string
	Offline    bool
	RetryAfter time.Duration
	Err        error
}

func (e *UnavailableError) Error() string {
	if e.Offline {
		return fmt.Sprintf("provider %s unavailable: offline mode, cache miss", e.Provider)
	}
	return fmt.Sprintf("provider %s unavailable: %v", e.Provider, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// IsUnavailable reports whether err is (or wraps) an UnavailableError.
func IsUnavailable(err error) (*UnavailableError, bool) {
	var ue *UnavailableError
	if errors.As(err, &ue) {
		return ue, true
	}
	return nil, false
}

// httpError carries an upstream HTTP status so the retry loop can classify
// it. RetryAfter is populated from the Retry-After header on 429.
type httpError struct {
	Provider   string
	Status     int
	RetryAfter time.Duration
}

func (e *httpError) Error() string {
	return fmt.Sprintf("provider %s: http %d", e.Provider, e.Status)
}

// retryable reports whether the error is transient: network failures, 5xx
// and 429. Other 4xx are permanent.
func retryable(err error) bool {
	var he *httpError
	if errors.As(err, &he) {
		return he.Status == http.StatusTooManyRequests || he.Status >= 500
	}
	if errors.Is(err, ErrNotFound) {
		return false
	}
	// Anything without an HTTP status is assumed to be a transport failure.
	return true
}
