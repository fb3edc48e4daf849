// Package kaiseki provides a Go client for the Kaiseki binary analysis API.
package kaiseki

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Error represents an error from the Kaiseki API with the HTTP status code
// and the server's error message.
type Error struct {
	StatusCode int
	Code       string
	Message    string
	// RetryAfter is the server's Retry-After hint, zero when absent.
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	return fmt.Sprintf("kaiseki: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

func statusIs(err error, code int) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == code
	}
	return false
}

// IsNotFound returns true if the error is a 404: unknown file, function, or
// an artifact that does not exist yet.
func IsNotFound(err error) bool { return statusIs(err, http.StatusNotFound) }

// IsInvalidInput returns true if the error is a 400.
func IsInvalidInput(err error) bool { return statusIs(err, http.StatusBadRequest) }

// IsConflict returns true if the error is a 409.
func IsConflict(err error) bool { return statusIs(err, http.StatusConflict) }

// IsRateLimited returns true if the error is a 429 (Too Many Requests).
func IsRateLimited(err error) bool { return statusIs(err, http.StatusTooManyRequests) }

// IsUpstream returns true if the error is a 502: the explanation generator
// failed. Retrying later may succeed.
func IsUpstream(err error) bool { return statusIs(err, http.StatusBadGateway) }

// IsUnavailable returns true if the error is a 503: the analysis queue is
// full or the server is shutting down.
func IsUnavailable(err error) bool { return statusIs(err, http.StatusServiceUnavailable) }

func parseRetryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
