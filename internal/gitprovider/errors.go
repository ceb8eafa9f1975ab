package gitprovider

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// RequestError is a failed provider API call
type RequestError struct {
	Provider string
	Method   string
	URL      string
	Status   int
	Message  string
	// RateLimited is set when the provider reported an exhausted rate limit
	RateLimited bool
	Cause       error
}

func (e *RequestError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s %s %s: %s: %v", e.Provider, e.Method, e.URL, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s %s %s: HTTP %d: %s", e.Provider, e.Method, e.URL, e.Status, e.Message)
}

func (e *RequestError) Unwrap() error {
	return e.Cause
}

// Retryable reports whether repeating the call may succeed
func (e *RequestError) Retryable() bool {
	if e.Cause != nil {
		return isTransientNetworkError(e.Cause)
	}
	switch {
	case e.Status >= 500, e.Status == http.StatusTooManyRequests, e.Status == http.StatusRequestTimeout:
		return true
	case e.Status == http.StatusForbidden:
		return e.RateLimited
	}
	return false
}

// AlreadyExists reports whether the provider rejected a create because the
// repository name is taken
func (e *RequestError) AlreadyExists() bool {
	if e.Status != http.StatusUnprocessableEntity && e.Status != http.StatusBadRequest && e.Status != http.StatusConflict {
		return false
	}
	msg := strings.ToLower(e.Message)
	return strings.Contains(msg, "already exists") || strings.Contains(msg, "already been taken")
}

// IsAlreadyExists unwraps err looking for an "already exists" RequestError
func IsAlreadyExists(err error) bool {
	var re *RequestError
	return errors.As(err, &re) && re.AlreadyExists()
}

// IsRetryable unwraps err looking for a retryable RequestError
func IsRetryable(err error) bool {
	var re *RequestError
	return errors.As(err, &re) && re.Retryable()
}

func isTransientNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "EOF")
}
