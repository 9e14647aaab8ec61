package platform

import (
	"errors"
	"fmt"
)

// Sentinel errors for platform API calls.
var (
	// ErrNotFound indicates the addressed actor, task, run, queue or record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrUnauthorized indicates a missing or rejected API token.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrThrottled indicates the platform rate limited the request.
	ErrThrottled = errors.New("request throttled")

	// ErrUnavailable indicates a server-side or transport failure.
	ErrUnavailable = errors.New("platform unavailable")

	// ErrBadRequest indicates the platform rejected the request as invalid.
	ErrBadRequest = errors.New("bad request")
)

// APIError wraps a failed platform call with its context.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Message    string
	Err        error
}

func (e *APIError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("platform %s %s: %v", e.Method, e.Path, e.Err)
	}
	if e.Message != "" {
		return fmt.Sprintf("platform %s %s: status %d: %s: %v", e.Method, e.Path, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("platform %s %s: status %d: %v", e.Method, e.Path, e.StatusCode, e.Err)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// IsNotFound returns true if the error indicates a missing platform object.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsThrottled returns true if the platform rate limited the request.
func IsThrottled(err error) bool {
	return errors.Is(err, ErrThrottled)
}

// IsUnavailable returns true for server-side or transport failures.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

func classifyStatus(code int) (sentinel error, retryable bool) {
	switch {
	case code == 404:
		return ErrNotFound, false
	case code == 401 || code == 403:
		return ErrUnauthorized, false
	case code == 429:
		return ErrThrottled, true
	case code >= 500:
		return ErrUnavailable, true
	default:
		return ErrBadRequest, false
	}
}
