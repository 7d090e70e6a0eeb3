package chatsync

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Sentinel errors. Typed errors below match them through errors.Is.
var (
	ErrTimeout          = errors.New("chatsync: operation timed out")
	ErrFetchFailed      = errors.New("chatsync: fetch failed")
	ErrPermissionDenied = errors.New("chatsync: permission denied")
	ErrValidation       = errors.New("chatsync: validation failed")
	ErrNetwork          = errors.New("chatsync: network unavailable")
	ErrNotFound         = errors.New("chatsync: not found")
	ErrConflict         = errors.New("chatsync: record already exists")
	ErrClosed           = errors.New("chatsync: engine closed")

	// errStale marks a result superseded by a newer attempt. It never leaves the package.
	errStale = errors.New("chatsync: stale response")
)

// TimeoutError is returned when a deadline fires before the operation resolves.
type TimeoutError struct {
	Label string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: timed out after %s", e.Label, e.After)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// FetchFailedError is returned once every attempt of a remote call failed.
type FetchFailedError struct {
	Label    string
	Attempts int
	Err      error
}

func (e *FetchFailedError) Error() string {
	return fmt.Sprintf("%s: failed after %d attempt(s): %v", e.Label, e.Attempts, e.Err)
}

func (e *FetchFailedError) Unwrap() error { return e.Err }

func (e *FetchFailedError) Is(target error) bool { return target == ErrFetchFailed }

// ValidationError reports malformed local input. It is never retried.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Message
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// NetworkError wraps a transport failure (no response from the server).
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string { return e.Op + ": " + e.Err.Error() }

func (e *NetworkError) Unwrap() error { return e.Err }

func (e *NetworkError) Is(target error) bool { return target == ErrNetwork }

// APIError is an error response from the backend.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	Hint    string `json:"hint,omitempty"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("HTTP %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("HTTP %d: %s: %s", e.Status, e.Code, e.Message)
}

// Is maps backend statuses and Postgres error codes onto the sentinel taxonomy.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrPermissionDenied:
		// 42501 is insufficient_privilege, raised by row-level security.
		return e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden || e.Code == "42501"
	case ErrValidation:
		return e.Status == http.StatusBadRequest || e.Status == http.StatusUnprocessableEntity ||
			strings.HasPrefix(e.Code, "22") || strings.HasPrefix(e.Code, "23")
	case ErrNotFound:
		return e.Status == http.StatusNotFound || e.Code == "PGRST116"
	case ErrConflict:
		// 23505 is unique_violation: a row with this primary key exists.
		return e.Status == http.StatusConflict || e.Code == "23505"
	case ErrNetwork:
		// Gateways and rate limits mean the write never reached the database.
		return e.Status == http.StatusRequestTimeout || e.Status == http.StatusTooManyRequests ||
			e.Status == http.StatusBadGateway || e.Status == http.StatusServiceUnavailable ||
			e.Status == http.StatusGatewayTimeout
	}
	return false
}

// isTransient reports whether a write should be queued for replay instead of rolled back.
func isTransient(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrNetwork)
}

// isDuplicate reports whether a create failed because the row already exists.
func isDuplicate(err error) bool {
	return errors.Is(err, ErrConflict)
}

// isStale reports whether err is the internal superseded-response signal.
func isStale(err error) bool {
	return errors.Is(err, errStale)
}
