package amocrm

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/ericfisherdev/leadbridge/internal/domain/port/driven"
)

// APIError is a non-2xx response from amoCRM.
type APIError struct {
	Operation  string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("amocrm %s: status %d: %s", e.Operation, e.StatusCode, e.Body)
}

// Retryable reports whether the request may succeed if repeated.
func (e *APIError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= http.StatusInternalServerError
}

// Is makes client errors that no retry can fix match driven.ErrRejected.
// Auth, permission and throttling statuses are excluded.
func (e *APIError) Is(target error) bool {
	if target != driven.ErrRejected {
		return false
	}
	switch e.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusRequestTimeout, http.StatusTooManyRequests:
		return false
	}
	return e.StatusCode >= http.StatusBadRequest && e.StatusCode < http.StatusInternalServerError
}

// isTransient reports whether err should count as an upstream failure: network
// errors and retryable API errors. Client errors do not trip the breaker.
func isTransient(err error) bool {
	if errors.Is(err, driven.ErrNoToken) ||
		errors.Is(err, driven.ErrReauthorizationRequired) ||
		errors.Is(err, context.Canceled) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	return true
}

const maxErrorBody = 512

func truncate(b []byte) string {
	if len(b) > maxErrorBody {
		return string(b[:maxErrorBody]) + "..."
	}
	return string(b)
}
