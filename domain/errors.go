package domain

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a token record or entity snapshot does not
// exist. Storage implementations translate their own not-found sentinels
// (e.g. mongo.ErrNoDocuments) into this error at the repository boundary.
var ErrNotFound = errors.New("not found")

// AuthError signals a missing, malformed, or unknown credential. The gateway
// maps it to 401 and never retries.
type AuthError struct {
	Reason string `json:"error"`
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("unauthorized: %s", e.Reason)
}

func NewAuthError(reason string) *AuthError {
	return &AuthError{Reason: reason}
}

// ValidationError signals malformed identifiers or parameters (400).
type ValidationError struct {
	Reason string `json:"error"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid request: %s", e.Reason)
}

func NewValidationError(reason string) *ValidationError {
	return &ValidationError{Reason: reason}
}

// UpstreamError signals a failure contacting the upstream OAuth or entity
// API. Transport reports whether the failure was a network-level one (502)
// rather than an unexpected upstream status.
type UpstreamError struct {
	Status    int
	Body      string
	Transport bool
	Err       error
}

func (e *UpstreamError) Error() string {
	if e.Transport {
		return fmt.Sprintf("upstream transport failure: %v", e.Err)
	}
	return fmt.Sprintf("upstream returned status %d: %s", e.Status, e.Body)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// NewUpstreamTransportError wraps a network-level failure reaching upstream.
func NewUpstreamTransportError(err error) *UpstreamError {
	return &UpstreamError{Transport: true, Err: err}
}

// NewUpstreamStatusError records an unexpected upstream HTTP status, with a
// body excerpt for logs.
func NewUpstreamStatusError(status int, body string) *UpstreamError {
	const maxExcerpt = 256
	if len(body) > maxExcerpt {
		body = body[:maxExcerpt]
	}
	return &UpstreamError{Status: status, Body: body}
}
