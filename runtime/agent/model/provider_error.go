package model

import (
	"errors"
	"fmt"
	"net/http"
)

// ProviderErrorKind classifies provider failures into a small set of categories.
type ProviderErrorKind string

const (
	// ProviderErrorKindAuth indicates authentication or authorization failures.
	ProviderErrorKindAuth ProviderErrorKind = "auth"
	// ProviderErrorKindInvalidRequest indicates the request itself was rejected.
	ProviderErrorKindInvalidRequest ProviderErrorKind = "invalid_request"
	// ProviderErrorKindRateLimited indicates the provider is throttling requests.
	ProviderErrorKindRateLimited ProviderErrorKind = "rate_limited"
	// ProviderErrorKindUnavailable indicates a transient failure (5xx, network).
	ProviderErrorKindUnavailable ProviderErrorKind = "unavailable"
	// ProviderErrorKindUnknown indicates an unclassified failure.
	ProviderErrorKindUnknown ProviderErrorKind = "unknown"
)

// ProviderError describes a failure returned by a completion provider.
type ProviderError struct {
	provider string
	model    string
	status   int
	kind     ProviderErrorKind
	cause    error
}

// NewProviderError wraps cause with the provider name, model and HTTP status.
// The kind is derived from the status.
func NewProviderError(provider, model string, status int, cause error) *ProviderError {
	if provider == "" {
		panic("model: provider is required")
	}
	return &ProviderError{
		provider: provider,
		model:    model,
		status:   status,
		kind:     KindForStatus(status),
		cause:    cause,
	}
}

// KindForStatus maps an HTTP status to a ProviderErrorKind. Zero means the
// request never got a response.
func KindForStatus(status int) ProviderErrorKind {
	switch {
	case status == 0:
		return ProviderErrorKindUnavailable
	case status == http.StatusTooManyRequests:
		return ProviderErrorKindRateLimited
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ProviderErrorKindAuth
	case status >= 500:
		return ProviderErrorKindUnavailable
	case status >= 400:
		return ProviderErrorKindInvalidRequest
	default:
		return ProviderErrorKindUnknown
	}
}

// Kind returns the failure classification.
func (e *ProviderError) Kind() ProviderErrorKind { return e.kind }

func (e *ProviderError) Error() string {
	status := ""
	if e.status > 0 {
		status = fmt.Sprintf(" %d", e.status)
	}
	msg := "provider error"
	if e.cause != nil {
		msg = e.cause.Error()
	}
	return fmt.Sprintf("%s %s%s (%s): %s", e.provider, e.kind, status, e.model, msg)
}

// Unwrap returns the underlying error.
func (e *ProviderError) Unwrap() error { return e.cause }

// Is makes rate limited provider errors match ErrRateLimited.
func (e *ProviderError) Is(target error) bool {
	return target == ErrRateLimited && e.kind == ProviderErrorKindRateLimited
}

// AsProviderError returns the first ProviderError in err's chain, if any.
func AsProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}
