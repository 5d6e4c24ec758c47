package provider

import (
	"errors"
	"fmt"
	"net/http"

	"scenegen/internal/models"
)

// ErrorKind classifies a provider response failure.
type ErrorKind string

const (
	// MalformedResponse: the body of a successful response is not valid JSON.
	MalformedResponse ErrorKind = "malformed_response"
	// RequestRejected: the provider answered with a non-2xx status.
	RequestRejected ErrorKind = "request_rejected"
	// MissingPayload: the JSON is well formed but carries no script text.
	MissingPayload ErrorKind = "missing_payload"
)

var (
	ErrMalformedResponse = errors.New("malformed provider response")
	ErrRequestRejected   = errors.New("provider rejected request")
	ErrMissingPayload    = errors.New("provider response has no script payload")
)

// Error is returned by adapters when a response cannot be turned into
// script candidates.
type Error struct {
	Kind     ErrorKind
	Provider models.ProviderKind
	Status   int
	Body     string
	// Detail is the provider's own error message when one could be read.
	Detail string
	Err    error
}

func (e *Error) Error() string {
	switch e.Kind {
	case RequestRejected:
		if e.Detail != "" {
			return fmt.Sprintf("%s: status %d: %s", e.Provider, e.Status, e.Detail)
		}
		return fmt.Sprintf("%s: status %d: %s", e.Provider, e.Status, e.Body)
	case MalformedResponse:
		if e.Err != nil {
			return fmt.Sprintf("%s: malformed response: %v", e.Provider, e.Err)
		}
		return fmt.Sprintf("%s: malformed response", e.Provider)
	default:
		if e.Detail != "" {
			return fmt.Sprintf("%s: missing script payload: %s", e.Provider, e.Detail)
		}
		return fmt.Sprintf("%s: missing script payload", e.Provider)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the kind sentinels.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrMalformedResponse:
		return e.Kind == MalformedResponse
	case ErrRequestRejected:
		return e.Kind == RequestRejected
	case ErrMissingPayload:
		return e.Kind == MissingPayload
	}
	return false
}

// IsAuth reports whether the provider refused the credentials.
func (e *Error) IsAuth() bool {
	return e.Kind == RequestRejected && (e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden)
}

// Retryable reports whether the failure is transient.
func (e *Error) Retryable() bool {
	return e.Kind == RequestRejected && (e.Status == http.StatusTooManyRequests || e.Status >= 500)
}

func malformed(kind models.ProviderKind, err error) *Error {
	return &Error{Kind: MalformedResponse, Provider: kind, Err: err}
}

func missing(kind models.ProviderKind, detail string) *Error {
	return &Error{Kind: MissingPayload, Provider: kind, Detail: detail}
}
