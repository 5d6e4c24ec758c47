package client

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a generation call failure that is not a provider
// response error.
type ErrorKind string

const (
	Timeout           ErrorKind = "timeout"
	AlreadyInProgress ErrorKind = "already_in_progress"
	Cancelled         ErrorKind = "cancelled"
	InvalidRequest    ErrorKind = "invalid_request"
	Transport         ErrorKind = "transport"
)

var (
	ErrTimeout           = errors.New("generation timed out")
	ErrAlreadyInProgress = errors.New("a generation is already in progress")
	ErrCancelled         = errors.New("generation cancelled")
	ErrInvalidRequest    = errors.New("invalid generation request")
	ErrTransport         = errors.New("provider unreachable")
)

// Error reports a failed call.
type Error struct {
	Kind     ErrorKind
	Provider string
	Err      error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	switch e.Kind {
	case Timeout:
		msg = ErrTimeout.Error()
	case AlreadyInProgress:
		msg = ErrAlreadyInProgress.Error()
	case Cancelled:
		msg = ErrCancelled.Error()
	case InvalidRequest:
		msg = ErrInvalidRequest.Error()
	case Transport:
		msg = ErrTransport.Error()
	}
	if e.Provider != "" {
		msg = fmt.Sprintf("%s: %s", e.Provider, msg)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the kind sentinels.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrTimeout:
		return e.Kind == Timeout
	case ErrAlreadyInProgress:
		return e.Kind == AlreadyInProgress
	case ErrCancelled:
		return e.Kind == Cancelled
	case ErrInvalidRequest:
		return e.Kind == InvalidRequest
	case ErrTransport:
		return e.Kind == Transport
	}
	return false
}

func invalid(format string, args ...any) *Error {
	return &Error{Kind: InvalidRequest, Err: fmt.Errorf(format, args...)}
}
