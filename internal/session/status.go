package session

import (
	"errors"
	"fmt"
	"time"

	"scenegen/internal/client"
	"scenegen/internal/executor"
	"scenegen/internal/organizer"
	"scenegen/internal/provider"
	"scenegen/internal/script"
)

// State is the coarse state of a run as seen by the host.
type State string

const (
	StateRunning State = "running"
	StateSuccess State = "success"
	StateFailure State = "failure"
)

// Phase is the pipeline stage a running generation is in.
type Phase string

const (
	PhaseRequesting Phase = "requesting"
	PhaseValidating Phase = "validating"
	PhaseExecuting  Phase = "executing"
	PhaseOrganizing Phase = "organizing"
)

// ErrorKind is the failure category reported to the host.
type ErrorKind string

const (
	KindMalformedResponse ErrorKind = "provider_malformed_response"
	KindProviderRejected  ErrorKind = "provider_rejected"
	KindAuthConfiguration ErrorKind = "auth_configuration"
	KindMissingPayload    ErrorKind = "provider_missing_payload"
	KindTimeout           ErrorKind = "timeout"
	KindAlreadyInProgress ErrorKind = "already_in_progress"
	KindCancelled         ErrorKind = "cancelled"
	KindInvalidRequest    ErrorKind = "invalid_request"
	KindTransport         ErrorKind = "transport"
	KindDisallowed        ErrorKind = "disallowed_construct"
	KindNoValidScript     ErrorKind = "no_valid_script"
	KindExecutionFailed   ErrorKind = "execution_failed"
	KindNothingToOrganize ErrorKind = "nothing_to_organize"
	KindInternal          ErrorKind = "internal"
)

// ErrInternal marks failures that are bugs rather than user-fixable
// conditions, including recovered panics.
var ErrInternal = errors.New("internal error")

const snippetLength = 200

// Status is delivered to subscribers as a run progresses.
type Status struct {
	RunID          string    `json:"run_id"`
	State          State     `json:"state"`
	Phase          Phase     `json:"phase,omitempty"`
	Prompt         string    `json:"prompt,omitempty"`
	Provider       string    `json:"provider,omitempty"`
	CollectionName string    `json:"collection_name,omitempty"`
	CreatedObjects int       `json:"created_objects,omitempty"`
	ErrorKind      ErrorKind `json:"error_kind,omitempty"`
	Message        string    `json:"message,omitempty"`
	Script         string    `json:"script,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at,omitzero"`
}

// Done reports whether the run has finished.
func (s Status) Done() bool {
	return s.State == StateSuccess || s.State == StateFailure
}

// Classify maps a pipeline error onto the kind reported to the host.
func Classify(err error) ErrorKind {
	var (
		cerr *client.Error
		perr *provider.Error
		serr *script.Error
		xerr *executor.ExecutionError
		oerr *organizer.Error
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &cerr):
		switch cerr.Kind {
		case client.Timeout:
			return KindTimeout
		case client.AlreadyInProgress:
			return KindAlreadyInProgress
		case client.Cancelled:
			return KindCancelled
		case client.InvalidRequest:
			return KindInvalidRequest
		case client.Transport:
			return KindTransport
		}
	case errors.As(err, &perr):
		switch perr.Kind {
		case provider.RequestRejected:
			if perr.IsAuth() {
				return KindAuthConfiguration
			}
			return KindProviderRejected
		case provider.MalformedResponse:
			return KindMalformedResponse
		case provider.MissingPayload:
			return KindMissingPayload
		}
	case errors.As(err, &serr):
		if serr.Kind == script.DisallowedConstruct {
			return KindDisallowed
		}
		return KindNoValidScript
	case errors.As(err, &xerr):
		return KindExecutionFailed
	case errors.As(err, &oerr):
		return KindNothingToOrganize
	}
	return KindInternal
}

// describe builds the user-facing message for err.
func describe(kind ErrorKind, err error) string {
	var serr *script.Error
	switch kind {
	case KindAuthConfiguration:
		return fmt.Sprintf("check the API key and endpoint for this provider: %v", err)
	case KindNoValidScript:
		if errors.As(err, &serr) && serr.RawText != "" {
			return fmt.Sprintf("%v; first candidate: %s", err, serr.Snippet(snippetLength))
		}
	}
	return err.Error()
}
