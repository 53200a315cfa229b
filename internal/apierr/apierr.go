// Package apierr defines the gateway's error taxonomy and the envelope shape
// returned to HTTP callers.
package apierr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	// KindProviderUnavailable means no enabled provider resolves for the request.
	KindProviderUnavailable Kind = "provider_unavailable"
	// KindConnection means the backend was unreachable or timed out.
	KindConnection Kind = "connection_error"
	// KindProvider means the backend answered with a non-success status.
	KindProvider Kind = "provider_error"
	// KindProtocol means the backend response is missing a field the gateway
	// requires. Never masked by substituting a guessed value.
	KindProtocol Kind = "protocol_violation"
	// KindConfiguration means provider config is malformed or incomplete,
	// detected at adapter construction time.
	KindConfiguration Kind = "configuration_error"
	// KindBadRequest means the inbound request itself is malformed.
	KindBadRequest Kind = "invalid_request_error"
	// KindInternal covers unexpected faults; the request still gets an answer.
	KindInternal Kind = "internal_error"
)

// Error is the one error type crossing component boundaries. Provider and
// Status are optional context for the envelope.
type Error struct {
	Kind     Kind
	Message  string
	Provider string
	Status   int
	Err      error
}

func (e *Error) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("%s: provider %s: %s", e.Kind, e.Provider, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// WithProvider tags the error with the provider id it came from.
func (e *Error) WithProvider(id string) *Error {
	e.Provider = id
	return e
}

// WithStatus records the upstream HTTP status for provider errors.
func (e *Error) WithStatus(status int) *Error {
	e.Status = status
	return e
}

// KindOf extracts the Kind from any error chain; unknown errors are internal.
func KindOf(err error) Kind {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return KindInternal
}

// Envelope is the JSON body returned to HTTP callers for every failure.
type Envelope struct {
	Error EnvelopeBody `json:"error"`
}

type EnvelopeBody struct {
	Message  string `json:"message"`
	Type     string `json:"type"`
	Provider string `json:"provider,omitempty"`
	Status   int    `json:"status,omitempty"`
}

// HTTPStatus maps an error to the status code of its envelope.
func HTTPStatus(err error) int {
	var ge *Error
	if !errors.As(err, &ge) {
		return http.StatusInternalServerError
	}
	switch ge.Kind {
	case KindProviderUnavailable:
		return http.StatusServiceUnavailable
	case KindConnection:
		return http.StatusBadGateway
	case KindProvider:
		if ge.Status >= 400 && ge.Status < 600 {
			return ge.Status
		}
		return http.StatusBadGateway
	case KindProtocol:
		return http.StatusBadGateway
	case KindConfiguration:
		return http.StatusInternalServerError
	case KindBadRequest:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// WriteJSON renders the envelope for err onto w with the mapped status.
func WriteJSON(w http.ResponseWriter, err error) {
	body := EnvelopeBody{Message: "internal error", Type: string(KindInternal)}
	var ge *Error
	if errors.As(err, &ge) {
		body = EnvelopeBody{
			Message:  ge.Message,
			Type:     string(ge.Kind),
			Provider: ge.Provider,
			Status:   ge.Status,
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(HTTPStatus(err))
	_ = json.NewEncoder(w).Encode(Envelope{Error: body})
}
