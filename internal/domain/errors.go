// Package domain provides the gateway's error taxonomy and request-scoped types.
package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind is the category of a gateway error. Its string value is what
// clients see in the "error" field of the envelope.
type ErrorKind string

const (
	// KindNotFound indicates no route matched the request.
	KindNotFound ErrorKind = "NotFound"

	// KindRouteConflict indicates two routes share method and pattern.
	// It only occurs at registration time.
	KindRouteConflict ErrorKind = "RouteConflict"

	// KindUnauthorized indicates a missing, malformed, invalid or expired token.
	KindUnauthorized ErrorKind = "Unauthorized"

	// KindServiceUnavailable indicates the introspection service could not be reached.
	KindServiceUnavailable ErrorKind = "ServiceUnavailable"

	// KindUpstreamUnavailable indicates the upstream is down or retries were exhausted.
	KindUpstreamUnavailable ErrorKind = "UpstreamUnavailable"

	// KindUpstreamTimeout indicates the upstream did not answer before the deadline.
	KindUpstreamTimeout ErrorKind = "UpstreamTimeout"

	// KindTooManyRequests indicates the client exceeded its rate limit.
	KindTooManyRequests ErrorKind = "TooManyRequests"

	// KindInternal indicates a failure inside the gateway itself.
	KindInternal ErrorKind = "Internal"
)

// Status returns the HTTP status code for the kind.
func (k ErrorKind) Status() int {
	switch k {
	case KindNotFound:
		return http.StatusNotFound
	case KindRouteConflict:
		return http.StatusConflict
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindServiceUnavailable, KindUpstreamUnavailable:
		return http.StatusServiceUnavailable
	case KindUpstreamTimeout:
		return http.StatusGatewayTimeout
	case KindTooManyRequests:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// GatewayError is the canonical error produced by every gateway component.
// Err carries the underlying cause for logs; it is never rendered to clients.
type GatewayError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

// Error implements the error interface.
func (e *GatewayError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause.
func (e *GatewayError) Unwrap() error {
	return e.Err
}

// Is reports whether target is a GatewayError of the same kind, so callers
// can write errors.Is(err, domain.ErrUnauthorized).
func (e *GatewayError) Is(target error) bool {
	var t *GatewayError
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && t.Message == "" && t.Err == nil
}

// HTTPStatusCode returns the HTTP status code for this error.
func (e *GatewayError) HTTPStatusCode() int {
	return e.Kind.Status()
}

// NewError creates a gateway error of the given kind.
func NewError(kind ErrorKind, message string) *GatewayError {
	return &GatewayError{Kind: kind, Message: message}
}

// Wrap creates a gateway error of the given kind carrying cause.
func Wrap(kind ErrorKind, message string, cause error) *GatewayError {
	return &GatewayError{Kind: kind, Message: message, Err: cause}
}

// Sentinels for errors.Is comparisons. They match any GatewayError of the same kind.
var (
	ErrNotFound            = &GatewayError{Kind: KindNotFound}
	ErrRouteConflict       = &GatewayError{Kind: KindRouteConflict}
	ErrUnauthorized        = &GatewayError{Kind: KindUnauthorized}
	ErrServiceUnavailable  = &GatewayError{Kind: KindServiceUnavailable}
	ErrUpstreamUnavailable = &GatewayError{Kind: KindUpstreamUnavailable}
	ErrUpstreamTimeout     = &GatewayError{Kind: KindUpstreamTimeout}
)

// KindOf returns the kind of err, or KindInternal if err is not a GatewayError.
func KindOf(err error) ErrorKind {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return KindInternal
}

// ErrorEnvelope is the JSON body written for every error response.
type ErrorEnvelope struct {
	Error   ErrorKind `json:"error"`
	Message string    `json:"message"`
}

// EnvelopeFor converts any error into the client-facing envelope.
// Errors that are not GatewayErrors are reported as Internal with a generic
// message so internal details never leak.
func EnvelopeFor(err error) (int, ErrorEnvelope) {
	var ge *GatewayError
	if !errors.As(err, &ge) {
		return http.StatusInternalServerError, ErrorEnvelope{
			Error:   KindInternal,
			Message: "internal gateway error",
		}
	}
	msg := ge.Message
	if msg == "" {
		msg = string(ge.Kind)
	}
	return ge.HTTPStatusCode(), ErrorEnvelope{Error: ge.Kind, Message: msg}
}

// WriteError renders err as a JSON error envelope.
func WriteError(w http.ResponseWriter, err error) {
	status, env := EnvelopeFor(err)
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(env)
}
