package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind classifies a failure for retry dispatch.
type Kind string

const (
	KindUpstreamOverloaded    Kind = "upstream_overloaded"
	KindRateLimited           Kind = "rate_limited"
	KindInvalidCredentials    Kind = "invalid_credentials"
	KindProxyTransport        Kind = "proxy_transport"
	KindAllProxiesUnavailable Kind = "all_proxies_unavailable"
	KindNoAccountsAvailable   Kind = "no_accounts_available"
	KindUpstreamProtocol      Kind = "upstream_protocol"
	KindClientDisconnected    Kind = "client_disconnected"
	KindValidation            Kind = "validation"
	KindInternal              Kind = "internal"
)

// Numeric codes surfaced in error bodies.
const (
	CodeAllProxiesUnavailable = 503200
	CodeProxyTransport        = 503201
	CodeNoAccountsAvailable   = 503210
	CodeRateLimited           = 429100
	CodeInvalidCredentials    = 503220
	CodeStreaming             = 503500
	CodeUpstreamOverloaded    = 503510
	CodeUpstreamProtocol      = 502100
	CodeValidation            = 400100
)

// Error is the tagged error carried through the orchestrator. Retryable
// means the orchestrator may attempt the request again with a fresh
// account/proxy pick.
type Error struct {
	Kind      Kind
	Code      int
	Retryable bool
	Message   string
	ResetsAt  *time.Time // rate limits only
	Cause     error
	Context   map[string]any
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// With attaches a structured context field.
func (e *Error) With(key string, val any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = val
	return e
}

// HTTPStatus maps the kind to the client-facing status code.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindUpstreamProtocol:
		return http.StatusBadGateway
	case KindAllProxiesUnavailable, KindNoAccountsAvailable,
		KindUpstreamOverloaded, KindInvalidCredentials, KindProxyTransport:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func Overloaded(cause error) *Error {
	return &Error{Kind: KindUpstreamOverloaded, Code: CodeUpstreamOverloaded, Retryable: true,
		Message: "upstream reported overload", Cause: cause}
}

func RateLimited(resetsAt *time.Time) *Error {
	return &Error{Kind: KindRateLimited, Code: CodeRateLimited, Retryable: true,
		Message: "upstream rate limited", ResetsAt: resetsAt}
}

func InvalidCredentials(cause error) *Error {
	return &Error{Kind: KindInvalidCredentials, Code: CodeInvalidCredentials, Retryable: true,
		Message: "credentials rejected after refresh", Cause: cause}
}

func ProxyTransport(cause error) *Error {
	return &Error{Kind: KindProxyTransport, Code: CodeProxyTransport, Retryable: true,
		Message: "proxied transport failure", Cause: cause}
}

func AllProxiesUnavailable() *Error {
	return &Error{Kind: KindAllProxiesUnavailable, Code: CodeAllProxiesUnavailable,
		Message: "all proxies are cooling down"}
}

func NoAccountsAvailable() *Error {
	return &Error{Kind: KindNoAccountsAvailable, Code: CodeNoAccountsAvailable,
		Message: "no accounts able to serve the request"}
}

func Protocol(msg string, cause error) *Error {
	return &Error{Kind: KindUpstreamProtocol, Code: CodeUpstreamProtocol,
		Message: msg, Cause: cause}
}

func ClientDisconnected(cause error) *Error {
	return &Error{Kind: KindClientDisconnected, Message: "client disconnected", Cause: cause}
}

func Validation(msg string) *Error {
	return &Error{Kind: KindValidation, Code: CodeValidation, Message: msg}
}

func Internal(msg string, cause error) *Error {
	return &Error{Kind: KindInternal, Code: CodeStreaming, Message: msg, Cause: cause}
}

// KindOf extracts the kind from any error chain; plain errors map to
// KindInternal.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

// IsRetryable reports whether the orchestrator may retry after err.
func IsRetryable(err error) bool {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Retryable
	}
	return false
}

// AsError returns err as *Error, wrapping plain errors as internal.
func AsError(err error) *Error {
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	return Internal("unexpected error", err)
}
