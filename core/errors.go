package core

import (
	"fmt"
	"net/http"
)

// ErrorKind classifies a request failure. The dispatcher is the only
// place a kind turns into an HTTP status.
type ErrorKind int

const (
	Unhandled ErrorKind = iota
	FirewallBlocked
	AuthFailed
	ClientGroupDenied
	ConcurrencyExceeded
	RateLimited
	UnknownEndpoint
	MissingParameter
	BadParameter
	MacroUnpublished
	RenderFailed
	CompileScript
	DatasourceInactive
	Timeout
	BackendQuery
	Connection
	ScriptRuntime
	TransformFailed
)

func (k ErrorKind) String() string {
	switch k {
	case FirewallBlocked:
		return "firewall_blocked"
	case AuthFailed:
		return "auth_failed"
	case ClientGroupDenied:
		return "client_group_denied"
	case ConcurrencyExceeded:
		return "concurrency_exceeded"
	case RateLimited:
		return "rate_limited"
	case UnknownEndpoint:
		return "unknown_endpoint"
	case MissingParameter:
		return "missing_parameter"
	case BadParameter:
		return "bad_parameter"
	case MacroUnpublished:
		return "macro_unpublished"
	case RenderFailed:
		return "render_failed"
	case CompileScript:
		return "compile_script"
	case DatasourceInactive:
		return "datasource_inactive"
	case Timeout:
		return "timeout"
	case BackendQuery:
		return "backend_query"
	case Connection:
		return "connection"
	case ScriptRuntime:
		return "script_runtime"
	case TransformFailed:
		return "transform_failed"
	}
	return "unhandled"
}

// Error is a classified request failure.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error

	// Infra marks a Timeout whose origin is infrastructure rather
	// than the statement or script budget; it maps to 500.
	Infra bool
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Err }

// HTTPStatus maps the error kind to a response status.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case FirewallBlocked, ClientGroupDenied:
		return http.StatusForbidden
	case AuthFailed:
		return http.StatusUnauthorized
	case ConcurrencyExceeded:
		return http.StatusServiceUnavailable
	case RateLimited:
		return http.StatusTooManyRequests
	case UnknownEndpoint:
		return http.StatusNotFound
	case MissingParameter, BadParameter, MacroUnpublished, RenderFailed,
		CompileScript, DatasourceInactive, BackendQuery, ScriptRuntime,
		TransformFailed:
		return http.StatusBadRequest
	case Timeout:
		if e.Infra {
			return http.StatusInternalServerError
		}
		return http.StatusBadRequest
	case Connection:
		return http.StatusInternalServerError
	}
	return http.StatusInternalServerError
}

func newError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func wrapError(kind ErrorKind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// AsError coerces any error into a classified one; unclassified
// errors become Unhandled.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	if e, ok := err.(*Error); ok {
		return e
	}
	return &Error{Kind: Unhandled, Message: err.Error(), Err: err}
}
