// Package apperr defines the coded errors surfaced by the search core.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a stable machine-readable error code
type Code string

const (
	CodeNoTargets             Code = "NO_TARGETS"
	CodeInvalidQuerySyntax    Code = "INVALID_QUERY_SYNTAX"
	CodeConnectionUnavailable Code = "CONNECTION_UNAVAILABLE"
	CodeFederatedSearchFailed Code = "FEDERATED_SEARCH_FAILED"
	CodeEnrichmentUnavailable Code = "ENRICHMENT_UNAVAILABLE"
	CodeCacheUnavailable      Code = "CACHE_UNAVAILABLE"
	CodeInvalidRequest        Code = "INVALID_REQUEST"
	CodeNotFound              Code = "NOT_FOUND"
	CodeInternal              Code = "INTERNAL"
)

// Error carries a code, a human-readable message and an optional cause
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return string(e.Code) + ": " + e.Message + " (cause: " + e.Cause.Error() + ")"
	}
	return string(e.Code) + ": " + e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error with the same code, so sentinels work with errors.Is
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Sentinels for errors.Is
var (
	ErrNoTargets             = &Error{Code: CodeNoTargets}
	ErrInvalidQuerySyntax    = &Error{Code: CodeInvalidQuerySyntax}
	ErrConnectionUnavailable = &Error{Code: CodeConnectionUnavailable}
	ErrFederatedSearchFailed = &Error{Code: CodeFederatedSearchFailed}
	ErrEnrichmentUnavailable = &Error{Code: CodeEnrichmentUnavailable}
	ErrCacheUnavailable      = &Error{Code: CodeCacheUnavailable}
	ErrInvalidRequest        = &Error{Code: CodeInvalidRequest}
	ErrNotFound              = &Error{Code: CodeNotFound}
)

// New creates an Error
func New(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

func NoTargets(tenantID string) *Error {
	return New(CodeNoTargets, fmt.Sprintf("no active databases match the request for tenant %s", tenantID), nil)
}

func InvalidQuerySyntax(format string, args ...interface{}) *Error {
	return New(CodeInvalidQuerySyntax, fmt.Sprintf(format, args...), nil)
}

func ConnectionUnavailable(connectionID string, cause error) *Error {
	return New(CodeConnectionUnavailable, fmt.Sprintf("database %s is unavailable", connectionID), cause)
}

func FederatedSearchFailed(failed, total int) *Error {
	return New(CodeFederatedSearchFailed, fmt.Sprintf("%d of %d target databases failed", failed, total), nil)
}

func EnrichmentUnavailable(operation string, cause error) *Error {
	return New(CodeEnrichmentUnavailable, "enrichment unavailable for "+operation, cause)
}

func CacheUnavailable(cause error) *Error {
	return New(CodeCacheUnavailable, "cache backend unavailable", cause)
}

func InvalidRequest(format string, args ...interface{}) *Error {
	return New(CodeInvalidRequest, fmt.Sprintf(format, args...), nil)
}

func NotFound(what string) *Error {
	return New(CodeNotFound, what+" not found", nil)
}

// CodeOf returns the code of err, or CodeInternal for anything uncoded
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// Internal reports whether the code must never reach a caller
func (c Code) Internal() bool {
	return c == CodeEnrichmentUnavailable || c == CodeCacheUnavailable || c == CodeInternal
}

// HTTPStatus maps a code onto the envelope status
func HTTPStatus(code Code) int {
	switch code {
	case CodeNoTargets, CodeInvalidQuerySyntax, CodeInvalidRequest:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConnectionUnavailable:
		return http.StatusServiceUnavailable
	case CodeFederatedSearchFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Public returns the code and message a caller may see for err
func Public(err error) (Code, string) {
	var e *Error
	if errors.As(err, &e) && !e.Code.Internal() {
		return e.Code, e.Message
	}
	return CodeInternal, "Internal server error"
}
