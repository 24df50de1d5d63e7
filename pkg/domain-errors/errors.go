// Package domainerrors defines the error taxonomy shared by every bastion module.
//
// Services return *Error values carrying a stable Code. Transport layers map the
// code to an HTTP status with Code.HTTPStatus and render it with
// pkg/platform/httputil.WriteError. Infrastructure layers should prefer the
// sentinel errors in pkg/platform/sentinel and let services translate them.
package domainerrors

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Code is a stable, machine readable error identifier.
type Code string

const (
	CodeBadRequest         Code = "bad_request"
	CodeValidation         Code = "validation_error"
	CodeInvalidInput       Code = "invalid_input"
	CodeInvalidRequest     Code = "invalid_request"
	CodeInvariantViolation Code = "invariant_violation"
	CodePayloadTooLarge    Code = "payload_too_large"
	CodeEntryTooLarge      Code = "entry_too_large"
	CodeUnauthorized       Code = "unauthorized"
	CodeForbidden          Code = "forbidden"
	CodeNotFound           Code = "not_found"
	CodeConflict           Code = "conflict"
	CodeRateLimitExceeded  Code = "rate_limit_exceeded"
	CodeTimeout            Code = "timeout"
	CodeUpstreamTimeout    Code = "upstream_timeout"
	CodeCircuitOpen        Code = "circuit_open"
	CodeNoHealthyEndpoint  Code = "no_healthy_endpoint"
	CodeUpstreamError      Code = "upstream_error"
	CodeSerialization      Code = "serialization_error"
	CodeCompression        Code = "compression_error"
	CodeCacheTier          Code = "cache_tier_error"
	CodeCacheFull          Code = "cache_full"
	CodeMultiple           Code = "multiple_errors"
	CodeInternal           Code = "internal_error"
)

// HTTPStatus maps a code to the status written at the HTTP boundary.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeBadRequest, CodeValidation, CodeInvalidInput, CodeInvalidRequest, CodeInvariantViolation:
		return http.StatusBadRequest
	case CodePayloadTooLarge, CodeEntryTooLarge:
		return http.StatusRequestEntityTooLarge
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict:
		return http.StatusConflict
	case CodeRateLimitExceeded:
		return http.StatusTooManyRequests
	case CodeTimeout:
		return http.StatusRequestTimeout
	case CodeUpstreamTimeout:
		return http.StatusGatewayTimeout
	case CodeCircuitOpen, CodeNoHealthyEndpoint, CodeCacheFull, CodeCacheTier:
		return http.StatusServiceUnavailable
	case CodeUpstreamError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether a caller may retry the failed operation unchanged.
func (c Code) Retryable() bool {
	switch c {
	case CodeRateLimitExceeded, CodeTimeout, CodeUpstreamTimeout, CodeCircuitOpen,
		CodeNoHealthyEndpoint, CodeCacheTier, CodeCacheFull, CodeUpstreamError:
		return true
	}
	return false
}

// Error is the domain error type.
type Error struct {
	Code       Code
	Message    string
	Details    map[string]any
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the error is transient.
func (e *Error) Retryable() bool {
	return e.Code.Retryable()
}

// New creates a domain error with the given code and message.
func New(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

// Newf is New with formatting.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying error.
// Wrapping nil returns nil so call sites can wrap unconditionally.
func Wrap(err error, code Code, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: msg, Err: err}
}

// WithDetail returns the error with an extra detail entry.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// WithRetryAfter records how long the caller should wait before retrying.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	e.RetryAfter = d
	return e
}

// As extracts the first *Error in the chain.
func As(err error) (*Error, bool) {
	var de *Error
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}

// HasCode reports whether any domain error in the chain has the given code.
func HasCode(err error, code Code) bool {
	for err != nil {
		var de *Error
		if !errors.As(err, &de) {
			return false
		}
		if de.Code == code {
			return true
		}
		err = de.Err
	}
	return false
}

// Is is an alias of errors.Is kept for call-site symmetry with HasCode.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// CodeOf returns the code of the outermost domain error, or CodeInternal.
func CodeOf(err error) Code {
	if de, ok := As(err); ok {
		return de.Code
	}
	return CodeInternal
}

// Multi aggregates independent failures, for example one per cache tier.
type Multi struct {
	Errors []error
}

func (m *Multi) Error() string {
	parts := make([]string, 0, len(m.Errors))
	for _, err := range m.Errors {
		parts = append(parts, err.Error())
	}
	return fmt.Sprintf("%d errors: %s", len(m.Errors), strings.Join(parts, "; "))
}

// Unwrap exposes the collected errors to errors.Is and errors.As.
func (m *Multi) Unwrap() []error { return m.Errors }

// Add appends a non-nil error to the aggregate.
func (m *Multi) Add(err error) {
	if err != nil {
		m.Errors = append(m.Errors, err)
	}
}

// Len reports the number of collected errors.
func (m *Multi) Len() int { return len(m.Errors) }

// ErrorOrNil returns nil when empty, otherwise a multiple_errors domain error
// wrapping the aggregate.
func (m *Multi) ErrorOrNil() error {
	if m == nil || len(m.Errors) == 0 {
		return nil
	}
	return &Error{
		Code:    CodeMultiple,
		Message: fmt.Sprintf("%d operations failed", len(m.Errors)),
		Err:     m,
	}
}
