// Package errors provides the classified error taxonomy used across the
// risk-assessment serving core. Every error that crosses a subsystem
// boundary is normalized onto this taxonomy so that retry, recovery and
// degradation decisions can branch on a stable type instead of string
// matching.
package errors

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"time"
)

// Type classifies an error for retry and degradation decisions.
type Type string

// Error types understood by the serving core.
const (
	TypeValidation     Type = "VALIDATION_ERROR"
	TypeAuthentication Type = "AUTHENTICATION_ERROR"
	TypeAuthorization  Type = "AUTHORIZATION_ERROR"
	TypeNotFound       Type = "NOT_FOUND_ERROR"
	TypeTimeout        Type = "TIMEOUT_ERROR"
	TypeDatabase       Type = "DATABASE_ERROR"
	TypeCircuitBreaker Type = "CIRCUIT_BREAKER_ERROR"
	TypeRateLimit      Type = "RATE_LIMIT_ERROR"
	TypeNetwork        Type = "NETWORK_ERROR"
	TypeInternal       Type = "INTERNAL_SERVER_ERROR"
)

// defaultMessage is used when a normalized value carries no message at all.
const defaultMessage = "Unknown error occurred"

// ServiceError is an error with classification, retry information and
// redactable context.
type ServiceError struct {
	Type       Type                   `json:"type"`
	Code       string                 `json:"code"`
	Message    string                 `json:"message"`
	Retryable  bool                   `json:"retryable"`
	RetryAfter time.Duration          `json:"retry_after,omitempty"`
	Context    map[string]interface{} `json:"context,omitempty"`

	cause error
}

// Error implements the error interface.
func (e *ServiceError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Type, e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *ServiceError) Unwrap() error {
	return e.cause
}

// WithContext adds a context entry and returns the error for chaining.
func (e *ServiceError) WithContext(key string, value interface{}) *ServiceError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithRetryAfter sets a caller-suggested retry delay.
func (e *ServiceError) WithRetryAfter(d time.Duration) *ServiceError {
	e.RetryAfter = d
	return e
}

// New creates a classified error. Retryability and the default retry delay
// follow the taxonomy.
func New(t Type, code, message string) *ServiceError {
	retryable, retryAfter := defaultsFor(t)
	return &ServiceError{
		Type:       t,
		Code:       code,
		Message:    message,
		Retryable:  retryable,
		RetryAfter: retryAfter,
	}
}

// Newf creates a classified error with a formatted message.
func Newf(t Type, code, format string, args ...interface{}) *ServiceError {
	return New(t, code, fmt.Sprintf(format, args...))
}

// Wrap classifies an existing error. A nil err yields nil. An already
// classified error keeps its context but adopts the new type.
func Wrap(err error, t Type, code string) *ServiceError {
	if err == nil {
		return nil
	}
	se := New(t, code, err.Error())
	se.cause = err
	var prev *ServiceError
	if errors.As(err, &prev) {
		se.Message = prev.Message
		for k, v := range prev.Context {
			se.WithContext(k, v)
		}
	}
	return se
}

// Normalize maps an arbitrary error onto the taxonomy. Classified errors
// pass through untouched; well-known sentinel and interface errors are
// recognized; everything else becomes INTERNAL_SERVER_ERROR with the
// original preserved in context.
func Normalize(err error) *ServiceError {
	if err == nil {
		return nil
	}
	var se *ServiceError
	if errors.As(err, &se) {
		return se
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return Wrap(err, TypeTimeout, "DEADLINE_EXCEEDED")
	case errors.Is(err, context.Canceled):
		return Wrap(err, TypeTimeout, "REQUEST_CANCELLED")
	case errors.Is(err, sql.ErrNoRows):
		return Wrap(err, TypeNotFound, "RECORD_NOT_FOUND")
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return Wrap(err, TypeTimeout, "NETWORK_TIMEOUT")
		}
		return Wrap(err, TypeNetwork, "NETWORK_FAILURE")
	}
	msg := err.Error()
	if msg == "" {
		msg = defaultMessage
	}
	se = New(TypeInternal, "UNCLASSIFIED", msg)
	se.cause = err
	return se.WithContext("originalError", err.Error())
}

// FromValue normalizes a recovered panic value or other non-error throwable.
func FromValue(v interface{}) *ServiceError {
	switch val := v.(type) {
	case nil:
		return New(TypeInternal, "UNCLASSIFIED", defaultMessage)
	case error:
		return Normalize(val)
	case string:
		if val == "" {
			val = defaultMessage
		}
		return New(TypeInternal, "UNCLASSIFIED", val).WithContext("originalError", v)
	default:
		return New(TypeInternal, "UNCLASSIFIED", defaultMessage).WithContext("originalError", fmt.Sprintf("%v", v))
	}
}

// IsRetryable reports whether an error may be retried locally.
func IsRetryable(err error) bool {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.Retryable
	}
	return false
}

// TypeOf returns the classified type, or TypeInternal for unclassified errors.
func TypeOf(err error) Type {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.Type
	}
	return TypeInternal
}

// IsType reports whether err classifies as t.
func IsType(err error, t Type) bool {
	return err != nil && TypeOf(err) == t
}

// RetryAfterOf returns the suggested retry delay carried by the error, if any.
func RetryAfterOf(err error) time.Duration {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.RetryAfter
	}
	return 0
}

func defaultsFor(t Type) (retryable bool, retryAfter time.Duration) {
	switch t {
	case TypeTimeout:
		return true, time.Second
	case TypeDatabase:
		return true, 5 * time.Second
	case TypeNetwork:
		return true, 2 * time.Second
	case TypeRateLimit:
		return true, 0
	default:
		return false, 0
	}
}
