package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors shared across the pipeline.
var (
	ErrInvalidMessage      = errors.New("invalid message")
	ErrMissingCredentials  = errors.New("missing provider credentials")
	ErrUpstreamRateLimited = errors.New("upstream rate limited")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrDimensionMismatch   = errors.New("embedding dimension mismatch")
	ErrNotFound            = errors.New("not found")
	ErrRateLimited         = errors.New("too many requests")
)

// ValidationError wraps a sentinel with context.
type ValidationError struct {
	Field   string
	Value   string
	Wrapped error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s (value=%q)", e.Wrapped, e.Field, e.Value)
}

func (e *ValidationError) Unwrap() error { return e.Wrapped }

// NewValidationError creates a ValidationError.
func NewValidationError(field, value string, wrapped error) *ValidationError {
	return &ValidationError{Field: field, Value: value, Wrapped: wrapped}
}

// ConfigurationError reports a setting the process cannot run without.
type ConfigurationError struct {
	Key    string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration: %s: %s", e.Key, e.Reason)
}

func (e *ConfigurationError) Unwrap() error { return ErrMissingCredentials }

// NewConfigurationError creates a ConfigurationError.
func NewConfigurationError(key, reason string) *ConfigurationError {
	return &ConfigurationError{Key: key, Reason: reason}
}

// DimensionError carries the sizes involved in a dimension mismatch.
type DimensionError struct {
	Got  int
	Want int
}

func (e *DimensionError) Error() string {
	return fmt.Sprintf("%s: got %d want %d", ErrDimensionMismatch, e.Got, e.Want)
}

func (e *DimensionError) Unwrap() error { return ErrDimensionMismatch }

// HTTPStatus maps the error taxonomy onto a response status code.
func HTTPStatus(err error) int {
	var verr *ValidationError
	var cerr *ConfigurationError
	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &verr):
		return http.StatusBadRequest
	case errors.As(err, &cerr):
		return http.StatusInternalServerError
	case errors.Is(err, ErrRateLimited), errors.Is(err, ErrUpstreamRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
