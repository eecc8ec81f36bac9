package client

import (
	"errors"
	"fmt"
)

// Common errors returned by the client.
var (
	// ErrRetryExhausted is returned when all retry attempts are exhausted.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrContextCancelled is returned when the context is cancelled during retry.
	ErrContextCancelled = errors.New("context cancelled")

	// ErrInvalidQuery is returned when a query fails validation.
	ErrInvalidQuery = errors.New("invalid query")

	// ErrForeignToken is returned when a page token is presented to a query
	// other than the one that issued it.
	ErrForeignToken = errors.New("page token does not belong to this query")
)

// ErrorClass represents a classification of upstream failures.
type ErrorClass string

const (
	// ErrorClassClient represents 4xx responses other than 429. Not retryable.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 5xx responses. Retryable.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassRateLimit represents 429 responses and cooldown blocks. Retryable.
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassNetwork represents network/timeout errors. Retryable.
	ErrorClassNetwork ErrorClass = "network"

	// ErrorClassDecode represents malformed response bodies. Not retryable.
	ErrorClassDecode ErrorClass = "decode"
)

// UpstreamError describes a failed exchange with the upstream API.
type UpstreamError struct {
	StatusCode int
	Class      ErrorClass
	Message    string
	Err        error
}

// Error implements the error interface.
func (e *UpstreamError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("upstream %s error (status %d): %s: %v",
			e.Class, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("upstream %s error (status %d): %s",
		e.Class, e.StatusCode, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// Transient reports whether the error is worth retrying.
func (e *UpstreamError) Transient() bool {
	return shouldRetry(e.Class)
}

// shouldRetry determines if an error should be retried based on its classification.
func shouldRetry(errorClass ErrorClass) bool {
	switch errorClass {
	case ErrorClassClient:
		// 4xx means the request itself is wrong, retrying cannot help
		return false
	case ErrorClassServer:
		return true
	case ErrorClassRateLimit:
		return true
	case ErrorClassNetwork:
		return true
	case ErrorClassDecode:
		// A body we cannot decode will not improve on retry
		return false
	default:
		return false
	}
}

// IsTransient reports whether err stems from a retryable upstream condition
// (network failure, 5xx, rate limit), including retry exhaustion on one.
func IsTransient(err error) bool {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue.Transient()
	}
	return false
}

// IsPermanent reports whether err stems from a non-retryable upstream
// condition (4xx other than 429, malformed response body).
func IsPermanent(err error) bool {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return !ue.Transient()
	}
	return false
}

// errorClassLabel extracts the metric label for an error.
func errorClassLabel(err error) string {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return string(ue.Class)
	}
	return "unknown"
}
