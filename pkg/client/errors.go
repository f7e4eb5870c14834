package client

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorClass represents a classification of upstream failures.
type ErrorClass string

const (
	// ErrorClassClient represents 4xx client errors.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 5xx server errors.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassRateLimit represents the upstream "too many requests" statuses (420, 429).
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassNetwork represents network/timeout errors.
	ErrorClassNetwork ErrorClass = "network"

	// ErrorClassDecode represents a 2xx body that could not be decoded.
	ErrorClassDecode ErrorClass = "decode"
)

// StatusErrorLimited is the status ESI returns once the error limit is exceeded.
const StatusErrorLimited = 420

// Common errors returned by the client.
var (
	// ErrRetryExhausted is returned when all retry attempts are exhausted.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrContextCancelled is returned when the context is cancelled while waiting.
	ErrContextCancelled = errors.New("context cancelled")

	// ErrBadStatus is wrapped by every ESIError carrying an HTTP status >= 400.
	ErrBadStatus = errors.New("unexpected status")
)

// ESIError represents an ESI-specific error with additional context.
type ESIError struct {
	StatusCode int
	ErrorClass ErrorClass
	Path       string
	Message    string
	Err        error
}

// Error implements the error interface.
func (e *ESIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("ESI %s error on %s (status %d): %s: %v",
			e.ErrorClass, e.Path, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("ESI %s error on %s (status %d): %s",
		e.ErrorClass, e.Path, e.StatusCode, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *ESIError) Unwrap() error {
	return e.Err
}

// ClassOf returns the ErrorClass carried by err, or "" if err is not an ESIError.
func ClassOf(err error) ErrorClass {
	var esiErr *ESIError
	if errors.As(err, &esiErr) {
		return esiErr.ErrorClass
	}
	return ""
}

// classifyStatus maps an HTTP status >= 400 to its ErrorClass.
func classifyStatus(status int) ErrorClass {
	switch {
	case status == StatusErrorLimited || status == http.StatusTooManyRequests:
		return ErrorClassRateLimit
	case status >= 400 && status < 500:
		return ErrorClassClient
	case status >= 500:
		return ErrorClassServer
	default:
		return ""
	}
}

// shouldRetry determines if an error should be retried based on its classification.
func shouldRetry(errorClass ErrorClass) bool {
	switch errorClass {
	case ErrorClassServer, ErrorClassNetwork:
		return true
	default:
		// 4xx, rate limit and decode failures would only burn more error budget
		return false
	}
}
