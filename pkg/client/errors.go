package client

import (
	"errors"
	"fmt"
	"net/http"
)

// Common errors returned by the client.
var (
	// ErrRetryExhausted is returned when every attempt failed at the network level.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrContextCancelled is returned when the context ends while a call is
	// waiting to be retried.
	ErrContextCancelled = errors.New("context cancelled")

	// ErrAuth is returned for a 401 response. Credentials are assumed to be
	// wrong for the rest of the run, so the call is never retried.
	ErrAuth = errors.New("authentication failed")

	// ErrRateLimited marks a call that was still rate limited when its
	// attempts ran out.
	ErrRateLimited = errors.New("rate limited")
)

// ErrorClass represents a classification of a failed call.
type ErrorClass string

const (
	// ErrorClassClient represents 4xx client errors other than 401 and 429.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 5xx server errors.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassRateLimit represents 429 responses.
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassAuth represents 401 responses.
	ErrorClassAuth ErrorClass = "auth"

	// ErrorClassNetwork represents failures without any HTTP response.
	ErrorClassNetwork ErrorClass = "network"
)

// Classify categorizes a call outcome. It returns "" for success statuses.
func Classify(statusCode int, err error) ErrorClass {
	if err != nil {
		return ErrorClassNetwork
	}

	switch {
	case statusCode == http.StatusUnauthorized:
		return ErrorClassAuth
	case statusCode == http.StatusTooManyRequests:
		return ErrorClassRateLimit
	case statusCode >= 400 && statusCode < 500:
		return ErrorClassClient
	case statusCode >= 500:
		return ErrorClassServer
	default:
		return ""
	}
}

// IsTransport reports whether a class means the remote service itself could
// not be reached or could not serve the call, as opposed to rejecting it.
func (c ErrorClass) IsTransport() bool {
	return c == ErrorClassNetwork || c == ErrorClassServer
}

// TransientHTTPError wraps a network-level failure of a single call.
type TransientHTTPError struct {
	Method   string
	URL      string
	Attempts int
	Err      error
}

// Error implements the error interface.
func (e *TransientHTTPError) Error() string {
	return fmt.Sprintf("%s %s failed after %d attempts: %v", e.Method, e.URL, e.Attempts, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *TransientHTTPError) Unwrap() error {
	return e.Err
}

// StatusError describes a response whose status the caller could not accept.
type StatusError struct {
	StatusCode int
	ErrorClass ErrorClass
	Body       string
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("remote %s error (status %d): %s", e.ErrorClass, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("remote %s error (status %d)", e.ErrorClass, e.StatusCode)
}

// Is lets errors.Is match ErrAuth and ErrRateLimited against a StatusError.
func (e *StatusError) Is(target error) bool {
	switch target {
	case ErrAuth:
		return e.ErrorClass == ErrorClassAuth
	case ErrRateLimited:
		return e.ErrorClass == ErrorClassRateLimit
	}
	return false
}

// NewStatusError builds a StatusError from a response.
func NewStatusError(resp *Response) *StatusError {
	return &StatusError{
		StatusCode: resp.StatusCode,
		ErrorClass: Classify(resp.StatusCode, nil),
		Body:       truncate(string(resp.Body), 512),
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
