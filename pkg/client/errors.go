package client

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Common errors returned by the client.
var (
	// ErrRetryExhausted is returned when all retry attempts are exhausted.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrContextCancelled is returned when the context is cancelled during a call or retry.
	ErrContextCancelled = errors.New("context cancelled")

	// ErrAuthExpired is returned when the access token stays invalid after one renewal.
	ErrAuthExpired = errors.New("access token expired")

	// ErrConfiguration marks malformed calls detected before any network I/O.
	ErrConfiguration = errors.New("invalid configuration")
)

// ErrorClass represents a classification of API and transport errors.
type ErrorClass string

const (
	// ErrorClassNetwork represents connection failures and timeouts.
	ErrorClassNetwork ErrorClass = "network"

	// ErrorClassServer represents 5xx responses and server-side failures.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassRateLimit represents throttling (QUERY_LIMIT_EXCEEDED, OPERATION_TIME_LIMIT).
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassAuthExpired represents an expired or invalid access token.
	ErrorClassAuthExpired ErrorClass = "auth_expired"

	// ErrorClassAuth represents an authentication failure that renewal could not fix.
	ErrorClassAuth ErrorClass = "auth"

	// ErrorClassValidation represents rejected arguments.
	ErrorClassValidation ErrorClass = "validation"

	// ErrorClassNotFound represents unknown methods or entities.
	ErrorClassNotFound ErrorClass = "not_found"

	// ErrorClassPermission represents missing scopes or access rights.
	ErrorClassPermission ErrorClass = "permission"

	// ErrorClassClient represents any other structured API error.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassConfiguration represents local validation failures.
	ErrorClassConfiguration ErrorClass = "configuration"

	// ErrorClassCancelled represents a cancelled or expired caller context.
	ErrorClassCancelled ErrorClass = "cancelled"
)

// Disposition is what the retry policy does with an error.
type Disposition string

const (
	// DispositionTransient retries with exponential backoff.
	DispositionTransient Disposition = "transient"

	// DispositionAuthExpired renews the access token and retries once.
	DispositionAuthExpired Disposition = "auth_expired"

	// DispositionFatal returns the error to the caller unchanged.
	DispositionFatal Disposition = "fatal"
)

// Disposition maps the class onto the retry policy's three outcomes.
func (c ErrorClass) Disposition() Disposition {
	switch c {
	case ErrorClassNetwork, ErrorClassServer, ErrorClassRateLimit:
		return DispositionTransient
	case ErrorClassAuthExpired:
		return DispositionAuthExpired
	default:
		return DispositionFatal
	}
}

// Bitrix24 error codes grouped by class. Codes are compared upper-cased.
var errorCodeClasses = map[string]ErrorClass{
	"QUERY_LIMIT_EXCEEDED": ErrorClassRateLimit,
	"OPERATION_TIME_LIMIT": ErrorClassRateLimit,

	"INTERNAL_SERVER_ERROR":     ErrorClassServer,
	"ERROR_UNEXPECTED_ANSWER":   ErrorClassServer,
	"ERROR_SERVICE_UNAVAILABLE": ErrorClassServer,

	"EXPIRED_TOKEN": ErrorClassAuthExpired,
	"INVALID_TOKEN": ErrorClassAuthExpired,

	"INSUFFICIENT_SCOPE":             ErrorClassPermission,
	"ACCESS_DENIED":                  ErrorClassPermission,
	"INVALID_CREDENTIALS":            ErrorClassPermission,
	"NO_AUTH_FOUND":                  ErrorClassPermission,
	"AUTHORIZATION_ERROR":            ErrorClassPermission,
	"USER_ACCESS_ERROR":              ErrorClassPermission,
	"ALLOWED_ONLY_INTRANET_USER":     ErrorClassPermission,
	"PAYMENT_REQUIRED":               ErrorClassPermission,
	"ERROR_METHOD_NOT_ALLOWED":       ErrorClassPermission,
	"ERROR_BATCH_METHOD_NOT_ALLOWED": ErrorClassPermission,

	"ERROR_METHOD_NOT_FOUND": ErrorClassNotFound,
	"NOT_FOUND":              ErrorClassNotFound,
	"ERROR_NOT_FOUND":        ErrorClassNotFound,
	"ERROR_ENTITY_NOT_FOUND": ErrorClassNotFound,

	"ERROR_ARGUMENT":                    ErrorClassValidation,
	"INVALID_ARG_VALUE":                 ErrorClassValidation,
	"INVALID_REQUEST":                   ErrorClassValidation,
	"ERROR_CORE":                        ErrorClassValidation,
	"ERROR_REQUIRED_PARAMETERS_MISSING": ErrorClassValidation,
	"ERROR_BATCH_LENGTH_EXCEEDED":       ErrorClassValidation,
	"WRONG_ENCODING":                    ErrorClassValidation,
}

// ClassForCode resolves a Bitrix24 error code plus HTTP status to an ErrorClass.
// Unknown codes on 429 are throttling and on 5xx are server faults; every other
// unknown code is a plain client error.
func ClassForCode(code string, statusCode int) ErrorClass {
	if class, ok := errorCodeClasses[strings.ToUpper(strings.TrimSpace(code))]; ok {
		return class
	}
	switch {
	case statusCode == 429:
		return ErrorClassRateLimit
	case statusCode >= 500:
		return ErrorClassServer
	default:
		return ErrorClassClient
	}
}

// APIError is a structured error returned by the Bitrix24 REST API.
type APIError struct {
	StatusCode  int
	Code        string
	Description string
	ErrorClass  ErrorClass

	// RetryAfter is the server (or tracker) hint for throttled calls.
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("bitrix24 %s error (status %d): %s: %s",
			e.ErrorClass, e.StatusCode, e.Code, e.Description)
	}
	return fmt.Sprintf("bitrix24 %s error (status %d): %s",
		e.ErrorClass, e.StatusCode, e.Code)
}

// TransportError is a network failure or a non-2xx response without a
// structured error body.
type TransportError struct {
	StatusCode int
	ErrorClass ErrorClass
	Message    string
	RetryAfter time.Duration
	Err        error
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("bitrix24 %s error (status %d): %s: %v",
			e.ErrorClass, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("bitrix24 %s error (status %d): %s",
		e.ErrorClass, e.StatusCode, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *TransportError) Unwrap() error {
	return e.Err
}

// AuthError is returned when renewal failed or the renewed token was rejected too.
type AuthError struct {
	Method string
	Err    error
}

// Error implements the error interface.
func (e *AuthError) Error() string {
	return fmt.Sprintf("bitrix24 auth error on %s: %v", e.Method, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *AuthError) Unwrap() error {
	return e.Err
}

// ConfigError reports a malformed call rejected before it reaches the transport.
type ConfigError struct {
	Field  string
	Reason string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Is lets errors.Is(err, ErrConfiguration) match every ConfigError.
func (e *ConfigError) Is(target error) bool {
	return target == ErrConfiguration
}

// Classify labels an error for retries and metrics.
func Classify(err error) ErrorClass {
	if err == nil {
		return ""
	}

	// AuthError wraps the rejected APIError, so it must be checked first.
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return ErrorClassAuth
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorClass
	}

	if errors.Is(err, ErrConfiguration) {
		return ErrorClassConfiguration
	}

	if errors.Is(err, ErrContextCancelled) || errors.Is(err, context.Canceled) {
		return ErrorClassCancelled
	}

	var transportErr *TransportError
	if errors.As(err, &transportErr) {
		return transportErr.ErrorClass
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorClassNetwork
	}

	return ErrorClassClient
}

// retryAfter extracts a server backoff hint from an error, if any.
func retryAfter(err error) time.Duration {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.RetryAfter
	}
	var transportErr *TransportError
	if errors.As(err, &transportErr) {
		return transportErr.RetryAfter
	}
	return 0
}

