// Package errors defines the unified error type and the closed failure
// taxonomy the dispatch engine acts on. Provider-specific failures are
// mapped into these types before any rotation decision is made.
package errors

import (
	"fmt"
	"net/http"
)

// LLMError represents a standardized error from an LLM provider.
// It carries enough information for classification, logging, and the
// client-facing response.
type LLMError struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
	Type       string `json:"type"`
	Provider   string `json:"provider"`
	Model      string `json:"model"`
}

// Error implements the error interface.
func (e *LLMError) Error() string {
	return fmt.Sprintf("[%s] %s (provider=%s, model=%s, code=%d)",
		e.Type, e.Message, e.Provider, e.Model, e.StatusCode)
}

// HTTPStatusCode returns the appropriate HTTP status code for the error.
func (e *LLMError) HTTPStatusCode() int {
	if e.StatusCode > 0 {
		return e.StatusCode
	}
	return http.StatusInternalServerError
}

// Common error types as constants for consistency.
const (
	TypeAuthentication = "authentication_error"
	TypeRateLimit      = "rate_limit_error"
	TypeInvalidRequest = "invalid_request_error"
	TypeQuotaExhausted = "insufficient_quota"
	TypeTimeout        = "timeout_error"
	TypeServerError    = "server_error"
	TypeContextLength  = "context_length_exceeded"
)

// NewAuthenticationError creates an authentication error (401).
func NewAuthenticationError(provider, model, message string) *LLMError {
	return &LLMError{
		StatusCode: http.StatusUnauthorized,
		Message:    message,
		Type:       TypeAuthentication,
		Provider:   provider,
		Model:      model,
	}
}

// NewRateLimitError creates a rate limit error (429).
func NewRateLimitError(provider, model, message string) *LLMError {
	return &LLMError{
		StatusCode: http.StatusTooManyRequests,
		Message:    message,
		Type:       TypeRateLimit,
		Provider:   provider,
		Model:      model,
	}
}

// NewInvalidRequestError creates an invalid request error (400).
func NewInvalidRequestError(provider, model, message string) *LLMError {
	return &LLMError{
		StatusCode: http.StatusBadRequest,
		Message:    message,
		Type:       TypeInvalidRequest,
		Provider:   provider,
		Model:      model,
	}
}

// NewQuotaExhaustedError creates an error for a spent daily or monthly cap.
func NewQuotaExhaustedError(provider, model, message string) *LLMError {
	return &LLMError{
		StatusCode: http.StatusTooManyRequests,
		Message:    message,
		Type:       TypeQuotaExhausted,
		Provider:   provider,
		Model:      model,
	}
}

// NewContextLengthError creates an error for oversized input.
func NewContextLengthError(provider, model, message string) *LLMError {
	return &LLMError{
		StatusCode: http.StatusBadRequest,
		Message:    message,
		Type:       TypeContextLength,
		Provider:   provider,
		Model:      model,
	}
}

// NewServerError creates a provider-side server error (5xx).
func NewServerError(statusCode int, provider, model, message string) *LLMError {
	if statusCode < 500 {
		statusCode = http.StatusInternalServerError
	}
	return &LLMError{
		StatusCode: statusCode,
		Message:    message,
		Type:       TypeServerError,
		Provider:   provider,
		Model:      model,
	}
}

// FromStatus maps an HTTP status code and response message into an LLMError.
// The message is consulted for provider-specific markers that the status
// code alone cannot distinguish (e.g. 429 rate limit vs. spent quota).
func FromStatus(statusCode int, provider, model, message string) *LLMError {
	e := &LLMError{
		StatusCode: statusCode,
		Message:    message,
		Provider:   provider,
		Model:      model,
	}
	switch {
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		e.Type = TypeAuthentication
	case statusCode == http.StatusTooManyRequests:
		if matchesAny(message, quotaMarkers) {
			e.Type = TypeQuotaExhausted
		} else {
			e.Type = TypeRateLimit
		}
	case statusCode == http.StatusBadRequest:
		if matchesAny(message, contextLengthMarkers) {
			e.Type = TypeContextLength
		} else {
			e.Type = TypeInvalidRequest
		}
	case statusCode == http.StatusRequestTimeout:
		e.Type = TypeTimeout
	case statusCode >= 500:
		e.Type = TypeServerError
	default:
		e.Type = TypeInvalidRequest
	}
	return e
}
