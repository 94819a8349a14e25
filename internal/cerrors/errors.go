// Package cerrors provides custom error types for the CiviQ backend.
//
// This package defines domain-specific errors that help with error handling
// and recovery throughout the complaint pipeline. Each error type provides
// context about what went wrong and can be used for specific recovery
// strategies.
package cerrors

import "fmt"

// ValidationError indicates a malformed request that was rejected before
// any mutation.
//
// This error is returned when:
//   - A status update carries a value outside the status enum
//   - A submission is missing a required field (e.g. the photo)
//
// Recovery strategy: fix the request; nothing was changed server-side
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s", e.Message)
}

// NewValidationError creates a new validation error with context
func NewValidationError(msg string) *ValidationError {
	return &ValidationError{Message: msg}
}

// NotFoundError indicates a reference to a record that does not exist.
//
// This error is returned when:
//   - A status update or history lookup names an unknown complaint id
//
// Recovery strategy: none; the caller supplied a bad id
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// NewNotFoundError creates a new not-found error for a record reference
func NewNotFoundError(kind, id string) *NotFoundError {
	return &NotFoundError{Kind: kind, ID: id}
}

// ProviderError wraps a transient failure from an external collaborator
// (geocoding, inference, email).
//
// Pipeline stages catch this error, substitute a safe default, and
// continue; it is never fatal to a submission.
//
// Recovery strategy: log, degrade, proceed to the next stage
type ProviderError struct {
	Provider string
	Message  string
	Err      error
}

func (e *ProviderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s provider error: %s: %v", e.Provider, e.Message, e.Err)
	}
	return fmt.Sprintf("%s provider error: %s", e.Provider, e.Message)
}

// Unwrap returns the wrapped error for error chain inspection
func (e *ProviderError) Unwrap() error {
	return e.Err
}

// NewProviderError creates a new provider error with context
func NewProviderError(provider, msg string, err error) *ProviderError {
	return &ProviderError{Provider: provider, Message: msg, Err: err}
}

// RateLimitError indicates the inference provider's quota is exhausted.
//
// Unlike ProviderError this is surfaced to the caller so the submission
// can be retried later. Partial state already committed stays committed.
//
// Recovery strategy: retry after a cool-down
type RateLimitError struct {
	Provider string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s rate limited", e.Provider)
}

// NewRateLimitError creates a new rate-limit error for a provider
func NewRateLimitError(provider string) *RateLimitError {
	return &RateLimitError{Provider: provider}
}

// IsValidation checks if the error is a validation error
func IsValidation(err error) bool {
	_, ok := err.(*ValidationError)
	return ok
}

// IsNotFound checks if the error is a not-found error
func IsNotFound(err error) bool {
	_, ok := err.(*NotFoundError)
	return ok
}

// IsRateLimit checks if the error is a rate-limit error
func IsRateLimit(err error) bool {
	_, ok := err.(*RateLimitError)
	return ok
}
