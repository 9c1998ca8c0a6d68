package errors

import (
	"errors"
	"fmt"
)

// Domain error types for business logic

var (
	// ErrNotFound indicates a resource was not found
	ErrNotFound = errors.New("resource not found")

	// ErrAlreadyExists indicates a resource already exists
	ErrAlreadyExists = errors.New("resource already exists")

	// ErrInvalidInput indicates invalid input parameters
	ErrInvalidInput = errors.New("invalid input")

	// ErrInternal indicates an internal server error
	ErrInternal = errors.New("internal error")

	// ErrTimeout indicates an operation timeout
	ErrTimeout = errors.New("operation timeout")

	// ErrUnavailable indicates a service is unavailable
	ErrUnavailable = errors.New("service unavailable")

	// ErrRateLimitExceeded indicates API rate limit exceeded
	ErrRateLimitExceeded = errors.New("rate limit exceeded")

	// ErrCircuitBreakerTripped indicates circuit breaker is active
	ErrCircuitBreakerTripped = errors.New("circuit breaker tripped")
)

// Routing errors

var (
	// ErrConfiguration is the parent of every error caused by bad role or model setup.
	// Never retried.
	ErrConfiguration = errors.New("configuration error")

	// ErrUnknownRole indicates the role is missing from the role registry
	ErrUnknownRole = fmt.Errorf("%w: unknown role", ErrConfiguration)

	// ErrNoEligibleCandidates indicates the candidate pool for a role is empty
	ErrNoEligibleCandidates = fmt.Errorf("%w: no eligible candidates", ErrConfiguration)

	// ErrTransientProvider indicates a provider timeout, 5xx or rate limit
	ErrTransientProvider = errors.New("transient provider error")

	// ErrProvider indicates a non-transient provider failure (auth, bad request)
	ErrProvider = errors.New("provider error")

	// ErrCandidatesExhausted indicates every ranked candidate failed
	ErrCandidatesExhausted = errors.New("candidates exhausted")
)

// Cost errors

var (
	// ErrBudgetExceeded indicates the session cost budget is spent.
	// Once returned for a session it is returned for every later check.
	ErrBudgetExceeded = errors.New("session budget exceeded")
)

// Collaboration errors

var (
	// ErrStageTimeout indicates a stage deadline elapsed before a role settled
	ErrStageTimeout = errors.New("stage timeout")

	// ErrSessionTimeout indicates the session wall-clock budget elapsed
	ErrSessionTimeout = errors.New("session timeout")

	// ErrInvalidTransition indicates an illegal session stage/status change
	ErrInvalidTransition = errors.New("invalid session transition")

	// ErrSessionTerminal indicates the session already left the active status
	ErrSessionTerminal = errors.New("session is terminal")
)

// ValidationError represents a validation error with field-specific details
type ValidationError struct {
	Field   string
	Message string
	Value   interface{}
}

// Error implements the error interface
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: field '%s': %s (value: %v)", e.Field, e.Message, e.Value)
}

// Unwrap lets callers match validation failures as configuration errors
func (e *ValidationError) Unwrap() error {
	return ErrConfiguration
}

// NewValidationError creates a new validation error
func NewValidationError(field, message string, value interface{}) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
		Value:   value,
	}
}

// MultiError wraps multiple errors
type MultiError struct {
	Errors []error
}

// Error implements the error interface
func (m *MultiError) Error() string {
	if len(m.Errors) == 0 {
		return "no errors"
	}
	if len(m.Errors) == 1 {
		return m.Errors[0].Error()
	}
	return fmt.Sprintf("multiple errors (%d): %v", len(m.Errors), m.Errors[0])
}

// Unwrap exposes all collected errors to errors.Is / errors.As
func (m *MultiError) Unwrap() []error {
	return m.Errors
}

// Add adds an error to the list
func (m *MultiError) Add(err error) {
	if err != nil {
		m.Errors = append(m.Errors, err)
	}
}

// HasErrors returns true if there are any errors
func (m *MultiError) HasErrors() bool {
	return len(m.Errors) > 0
}

// ToError returns the MultiError as an error, or nil if no errors
func (m *MultiError) ToError() error {
	if !m.HasErrors() {
		return nil
	}
	return m
}

// Helper functions

// Is checks if err is or wraps target
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target type
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// Wrap wraps an error with context
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

func New(message string) error {
	return errors.New(message)
}

// Join combines errors, skipping nils
func Join(errs ...error) error {
	return errors.Join(errs...)
}
