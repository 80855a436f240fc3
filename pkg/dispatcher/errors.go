package dispatcher

import "fmt"

// ValidationError covers missing or malformed input. Surfaces as 400.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

// NewValidationError formats a validation failure.
func NewValidationError(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// AuthError covers absent, invalid, or expired credentials on protected
// actions. Surfaces as 401. Anonymous access to unauthenticated endpoints
// never produces one.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string { return e.Reason }

// NotFoundError covers unknown routes and never-created sessions.
// Surfaces as 404.
type NotFoundError struct {
	Resource string
}

func (e *NotFoundError) Error() string { return e.Resource + " not found" }

// TimeoutError reports a subprocess that exceeded its tier budget. It is
// translated into a distinct user-facing message, never a generic 500.
type TimeoutError struct {
	TierName string
	Partial  string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("processing exceeded the %s time budget", e.TierName)
}

// InternalError covers unexpected failures: subprocess crashes, storage
// errors. Surfaces as 500.
type InternalError struct {
	Err error
}

func (e *InternalError) Error() string { return e.Err.Error() }
func (e *InternalError) Unwrap() error { return e.Err }
