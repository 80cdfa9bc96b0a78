// Package shared contains common domain types, errors and events that are used
// across all domain packages. This package has no infrastructure dependencies.
package shared

import (
	"errors"
	"fmt"
)

// Base domain errors that can be used for error checking with errors.Is().
var (
	// Entity errors
	ErrNotFound      = errors.New("entity not found")
	ErrAlreadyExists = errors.New("entity already exists")

	// Validation errors
	ErrValidation   = errors.New("validation error")
	ErrInvalidID    = errors.New("invalid ID")
	ErrInvalidInput = errors.New("invalid input")

	// ErrConfiguration marks a challenge definition that cannot be evaluated:
	// zero requirements, dangling references, impossible thresholds, cycles.
	ErrConfiguration = errors.New("challenge configuration error")

	// ErrConcurrencyConflict is returned when a versioned write loses a race.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrTransientDependency covers catalog and issuer failures that may heal.
	ErrTransientDependency = errors.New("transient dependency failure")

	// ErrTryAgainLater is what callers see once retries are exhausted and the
	// work has been parked for background reprocessing.
	ErrTryAgainLater = errors.New("try again later")

	// ErrInvariantViolation means stored state would move backwards.
	ErrInvariantViolation = errors.New("invariant violation")

	// State errors
	ErrInvalidState     = errors.New("invalid state")
	ErrAlreadyProcessed = errors.New("already processed")

	// External service errors
	ErrServiceUnavailable = errors.New("service unavailable")
	ErrTimeout            = errors.New("operation timeout")
)

// DomainError represents a domain-specific error with context.
type DomainError struct {
	Domain  string // e.g., "challenge", "progress", "activity"
	Op      string // Operation that failed, e.g., "Evaluate", "Save"
	Kind    error  // Base error type for errors.Is() checking
	Message string // Human-readable message
	Err     error  // Underlying error (optional)
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s.%s: %s: %v", e.Domain, e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s.%s: %s", e.Domain, e.Op, e.Message)
}

// Unwrap returns the underlying error for errors.Unwrap().
func (e *DomainError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return e.Kind
}

// Is implements errors.Is() matching.
func (e *DomainError) Is(target error) bool {
	if e.Kind != nil && errors.Is(e.Kind, target) {
		return true
	}
	if e.Err != nil && errors.Is(e.Err, target) {
		return true
	}
	return false
}

// NewDomainError creates a new domain error.
func NewDomainError(domain, op string, kind error, message string) *DomainError {
	return &DomainError{
		Domain:  domain,
		Op:      op,
		Kind:    kind,
		Message: message,
	}
}

// WrapError wraps an existing error with domain context.
func WrapError(domain, op string, kind error, message string, err error) *DomainError {
	return &DomainError{
		Domain:  domain,
		Op:      op,
		Kind:    kind,
		Message: message,
		Err:     err,
	}
}

// ConfigError builds an ErrConfiguration error naming the offending challenge.
func ConfigError(challengeID, format string, args ...any) *DomainError {
	return &DomainError{
		Domain:  "challenge",
		Op:      "Validate",
		Kind:    ErrConfiguration,
		Message: fmt.Sprintf("challenge %q: %s", challengeID, fmt.Sprintf(format, args...)),
	}
}

// Challenge domain errors
var (
	ErrChallengeNotFound      = NewDomainError("challenge", "Find", ErrNotFound, "challenge not found")
	ErrUnknownRequirement     = NewDomainError("challenge", "Decode", ErrConfiguration, "unknown requirement kind")
	ErrChallengeAlreadyExists = NewDomainError("challenge", "Publish", ErrAlreadyExists, "challenge already exists")
)

// Progress domain errors
var (
	ErrProgressNotFound      = NewDomainError("progress", "Find", ErrNotFound, "progress not found")
	ErrVersionConflict       = NewDomainError("progress", "Save", ErrConcurrencyConflict, "progress row was modified concurrently")
	ErrPercentageRegression  = NewDomainError("progress", "Apply", ErrInvariantViolation, "percentage would decrease")
	ErrCompletionRegression  = NewDomainError("progress", "Apply", ErrInvariantViolation, "completion would be reverted")
	ErrRewardAlreadyGranted  = NewDomainError("progress", "GrantReward", ErrAlreadyProcessed, "reward already granted")
	ErrChallengeNotCompleted = NewDomainError("progress", "GrantReward", ErrInvalidState, "challenge is not completed")
)

// Activity domain errors
var (
	ErrUnknownActivityType = NewDomainError("activity", "Validate", ErrInvalidInput, "unknown activity type")
	ErrActivityParked      = NewDomainError("activity", "Record", ErrTryAgainLater, "activity parked for reprocessing")
)

// External service errors
var (
	ErrCatalogUnavailable = NewDomainError("catalog", "Lookup", ErrTransientDependency, "catalog is unavailable")
	ErrIssuerUnavailable  = NewDomainError("reward", "Issue", ErrTransientDependency, "reward issuer is unavailable")
)

// IsNotFound checks if the error is a "not found" error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsAlreadyExists checks if the error is an "already exists" error.
func IsAlreadyExists(err error) bool {
	return errors.Is(err, ErrAlreadyExists)
}

// IsValidation checks if the error is a validation error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInvalidID) ||
		errors.Is(err, ErrInvalidInput)
}

// IsConfiguration checks if the error is a challenge configuration error.
func IsConfiguration(err error) bool {
	return errors.Is(err, ErrConfiguration)
}

// IsConflict checks if the error is an optimistic concurrency conflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict)
}

// IsTransient checks if the error comes from a dependency that may recover.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransientDependency) ||
		errors.Is(err, ErrServiceUnavailable) ||
		errors.Is(err, ErrTimeout)
}

// IsInvariantViolation checks if the error reports backwards-moving state.
func IsInvariantViolation(err error) bool {
	return errors.Is(err, ErrInvariantViolation)
}

// IsTryAgainLater checks if the work was parked.
func IsTryAgainLater(err error) bool {
	return errors.Is(err, ErrTryAgainLater)
}
