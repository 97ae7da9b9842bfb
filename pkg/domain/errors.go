package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation is returned when a command fails structural or
	// business-rule checks. Never retried.
	ErrValidation = errors.New("validation failed")

	// ErrConcurrencyConflict is returned when the optimistic lock on
	// (aggregate_id, version) is lost. Retryable by the caller after a
	// reload; the engine never retries it internally.
	ErrConcurrencyConflict = errors.New("concurrency conflict: aggregate version mismatch")

	// ErrNotFound is returned when a business rule requires prior state
	// that is absent. Terminal.
	ErrNotFound = errors.New("not found")

	// ErrNoRecord is returned by the idempotency ledger when no unexpired
	// record exists for a key. Not an error condition for the pipeline.
	ErrNoRecord = errors.New("no idempotency record")

	// ErrPublishRejected is returned when the downstream bus accepted the
	// call but rejected the event. Distinct from a transport failure; it
	// is not retried.
	ErrPublishRejected = errors.New("publish rejected by downstream")

	// ErrTransient marks timeouts and connection failures on store or bus
	// calls. Retried by the retry policy up to its attempt budget.
	ErrTransient = errors.New("transient failure")
)

// ValidationError is a rejection with a machine-readable rule code, such
// as "OrderHasNoItems" or "InsufficientFunds".
type ValidationError struct {
	Code string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s", e.Code)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// NewValidationError creates a rejection carrying the given rule code.
func NewValidationError(code string) error {
	return &ValidationError{Code: code}
}

// ValidationCode extracts the rule code from a validation error, or ""
// if err is not one.
func ValidationCode(err error) string {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Code
	}
	return ""
}

// Transient wraps err so that IsTransient reports true for it.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

// IsTransient reports whether err is a retryable transport/IO failure.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}
