package dcb

import (
	"errors"
	"fmt"
)

type (

	// EventStoreError represents a base error type for event store operations
	EventStoreError struct {
		Op  string // Operation that failed
		Err error  // The underlying error
	}

	// ValidationError represents an invalid command, event or query
	ValidationError struct {
		EventStoreError
		Field string // The field that failed validation
		Value string // The invalid value
	}

	// ConcurrencyError represents a violated cursor check: events matching the
	// decision-model query were committed after the cursor the caller saw
	ConcurrencyError struct {
		EventStoreError
		Cursor           Cursor // Cursor the caller decided against
		ConflictPosition int64  // Position of a conflicting event, if known
	}

	// DuplicateError represents a matched idempotency check: an event with the
	// same type and tag already exists. Callers typically treat this as success.
	DuplicateError struct {
		EventStoreError
		EventType string
		Tag       Tag
	}

	// ResourceError represents a transient infrastructure failure
	// (connection loss, deadlock, timeout); retriable with backoff
	ResourceError struct {
		EventStoreError
		Resource string // The resource that caused the error
	}

	// DomainError represents a business-rule violation raised by a command
	// handler; surfaced unchanged to the caller
	DomainError struct {
		EventStoreError
		Code string // Stable machine-readable rule identifier
	}

	// ProcessorFailedError indicates a processor reached its consecutive-error
	// threshold and requires an administrative reset
	ProcessorFailedError struct {
		EventStoreError
		ProcessorID string
		ErrorCount  int
	}
)

// Error implements the error interface
func (e EventStoreError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return e.Op
}

// Unwrap returns the underlying error
func (e EventStoreError) Unwrap() error {
	return e.Err
}

// NewDomainError creates a DomainError for handlers to signal business-rule
// violations (e.g. insufficient funds).
func NewDomainError(op, code string, err error) *DomainError {
	return &DomainError{
		EventStoreError: EventStoreError{Op: op, Err: err},
		Code:            code,
	}
}

// =============================================================================
// Error Detection Helpers
// =============================================================================

// IsValidationError checks if the error is a ValidationError
func IsValidationError(err error) bool {
	var validationErr *ValidationError
	return errors.As(err, &validationErr)
}

// IsConcurrencyError checks if the error is a ConcurrencyError
func IsConcurrencyError(err error) bool {
	var concurrencyErr *ConcurrencyError
	return errors.As(err, &concurrencyErr)
}

// IsDuplicateError checks if the error is a DuplicateError
func IsDuplicateError(err error) bool {
	var duplicateErr *DuplicateError
	return errors.As(err, &duplicateErr)
}

// IsResourceError checks if the error is a ResourceError
func IsResourceError(err error) bool {
	var resourceErr *ResourceError
	return errors.As(err, &resourceErr)
}

// IsDomainError checks if the error is a DomainError
func IsDomainError(err error) bool {
	var domainErr *DomainError
	return errors.As(err, &domainErr)
}

// IsProcessorFailedError checks if the error is a ProcessorFailedError
func IsProcessorFailedError(err error) bool {
	var processorFailedErr *ProcessorFailedError
	return errors.As(err, &processorFailedErr)
}

// =============================================================================
// Error Extraction Helpers
// =============================================================================

// GetValidationError extracts a ValidationError from the error chain
func GetValidationError(err error) (*ValidationError, bool) {
	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		return validationErr, true
	}
	return nil, false
}

// GetConcurrencyError extracts a ConcurrencyError from the error chain
func GetConcurrencyError(err error) (*ConcurrencyError, bool) {
	var concurrencyErr *ConcurrencyError
	if errors.As(err, &concurrencyErr) {
		return concurrencyErr, true
	}
	return nil, false
}

// GetDuplicateError extracts a DuplicateError from the error chain
func GetDuplicateError(err error) (*DuplicateError, bool) {
	var duplicateErr *DuplicateError
	if errors.As(err, &duplicateErr) {
		return duplicateErr, true
	}
	return nil, false
}

// GetResourceError extracts a ResourceError from the error chain
func GetResourceError(err error) (*ResourceError, bool) {
	var resourceErr *ResourceError
	if errors.As(err, &resourceErr) {
		return resourceErr, true
	}
	return nil, false
}

// GetDomainError extracts a DomainError from the error chain
func GetDomainError(err error) (*DomainError, bool) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr, true
	}
	return nil, false
}
