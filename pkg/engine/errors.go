package engine

import (
	"errors"
	"fmt"
)

// Sentinel errors shared between the engine and its storage backends.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrStaleState indicates an optimistic state transition lost to a
	// concurrent writer. Callers either no-op or re-read and retry.
	ErrStaleState = errors.New("package state changed concurrently")

	// ErrLivePackageExists indicates a target already has a package in a
	// non-terminal state. Rejected at creation time, never silently allowed.
	ErrLivePackageExists = errors.New("target already has a live package")

	// ErrSubmissionDenied indicates the submission policy gate refused a
	// package. The package stays in ready and is retried on a later sweep.
	ErrSubmissionDenied = errors.New("submission denied by policy")
)

// ErrorClass represents the classification of an error for retry and
// recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on
	// resubmission. Examples: executor resource conflicts, timeouts,
	// temporary endpoint unavailability.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassPermanent indicates a non-recoverable failure that requires
	// replanning. Examples: bad URIs, authentication walls, unsupported
	// formats, resources that are permanently gone.
	ErrorClassPermanent ErrorClass = "permanent"
)

// EngineError represents a classified error with lifecycle context.
type EngineError struct {
	// Class is the error classification for recovery logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// PackageID is the package that caused the error, if applicable.
	PackageID string `json:"package_id,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	if e.PackageID != "" && e.Operation != "" {
		return fmt.Sprintf("[%s] %s (package=%s, operation=%s): %s",
			e.Class, e.Message, e.PackageID, e.Operation, e.unwrapMessage())
	}
	if e.PackageID != "" {
		return fmt.Sprintf("[%s] %s (package=%s): %s",
			e.Class, e.Message, e.PackageID, e.unwrapMessage())
	}
	return fmt.Sprintf("[%s] %s: %s", e.Class, e.Message, e.unwrapMessage())
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

func (e *EngineError) unwrapMessage() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return ""
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassTransient,
		Message: message,
		Err:     err,
	}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassPermanent,
		Message: message,
		Err:     err,
	}
}

// WithPackage adds package context to an error.
func (e *EngineError) WithPackage(packageID string) *EngineError {
	e.PackageID = packageID
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassPermanent
	}
	return false
}

// IsNotFound returns true if the error wraps ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Common error codes.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeInvariant         = "INVARIANT_VIOLATION"
	ErrCodeHandoffFailed     = "HANDOFF_FAILED"
	ErrCodeInternal          = "INTERNAL_ERROR"
)
