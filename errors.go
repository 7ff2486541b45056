// Package simt structured error types for better error handling
package simt

import (
	"errors"
	"fmt"

	"github.com/LynnColeArt/simt/callstack"
	"github.com/LynnColeArt/simt/codecache"
	"github.com/LynnColeArt/simt/continuation"
	"github.com/LynnColeArt/simt/cta"
	"github.com/LynnColeArt/simt/layout"
)

// ErrorType represents categories of errors
type ErrorType int

const (
	// Configuration errors: undeclared variables, unknown options
	ErrTypeConfiguration ErrorType = iota
	// Translation errors: no native code for a sub-kernel
	ErrTypeTranslation
	// Protocol violations by generated code
	ErrTypeProtocol
	// Resource exhaustion: memory sizes over the configured limits
	ErrTypeResource
	// Invalid argument errors
	ErrTypeInvalidArg
	// Memory errors
	ErrTypeMemory
)

// SIMTError represents a structured error with context
type SIMTError struct {
	Type    ErrorType
	Op      string // Operation that failed
	Message string // Human-readable message
	Err     error  // Underlying error if any
}

// Error implements the error interface
func (e *SIMTError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("simt %s error in %s: %s (caused by: %v)",
			e.Type.String(), e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("simt %s error in %s: %s",
		e.Type.String(), e.Op, e.Message)
}

// Unwrap allows error chain inspection
func (e *SIMTError) Unwrap() error {
	return e.Err
}

// String returns the error type as a string
func (t ErrorType) String() string {
	switch t {
	case ErrTypeConfiguration:
		return "Configuration"
	case ErrTypeTranslation:
		return "Translation"
	case ErrTypeProtocol:
		return "Protocol"
	case ErrTypeResource:
		return "Resource"
	case ErrTypeInvalidArg:
		return "InvalidArgument"
	case ErrTypeMemory:
		return "Memory"
	default:
		return "Unknown"
	}
}

// Common error constructors

// NewConfigurationError creates a configuration error
func NewConfigurationError(op string, message string, err error) error {
	return &SIMTError{
		Type:    ErrTypeConfiguration,
		Op:      op,
		Message: message,
		Err:     err,
	}
}

// NewTranslationError creates a translation error
func NewTranslationError(op string, message string, err error) error {
	return &SIMTError{
		Type:    ErrTypeTranslation,
		Op:      op,
		Message: message,
		Err:     err,
	}
}

// NewProtocolError creates a protocol violation error
func NewProtocolError(op string, message string, err error) error {
	return &SIMTError{
		Type:    ErrTypeProtocol,
		Op:      op,
		Message: message,
		Err:     err,
	}
}

// NewResourceError creates a resource exhaustion error
func NewResourceError(op string, message string) error {
	return &SIMTError{
		Type:    ErrTypeResource,
		Op:      op,
		Message: message,
	}
}

// NewMemoryError creates a memory-related error
func NewMemoryError(op string, message string, err error) error {
	return &SIMTError{
		Type:    ErrTypeMemory,
		Op:      op,
		Message: message,
		Err:     err,
	}
}

// NewInvalidArgError creates an invalid argument error
func NewInvalidArgError(op string, message string) error {
	return &SIMTError{
		Type:    ErrTypeInvalidArg,
		Op:      op,
		Message: message,
	}
}

// Common pre-defined errors

var (
	// ErrOutOfMemory indicates memory allocation failure
	ErrOutOfMemory = NewMemoryError("Malloc", "out of memory", nil)

	// ErrInvalidSize indicates invalid size parameter
	ErrInvalidSize = NewInvalidArgError("Malloc", "size must be positive")

	// ErrNullPointer indicates null pointer access
	ErrNullPointer = NewInvalidArgError("Memory", "null pointer")

	// ErrDoubleFree indicates double free attempt
	ErrDoubleFree = NewMemoryError("Free", "double free detected", nil)
)

// classify wraps an error from a core package in the matching SIMTError.
// Errors that already carry a type are returned unchanged.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *SIMTError
	if errors.As(err, &se) {
		return err
	}
	switch {
	case errors.Is(err, layout.ErrUndeclared), errors.Is(err, layout.ErrDuplicate):
		return NewConfigurationError(op, "invalid kernel layout", err)
	case errors.Is(err, cta.ErrUnresolvedFunction), errors.Is(err, codecache.ErrTranslation):
		return NewTranslationError(op, "no native code for sub-kernel", err)
	case errors.Is(err, continuation.ErrMissingHeader),
		errors.Is(err, continuation.ErrInvalidKind),
		errors.Is(err, continuation.ErrShortFrame),
		errors.Is(err, callstack.ErrUnderflow),
		errors.Is(err, callstack.ErrArguments),
		errors.Is(err, cta.ErrHintMismatch),
		errors.Is(err, cta.ErrLivelock):
		return NewProtocolError(op, "generated code broke the continuation protocol", err)
	case errors.Is(err, callstack.ErrOverflow):
		return &SIMTError{Type: ErrTypeResource, Op: op, Message: "thread call stack exhausted", Err: err}
	}
	return &SIMTError{Type: ErrTypeInvalidArg, Op: op, Message: "launch failed", Err: err}
}

func isType(err error, t ErrorType) bool {
	var se *SIMTError
	if errors.As(err, &se) {
		return se.Type == t
	}
	return false
}

// IsConfigurationError checks if an error is a configuration error
func IsConfigurationError(err error) bool { return isType(err, ErrTypeConfiguration) }

// IsTranslationError checks if an error is a translation error
func IsTranslationError(err error) bool { return isType(err, ErrTypeTranslation) }

// IsProtocolError checks if an error is a protocol violation
func IsProtocolError(err error) bool { return isType(err, ErrTypeProtocol) }

// IsResourceError checks if an error is a resource exhaustion error
func IsResourceError(err error) bool { return isType(err, ErrTypeResource) }

// IsMemoryError checks if an error is a memory error
func IsMemoryError(err error) bool {
	if e, ok := err.(*SIMTError); ok {
		return e.Type == ErrTypeMemory
	}
	return false
}

// IsInvalidArgError checks if an error is an invalid argument error
func IsInvalidArgError(err error) bool {
	if e, ok := err.(*SIMTError); ok {
		return e.Type == ErrTypeInvalidArg
	}
	return false
}
