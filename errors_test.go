package simt

import (
	"errors"
	"fmt"
	"testing"

	"github.com/LynnColeArt/simt/callstack"
	"github.com/LynnColeArt/simt/codecache"
	"github.com/LynnColeArt/simt/continuation"
	"github.com/LynnColeArt/simt/cta"
	"github.com/LynnColeArt/simt/layout"
)

func TestStructuredErrors(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantType ErrorType
		wantOp   string
		wantMsg  string
		checkFn  func(error) bool
	}{
		{
			name:     "Memory Error",
			err:      ErrOutOfMemory,
			wantType: ErrTypeMemory,
			wantOp:   "Malloc",
			wantMsg:  "out of memory",
			checkFn:  IsMemoryError,
		},
		{
			name:     "Invalid Arg Error",
			err:      ErrInvalidSize,
			wantType: ErrTypeInvalidArg,
			wantOp:   "Malloc",
			wantMsg:  "size must be positive",
			checkFn:  IsInvalidArgError,
		},
		{
			name:     "Resource Error",
			err:      NewResourceError("SharedMemory", "too much shared memory"),
			wantType: ErrTypeResource,
			wantOp:   "SharedMemory",
			wantMsg:  "too much shared memory",
			checkFn:  IsResourceError,
		},
		{
			name:     "Configuration Error",
			err:      NewConfigurationError("Config", "unknown optimizer pass", nil),
			wantType: ErrTypeConfiguration,
			wantOp:   "Config",
			wantMsg:  "unknown optimizer pass",
			checkFn:  IsConfigurationError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			simtErr, ok := tt.err.(*SIMTError)
			if !ok {
				t.Fatalf("Expected SIMTError, got %T", tt.err)
			}
			if simtErr.Type != tt.wantType {
				t.Errorf("Type = %v, want %v", simtErr.Type, tt.wantType)
			}
			if simtErr.Op != tt.wantOp {
				t.Errorf("Op = %v, want %v", simtErr.Op, tt.wantOp)
			}
			if simtErr.Message != tt.wantMsg {
				t.Errorf("Message = %v, want %v", simtErr.Message, tt.wantMsg)
			}
			if !tt.checkFn(tt.err) {
				t.Errorf("Type check function returned false")
			}
			if tt.err.Error() == "" {
				t.Error("Error string is empty")
			}
		})
	}
}

func TestErrorUnwrap(t *testing.T) {
	baseErr := errors.New("base error")
	wrappedErr := NewMemoryError("Test", "wrapped error", baseErr)

	simtErr, ok := wrappedErr.(*SIMTError)
	if !ok {
		t.Fatal("Expected SIMTError")
	}
	if unwrapped := simtErr.Unwrap(); unwrapped != baseErr {
		t.Errorf("Unwrap() = %v, want %v", unwrapped, baseErr)
	}
	if !errors.Is(wrappedErr, baseErr) {
		t.Error("errors.Is() should return true for wrapped error")
	}
}

func TestErrorTypeString(t *testing.T) {
	tests := []struct {
		errType ErrorType
		want    string
	}{
		{ErrTypeConfiguration, "Configuration"},
		{ErrTypeTranslation, "Translation"},
		{ErrTypeProtocol, "Protocol"},
		{ErrTypeResource, "Resource"},
		{ErrTypeInvalidArg, "InvalidArgument"},
		{ErrTypeMemory, "Memory"},
		{ErrorType(999), "Unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.errType.String(); got != tt.want {
				t.Errorf("String() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		cause error
		want  ErrorType
	}{
		{layout.ErrUndeclared, ErrTypeConfiguration},
		{layout.ErrDuplicate, ErrTypeConfiguration},
		{cta.ErrUnresolvedFunction, ErrTypeTranslation},
		{codecache.ErrTranslation, ErrTypeTranslation},
		{continuation.ErrMissingHeader, ErrTypeProtocol},
		{continuation.ErrInvalidKind, ErrTypeProtocol},
		{callstack.ErrUnderflow, ErrTypeProtocol},
		{cta.ErrLivelock, ErrTypeProtocol},
		{callstack.ErrOverflow, ErrTypeResource},
	}
	for _, tt := range tests {
		t.Run(tt.cause.Error(), func(t *testing.T) {
			err := classify("Launch", fmt.Errorf("cta 0 thread 3: %w", tt.cause))
			if !isType(err, tt.want) {
				t.Errorf("classify(%v) = %v, want type %v", tt.cause, err, tt.want)
			}
			if !errors.Is(err, tt.cause) {
				t.Errorf("classified error lost its cause")
			}
		})
	}

	typed := NewResourceError("Op", "already typed")
	if classify("Launch", typed) != typed {
		t.Error("classify rewrapped an error that already had a type")
	}
	if classify("Launch", nil) != nil {
		t.Error("classify(nil) != nil")
	}
}
