package jit

import (
	"errors"
	"fmt"
)

// ErrCompile is wrapped by every compilation error.
var ErrCompile = errors.New("jit compilation failed")

// ErrUnsupportedPlatform is returned by Compile where native code cannot
// be executed.
var ErrUnsupportedPlatform = errors.New("jit not supported on this platform")

// ErrClosed is returned when executing a closed artifact.
var ErrClosed = errors.New("artifact closed")

// Error is returned when a program cannot be compiled.
type Error struct {
	Reason string
	Index  int // instruction index, -1 when not tied to one
	Err    error
}

func (e *Error) Error() string {
	msg := ErrCompile.Error() + ": " + e.Reason
	if e.Index >= 0 {
		msg += fmt.Sprintf(" at instruction %d", e.Index)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error, or ErrCompile.
func (e *Error) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrCompile, e.Err}
	}
	return []error{ErrCompile}
}

func compileError(index int, err error, format string, args ...interface{}) *Error {
	return &Error{Reason: fmt.Sprintf(format, args...), Index: index, Err: err}
}
