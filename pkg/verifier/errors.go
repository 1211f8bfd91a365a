package verifier

import (
	"errors"
	"fmt"
)

// Reason identifies which check rejected a program.
type Reason uint8

// Rejection reasons.
const (
	ReasonEmpty Reason = iota + 1
	ReasonTruncated
	ReasonTooLarge
	ReasonInvalidEntry
	ReasonUnknownOpcode
	ReasonIncompleteLddw
	ReasonInvalidLddw
	ReasonInvalidRegister
	ReasonWriteFramePointer
	ReasonJumpOutOfBounds
	ReasonJumpIntoLddw
	ReasonCallNonEntry
	ReasonUnknownSyscall
	ReasonDivisionByZero
	ReasonFrameTooLarge
	ReasonMisalignedAccess
	ReasonCallDepth
	ReasonFallOffEnd
	ReasonInvalidConfig
)

var reasonText = map[Reason]string{
	ReasonEmpty:             "empty program",
	ReasonTruncated:         "truncated instruction",
	ReasonTooLarge:          "program too large",
	ReasonInvalidEntry:      "invalid function entry",
	ReasonUnknownOpcode:     "unknown opcode",
	ReasonIncompleteLddw:    "incomplete lddw",
	ReasonInvalidLddw:       "invalid lddw second slot",
	ReasonInvalidRegister:   "invalid register",
	ReasonWriteFramePointer: "write to frame pointer",
	ReasonJumpOutOfBounds:   "jump out of bounds",
	ReasonJumpIntoLddw:      "jump into the middle of lddw",
	ReasonCallNonEntry:      "call to non-entry instruction",
	ReasonUnknownSyscall:    "unknown syscall",
	ReasonDivisionByZero:    "division by zero immediate",
	ReasonFrameTooLarge:     "stack frame too large",
	ReasonMisalignedAccess:  "misaligned stack access",
	ReasonCallDepth:         "call depth exceeded",
	ReasonFallOffEnd:        "execution can fall off the end",
	ReasonInvalidConfig:     "invalid config",
}

func (r Reason) String() string {
	if s, ok := reasonText[r]; ok {
		return s
	}
	return fmt.Sprintf("reason(%d)", uint8(r))
}

// ErrRejected is wrapped by every verifier error.
var ErrRejected = errors.New("program rejected")

// Error is returned when a program fails verification.
type Error struct {
	Reason Reason
	Index  int // offending instruction index
	Detail string
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s at instruction %d: %s", ErrRejected, e.Reason, e.Index, e.Detail)
	}
	return fmt.Sprintf("%s: %s at instruction %d", ErrRejected, e.Reason, e.Index)
}

// Unwrap returns ErrRejected.
func (e *Error) Unwrap() error {
	return ErrRejected
}

// Is matches another *Error with the same reason, ignoring the index.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Reason == e.Reason && t.Index < 0
}

// Sentinel returns an *Error usable with errors.Is to match any error of
// reason r.
func Sentinel(r Reason) error {
	return &Error{Reason: r, Index: -1}
}

func reject(r Reason, index int, format string, args ...interface{}) *Error {
	return &Error{Reason: r, Index: index, Detail: fmt.Sprintf(format, args...)}
}
