package ebpf

import (
	"errors"
	"fmt"
)

// FaultKind classifies an execution fault.
type FaultKind uint8

// Fault kinds.
const (
	DivideByZero FaultKind = iota + 1
	UnsupportedInstruction
	CallDepthExceeded
	InvalidMemoryAccess
	ExceededMaxInstructions
	ExecutionOverrun
	SyscallError
)

var faultNames = map[FaultKind]string{
	DivideByZero:            "divide by zero",
	UnsupportedInstruction:  "unsupported instruction",
	CallDepthExceeded:       "call depth exceeded",
	InvalidMemoryAccess:     "invalid memory access",
	ExceededMaxInstructions: "exceeded max instructions",
	ExecutionOverrun:        "execution overrun",
	SyscallError:            "syscall error",
}

func (k FaultKind) String() string {
	if s, ok := faultNames[k]; ok {
		return s
	}
	return fmt.Sprintf("fault(%d)", uint8(k))
}

// Sentinels matching faults of each kind with errors.Is.
var (
	ErrDivideByZero            = errors.New("divide by zero")
	ErrUnsupportedInstruction  = errors.New("unsupported instruction")
	ErrCallDepthExceeded       = errors.New("call depth exceeded")
	ErrInvalidMemoryAccess     = errors.New("invalid memory access")
	ErrExceededMaxInstructions = errors.New("exceeded max instructions")
	ErrExecutionOverrun        = errors.New("execution overrun")
	ErrSyscall                 = errors.New("syscall error")
)

var faultSentinels = map[FaultKind]error{
	DivideByZero:            ErrDivideByZero,
	UnsupportedInstruction:  ErrUnsupportedInstruction,
	CallDepthExceeded:       ErrCallDepthExceeded,
	InvalidMemoryAccess:     ErrInvalidMemoryAccess,
	ExceededMaxInstructions: ErrExceededMaxInstructions,
	ExecutionOverrun:        ErrExecutionOverrun,
	SyscallError:            ErrSyscall,
}

// Fault aborts one invocation. PC is the index of the instruction that
// faulted.
type Fault struct {
	Kind FaultKind
	PC   int
	Err  error // detail, e.g. *memory.AccessError; may be nil
}

// NewFault returns a fault of kind at pc.
func NewFault(kind FaultKind, pc int, err error) *Fault {
	return &Fault{Kind: kind, PC: pc, Err: err}
}

func (f *Fault) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s at pc %d: %v", f.Kind, f.PC, f.Err)
	}
	return fmt.Sprintf("%s at pc %d", f.Kind, f.PC)
}

// Unwrap returns the fault detail.
func (f *Fault) Unwrap() error {
	return f.Err
}

// Is matches the sentinel of the fault kind.
func (f *Fault) Is(target error) bool {
	return faultSentinels[f.Kind] == target
}

// Same reports whether two faults have the same kind and pc.
func (f *Fault) Same(o *Fault) bool {
	return f != nil && o != nil && f.Kind == o.Kind && f.PC == o.PC
}

// SyscallFault converts the error returned by a syscall at pc into a fault.
// Budget exhaustion inside a syscall is reported as ExceededMaxInstructions.
func SyscallFault(pc int, err error) *Fault {
	if errors.Is(err, ErrBudgetExhausted) {
		return NewFault(ExceededMaxInstructions, pc, err)
	}
	return NewFault(SyscallError, pc, err)
}
