package ebpf

import (
	"errors"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/fortiblox/bpfvm/pkg/memory"
)

// ErrDuplicateSyscall is returned when two table entries share an id.
var ErrDuplicateSyscall = errors.New("duplicate syscall id")

// Env is the view of the running invocation handed to syscalls.
type Env interface {
	// Translate resolves a guest buffer.
	Translate(addr, size uint64, kind memory.AccessKind) ([]byte, error)

	// Consume charges compute units, failing with ErrBudgetExhausted.
	Consume(units uint64) error
	Remaining() uint64

	// Logger is the invocation's logger.
	Logger() logrus.FieldLogger
}

// Syscall is a host function callable from programs.
type Syscall interface {
	// Invoke executes the syscall. Arguments come from r1-r5, the return
	// value goes to r0.
	Invoke(env Env, r1, r2, r3, r4, r5 uint64) (uint64, error)
}

// SyscallFunc is a function that implements Syscall.
type SyscallFunc func(env Env, r1, r2, r3, r4, r5 uint64) (uint64, error)

// Invoke implements Syscall.
func (f SyscallFunc) Invoke(env Env, r1, r2, r3, r4, r5 uint64) (uint64, error) {
	return f(env, r1, r2, r3, r4, r5)
}

// SyscallEntry binds a syscall to its id.
type SyscallEntry struct {
	ID   uint32
	Name string
	Fn   Syscall
}

// SyscallTable is an immutable id to syscall binding.
type SyscallTable struct {
	entries map[uint32]SyscallEntry
}

// NewSyscallTable builds a table from entries.
func NewSyscallTable(entries ...SyscallEntry) (*SyscallTable, error) {
	t := &SyscallTable{entries: make(map[uint32]SyscallEntry, len(entries))}
	for _, e := range entries {
		if prev, ok := t.entries[e.ID]; ok {
			return nil, fmt.Errorf("%w: 0x%08x (%s, %s)", ErrDuplicateSyscall, e.ID, prev.Name, e.Name)
		}
		t.entries[e.ID] = e
	}
	return t, nil
}

// Lookup returns the syscall bound to id.
func (t *SyscallTable) Lookup(id uint32) (Syscall, bool) {
	if t == nil {
		return nil, false
	}
	e, ok := t.entries[id]
	return e.Fn, ok
}

// Name returns the name bound to id.
func (t *SyscallTable) Name(id uint32) (string, bool) {
	if t == nil {
		return "", false
	}
	e, ok := t.entries[id]
	return e.Name, ok
}

// Len returns the number of bound syscalls.
func (t *SyscallTable) Len() int {
	if t == nil {
		return 0
	}
	return len(t.entries)
}

// Entries returns the bindings sorted by id.
func (t *SyscallTable) Entries() []SyscallEntry {
	if t == nil {
		return nil
	}
	out := make([]SyscallEntry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Dispatch invokes syscall id for the instruction at pc with r1-r5 taken
// from regs, and stores the result in r0. Failures are returned as *Fault.
func (t *SyscallTable) Dispatch(env Env, pc int, id uint32, regs *[NumRegisters]uint64) error {
	fn, ok := t.Lookup(id)
	if !ok {
		return NewFault(UnsupportedInstruction, pc, fmt.Errorf("unknown syscall 0x%08x", id))
	}
	r0, err := fn.Invoke(env, regs[1], regs[2], regs[3], regs[4], regs[5])
	if err != nil {
		return SyscallFault(pc, err)
	}
	regs[0] = r0
	return nil
}
