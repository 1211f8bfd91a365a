// Package syscalls provides the standard host functions callable from
// programs. Each syscall is identified by the murmur3 hash of its name.
// Arguments are passed in r1-r5 and the result is placed in r0.
package syscalls

import (
	"errors"
	"fmt"
	"sort"

	"github.com/spaolacci/murmur3"

	"github.com/fortiblox/bpfvm/pkg/ebpf"
)

// ErrDuplicateName is returned when a name is registered twice.
var ErrDuplicateName = errors.New("syscall name already registered")

// Registry collects syscalls before they are frozen into a table.
type Registry struct {
	byName map[string]ebpf.SyscallEntry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]ebpf.SyscallEntry)}
}

// Register adds fn under name with id Hash(name).
func (r *Registry) Register(name string, fn ebpf.Syscall) error {
	return r.RegisterID(Hash(name), name, fn)
}

// RegisterID adds fn under an explicit id.
func (r *Registry) RegisterID(id uint32, name string, fn ebpf.Syscall) error {
	if _, ok := r.byName[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateName, name)
	}
	r.byName[name] = ebpf.SyscallEntry{ID: id, Name: name, Fn: fn}
	return nil
}

// ID returns the id registered for name.
func (r *Registry) ID(name string) (uint32, bool) {
	e, ok := r.byName[name]
	return e.ID, ok
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Table freezes the registry. Two names hashing to the same id fail with
// ebpf.ErrDuplicateSyscall.
func (r *Registry) Table() (*ebpf.SyscallTable, error) {
	entries := make([]ebpf.SyscallEntry, 0, len(r.byName))
	for _, name := range r.Names() {
		entries = append(entries, r.byName[name])
	}
	return ebpf.NewSyscallTable(entries...)
}

// Hash computes the 32-bit murmur3 hash, seed 0, of a syscall name.
func Hash(name string) uint32 {
	return murmur3.Sum32([]byte(name))
}
