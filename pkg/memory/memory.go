// Package memory implements the virtual memory map of the eBPF VM.
//
// The 64-bit virtual address space is split into 4 GiB slots. The upper
// 32 bits of an address select the slot, the lower 32 bits are the offset
// into the region mapped there:
//
//	0x0_0000_0000  unmapped (null guard)
//	0x1_0000_0000  program, read-only
//	0x2_0000_0000  stack frames, read-write, with guard gaps
//	0x3_0000_0000  heap, read-write
//	0x4_0000_0000  input parameters
//
// Every access is checked against the region bounds, permissions and the
// alignment policy before any host memory is touched.
package memory

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Virtual region base addresses.
const (
	ProgramStart = uint64(0x1_0000_0000)
	StackStart   = uint64(0x2_0000_0000)
	HeapStart    = uint64(0x3_0000_0000)
	InputStart   = uint64(0x4_0000_0000)
)

// Slots is the number of addressable region slots. Slot 0 is never mapped.
const Slots = 5

const (
	slotShift  = 32
	offsetMask = uint64(1)<<slotShift - 1
)

// Errors.
var (
	ErrAccessViolation  = errors.New("invalid memory access")
	ErrRegionAlignment  = errors.New("region vaddr not 4 GiB aligned")
	ErrRegionOverlap    = errors.New("region slot already mapped")
	ErrRegionSlot       = errors.New("region slot out of range")
	ErrRegionTooLarge   = errors.New("region exceeds 4 GiB")
	ErrInvalidFrameSize = errors.New("stack frame size must be a power of two")
)

// AccessKind is the kind of a memory access.
type AccessKind uint8

// Access kinds.
const (
	Load AccessKind = iota
	Store
	Execute
)

func (k AccessKind) String() string {
	switch k {
	case Load:
		return "load"
	case Store:
		return "store"
	case Execute:
		return "execute"
	default:
		return fmt.Sprintf("access(%d)", uint8(k))
	}
}

// AccessError describes a rejected memory access.
type AccessError struct {
	Addr   uint64
	Len    uint64
	Kind   AccessKind
	Region string // name of the slot the address falls into
	Reason string
}

func (e *AccessError) Error() string {
	return fmt.Sprintf("%s: %s of %d bytes at 0x%x in %s region: %s",
		ErrAccessViolation, e.Kind, e.Len, e.Addr, e.Region, e.Reason)
}

// Unwrap returns ErrAccessViolation.
func (e *AccessError) Unwrap() error {
	return ErrAccessViolation
}

// Map is the set of regions visible to one invocation.
//
// A Map is not safe for concurrent use; each execution context owns one.
type Map struct {
	regions        [Slots]Region
	allowUnaligned bool
}

// New builds a memory map from the given regions.
func New(allowUnaligned bool, regions ...Region) (*Map, error) {
	m := &Map{allowUnaligned: allowUnaligned}
	for _, r := range regions {
		if err := m.add(r); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Map) add(r Region) error {
	if r.Vaddr&offsetMask != 0 {
		return fmt.Errorf("%w: 0x%x", ErrRegionAlignment, r.Vaddr)
	}
	slot := r.Vaddr >> slotShift
	if slot == 0 || slot >= Slots {
		return fmt.Errorf("%w: slot %d", ErrRegionSlot, slot)
	}
	if uint64(len(r.Host)) > offsetMask {
		return fmt.Errorf("%w: %d bytes", ErrRegionTooLarge, len(r.Host))
	}
	if m.regions[slot].mapped {
		return fmt.Errorf("%w: slot %d", ErrRegionOverlap, slot)
	}
	r.mapped = true
	m.regions[slot] = r
	return nil
}

// AllowUnaligned reports whether unaligned loads and stores are permitted.
func (m *Map) AllowUnaligned() bool {
	return m.allowUnaligned
}

// Region returns the region mapped at slot, if any.
func (m *Map) Region(slot int) (*Region, bool) {
	if slot <= 0 || slot >= Slots || !m.regions[slot].mapped {
		return nil, false
	}
	return &m.regions[slot], true
}

// Replace swaps the host buffer of an already mapped slot, keeping its
// permissions. It is used to bind the input buffer after construction.
func (m *Map) Replace(slot int, host []byte) error {
	r, ok := m.Region(slot)
	if !ok {
		return fmt.Errorf("%w: slot %d not mapped", ErrRegionSlot, slot)
	}
	if uint64(len(host)) > offsetMask {
		return fmt.Errorf("%w: %d bytes", ErrRegionTooLarge, len(host))
	}
	r.Host = host
	return nil
}

// Translate resolves [addr, addr+size) into a host slice for the given
// access kind. No alignment policy is applied.
func (m *Map) Translate(addr, size uint64, kind AccessKind) ([]byte, error) {
	slot := addr >> slotShift
	if slot >= Slots || !m.regions[slot].mapped {
		return nil, &AccessError{Addr: addr, Len: size, Kind: kind, Region: slotName(slot), Reason: "unmapped"}
	}
	r := &m.regions[slot]
	lo := addr & offsetMask
	if reason := r.check(lo, size, kind); reason != "" {
		return nil, &AccessError{Addr: addr, Len: size, Kind: kind, Region: slotName(slot), Reason: reason}
	}
	return r.Host[lo : lo+size : lo+size], nil
}

func (m *Map) access(addr, size uint64, kind AccessKind) ([]byte, error) {
	if !m.allowUnaligned && addr&(size-1) != 0 {
		return nil, &AccessError{Addr: addr, Len: size, Kind: kind, Region: slotName(addr >> slotShift), Reason: "unaligned"}
	}
	return m.Translate(addr, size, kind)
}

// Check validates an access the way Load and Store do, including the
// alignment policy, without touching host memory.
func (m *Map) Check(addr, size uint64, kind AccessKind) error {
	_, err := m.access(addr, size, kind)
	return err
}

// Load reads a little-endian value of width 1, 2, 4 or 8 bytes.
func (m *Map) Load(addr, width uint64) (uint64, error) {
	b, err := m.access(addr, width, Load)
	if err != nil {
		return 0, err
	}
	switch width {
	case 1:
		return uint64(b[0]), nil
	case 2:
		return uint64(binary.LittleEndian.Uint16(b)), nil
	case 4:
		return uint64(binary.LittleEndian.Uint32(b)), nil
	default:
		return binary.LittleEndian.Uint64(b), nil
	}
}

// Store writes the low width bytes of v in little-endian order.
func (m *Map) Store(addr, width, v uint64) error {
	b, err := m.access(addr, width, Store)
	if err != nil {
		return err
	}
	switch width {
	case 1:
		b[0] = uint8(v)
	case 2:
		binary.LittleEndian.PutUint16(b, uint16(v))
	case 4:
		binary.LittleEndian.PutUint32(b, uint32(v))
	default:
		binary.LittleEndian.PutUint64(b, v)
	}
	return nil
}

// Read copies len(p) bytes from virtual memory into p.
func (m *Map) Read(addr uint64, p []byte) error {
	b, err := m.Translate(addr, uint64(len(p)), Load)
	if err != nil {
		return err
	}
	copy(p, b)
	return nil
}

// Write copies p into virtual memory.
func (m *Map) Write(addr uint64, p []byte) error {
	b, err := m.Translate(addr, uint64(len(p)), Store)
	if err != nil {
		return err
	}
	copy(b, p)
	return nil
}

func slotName(slot uint64) string {
	switch slot {
	case ProgramStart >> slotShift:
		return "program"
	case StackStart >> slotShift:
		return "stack"
	case HeapStart >> slotShift:
		return "heap"
	case InputStart >> slotShift:
		return "input"
	default:
		return "unmapped"
	}
}
