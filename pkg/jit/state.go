package jit

import (
	"unsafe"

	"github.com/fortiblox/bpfvm/pkg/ebpf"
	"github.com/fortiblox/bpfvm/pkg/memory"
)

// Exit reasons written to state.exitKind before compiled code returns.
const (
	exitHalt    = 1
	exitSyscall = 2
	exitFault   = 3
	exitBudget  = 4
)

// frameSlotSize is the size in bytes of one saved call frame: R6-R9, the
// frame pointer and the native return address.
const frameSlotSize = 48

// region is one entry of the region table read by the inline memory
// checks. Entries are padded to 64 bytes so the slot index can be scaled
// with a single shift.
type region struct {
	base     uintptr
	length   uint64
	mask     uint64
	chunk    uint64
	writable uint64
	_        [3]uint64
}

const regionShift = 6

// state is shared between Go and compiled code. RDI holds its address for
// the whole time compiled code runs. It contains no Go pointers.
type state struct {
	regs      [ebpf.NumRegisters]uint64
	budget    uint64
	executed  uint64
	depth     uint64
	frames    uintptr // base of the frame slot array
	exitKind  uint64
	exitPC    uint64
	fault     uint64 // ebpf.FaultKind when exitKind is exitFault
	faultAddr uint64
	resume    uintptr // native address to continue at on entry
	hostSP    uintptr
	hostBP    uintptr
	nativeSP  uintptr
	regions   [memory.Slots]region
}

// Field displacements from RDI.
var (
	offRegs      = int32(unsafe.Offsetof(state{}.regs))
	offBudget    = int32(unsafe.Offsetof(state{}.budget))
	offExecuted  = int32(unsafe.Offsetof(state{}.executed))
	offDepth     = int32(unsafe.Offsetof(state{}.depth))
	offFrames    = int32(unsafe.Offsetof(state{}.frames))
	offExitKind  = int32(unsafe.Offsetof(state{}.exitKind))
	offExitPC    = int32(unsafe.Offsetof(state{}.exitPC))
	offFault     = int32(unsafe.Offsetof(state{}.fault))
	offFaultAddr = int32(unsafe.Offsetof(state{}.faultAddr))
	offResume    = int32(unsafe.Offsetof(state{}.resume))
	offHostSP    = int32(unsafe.Offsetof(state{}.hostSP))
	offHostBP    = int32(unsafe.Offsetof(state{}.hostBP))
	offNativeSP  = int32(unsafe.Offsetof(state{}.nativeSP))
	offRegions   = int32(unsafe.Offsetof(state{}.regions))

	offRegionBase     = int32(unsafe.Offsetof(region{}.base))
	offRegionLen      = int32(unsafe.Offsetof(region{}.length))
	offRegionMask     = int32(unsafe.Offsetof(region{}.mask))
	offRegionChunk    = int32(unsafe.Offsetof(region{}.chunk))
	offRegionWritable = int32(unsafe.Offsetof(region{}.writable))
)

func regOffset(r int) int32 {
	return offRegs + int32(r)*8
}

// loadRegions fills the region table from m.
func (s *state) loadRegions(m *memory.Map) {
	for slot := 0; slot < memory.Slots; slot++ {
		s.regions[slot] = region{}
		r, ok := m.Region(slot)
		if !ok {
			continue
		}
		e := &s.regions[slot]
		if len(r.Host) > 0 {
			e.base = uintptr(unsafe.Pointer(&r.Host[0]))
		}
		e.length = r.Len()
		e.mask = r.Mask()
		e.chunk = r.Chunk()
		if r.Writable {
			e.writable = 1
		}
	}
}
