package ebpf

import "sort"

// Image is a relocation-resolved program as handed over by a loader.
type Image struct {
	Text      []byte // instruction slots, little-endian
	ROData    []byte // read-only data mapped in the program region, optional
	Entry     int    // instruction index of the entry point
	Functions []int  // declared function entry indices besides Entry
}

// Function is one entry of the boundary table.
type Function struct {
	Entry     int    // first instruction index
	End       int    // one past the last instruction index
	FrameSize uint64 // bytes used below the frame pointer
}

// Program is a verified program. It is produced by the verifier and must
// not be modified afterwards; interpreters and compiled artifacts share it.
type Program struct {
	Insns     []Instruction
	Text      []byte // Insns in encoded form
	ROData    []byte
	Entry     int
	Functions []Function // sorted by Entry
	Config    Config     // configuration the program was verified against
}

// FunctionAt returns the boundary table entry that starts at pc.
func (p *Program) FunctionAt(pc int) (Function, bool) {
	i := sort.Search(len(p.Functions), func(i int) bool { return p.Functions[i].Entry >= pc })
	if i < len(p.Functions) && p.Functions[i].Entry == pc {
		return p.Functions[i], true
	}
	return Function{}, false
}

// FunctionOf returns the function region containing pc.
func (p *Program) FunctionOf(pc int) (Function, bool) {
	i := sort.Search(len(p.Functions), func(i int) bool { return p.Functions[i].End > pc })
	if i < len(p.Functions) && p.Functions[i].Entry <= pc {
		return p.Functions[i], true
	}
	return Function{}, false
}

// Len returns the number of instruction slots.
func (p *Program) Len() int {
	return len(p.Insns)
}

// Width returns the number of slots taken by the instruction at pc.
func (p *Program) Width(pc int) int {
	if p.Insns[pc].Op() == OpLddw {
		return 2
	}
	return 1
}

// ProgramRegion returns the bytes mapped at the program region: the
// read-only data when present, otherwise the instruction text.
func (p *Program) ProgramRegion() []byte {
	if len(p.ROData) > 0 {
		return p.ROData
	}
	return p.Text
}

// Target returns the absolute target index of the internal call or jump
// at pc.
func Target(pc int, ins Instruction) int {
	if ins.Op() == OpCall {
		return pc + int(ins.Imm()) + 1
	}
	return pc + int(ins.Off()) + 1
}
