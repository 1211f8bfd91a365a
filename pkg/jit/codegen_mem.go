package jit

import (
	"github.com/fortiblox/bpfvm/pkg/ebpf"
	"github.com/fortiblox/bpfvm/pkg/memory"
)

// emitMemory emits a load or store behind an inline copy of the memory
// map checks. On success RDX holds the host address.
func (c *compiler) emitMemory(pc int, ins ebpf.Instruction) error {
	a := c.asm
	op := ins.Op()
	if !ebpf.IsMemory(op) {
		return compileError(pc, nil, "unsupported opcode 0x%02x", op)
	}
	size := int(ebpf.AccessWidth(op))

	switch ebpf.Class(op) {
	case ebpf.ClassLdx:
		c.translate(pc, ins.Src(), ins.Off(), size, false)
		a.Load(size, regMap[ins.Dst()], Mem{RDX, 0})
	case ebpf.ClassSt:
		c.translate(pc, ins.Dst(), ins.Off(), size, true)
		a.StoreImm(size, Mem{RDX, 0}, ins.Imm())
	case ebpf.ClassStx:
		c.translate(pc, ins.Dst(), ins.Off(), size, true)
		a.Store(size, Mem{RDX, 0}, regMap[ins.Src()])
	}
	return nil
}

// translate computes base+off into RAX and resolves it through the region
// table. Every failed check jumps to a stub that records RAX as the fault
// address.
func (c *compiler) translate(pc int, base uint8, off int16, size int, store bool) {
	a := c.asm
	fault := c.newStub(func() {
		a.StoreMem64(Mem{RDI, offFaultAddr}, RAX)
		c.faultAt(ebpf.InvalidMemoryAccess, pc)
	})

	a.MovRegReg(8, RAX, regMap[base])
	if off != 0 {
		a.AluRegImm(8, extAdd, RAX, int32(off))
	}
	if !c.cfg.AllowUnaligned && size > 1 {
		a.TestRegImm(4, RAX, int32(size-1))
		a.Jcc(CondNE, fault)
	}

	// RCX = &regions[addr>>32] - offRegions
	a.MovRegReg(8, RCX, RAX)
	a.ShiftRegImm(8, extShr, RCX, 32)
	a.AluRegImm(8, extCmp, RCX, memory.Slots-1)
	a.Jcc(CondA, fault)
	a.ShiftRegImm(8, extShl, RCX, regionShift)
	a.AddRegReg(8, RCX, RDI)

	entry := func(field int32) Mem { return Mem{RCX, offRegions + field} }

	// lo+size <= len
	a.MovRegReg(4, RDX, RAX)
	a.AluRegImm(8, extAdd, RDX, int32(size))
	a.CmpRegMem(RDX, entry(offRegionLen))
	a.Jcc(CondA, fault)

	// (lo&mask)+size <= chunk
	if c.cfg.EnableStackGaps {
		a.MovRegReg(4, RDX, RAX)
		a.AndRegMem(RDX, entry(offRegionMask))
		a.AluRegImm(8, extAdd, RDX, int32(size))
		a.CmpRegMem(RDX, entry(offRegionChunk))
		a.Jcc(CondA, fault)
	}

	if store {
		a.AluMemImm(extCmp, entry(offRegionWritable), 0)
		a.Jcc(CondE, fault)
	}

	a.MovRegReg(4, RDX, RAX)
	a.AddRegMem(RDX, entry(offRegionBase))
}

// accessOf returns the width and kind of the memory instruction ins, for
// rebuilding the fault detail in Go.
func accessOf(ins ebpf.Instruction) (uint64, memory.AccessKind) {
	kind := memory.Store
	if ebpf.Class(ins.Op()) == ebpf.ClassLdx {
		kind = memory.Load
	}
	return ebpf.AccessWidth(ins.Op()), kind
}
