package jit

import (
	"github.com/fortiblox/bpfvm/pkg/ebpf"
)

var jumpConds = map[uint8]Cond{
	ebpf.JmpJeq:  CondE,
	ebpf.JmpJne:  CondNE,
	ebpf.JmpJgt:  CondA,
	ebpf.JmpJge:  CondAE,
	ebpf.JmpJlt:  CondB,
	ebpf.JmpJle:  CondBE,
	ebpf.JmpJsgt: CondG,
	ebpf.JmpJsge: CondGE,
	ebpf.JmpJslt: CondL,
	ebpf.JmpJsle: CondLE,
	ebpf.JmpJset: CondNE,
}

func (c *compiler) emitJump(pc int, ins ebpf.Instruction) error {
	a := c.asm
	op := ins.Op()
	target := c.labels[ebpf.Target(pc, ins)]
	if op == ebpf.OpJa {
		a.Jmp(target)
		return nil
	}

	code := op & 0xf0
	cond, ok := jumpConds[code]
	if !ok {
		return compileError(pc, nil, "unsupported opcode 0x%02x", op)
	}
	size := 8
	if ebpf.Class(op) == ebpf.ClassJmp32 {
		size = 4
	}
	dst := regMap[ins.Dst()]
	useImm := op&ebpf.SrcX == ebpf.SrcK

	switch {
	case code == ebpf.JmpJset && useImm:
		a.TestRegImm(size, dst, ins.Imm())
	case code == ebpf.JmpJset:
		a.TestRegReg(size, dst, regMap[ins.Src()])
	case useImm:
		a.AluRegImm(size, extCmp, dst, ins.Imm())
	default:
		a.CmpRegReg(size, dst, regMap[ins.Src()])
	}
	a.Jcc(cond, target)
	return nil
}

func (c *compiler) emitCall(pc int, ins ebpf.Instruction) error {
	if ins.Src() == ebpf.CallSyscall {
		// Go performs the call and resumes at pc+1.
		c.exitWith(exitSyscall, pc)
		return nil
	}
	target := c.labels[ebpf.Target(pc, ins)]
	a := c.asm

	a.AluMemImm(extCmp, Mem{RDI, offDepth}, int32(c.cfg.MaxCallDepth))
	a.Jcc(CondAE, c.faultStub(ebpf.CallDepthExceeded, pc))

	if c.cfg.NativeCallFrames {
		a.IncMem(Mem{RDI, offDepth})
		for _, r := range calleeSaved {
			a.Push(r)
		}
		a.AluRegImm(8, extAdd, RBP, int32(c.cfg.FrameStride()))
		a.Call(target)
		for i := len(calleeSaved) - 1; i >= 0; i-- {
			a.Pop(calleeSaved[i])
		}
		return nil
	}

	// RAX = frames + depth*slot; the free slot starts at RAX-slot.
	c.frameTop()
	for i, r := range calleeSaved {
		a.StoreMem64(Mem{RAX, int32(i*8 - frameSlotSize)}, r)
	}
	a.LeaLabel(RCX, c.labels[pc+1])
	a.StoreMem64(Mem{RAX, -8}, RCX)
	a.IncMem(Mem{RDI, offDepth})
	a.AluRegImm(8, extAdd, RBP, int32(c.cfg.FrameStride()))
	a.Jmp(target)
	return nil
}

// emitReturn handles exit: halt in the entry function, otherwise return
// to the caller.
func (c *compiler) emitReturn() {
	a := c.asm
	halt := c.newStub(func() { c.exitWith(exitHalt, 0) })
	a.AluMemImm(extCmp, Mem{RDI, offDepth}, 1)
	a.Jcc(CondBE, halt)

	if c.cfg.NativeCallFrames {
		a.DecMem(Mem{RDI, offDepth})
		a.Ret()
		return
	}

	// The caller's slot is the one below the current depth.
	c.frameTop()
	for i, r := range calleeSaved {
		a.LoadMem64(r, Mem{RAX, int32(i*8 - 2*frameSlotSize)})
	}
	a.DecMem(Mem{RDI, offDepth})
	a.JmpMem(Mem{RAX, -frameSlotSize - 8})
}

// frameTop loads frames + depth*frameSlotSize into RAX.
func (c *compiler) frameTop() {
	a := c.asm
	a.LoadMem64(RAX, Mem{RDI, offDepth})
	a.IMulRegRegImm8(8, RAX, RAX, frameSlotSize)
	a.AddRegMem(RAX, Mem{RDI, offFrames})
}
