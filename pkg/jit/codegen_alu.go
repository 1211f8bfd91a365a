package jit

import (
	"github.com/fortiblox/bpfvm/pkg/ebpf"
)

// emitAlu handles both ALU classes. 32-bit forms use 32-bit x86
// operations, which zero the upper half of the destination.
func (c *compiler) emitAlu(pc int, ins ebpf.Instruction) error {
	a := c.asm
	op := ins.Op()
	size := 8
	if ebpf.Class(op) == ebpf.ClassAlu {
		size = 4
	}
	dst := regMap[ins.Dst()]
	src := regMap[ins.Src()]
	imm := ins.Imm()
	useImm := op&ebpf.SrcX == ebpf.SrcK

	switch op & 0xf0 {
	case ebpf.AluAdd:
		c.binop(size, extAdd, a.AddRegReg, dst, src, imm, useImm)
	case ebpf.AluSub:
		c.binop(size, extSub, a.SubRegReg, dst, src, imm, useImm)
	case ebpf.AluOr:
		c.binop(size, extOr, a.OrRegReg, dst, src, imm, useImm)
	case ebpf.AluAnd:
		c.binop(size, extAnd, a.AndRegReg, dst, src, imm, useImm)
	case ebpf.AluXor:
		c.binop(size, extXor, a.XorRegReg, dst, src, imm, useImm)

	case ebpf.AluMul:
		if useImm {
			a.IMulRegImm(size, dst, imm)
		} else {
			a.IMulRegReg(size, dst, src)
		}

	case ebpf.AluDiv, ebpf.AluMod:
		if useImm && imm == 0 {
			return compileError(pc, nil, "division by zero immediate")
		}
		c.emitDivMod(pc, size, op&0xf0 == ebpf.AluMod, ins.Off() == 1, dst, src, imm, useImm)

	case ebpf.AluLsh:
		c.shift(size, extShl, dst, src, imm, useImm)
	case ebpf.AluRsh:
		c.shift(size, extShr, dst, src, imm, useImm)
	case ebpf.AluArsh:
		c.shift(size, extSar, dst, src, imm, useImm)

	case ebpf.AluNeg:
		a.NegReg(size, dst)

	case ebpf.AluMov:
		switch {
		case !useImm:
			a.MovRegReg(size, dst, src)
		case size == 4:
			a.MovRegImm32(dst, uint32(imm))
		default:
			a.MovRegImm64(dst, uint64(int64(imm)))
		}

	case ebpf.AluEnd:
		if size != 4 {
			return compileError(pc, nil, "unsupported opcode 0x%02x", op)
		}
		c.emitEndian(op, dst, imm)

	default:
		return compileError(pc, nil, "unsupported opcode 0x%02x", op)
	}
	return nil
}

func (c *compiler) binop(size int, ext byte, rr func(int, Reg, Reg), dst, src Reg, imm int32, useImm bool) {
	if useImm {
		c.asm.AluRegImm(size, ext, dst, imm)
		return
	}
	rr(size, dst, src)
}

// shift masks the count to the operand width, as x86 does in hardware.
func (c *compiler) shift(size int, ext byte, dst, src Reg, imm int32, useImm bool) {
	if useImm {
		c.asm.ShiftRegImm(size, ext, dst, uint8(imm)&uint8(size*8-1))
		return
	}
	c.asm.MovRegReg(8, RCX, src)
	c.asm.ShiftRegCL(size, ext, dst)
}

// emitDivMod emits unsigned or signed division. The divisor goes in RCX
// for immediates; register divisors are checked for zero first. A signed
// divisor of -1 is handled without idiv, which would trap on the most
// negative dividend.
func (c *compiler) emitDivMod(pc, size int, mod, signed bool, dst, src Reg, imm int32, useImm bool) {
	a := c.asm
	divisor := src
	if useImm {
		if signed && imm == -1 {
			c.divByMinusOne(size, mod, dst)
			return
		}
		divisor = RCX
		if size == 4 {
			a.MovRegImm32(RCX, uint32(imm))
		} else {
			a.MovRegImm64(RCX, uint64(int64(imm)))
		}
	} else {
		a.TestRegReg(size, src, src)
		a.Jcc(CondE, c.faultStub(ebpf.DivideByZero, pc))
	}

	done := a.NewLabel()
	if signed && !useImm {
		normal := a.NewLabel()
		a.AluRegImm(size, extCmp, src, -1)
		a.Jcc(CondNE, normal)
		c.divByMinusOne(size, mod, dst)
		a.Jmp(done)
		a.Bind(normal)
	}

	a.MovRegReg(size, RAX, dst)
	if signed {
		a.SignExtendRAX(size)
		a.IDivReg(size, divisor)
	} else {
		a.XorRegReg(4, RDX, RDX)
		a.DivReg(size, divisor)
	}
	if mod {
		a.MovRegReg(size, dst, RDX)
	} else {
		a.MovRegReg(size, dst, RAX)
	}
	a.Bind(done)
}

// divByMinusOne: x / -1 wraps to -x and x % -1 is 0.
func (c *compiler) divByMinusOne(size int, mod bool, dst Reg) {
	if mod {
		c.asm.XorRegReg(4, dst, dst)
		return
	}
	c.asm.NegReg(size, dst)
}

func (c *compiler) emitEndian(op uint8, dst Reg, width int32) {
	a := c.asm
	if op == ebpf.OpLe {
		switch width {
		case 16:
			a.Movzx16(dst, dst)
		case 32:
			a.MovRegReg(4, dst, dst)
		}
		return
	}
	switch width {
	case 16:
		a.Bswap(4, dst)
		a.ShiftRegImm(4, extShr, dst, 16)
	case 32:
		a.Bswap(4, dst)
	case 64:
		a.Bswap(8, dst)
	}
}
