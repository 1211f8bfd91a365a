package vm

import (
	"math/bits"

	"github.com/fortiblox/bpfvm/pkg/ebpf"
)

// step executes the instruction at c.pc. It returns true when the entry
// function exits.
func (c *Context) step() (bool, error) {
	insns := c.prog.Insns
	pc := c.pc
	if pc < 0 || pc >= len(insns) {
		return false, ebpf.NewFault(ebpf.ExecutionOverrun, pc, nil)
	}

	ins := insns[pc]
	op := ins.Op()
	if err := c.meter.Consume(c.costs.Cost(op)); err != nil {
		return false, ebpf.NewFault(ebpf.ExceededMaxInstructions, pc, nil)
	}
	c.executed++

	r := &c.regs
	dst := ins.Dst()
	src := ins.Src()
	off := ins.Off()
	imm := ins.Imm()
	next := pc + 1

	switch op {
	// 64-bit ALU
	case ebpf.OpAdd64Imm:
		r[dst] += uint64(int64(imm))
	case ebpf.OpAdd64Reg:
		r[dst] += r[src]
	case ebpf.OpSub64Imm:
		r[dst] -= uint64(int64(imm))
	case ebpf.OpSub64Reg:
		r[dst] -= r[src]
	case ebpf.OpMul64Imm:
		r[dst] *= uint64(int64(imm))
	case ebpf.OpMul64Reg:
		r[dst] *= r[src]
	case ebpf.OpDiv64Imm, ebpf.OpDiv64Reg, ebpf.OpMod64Imm, ebpf.OpMod64Reg:
		divisor := uint64(int64(imm))
		if op&ebpf.SrcX != 0 {
			divisor = r[src]
		}
		if divisor == 0 {
			return false, ebpf.NewFault(ebpf.DivideByZero, pc, nil)
		}
		r[dst] = div64(r[dst], divisor, op&0xf0 == ebpf.AluMod, off == 1)
	case ebpf.OpOr64Imm:
		r[dst] |= uint64(int64(imm))
	case ebpf.OpOr64Reg:
		r[dst] |= r[src]
	case ebpf.OpAnd64Imm:
		r[dst] &= uint64(int64(imm))
	case ebpf.OpAnd64Reg:
		r[dst] &= r[src]
	case ebpf.OpLsh64Imm:
		r[dst] <<= uint64(imm) & 63
	case ebpf.OpLsh64Reg:
		r[dst] <<= r[src] & 63
	case ebpf.OpRsh64Imm:
		r[dst] >>= uint64(imm) & 63
	case ebpf.OpRsh64Reg:
		r[dst] >>= r[src] & 63
	case ebpf.OpArsh64Imm:
		r[dst] = uint64(int64(r[dst]) >> (uint64(imm) & 63))
	case ebpf.OpArsh64Reg:
		r[dst] = uint64(int64(r[dst]) >> (r[src] & 63))
	case ebpf.OpNeg64:
		r[dst] = -r[dst]
	case ebpf.OpXor64Imm:
		r[dst] ^= uint64(int64(imm))
	case ebpf.OpXor64Reg:
		r[dst] ^= r[src]
	case ebpf.OpMov64Imm:
		r[dst] = uint64(int64(imm))
	case ebpf.OpMov64Reg:
		r[dst] = r[src]

	// 32-bit ALU, results zero-extended
	case ebpf.OpAdd32Imm:
		r[dst] = uint64(uint32(r[dst]) + uint32(imm))
	case ebpf.OpAdd32Reg:
		r[dst] = uint64(uint32(r[dst]) + uint32(r[src]))
	case ebpf.OpSub32Imm:
		r[dst] = uint64(uint32(r[dst]) - uint32(imm))
	case ebpf.OpSub32Reg:
		r[dst] = uint64(uint32(r[dst]) - uint32(r[src]))
	case ebpf.OpMul32Imm:
		r[dst] = uint64(uint32(r[dst]) * uint32(imm))
	case ebpf.OpMul32Reg:
		r[dst] = uint64(uint32(r[dst]) * uint32(r[src]))
	case ebpf.OpDiv32Imm, ebpf.OpDiv32Reg, ebpf.OpMod32Imm, ebpf.OpMod32Reg:
		divisor := uint32(imm)
		if op&ebpf.SrcX != 0 {
			divisor = uint32(r[src])
		}
		if divisor == 0 {
			return false, ebpf.NewFault(ebpf.DivideByZero, pc, nil)
		}
		r[dst] = uint64(div32(uint32(r[dst]), divisor, op&0xf0 == ebpf.AluMod, off == 1))
	case ebpf.OpOr32Imm:
		r[dst] = uint64(uint32(r[dst]) | uint32(imm))
	case ebpf.OpOr32Reg:
		r[dst] = uint64(uint32(r[dst]) | uint32(r[src]))
	case ebpf.OpAnd32Imm:
		r[dst] = uint64(uint32(r[dst]) & uint32(imm))
	case ebpf.OpAnd32Reg:
		r[dst] = uint64(uint32(r[dst]) & uint32(r[src]))
	case ebpf.OpLsh32Imm:
		r[dst] = uint64(uint32(r[dst]) << (uint32(imm) & 31))
	case ebpf.OpLsh32Reg:
		r[dst] = uint64(uint32(r[dst]) << (uint32(r[src]) & 31))
	case ebpf.OpRsh32Imm:
		r[dst] = uint64(uint32(r[dst]) >> (uint32(imm) & 31))
	case ebpf.OpRsh32Reg:
		r[dst] = uint64(uint32(r[dst]) >> (uint32(r[src]) & 31))
	case ebpf.OpArsh32Imm:
		r[dst] = uint64(uint32(int32(r[dst]) >> (uint32(imm) & 31)))
	case ebpf.OpArsh32Reg:
		r[dst] = uint64(uint32(int32(r[dst]) >> (uint32(r[src]) & 31)))
	case ebpf.OpNeg32:
		r[dst] = uint64(-uint32(r[dst]))
	case ebpf.OpXor32Imm:
		r[dst] = uint64(uint32(r[dst]) ^ uint32(imm))
	case ebpf.OpXor32Reg:
		r[dst] = uint64(uint32(r[dst]) ^ uint32(r[src]))
	case ebpf.OpMov32Imm:
		r[dst] = uint64(uint32(imm))
	case ebpf.OpMov32Reg:
		r[dst] = uint64(uint32(r[src]))

	case ebpf.OpLe:
		switch imm {
		case 16:
			r[dst] = uint64(uint16(r[dst]))
		case 32:
			r[dst] = uint64(uint32(r[dst]))
		}
	case ebpf.OpBe:
		switch imm {
		case 16:
			r[dst] = uint64(bits.ReverseBytes16(uint16(r[dst])))
		case 32:
			r[dst] = uint64(bits.ReverseBytes32(uint32(r[dst])))
		case 64:
			r[dst] = bits.ReverseBytes64(r[dst])
		}

	case ebpf.OpLddw:
		r[dst] = ebpf.Lddw(insns, pc)
		next = pc + 2

	// Memory
	case ebpf.OpLdxb, ebpf.OpLdxh, ebpf.OpLdxw, ebpf.OpLdxdw:
		v, err := c.mem.Load(r[src]+uint64(int64(off)), ebpf.AccessWidth(op))
		if err != nil {
			return false, ebpf.NewFault(ebpf.InvalidMemoryAccess, pc, err)
		}
		r[dst] = v
	case ebpf.OpStb, ebpf.OpSth, ebpf.OpStw, ebpf.OpStdw:
		if err := c.mem.Store(r[dst]+uint64(int64(off)), ebpf.AccessWidth(op), uint64(int64(imm))); err != nil {
			return false, ebpf.NewFault(ebpf.InvalidMemoryAccess, pc, err)
		}
	case ebpf.OpStxb, ebpf.OpStxh, ebpf.OpStxw, ebpf.OpStxdw:
		if err := c.mem.Store(r[dst]+uint64(int64(off)), ebpf.AccessWidth(op), r[src]); err != nil {
			return false, ebpf.NewFault(ebpf.InvalidMemoryAccess, pc, err)
		}

	// 64-bit jumps
	case ebpf.OpJa:
		next += int(off)
	case ebpf.OpJeqImm:
		if r[dst] == uint64(int64(imm)) {
			next += int(off)
		}
	case ebpf.OpJeqReg:
		if r[dst] == r[src] {
			next += int(off)
		}
	case ebpf.OpJgtImm:
		if r[dst] > uint64(int64(imm)) {
			next += int(off)
		}
	case ebpf.OpJgtReg:
		if r[dst] > r[src] {
			next += int(off)
		}
	case ebpf.OpJgeImm:
		if r[dst] >= uint64(int64(imm)) {
			next += int(off)
		}
	case ebpf.OpJgeReg:
		if r[dst] >= r[src] {
			next += int(off)
		}
	case ebpf.OpJltImm:
		if r[dst] < uint64(int64(imm)) {
			next += int(off)
		}
	case ebpf.OpJltReg:
		if r[dst] < r[src] {
			next += int(off)
		}
	case ebpf.OpJleImm:
		if r[dst] <= uint64(int64(imm)) {
			next += int(off)
		}
	case ebpf.OpJleReg:
		if r[dst] <= r[src] {
			next += int(off)
		}
	case ebpf.OpJsetImm:
		if r[dst]&uint64(int64(imm)) != 0 {
			next += int(off)
		}
	case ebpf.OpJsetReg:
		if r[dst]&r[src] != 0 {
			next += int(off)
		}
	case ebpf.OpJneImm:
		if r[dst] != uint64(int64(imm)) {
			next += int(off)
		}
	case ebpf.OpJneReg:
		if r[dst] != r[src] {
			next += int(off)
		}
	case ebpf.OpJsgtImm:
		if int64(r[dst]) > int64(imm) {
			next += int(off)
		}
	case ebpf.OpJsgtReg:
		if int64(r[dst]) > int64(r[src]) {
			next += int(off)
		}
	case ebpf.OpJsgeImm:
		if int64(r[dst]) >= int64(imm) {
			next += int(off)
		}
	case ebpf.OpJsgeReg:
		if int64(r[dst]) >= int64(r[src]) {
			next += int(off)
		}
	case ebpf.OpJsltImm:
		if int64(r[dst]) < int64(imm) {
			next += int(off)
		}
	case ebpf.OpJsltReg:
		if int64(r[dst]) < int64(r[src]) {
			next += int(off)
		}
	case ebpf.OpJsleImm:
		if int64(r[dst]) <= int64(imm) {
			next += int(off)
		}
	case ebpf.OpJsleReg:
		if int64(r[dst]) <= int64(r[src]) {
			next += int(off)
		}

	// 32-bit jumps
	case ebpf.OpJeq32Imm:
		if uint32(r[dst]) == uint32(imm) {
			next += int(off)
		}
	case ebpf.OpJeq32Reg:
		if uint32(r[dst]) == uint32(r[src]) {
			next += int(off)
		}
	case ebpf.OpJgt32Imm:
		if uint32(r[dst]) > uint32(imm) {
			next += int(off)
		}
	case ebpf.OpJgt32Reg:
		if uint32(r[dst]) > uint32(r[src]) {
			next += int(off)
		}
	case ebpf.OpJge32Imm:
		if uint32(r[dst]) >= uint32(imm) {
			next += int(off)
		}
	case ebpf.OpJge32Reg:
		if uint32(r[dst]) >= uint32(r[src]) {
			next += int(off)
		}
	case ebpf.OpJlt32Imm:
		if uint32(r[dst]) < uint32(imm) {
			next += int(off)
		}
	case ebpf.OpJlt32Reg:
		if uint32(r[dst]) < uint32(r[src]) {
			next += int(off)
		}
	case ebpf.OpJle32Imm:
		if uint32(r[dst]) <= uint32(imm) {
			next += int(off)
		}
	case ebpf.OpJle32Reg:
		if uint32(r[dst]) <= uint32(r[src]) {
			next += int(off)
		}
	case ebpf.OpJset32Imm:
		if uint32(r[dst])&uint32(imm) != 0 {
			next += int(off)
		}
	case ebpf.OpJset32Reg:
		if uint32(r[dst])&uint32(r[src]) != 0 {
			next += int(off)
		}
	case ebpf.OpJne32Imm:
		if uint32(r[dst]) != uint32(imm) {
			next += int(off)
		}
	case ebpf.OpJne32Reg:
		if uint32(r[dst]) != uint32(r[src]) {
			next += int(off)
		}
	case ebpf.OpJsgt32Imm:
		if int32(r[dst]) > imm {
			next += int(off)
		}
	case ebpf.OpJsgt32Reg:
		if int32(r[dst]) > int32(r[src]) {
			next += int(off)
		}
	case ebpf.OpJsge32Imm:
		if int32(r[dst]) >= imm {
			next += int(off)
		}
	case ebpf.OpJsge32Reg:
		if int32(r[dst]) >= int32(r[src]) {
			next += int(off)
		}
	case ebpf.OpJslt32Imm:
		if int32(r[dst]) < imm {
			next += int(off)
		}
	case ebpf.OpJslt32Reg:
		if int32(r[dst]) < int32(r[src]) {
			next += int(off)
		}
	case ebpf.OpJsle32Imm:
		if int32(r[dst]) <= imm {
			next += int(off)
		}
	case ebpf.OpJsle32Reg:
		if int32(r[dst]) <= int32(r[src]) {
			next += int(off)
		}

	// Call and exit
	case ebpf.OpCall:
		if src == ebpf.CallSyscall {
			if err := c.syscalls.Dispatch(c, pc, ins.Uimm(), r); err != nil {
				return false, err
			}
			break
		}
		if !c.stack.Push(r, pc+1) {
			return false, ebpf.NewFault(ebpf.CallDepthExceeded, pc, nil)
		}
		next = ebpf.Target(pc, ins)

	case ebpf.OpExit:
		ret, ok := c.stack.Pop(r)
		if !ok {
			return true, nil
		}
		next = ret

	default:
		return false, ebpf.NewFault(ebpf.UnsupportedInstruction, pc, nil)
	}

	c.pc = next
	return false, nil
}

func div64(x, y uint64, mod, signed bool) uint64 {
	switch {
	case signed && mod:
		return uint64(int64(x) % int64(y))
	case signed:
		return uint64(int64(x) / int64(y))
	case mod:
		return x % y
	default:
		return x / y
	}
}

func div32(x, y uint32, mod, signed bool) uint32 {
	switch {
	case signed && mod:
		return uint32(int32(x) % int32(y))
	case signed:
		return uint32(int32(x) / int32(y))
	case mod:
		return x % y
	default:
		return x / y
	}
}
