package jit

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// x86-64 register encoding
type Reg uint8

const (
	RAX Reg = 0
	RCX Reg = 1
	RDX Reg = 2
	RBX Reg = 3
	RSP Reg = 4
	RBP Reg = 5
	RSI Reg = 6
	RDI Reg = 7
	R8  Reg = 8
	R9  Reg = 9
	R10 Reg = 10
	R11 Reg = 11
	R12 Reg = 12
	R13 Reg = 13
	R14 Reg = 14
	R15 Reg = 15
)

// Cond is the low nibble of a Jcc opcode.
type Cond uint8

const (
	CondB  Cond = 0x2 // below (unsigned <)
	CondAE Cond = 0x3 // above or equal (unsigned >=)
	CondE  Cond = 0x4
	CondNE Cond = 0x5
	CondBE Cond = 0x6 // below or equal (unsigned <=)
	CondA  Cond = 0x7 // above (unsigned >)
	CondL  Cond = 0xc // less (signed <)
	CondGE Cond = 0xd
	CondLE Cond = 0xe
	CondG  Cond = 0xf
)

// ALU group-1 opcode extensions for the 0x81 immediate form.
const (
	extAdd = 0
	extOr  = 1
	extAnd = 4
	extSub = 5
	extXor = 6
	extCmp = 7
)

// Shift group-2 opcode extensions.
const (
	extShl = 4
	extShr = 5
	extSar = 7
)

var errFinalized = errors.New("assembler already finalized")

// Label names a code position that may not be known yet.
type Label int

type fixup struct {
	at    int // position of the rel32 field
	label Label
}

// Mem is a [base+disp] memory operand.
type Mem struct {
	Base Reg
	Disp int32
}

// Assembler emits x86-64 machine code into an append-only buffer.
// Branches to labels are recorded as fixups and patched once, by Finalize.
type Assembler struct {
	buf       []byte
	labels    []int // label -> offset, -1 while unbound
	fixups    []fixup
	finalized bool
}

// NewAssembler creates an assembler with capacity hint bytes preallocated.
func NewAssembler(hint int) *Assembler {
	return &Assembler{buf: make([]byte, 0, hint)}
}

// Offset returns the current write position.
func (a *Assembler) Offset() int {
	return len(a.buf)
}

// NewLabel allocates an unbound label.
func (a *Assembler) NewLabel() Label {
	a.labels = append(a.labels, -1)
	return Label(len(a.labels) - 1)
}

// Bind sets l to the current position.
func (a *Assembler) Bind(l Label) {
	a.labels[l] = len(a.buf)
}

// LabelOffset returns the bound offset of l, or -1.
func (a *Assembler) LabelOffset(l Label) int {
	return a.labels[l]
}

// Finalize patches every recorded displacement and returns the code.
// No instruction may be emitted afterwards.
func (a *Assembler) Finalize() ([]byte, error) {
	if a.finalized {
		return nil, errFinalized
	}
	for _, f := range a.fixups {
		target := a.labels[f.label]
		if target < 0 {
			return nil, fmt.Errorf("unbound label %d referenced at 0x%x", f.label, f.at)
		}
		rel := int64(target) - int64(f.at+4)
		if rel != int64(int32(rel)) {
			return nil, fmt.Errorf("displacement %d out of rel32 range", rel)
		}
		binary.LittleEndian.PutUint32(a.buf[f.at:], uint32(int32(rel)))
	}
	a.finalized = true
	return a.buf, nil
}

// emit appends bytes to the buffer
func (a *Assembler) emit(b ...byte) {
	if a.finalized {
		panic(errFinalized)
	}
	a.buf = append(a.buf, b...)
}

func (a *Assembler) emitInt32(v int32) {
	a.buf = binary.LittleEndian.AppendUint32(a.buf, uint32(v))
}

func (a *Assembler) emitUint64(v uint64) {
	a.buf = binary.LittleEndian.AppendUint64(a.buf, v)
}

// emitRel32 appends a placeholder displacement to l.
func (a *Assembler) emitRel32(l Label) {
	a.fixups = append(a.fixups, fixup{at: len(a.buf), label: l})
	a.emitInt32(0)
}

// rex builds REX prefix: 0100WRXB
func rex(w, r, x, b bool) byte {
	var prefix byte = 0x40
	if w {
		prefix |= 0x08
	}
	if r {
		prefix |= 0x04
	}
	if x {
		prefix |= 0x02
	}
	if b {
		prefix |= 0x01
	}
	return prefix
}

// modRM builds ModR/M byte: [mod:2][reg:3][rm:3]
func modRM(mod byte, reg, rm Reg) byte {
	return mod | ((byte(reg) & 7) << 3) | (byte(rm) & 7)
}

// encode emits one instruction with a register or memory r/m operand.
// size is the operand size in bytes. reg is either a register or an
// opcode extension; byteReg marks it as a register for 8-bit operations,
// where SPL/BPL/SIL/DIL need an empty REX prefix.
func (a *Assembler) encode(size int, opcode []byte, reg Reg, byteReg bool, rm Reg, m *Mem) {
	if size == 2 {
		a.emit(0x66)
	}
	base := rm
	if m != nil {
		base = m.Base
	}
	needRex := size == 8 || reg >= 8 || base >= 8
	if size == 1 {
		if byteReg && reg >= 4 && reg < 8 {
			needRex = true
		}
		if m == nil && rm >= 4 && rm < 8 {
			needRex = true
		}
	}
	if needRex {
		a.emit(rex(size == 8, reg >= 8, false, base >= 8))
	}
	a.emit(opcode...)

	if m == nil {
		a.emit(modRM(0xc0, reg, rm))
		return
	}
	var mod byte
	switch {
	case m.Disp == 0 && base&7 != RBP:
		mod = 0x00
	case m.Disp == int32(int8(m.Disp)):
		mod = 0x40
	default:
		mod = 0x80
	}
	a.emit(modRM(mod, reg, base))
	if base&7 == RSP {
		a.emit(0x24) // SIB: no index, base=RSP/R12
	}
	switch mod {
	case 0x40:
		a.emit(byte(int8(m.Disp)))
	case 0x80:
		a.emitInt32(m.Disp)
	}
}

// MovRegReg: mov dst, src
func (a *Assembler) MovRegReg(size int, dst, src Reg) {
	a.encode(size, []byte{0x89}, src, true, dst, nil)
}

// MovRegImm32: mov dst32, imm32 (zero-extends to 64 bits)
func (a *Assembler) MovRegImm32(dst Reg, imm uint32) {
	if dst >= 8 {
		a.emit(rex(false, false, false, true))
	}
	a.emit(0xb8 | byte(dst&7))
	a.emitInt32(int32(imm))
}

// MovRegImm64: mov dst, imm32 sign-extended, or movabs when needed
func (a *Assembler) MovRegImm64(dst Reg, imm uint64) {
	if int64(imm) == int64(int32(imm)) {
		a.encode(8, []byte{0xc7}, 0, false, dst, nil)
		a.emitInt32(int32(imm))
		return
	}
	a.emit(rex(true, false, false, dst >= 8), 0xb8|byte(dst&7))
	a.emitUint64(imm)
}

// Load: mov/movzx dst, [m] for 1, 2, 4 or 8 bytes, zero-extended
func (a *Assembler) Load(size int, dst Reg, m Mem) {
	switch size {
	case 1:
		a.encode(4, []byte{0x0f, 0xb6}, dst, false, 0, &m)
	case 2:
		a.encode(4, []byte{0x0f, 0xb7}, dst, false, 0, &m)
	default:
		a.encode(size, []byte{0x8b}, dst, false, 0, &m)
	}
}

// Store: mov [m], src for 1, 2, 4 or 8 bytes
func (a *Assembler) Store(size int, m Mem, src Reg) {
	op := byte(0x89)
	if size == 1 {
		op = 0x88
	}
	a.encode(size, []byte{op}, src, true, 0, &m)
}

// StoreImm: mov [m], imm (imm32 sign-extended for 8 bytes)
func (a *Assembler) StoreImm(size int, m Mem, imm int32) {
	switch size {
	case 1:
		a.encode(1, []byte{0xc6}, 0, false, 0, &m)
		a.emit(byte(imm))
	case 2:
		a.encode(2, []byte{0xc7}, 0, false, 0, &m)
		a.emit(byte(imm), byte(imm>>8))
	default:
		a.encode(size, []byte{0xc7}, 0, false, 0, &m)
		a.emitInt32(imm)
	}
}

// aluRR emits a group-1 register-register operation (op is the r/m,reg form).
func (a *Assembler) aluRR(size int, op byte, dst, src Reg) {
	a.encode(size, []byte{op}, src, false, dst, nil)
}

func (a *Assembler) AddRegReg(size int, dst, src Reg) { a.aluRR(size, 0x01, dst, src) }
func (a *Assembler) OrRegReg(size int, dst, src Reg)  { a.aluRR(size, 0x09, dst, src) }
func (a *Assembler) AndRegReg(size int, dst, src Reg) { a.aluRR(size, 0x21, dst, src) }
func (a *Assembler) SubRegReg(size int, dst, src Reg) { a.aluRR(size, 0x29, dst, src) }
func (a *Assembler) XorRegReg(size int, dst, src Reg) { a.aluRR(size, 0x31, dst, src) }
func (a *Assembler) CmpRegReg(size int, dst, src Reg) { a.aluRR(size, 0x39, dst, src) }
func (a *Assembler) TestRegReg(size int, dst, src Reg) {
	a.aluRR(size, 0x85, dst, src)
}

// AluRegImm: op dst, imm32 (sign-extended for 8 bytes)
func (a *Assembler) AluRegImm(size int, ext byte, dst Reg, imm int32) {
	a.encode(size, []byte{0x81}, Reg(ext), false, dst, nil)
	a.emitInt32(imm)
}

// AluMemImm: op qword [m], imm32
func (a *Assembler) AluMemImm(ext byte, m Mem, imm int32) {
	a.encode(8, []byte{0x81}, Reg(ext), false, 0, &m)
	a.emitInt32(imm)
}

// CmpRegMem: cmp dst, qword [m]
func (a *Assembler) CmpRegMem(dst Reg, m Mem) {
	a.encode(8, []byte{0x3b}, dst, false, 0, &m)
}

// AndRegMem: and dst, qword [m]
func (a *Assembler) AndRegMem(dst Reg, m Mem) {
	a.encode(8, []byte{0x23}, dst, false, 0, &m)
}

// AddRegMem: add dst, qword [m]
func (a *Assembler) AddRegMem(dst Reg, m Mem) {
	a.encode(8, []byte{0x03}, dst, false, 0, &m)
}

// LoadMem64: mov dst, qword [m]
func (a *Assembler) LoadMem64(dst Reg, m Mem) {
	a.Load(8, dst, m)
}

// StoreMem64: mov qword [m], src
func (a *Assembler) StoreMem64(m Mem, src Reg) {
	a.Store(8, m, src)
}

// TestRegImm: test dst, imm32
func (a *Assembler) TestRegImm(size int, dst Reg, imm int32) {
	a.encode(size, []byte{0xf7}, 0, false, dst, nil)
	a.emitInt32(imm)
}

// IncMem: inc qword [m]
func (a *Assembler) IncMem(m Mem) {
	a.encode(8, []byte{0xff}, 0, false, 0, &m)
}

// DecMem: dec qword [m]
func (a *Assembler) DecMem(m Mem) {
	a.encode(8, []byte{0xff}, 1, false, 0, &m)
}

// IMulRegReg: imul dst, src
func (a *Assembler) IMulRegReg(size int, dst, src Reg) {
	a.encode(size, []byte{0x0f, 0xaf}, dst, false, src, nil)
}

// IMulRegImm: imul dst, dst, imm32
func (a *Assembler) IMulRegImm(size int, dst Reg, imm int32) {
	a.encode(size, []byte{0x69}, dst, false, dst, nil)
	a.emitInt32(imm)
}

// IMulRegRegImm8: imul dst, src, imm8
func (a *Assembler) IMulRegRegImm8(size int, dst, src Reg, imm int8) {
	a.encode(size, []byte{0x6b}, dst, false, src, nil)
	a.emit(byte(imm))
}

// NegReg: neg dst
func (a *Assembler) NegReg(size int, dst Reg) {
	a.encode(size, []byte{0xf7}, 3, false, dst, nil)
}

// DivReg: div src (unsigned rdx:rax / src)
func (a *Assembler) DivReg(size int, src Reg) {
	a.encode(size, []byte{0xf7}, 6, false, src, nil)
}

// IDivReg: idiv src (signed rdx:rax / src)
func (a *Assembler) IDivReg(size int, src Reg) {
	a.encode(size, []byte{0xf7}, 7, false, src, nil)
}

// SignExtendRAX: cqo for 8 bytes, cdq for 4
func (a *Assembler) SignExtendRAX(size int) {
	if size == 8 {
		a.emit(0x48)
	}
	a.emit(0x99)
}

// ShiftRegCL: shl/shr/sar dst, cl
func (a *Assembler) ShiftRegCL(size int, ext byte, dst Reg) {
	a.encode(size, []byte{0xd3}, Reg(ext), false, dst, nil)
}

// ShiftRegImm: shl/shr/sar dst, imm8
func (a *Assembler) ShiftRegImm(size int, ext byte, dst Reg, imm uint8) {
	a.encode(size, []byte{0xc1}, Reg(ext), false, dst, nil)
	a.emit(imm)
}

// Bswap: bswap dst (4 or 8 bytes)
func (a *Assembler) Bswap(size int, dst Reg) {
	if size == 8 || dst >= 8 {
		a.emit(rex(size == 8, false, false, dst >= 8))
	}
	a.emit(0x0f, 0xc8|byte(dst&7))
}

// Movzx16: movzx dst32, src16
func (a *Assembler) Movzx16(dst, src Reg) {
	a.encode(4, []byte{0x0f, 0xb7}, dst, false, src, nil)
}

// Push: push reg
func (a *Assembler) Push(r Reg) {
	if r >= 8 {
		a.emit(0x41)
	}
	a.emit(0x50 | byte(r&7))
}

// Pop: pop reg
func (a *Assembler) Pop(r Reg) {
	if r >= 8 {
		a.emit(0x41)
	}
	a.emit(0x58 | byte(r&7))
}

// Jmp: jmp rel32 to l
func (a *Assembler) Jmp(l Label) {
	a.emit(0xe9)
	a.emitRel32(l)
}

// Jcc: jcc rel32 to l
func (a *Assembler) Jcc(c Cond, l Label) {
	a.emit(0x0f, 0x80|byte(c))
	a.emitRel32(l)
}

// Call: call rel32 to l
func (a *Assembler) Call(l Label) {
	a.emit(0xe8)
	a.emitRel32(l)
}

// Ret: ret
func (a *Assembler) Ret() {
	a.emit(0xc3)
}

// JmpMem: jmp qword [m]
func (a *Assembler) JmpMem(m Mem) {
	a.encode(4, []byte{0xff}, 4, false, 0, &m)
}

// LeaLabel: lea dst, [rip+l]
func (a *Assembler) LeaLabel(dst Reg, l Label) {
	a.emit(rex(true, dst >= 8, false, false), 0x8d, modRM(0x00, dst, RBP))
	a.emitRel32(l)
}

// Int3: int3 padding
func (a *Assembler) Int3() {
	a.emit(0xcc)
}
