// Package jit compiles verified eBPF programs to x86-64 machine code.
//
// Register allocation:
//
//	eBPF R0  -> RBX
//	eBPF R1  -> RSI
//	eBPF R2  -> R8
//	eBPF R3  -> R9
//	eBPF R4  -> R10
//	eBPF R5  -> R11
//	eBPF R6  -> R12
//	eBPF R7  -> R13
//	eBPF R8  -> R14
//	eBPF R9  -> R15
//	eBPF R10 -> RBP
//
// Reserved registers:
//
//	RDI           = state block pointer
//	RAX, RCX, RDX = scratch (RCX holds shift counts)
//	RSP           = private native stack
//
// Compiled code leaves through a single exit sequence that stores the
// registers back into the state block. Syscalls and faults are handled in
// Go; after a syscall returns, compiled code is re-entered at the
// instruction following the call.
package jit

import (
	"math"

	"github.com/fortiblox/bpfvm/pkg/ebpf"
)

var regMap = [ebpf.NumRegisters]Reg{
	ebpf.R0:  RBX,
	ebpf.R1:  RSI,
	ebpf.R2:  R8,
	ebpf.R3:  R9,
	ebpf.R4:  R10,
	ebpf.R5:  R11,
	ebpf.R6:  R12,
	ebpf.R7:  R13,
	ebpf.R8:  R14,
	ebpf.R9:  R15,
	ebpf.R10: RBP,
}

// calleeSaved are the registers preserved across internal calls, in the
// order they are stored in a frame slot.
var calleeSaved = [5]Reg{R12, R13, R14, R15, RBP}

type compiler struct {
	prog  *ebpf.Program
	cfg   ebpf.Config
	costs *ebpf.CostTable
	asm   *Assembler

	labels []Label // per instruction index, plus one for the end
	leader []bool
	stubs  []stub

	exit Label
}

type stub struct {
	label Label
	emit  func()
}

// compile generates the code for prog. The code starts with the entry
// sequence at offset 0; offsets[pc] is the native offset of instruction pc.
func compile(prog *ebpf.Program, cfg ebpf.Config) ([]byte, []uint32, error) {
	n := prog.Len()
	c := &compiler{
		prog:   prog,
		cfg:    cfg,
		costs:  cfg.CostTable(),
		asm:    NewAssembler(n * 32),
		labels: make([]Label, n+1),
	}
	for i := range c.labels {
		c.labels[i] = c.asm.NewLabel()
	}
	c.exit = c.asm.NewLabel()
	c.findLeaders()

	c.emitEnter()
	c.emitExit()

	runEnd := 0
	for pc := 0; pc < n; {
		ins := prog.Insns[pc]
		width := prog.Width(pc)
		c.asm.Bind(c.labels[pc])
		if width == 2 {
			c.asm.Bind(c.labels[pc+1])
		}

		cost := c.costs.Cost(ins.Op())
		if cost > math.MaxInt32 {
			return nil, nil, compileError(pc, nil, "cost %d of opcode 0x%02x out of range", cost, ins.Op())
		}
		if !pure(ins) {
			c.charge(pc, cost, 1)
			runEnd = pc + width
		} else if pc >= runEnd || c.leader[pc] {
			var count uint64
			cost, count, runEnd = c.run(pc)
			c.charge(pc, cost, count)
		}

		if err := c.emitInstruction(pc, ins); err != nil {
			return nil, nil, err
		}
		pc += width
	}

	// Overrun: reached only by falling off the last instruction.
	c.asm.Bind(c.labels[n])
	c.faultAt(ebpf.ExecutionOverrun, n)

	for _, s := range c.stubs {
		c.asm.Bind(s.label)
		s.emit()
	}

	code, err := c.asm.Finalize()
	if err != nil {
		return nil, nil, compileError(-1, err, "finalize")
	}
	offsets := make([]uint32, n+1)
	for pc, l := range c.labels {
		offsets[pc] = uint32(c.asm.LabelOffset(l))
	}
	return code, offsets, nil
}

// findLeaders marks the instructions control can reach other than by
// falling through: the entry, function entries, jump targets and return
// points after calls. A leader always starts a new budget run.
func (c *compiler) findLeaders() {
	n := c.prog.Len()
	c.leader = make([]bool, n+1)
	c.leader[c.prog.Entry] = true
	for _, fn := range c.prog.Functions {
		c.leader[fn.Entry] = true
	}
	for pc := 0; pc < n; pc += c.prog.Width(pc) {
		ins := c.prog.Insns[pc]
		switch {
		case ebpf.IsJump(ins.Op()):
			c.leader[ebpf.Target(pc, ins)] = true
		case ins.Op() == ebpf.OpCall:
			c.leader[pc+1] = true
		}
	}
}

// pure reports whether ins can neither fault nor transfer control.
func pure(ins ebpf.Instruction) bool {
	op := ins.Op()
	if op == ebpf.OpLddw {
		return true
	}
	if !ebpf.IsAlu(op) {
		return false
	}
	switch op & 0xf0 {
	case ebpf.AluDiv, ebpf.AluMod:
		return op&ebpf.SrcX == ebpf.SrcK
	}
	return true
}

// run returns the total cost and length of the run of pure instructions
// starting at pc, and the index just past it.
func (c *compiler) run(pc int) (cost, count uint64, end int) {
	n := c.prog.Len()
	end = pc
	for end < n {
		ins := c.prog.Insns[end]
		if !pure(ins) || (end != pc && c.leader[end]) {
			break
		}
		next := c.costs.Cost(ins.Op())
		if cost+next > math.MaxInt32 {
			break
		}
		cost += next
		count++
		end += c.prog.Width(end)
	}
	return cost, count, end
}

// charge deducts cost units before the instructions starting at pc run.
// When the budget cannot cover them, the units are given back and Go
// replays the costs one by one to find the exact faulting instruction.
func (c *compiler) charge(pc int, cost, count uint64) {
	a := c.asm
	exhausted := c.newStub(func() {
		a.AluMemImm(extAdd, Mem{RDI, offBudget}, int32(cost))
		c.exitWith(exitBudget, pc)
	})
	a.AluMemImm(extSub, Mem{RDI, offBudget}, int32(cost))
	a.Jcc(CondB, exhausted)
	a.AluMemImm(extAdd, Mem{RDI, offExecuted}, int32(count))
}

// newStub registers out-of-line code emitted after the program body.
func (c *compiler) newStub(emit func()) Label {
	l := c.asm.NewLabel()
	c.stubs = append(c.stubs, stub{label: l, emit: emit})
	return l
}

func (c *compiler) exitWith(kind uint64, pc int) {
	c.asm.StoreImm(8, Mem{RDI, offExitKind}, int32(kind))
	c.asm.StoreImm(8, Mem{RDI, offExitPC}, int32(pc))
	c.asm.Jmp(c.exit)
}

func (c *compiler) faultAt(kind ebpf.FaultKind, pc int) {
	c.asm.StoreImm(8, Mem{RDI, offFault}, int32(kind))
	c.exitWith(exitFault, pc)
}

func (c *compiler) faultStub(kind ebpf.FaultKind, pc int) Label {
	return c.newStub(func() { c.faultAt(kind, pc) })
}

// emitEnter writes the entry sequence: save the host stack, switch to the
// native stack, load the registers and jump to the resume address.
func (c *compiler) emitEnter() {
	a := c.asm
	a.StoreMem64(Mem{RDI, offHostSP}, RSP)
	a.StoreMem64(Mem{RDI, offHostBP}, RBP)
	a.LoadMem64(RSP, Mem{RDI, offNativeSP})
	for r, x := range regMap {
		a.LoadMem64(x, Mem{RDI, regOffset(r)})
	}
	a.JmpMem(Mem{RDI, offResume})
}

// emitExit writes the exit sequence, the inverse of emitEnter.
func (c *compiler) emitExit() {
	a := c.asm
	a.Bind(c.exit)
	for r, x := range regMap {
		a.StoreMem64(Mem{RDI, regOffset(r)}, x)
	}
	a.StoreMem64(Mem{RDI, offNativeSP}, RSP)
	a.LoadMem64(RSP, Mem{RDI, offHostSP})
	a.LoadMem64(RBP, Mem{RDI, offHostBP})
	a.Ret()
}

func (c *compiler) emitInstruction(pc int, ins ebpf.Instruction) error {
	op := ins.Op()
	switch ebpf.Class(op) {
	case ebpf.ClassAlu64, ebpf.ClassAlu:
		return c.emitAlu(pc, ins)
	case ebpf.ClassLd:
		if op != ebpf.OpLddw {
			break
		}
		c.asm.MovRegImm64(regMap[ins.Dst()], ebpf.Lddw(c.prog.Insns, pc))
		return nil
	case ebpf.ClassLdx, ebpf.ClassSt, ebpf.ClassStx:
		return c.emitMemory(pc, ins)
	case ebpf.ClassJmp, ebpf.ClassJmp32:
		switch op {
		case ebpf.OpCall:
			return c.emitCall(pc, ins)
		case ebpf.OpExit:
			c.emitReturn()
			return nil
		}
		return c.emitJump(pc, ins)
	}
	return compileError(pc, nil, "unsupported opcode 0x%02x", op)
}
