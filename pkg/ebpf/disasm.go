package ebpf

import (
	"fmt"
	"strings"
)

var aluNames = map[uint8]string{
	AluAdd:  "add",
	AluSub:  "sub",
	AluMul:  "mul",
	AluDiv:  "div",
	AluOr:   "or",
	AluAnd:  "and",
	AluLsh:  "lsh",
	AluRsh:  "rsh",
	AluNeg:  "neg",
	AluMod:  "mod",
	AluXor:  "xor",
	AluMov:  "mov",
	AluArsh: "arsh",
}

var jmpNames = map[uint8]string{
	JmpJa:   "ja",
	JmpJeq:  "jeq",
	JmpJgt:  "jgt",
	JmpJge:  "jge",
	JmpJset: "jset",
	JmpJne:  "jne",
	JmpJsgt: "jsgt",
	JmpJsge: "jsge",
	JmpJlt:  "jlt",
	JmpJle:  "jle",
	JmpJslt: "jslt",
	JmpJsle: "jsle",
}

var sizeNames = map[uint8]string{
	SizeB:  "b",
	SizeH:  "h",
	SizeW:  "w",
	SizeDW: "dw",
}

func offStr(off int16) string {
	if off < 0 {
		return fmt.Sprintf("-0x%x", -int32(off))
	}
	return fmt.Sprintf("+0x%x", off)
}

// labeler names jump and call targets.
type labeler struct {
	functions map[int]bool
}

func (l labeler) label(target int) string {
	if l.functions[target] {
		return fmt.Sprintf("function_%d", target)
	}
	return fmt.Sprintf("lbb_%d", target)
}

// DisassembleInstruction renders the instruction at pc in the classic
// assembler syntax. Syscall names are taken from syscalls when bound.
func DisassembleInstruction(insns []Instruction, pc int, syscalls *SyscallTable) string {
	return disassemble(insns, pc, syscalls, labeler{})
}

func disassemble(insns []Instruction, pc int, syscalls *SyscallTable, l labeler) string {
	ins := insns[pc]
	op := ins.Op()

	switch Class(op) {
	case ClassLd:
		if op == OpLddw && pc+1 < len(insns) {
			return fmt.Sprintf("lddw r%d, 0x%x", ins.Dst(), Lddw(insns, pc))
		}

	case ClassLdx:
		if op&0xe0 == ModeMem {
			return fmt.Sprintf("ldx%s r%d, [r%d%s]", sizeNames[op&0x18], ins.Dst(), ins.Src(), offStr(ins.Off()))
		}

	case ClassSt:
		if op&0xe0 == ModeMem {
			return fmt.Sprintf("st%s [r%d%s], %d", sizeNames[op&0x18], ins.Dst(), offStr(ins.Off()), ins.Imm())
		}

	case ClassStx:
		if op&0xe0 == ModeMem {
			return fmt.Sprintf("stx%s [r%d%s], r%d", sizeNames[op&0x18], ins.Dst(), offStr(ins.Off()), ins.Src())
		}

	case ClassAlu, ClassAlu64:
		width := "64"
		if Class(op) == ClassAlu {
			width = "32"
		}
		code := op & 0xf0
		if code == AluEnd {
			order := "le"
			if op&0x08 == EndBE {
				order = "be"
			}
			return fmt.Sprintf("%s%d r%d", order, ins.Imm(), ins.Dst())
		}
		name, ok := aluNames[code]
		if !ok {
			break
		}
		if (code == AluDiv || code == AluMod) && ins.Off() == 1 {
			name = "s" + name
		}
		if code == AluNeg {
			return fmt.Sprintf("%s%s r%d", name, width, ins.Dst())
		}
		if op&0x08 == SrcX {
			return fmt.Sprintf("%s%s r%d, r%d", name, width, ins.Dst(), ins.Src())
		}
		return fmt.Sprintf("%s%s r%d, %d", name, width, ins.Dst(), ins.Imm())

	case ClassJmp, ClassJmp32:
		switch op {
		case OpExit:
			return "exit"
		case OpCall:
			if ins.Src() == CallInternal {
				return fmt.Sprintf("call %s", l.label(Target(pc, ins)))
			}
			if name, ok := syscalls.Name(ins.Uimm()); ok {
				return fmt.Sprintf("syscall %s", name)
			}
			return fmt.Sprintf("syscall 0x%08x", ins.Uimm())
		case OpJa:
			return fmt.Sprintf("ja %s", l.label(Target(pc, ins)))
		}
		name, ok := jmpNames[op&0xf0]
		if !ok {
			break
		}
		if Class(op) == ClassJmp32 {
			name += "32"
		}
		if op&0x08 == SrcX {
			return fmt.Sprintf("%s r%d, r%d, %s", name, ins.Dst(), ins.Src(), l.label(Target(pc, ins)))
		}
		return fmt.Sprintf("%s r%d, 0x%x, %s", name, ins.Dst(), ins.Imm(), l.label(Target(pc, ins)))
	}
	return fmt.Sprintf("unknown opcode=0x%02x", op)
}

// Disassemble renders a whole program with labels for functions and jump
// targets.
func Disassemble(p *Program, syscalls *SyscallTable) string {
	l := labeler{functions: make(map[int]bool, len(p.Functions))}
	for _, fn := range p.Functions {
		l.functions[fn.Entry] = true
	}
	targets := make(map[int]bool)
	for pc := 0; pc < len(p.Insns); pc += p.Width(pc) {
		if IsJump(p.Insns[pc].Op()) {
			targets[Target(pc, p.Insns[pc])] = true
		}
	}

	var b strings.Builder
	for pc := 0; pc < len(p.Insns); pc += p.Width(pc) {
		if l.functions[pc] {
			fmt.Fprintf(&b, "function_%d:\n", pc)
		} else if targets[pc] {
			fmt.Fprintf(&b, "lbb_%d:\n", pc)
		}
		fmt.Fprintf(&b, "    %s\n", disassemble(p.Insns, pc, syscalls, l))
	}
	return b.String()
}
