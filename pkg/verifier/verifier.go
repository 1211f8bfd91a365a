// Package verifier statically checks eBPF programs before execution.
//
// Verification runs a fixed sequence of passes over the instruction
// stream. The first failing pass determines the reported reason, so a
// program with both an unknown opcode and a bad jump is reported as an
// unknown opcode. A successful run produces an ebpf.Program carrying the
// function boundary table used by the interpreter and the JIT.
package verifier

import (
	"io"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/fortiblox/bpfvm/pkg/ebpf"
)

// Verifier checks programs against one configuration and syscall table.
type Verifier struct {
	cfg      ebpf.Config
	syscalls *ebpf.SyscallTable
	log      logrus.FieldLogger
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithLogger sets the logger used for debug output.
func WithLogger(l logrus.FieldLogger) Option {
	return func(v *Verifier) { v.log = l }
}

// New creates a verifier. The syscall table is used to validate syscall ids.
func New(cfg ebpf.Config, syscalls *ebpf.SyscallTable, opts ...Option) *Verifier {
	v := &Verifier{cfg: cfg, syscalls: syscalls}
	for _, opt := range opts {
		opt(v)
	}
	if v.log == nil {
		l := logrus.New()
		l.Out = io.Discard
		v.log = l
	}
	return v
}

// Verify checks img with a throwaway verifier.
func Verify(img ebpf.Image, syscalls *ebpf.SyscallTable, cfg ebpf.Config) (*ebpf.Program, error) {
	return New(cfg, syscalls).Verify(img)
}

// checker holds the state shared by the passes over one program.
type checker struct {
	cfg      ebpf.Config
	syscalls *ebpf.SyscallTable
	insns    []ebpf.Instruction
	entry    int
	declared []int
	second   []bool // second slot of an lddw
	entries  map[int]bool
	funcs    []ebpf.Function
}

// Verify runs all passes over img.
func (v *Verifier) Verify(img ebpf.Image) (*ebpf.Program, error) {
	if err := v.cfg.Validate(); err != nil {
		return nil, &Error{Reason: ReasonInvalidConfig, Detail: err.Error()}
	}
	if len(img.Text) == 0 {
		return nil, reject(ReasonEmpty, 0, "no instructions")
	}
	if len(img.Text)%ebpf.InstructionSize != 0 {
		return nil, reject(ReasonTruncated, len(img.Text)/ebpf.InstructionSize, "%d trailing bytes", len(img.Text)%ebpf.InstructionSize)
	}
	if len(img.Text)/ebpf.InstructionSize > ebpf.MaxInstructions {
		return nil, reject(ReasonTooLarge, ebpf.MaxInstructions, "%d instructions", len(img.Text)/ebpf.InstructionSize)
	}
	text := append([]byte(nil), img.Text...)
	insns, err := ebpf.Decode(text)
	if err != nil {
		return nil, reject(ReasonTruncated, 0, "%v", err)
	}

	c := &checker{
		cfg:      v.cfg,
		syscalls: v.syscalls,
		insns:    insns,
		entry:    img.Entry,
		declared: img.Functions,
		second:   make([]bool, len(insns)),
	}
	passes := []func() *Error{
		c.checkOpcodes,
		c.checkEntries,
		c.checkRegisters,
		c.checkJumps,
		c.checkCalls,
		c.checkDivisors,
		c.checkFrames,
		c.checkCallDepth,
		c.checkFallOff,
	}
	for _, pass := range passes {
		if err := pass(); err != nil {
			v.log.WithFields(logrus.Fields{
				"reason": err.Reason.String(),
				"index":  err.Index,
			}).Debug("program rejected")
			return nil, err
		}
	}

	prog := &ebpf.Program{
		Insns:     insns,
		Text:      text,
		ROData:    append([]byte(nil), img.ROData...),
		Entry:     img.Entry,
		Functions: c.funcs,
		Config:    v.cfg,
	}
	v.log.WithFields(logrus.Fields{
		"instructions": len(insns),
		"functions":    len(c.funcs),
	}).Debug("program verified")
	return prog, nil
}

// slots calls fn for every instruction, skipping second lddw slots.
func (c *checker) slots(fn func(pc int, ins ebpf.Instruction) *Error) *Error {
	for pc := 0; pc < len(c.insns); pc++ {
		if c.second[pc] {
			continue
		}
		if err := fn(pc, c.insns[pc]); err != nil {
			return err
		}
	}
	return nil
}

func (c *checker) checkOpcodes() *Error {
	enabled := c.cfg.Enabled()
	for pc := 0; pc < len(c.insns); pc++ {
		ins := c.insns[pc]
		op := ins.Op()
		if !enabled.Has(op) {
			return reject(ReasonUnknownOpcode, pc, "opcode 0x%02x", op)
		}
		switch {
		case op == ebpf.OpLddw:
			if pc+1 >= len(c.insns) {
				return reject(ReasonIncompleteLddw, pc, "missing second slot")
			}
			next := c.insns[pc+1]
			if next.Op() != 0 || next.Dst() != 0 || next.Src() != 0 || next.Off() != 0 {
				return reject(ReasonInvalidLddw, pc+1, "second slot %s", next)
			}
			c.second[pc+1] = true
			pc++
		case op == ebpf.OpLe || op == ebpf.OpBe:
			if imm := ins.Imm(); imm != 16 && imm != 32 && imm != 64 {
				return reject(ReasonUnknownOpcode, pc, "byte swap width %d", imm)
			}
		case isDivMod(op):
			if off := ins.Off(); off != 0 && off != 1 {
				return reject(ReasonUnknownOpcode, pc, "division offset %d", off)
			}
		case op == ebpf.OpCall:
			if src := ins.Src(); src != ebpf.CallSyscall && src != ebpf.CallInternal {
				return reject(ReasonUnknownOpcode, pc, "call source %d", src)
			}
		}
	}
	return nil
}

func (c *checker) checkEntries() *Error {
	c.entries = make(map[int]bool, len(c.declared)+1)
	for _, pc := range append([]int{c.entry}, c.declared...) {
		if pc < 0 || pc >= len(c.insns) || c.second[pc] {
			return reject(ReasonInvalidEntry, pc, "function entry outside the program")
		}
		c.entries[pc] = true
	}
	c.funcs = buildFunctions(c.entries, len(c.insns))
	return nil
}

func isDivMod(op uint8) bool {
	if !ebpf.IsAlu(op) {
		return false
	}
	code := op & 0xf0
	return code == ebpf.AluDiv || code == ebpf.AluMod
}

func (c *checker) checkRegisters() *Error {
	return c.slots(func(pc int, ins ebpf.Instruction) *Error {
		if ins.Dst() > ebpf.R10 || ins.Src() > ebpf.R10 {
			return reject(ReasonInvalidRegister, pc, "dst=r%d src=r%d", ins.Dst(), ins.Src())
		}
		if ebpf.WritesDst(ins.Op()) && ins.Dst() == ebpf.FramePointer {
			return reject(ReasonWriteFramePointer, pc, "r10 is read-only")
		}
		return nil
	})
}

func (c *checker) checkJumps() *Error {
	return c.slots(func(pc int, ins ebpf.Instruction) *Error {
		if !ebpf.IsJump(ins.Op()) {
			return nil
		}
		target := ebpf.Target(pc, ins)
		if target < 0 || target >= len(c.insns) {
			return reject(ReasonJumpOutOfBounds, pc, "target %d", target)
		}
		if c.second[target] {
			return reject(ReasonJumpIntoLddw, pc, "target %d", target)
		}
		return nil
	})
}

func (c *checker) checkCalls() *Error {
	return c.slots(func(pc int, ins ebpf.Instruction) *Error {
		if ins.Op() != ebpf.OpCall {
			return nil
		}
		if ins.Src() == ebpf.CallInternal {
			target := ebpf.Target(pc, ins)
			if !c.entries[target] {
				return reject(ReasonCallNonEntry, pc, "target %d", target)
			}
			return nil
		}
		if _, ok := c.syscalls.Lookup(ins.Uimm()); !ok {
			return reject(ReasonUnknownSyscall, pc, "id 0x%08x", ins.Uimm())
		}
		return nil
	})
}

func (c *checker) checkDivisors() *Error {
	return c.slots(func(pc int, ins ebpf.Instruction) *Error {
		if isDivMod(ins.Op()) && ins.Op()&ebpf.SrcX == ebpf.SrcK && ins.Imm() == 0 {
			return reject(ReasonDivisionByZero, pc, "immediate divisor is zero")
		}
		return nil
	})
}

// checkFrames computes the frame size of every function from accesses
// relative to the frame pointer.
func (c *checker) checkFrames() *Error {
	for i := range c.funcs {
		fn := &c.funcs[i]
		for pc := fn.Entry; pc < fn.End; pc++ {
			ins := c.insns[pc]
			op := ins.Op()
			if c.second[pc] || !ebpf.IsMemory(op) {
				continue
			}
			base := ins.Dst()
			if ebpf.Class(op) == ebpf.ClassLdx {
				base = ins.Src()
			}
			if base != ebpf.FramePointer {
				continue
			}
			width := ebpf.AccessWidth(op)
			off := int64(ins.Off())
			if !c.cfg.AllowUnaligned && off%int64(width) != 0 {
				return reject(ReasonMisalignedAccess, pc, "offset %d for width %d", off, width)
			}
			if off >= 0 {
				continue
			}
			need := uint64(-off)
			if need > c.cfg.StackFrameSize {
				return reject(ReasonFrameTooLarge, pc, "needs %d bytes, frame is %d", need, c.cfg.StackFrameSize)
			}
			if need > fn.FrameSize {
				fn.FrameSize = need
			}
		}
	}
	return nil
}

type callSite struct {
	pc     int
	callee int // index into funcs
}

func (c *checker) checkCallDepth() *Error {
	index := make(map[int]int, len(c.funcs))
	for i, fn := range c.funcs {
		index[fn.Entry] = i
	}
	calls := make([][]callSite, len(c.funcs))
	for i, fn := range c.funcs {
		for pc := fn.Entry; pc < fn.End; pc++ {
			ins := c.insns[pc]
			if c.second[pc] || ins.Op() != ebpf.OpCall || ins.Src() != ebpf.CallInternal {
				continue
			}
			calls[i] = append(calls[i], callSite{pc: pc, callee: index[ebpf.Target(pc, ins)]})
		}
	}

	// depth holds the frame count of functions whose subtree never skipped
	// a call back into the search path. Other results depend on the path
	// they were reached by and are recomputed.
	limit := c.cfg.MaxCallDepth
	depth := make([]int, len(c.funcs))
	onPath := make([]bool, len(c.funcs))
	var failed *Error
	var visit func(f, level int) (int, bool)
	visit = func(f, level int) (int, bool) {
		if d := depth[f]; d > 0 && level-1+d <= limit {
			return d, true
		}
		onPath[f] = true
		defer func() { onPath[f] = false }()

		best, exact := 1, true
		for _, site := range calls[f] {
			if onPath[site.callee] {
				exact = false
				continue
			}
			if level == limit {
				failed = reject(ReasonCallDepth, site.pc, "call chain exceeds %d frames", limit)
				return 0, false
			}
			d, ok := visit(site.callee, level+1)
			if failed != nil {
				return 0, false
			}
			exact = exact && ok
			if d+1 > best {
				best = d + 1
			}
		}
		if exact {
			depth[f] = best
		}
		return best, exact
	}

	visit(index[c.entry], 1)
	return failed
}

func (c *checker) checkFallOff() *Error {
	for _, fn := range c.funcs {
		last := fn.End - 1
		if c.second[last] {
			last--
		}
		if op := c.insns[last].Op(); op != ebpf.OpExit && op != ebpf.OpJa {
			return reject(ReasonFallOffEnd, last, "function at %d ends with opcode 0x%02x", fn.Entry, op)
		}
	}
	return nil
}

// buildFunctions sorts the declared entries into boundary table regions.
func buildFunctions(entries map[int]bool, n int) []ebpf.Function {
	starts := make([]int, 0, len(entries))
	for pc := range entries {
		starts = append(starts, pc)
	}
	sort.Ints(starts)
	funcs := make([]ebpf.Function, len(starts))
	for i, pc := range starts {
		end := n
		if i+1 < len(starts) {
			end = starts[i+1]
		}
		funcs[i] = ebpf.Function{Entry: pc, End: end}
	}
	return funcs
}
