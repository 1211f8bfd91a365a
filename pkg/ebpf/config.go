package ebpf

import (
	"errors"
	"fmt"
)

// Defaults.
const (
	DefaultMaxCallDepth   = 64
	DefaultComputeBudget  = 1_400_000
	DefaultStackFrameSize = 4096
	DefaultHeapSize       = 32 * 1024
	MaxHeapSize           = 256 * 1024
)

// ErrInvalidConfig is wrapped by every configuration validation error.
var ErrInvalidConfig = errors.New("invalid vm config")

// Config holds the options recognized by the verifier, the interpreter
// and the JIT compiler.
type Config struct {
	MaxCallDepth     int        // frames, including the entry function
	ComputeBudget    uint64     // units available to one invocation
	StackFrameSize   uint64     // bytes per frame, power of two
	EnableStackGaps  bool       // unmapped guard zone after every frame
	Opcodes          *OpcodeSet // enabled opcodes, nil means all
	UseJIT           bool       // run compiled code instead of interpreting
	NativeCallFrames bool       // JIT uses native call/ret for internal calls
	AllowUnaligned   bool       // permit unaligned loads and stores
	HeapSize         uint64
	WritableInput    bool
	Costs            *CostTable // per-opcode cost, nil means UniformCosts
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		MaxCallDepth:    DefaultMaxCallDepth,
		ComputeBudget:   DefaultComputeBudget,
		StackFrameSize:  DefaultStackFrameSize,
		EnableStackGaps: true,
		AllowUnaligned:  true,
		HeapSize:        DefaultHeapSize,
	}
}

// Validate checks the configuration for consistency.
func (c Config) Validate() error {
	if c.MaxCallDepth < 1 {
		return fmt.Errorf("%w: max call depth %d < 1", ErrInvalidConfig, c.MaxCallDepth)
	}
	if c.StackFrameSize == 0 || c.StackFrameSize&(c.StackFrameSize-1) != 0 {
		return fmt.Errorf("%w: stack frame size %d is not a power of two", ErrInvalidConfig, c.StackFrameSize)
	}
	if c.StackFrameSize > 1<<20 {
		return fmt.Errorf("%w: stack frame size %d too large", ErrInvalidConfig, c.StackFrameSize)
	}
	stride := c.StackFrameSize
	if c.EnableStackGaps {
		stride *= 2
	}
	if uint64(c.MaxCallDepth)*stride > 1<<32-1 {
		return fmt.Errorf("%w: stack of %d frames exceeds the stack region", ErrInvalidConfig, c.MaxCallDepth)
	}
	if c.HeapSize > MaxHeapSize {
		return fmt.Errorf("%w: heap size %d exceeds %d", ErrInvalidConfig, c.HeapSize, MaxHeapSize)
	}
	if c.Costs != nil {
		enabled := c.Enabled()
		for op, cost := range c.Costs {
			if cost == 0 && enabled.Has(uint8(op)) {
				return fmt.Errorf("%w: opcode 0x%02x has zero cost", ErrInvalidConfig, op)
			}
		}
	}
	return nil
}

// FrameStride returns the frame pointer increment for one internal call.
func (c Config) FrameStride() uint64 {
	if c.EnableStackGaps {
		return 2 * c.StackFrameSize
	}
	return c.StackFrameSize
}

// Enabled returns the effective opcode set.
func (c Config) Enabled() *OpcodeSet {
	if c.Opcodes == nil {
		return DefaultOpcodes()
	}
	return c.Opcodes
}

// CostTable returns the effective per-opcode cost table.
func (c Config) CostTable() *CostTable {
	if c.Costs == nil {
		return UniformCosts()
	}
	return c.Costs
}

// OpcodeSet is a set of enabled opcodes.
type OpcodeSet [4]uint64

// Has reports whether op is in the set.
func (s *OpcodeSet) Has(op uint8) bool {
	return s[op>>6]&(1<<(op&63)) != 0
}

// Enable adds ops to the set.
func (s *OpcodeSet) Enable(ops ...uint8) {
	for _, op := range ops {
		s[op>>6] |= 1 << (op & 63)
	}
}

// Disable removes ops from the set.
func (s *OpcodeSet) Disable(ops ...uint8) {
	for _, op := range ops {
		s[op>>6] &^= 1 << (op & 63)
	}
}

// Clone returns a copy of the set.
func (s *OpcodeSet) Clone() *OpcodeSet {
	c := *s
	return &c
}

// DefaultOpcodes returns every opcode the interpreter and the JIT implement.
func DefaultOpcodes() *OpcodeSet {
	s := &OpcodeSet{}
	for _, class := range []uint8{ClassAlu, ClassAlu64} {
		for _, code := range []uint8{AluAdd, AluSub, AluMul, AluDiv, AluOr, AluAnd, AluLsh, AluRsh, AluMod, AluXor, AluMov, AluArsh} {
			s.Enable(class|SrcK|code, class|SrcX|code)
		}
		s.Enable(class | AluNeg)
	}
	s.Enable(OpLe, OpBe, OpLddw)
	s.Enable(OpLdxb, OpLdxh, OpLdxw, OpLdxdw)
	s.Enable(OpStb, OpSth, OpStw, OpStdw)
	s.Enable(OpStxb, OpStxh, OpStxw, OpStxdw)
	for _, class := range []uint8{ClassJmp, ClassJmp32} {
		for _, code := range []uint8{JmpJeq, JmpJgt, JmpJge, JmpJset, JmpJne, JmpJsgt, JmpJsge, JmpJlt, JmpJle, JmpJslt, JmpJsle} {
			s.Enable(class|SrcK|code, class|SrcX|code)
		}
	}
	s.Enable(OpJa, OpCall, OpExit)
	return s
}

// Opcode groups that can be disabled by name.
var opcodeGroups = map[string]func() []uint8{
	"alu32": func() []uint8 { return classOps(ClassAlu) },
	"jmp32": func() []uint8 { return classOps(ClassJmp32) },
	"endian": func() []uint8 {
		return []uint8{OpLe, OpBe}
	},
	"mul": func() []uint8 {
		return []uint8{OpMul32Imm, OpMul32Reg, OpMul64Imm, OpMul64Reg}
	},
	"div": func() []uint8 {
		return []uint8{OpDiv32Imm, OpDiv32Reg, OpDiv64Imm, OpDiv64Reg, OpMod32Imm, OpMod32Reg, OpMod64Imm, OpMod64Reg}
	},
}

func classOps(class uint8) []uint8 {
	var ops []uint8
	for op := 0; op < 256; op++ {
		if uint8(op)&0x07 == class {
			ops = append(ops, uint8(op))
		}
	}
	return ops
}

// DisableGroup removes a named opcode group (alu32, jmp32, endian, mul, div).
func (s *OpcodeSet) DisableGroup(name string) error {
	group, ok := opcodeGroups[name]
	if !ok {
		return fmt.Errorf("%w: unknown opcode group %q", ErrInvalidConfig, name)
	}
	s.Disable(group()...)
	return nil
}
