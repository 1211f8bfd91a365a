package vm

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fortiblox/bpfvm/pkg/ebpf"
	"github.com/fortiblox/bpfvm/pkg/memory"
	"github.com/fortiblox/bpfvm/pkg/verifier"
)

const (
	sysAnswer = 1 // returns 42
	sysBurn   = 2 // consumes r1 units
	sysFail   = 3 // always fails
	sysPeek   = 4 // returns the byte at r1
)

var errBoom = errors.New("boom")

func syscalls(t testing.TB) *ebpf.SyscallTable {
	t.Helper()
	table, err := ebpf.NewSyscallTable(
		ebpf.SyscallEntry{ID: sysAnswer, Name: "answer", Fn: ebpf.SyscallFunc(
			func(ebpf.Env, uint64, uint64, uint64, uint64, uint64) (uint64, error) {
				return 42, nil
			})},
		ebpf.SyscallEntry{ID: sysBurn, Name: "burn", Fn: ebpf.SyscallFunc(
			func(env ebpf.Env, r1, _, _, _, _ uint64) (uint64, error) {
				return env.Remaining(), env.Consume(r1)
			})},
		ebpf.SyscallEntry{ID: sysFail, Name: "fail", Fn: ebpf.SyscallFunc(
			func(ebpf.Env, uint64, uint64, uint64, uint64, uint64) (uint64, error) {
				return 0, errBoom
			})},
		ebpf.SyscallEntry{ID: sysPeek, Name: "peek", Fn: ebpf.SyscallFunc(
			func(env ebpf.Env, r1, _, _, _, _ uint64) (uint64, error) {
				b, err := env.Translate(r1, 1, memory.Load)
				if err != nil {
					return 0, err
				}
				return uint64(b[0]), nil
			})},
	)
	require.NoError(t, err)
	return table
}

func enc(op uint8, dst, src uint8, off int16, imm int32) ebpf.Instruction {
	return ebpf.Encode(op, dst, src, off, imm)
}

var exit = enc(ebpf.OpExit, 0, 0, 0, 0)

func verify(t testing.TB, cfg ebpf.Config, functions []int, insns ...ebpf.Instruction) *ebpf.Program {
	t.Helper()
	prog, err := verifier.Verify(ebpf.Image{Text: ebpf.Assemble(insns...), Functions: functions}, syscalls(t), cfg)
	require.NoError(t, err)
	return prog
}

func newContext(t testing.TB, prog *ebpf.Program, input []byte) *Context {
	t.Helper()
	c, err := New(prog, Options{Syscalls: syscalls(t)})
	require.NoError(t, err)
	require.NoError(t, c.BindInput(input))
	return c
}

func interpret(t testing.TB, cfg ebpf.Config, insns ...ebpf.Instruction) (uint64, error) {
	t.Helper()
	return newContext(t, verify(t, cfg, nil, insns...), nil).Run()
}

func requireFault(t *testing.T, err error, kind ebpf.FaultKind, pc int) *ebpf.Fault {
	t.Helper()
	var f *ebpf.Fault
	require.True(t, errors.As(err, &f), "want fault, got %v", err)
	assert.Equal(t, kind, f.Kind, f.Error())
	assert.Equal(t, pc, f.PC)
	return f
}

func lddw(dst uint8, v uint64) []ebpf.Instruction {
	pair := ebpf.EncodeLddw(dst, v)
	return pair[:]
}

func program(parts ...interface{}) []ebpf.Instruction {
	var out []ebpf.Instruction
	for _, p := range parts {
		switch v := p.(type) {
		case ebpf.Instruction:
			out = append(out, v)
		case []ebpf.Instruction:
			out = append(out, v...)
		}
	}
	return out
}

func TestInterpreterArithmetic(t *testing.T) {
	minInt := uint64(1) << 63
	tests := []struct {
		name  string
		insns []ebpf.Instruction
		want  uint64
	}{
		{"add sub", program(
			enc(ebpf.OpMov64Imm, 0, 0, 0, 10),
			enc(ebpf.OpAdd64Imm, 0, 0, 0, 5),
			enc(ebpf.OpSub64Imm, 0, 0, 0, 20),
			exit), uint64(math.MaxUint64 - 4)},
		{"imm sign extension", program(
			enc(ebpf.OpMov64Imm, 0, 0, 0, -1),
			exit), math.MaxUint64},
		{"mov32 zero extends", program(
			enc(ebpf.OpMov32Imm, 0, 0, 0, -1),
			exit), math.MaxUint32},
		{"add32 wraps", program(
			enc(ebpf.OpMov64Imm, 0, 0, 0, -1),
			enc(ebpf.OpAdd32Imm, 0, 0, 0, 2),
			exit), 1},
		{"mul", program(
			enc(ebpf.OpMov64Imm, 0, 0, 0, 6),
			enc(ebpf.OpMov64Imm, 1, 0, 0, 7),
			enc(ebpf.OpMul64Reg, 0, 1, 0, 0),
			exit), 42},
		{"unsigned div", program(
			enc(ebpf.OpMov64Imm, 0, 0, 0, -10),
			enc(ebpf.OpDiv64Imm, 0, 0, 0, 2),
			exit), (math.MaxUint64 - 9) / 2},
		{"signed div", program(
			enc(ebpf.OpMov64Imm, 0, 0, 0, -10),
			enc(ebpf.OpDiv64Imm, 0, 0, 1, 3),
			exit), uint64(0xfffffffffffffffd)},
		{"signed mod", program(
			enc(ebpf.OpMov64Imm, 0, 0, 0, -10),
			enc(ebpf.OpMod64Imm, 0, 0, 1, 3),
			exit), uint64(0xffffffffffffffff)},
		{"min int div -1", program(
			lddw(0, minInt),
			enc(ebpf.OpDiv64Imm, 0, 0, 1, -1),
			exit), minInt},
		{"min int mod -1", program(
			lddw(0, minInt),
			enc(ebpf.OpMod64Imm, 0, 0, 1, -1),
			exit), 0},
		{"signed div32", program(
			enc(ebpf.OpMov32Imm, 0, 0, 0, -9),
			enc(ebpf.OpDiv32Imm, 0, 0, 1, 2),
			exit), uint64(uint32(0xfffffffc))},
		{"mod32 uses low half", program(
			lddw(0, 0x100000011),
			enc(ebpf.OpMod32Imm, 0, 0, 0, 5),
			exit), 2},
		{"shift masks", program(
			enc(ebpf.OpMov64Imm, 0, 0, 0, 1),
			enc(ebpf.OpLsh64Imm, 0, 0, 0, 65),
			exit), 2},
		{"shift32 masks", program(
			enc(ebpf.OpMov64Imm, 0, 0, 0, 1),
			enc(ebpf.OpMov64Imm, 1, 0, 0, 33),
			enc(ebpf.OpLsh32Reg, 0, 1, 0, 0),
			exit), 2},
		{"arsh", program(
			enc(ebpf.OpMov64Imm, 0, 0, 0, -16),
			enc(ebpf.OpArsh64Imm, 0, 0, 0, 2),
			exit), uint64(0xfffffffffffffffc)},
		{"arsh32", program(
			enc(ebpf.OpMov32Imm, 0, 0, 0, -16),
			enc(ebpf.OpArsh32Imm, 0, 0, 0, 2),
			exit), 0xfffffffc},
		{"neg", program(
			enc(ebpf.OpMov64Imm, 0, 0, 0, 5),
			enc(ebpf.OpNeg64, 0, 0, 0, 0),
			exit), uint64(0xfffffffffffffffb)},
		{"neg32", program(
			enc(ebpf.OpMov64Imm, 0, 0, 0, 5),
			enc(ebpf.OpNeg32, 0, 0, 0, 0),
			exit), 0xfffffffb},
		{"logic", program(
			enc(ebpf.OpMov64Imm, 0, 0, 0, 0xf0),
			enc(ebpf.OpOr64Imm, 0, 0, 0, 0x0f),
			enc(ebpf.OpAnd64Imm, 0, 0, 0, 0x3c),
			enc(ebpf.OpXor64Imm, 0, 0, 0, 0x01),
			exit), 0x3d},
		{"lddw", program(lddw(0, 0x1122334455667788), exit), 0x1122334455667788},
		{"be16", program(
			enc(ebpf.OpMov64Imm, 0, 0, 0, 0x11223344),
			enc(ebpf.OpBe, 0, 0, 0, 16),
			exit), 0x4433},
		{"be32", program(
			enc(ebpf.OpMov64Imm, 0, 0, 0, 0x11223344),
			enc(ebpf.OpBe, 0, 0, 0, 32),
			exit), 0x44332211},
		{"be64", program(
			lddw(0, 0x1122334455667788),
			enc(ebpf.OpBe, 0, 0, 0, 64),
			exit), 0x8877665544332211},
		{"le16 truncates", program(
			enc(ebpf.OpMov64Imm, 0, 0, 0, 0x11223344),
			enc(ebpf.OpLe, 0, 0, 0, 16),
			exit), 0x3344},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := interpret(t, ebpf.DefaultConfig(), tt.insns...)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestInterpreterJumps(t *testing.T) {
	// r0 = 1 if the jump is taken, 0 otherwise.
	branch := func(setup []ebpf.Instruction, jump ebpf.Instruction) []ebpf.Instruction {
		return program(setup,
			enc(ebpf.OpMov64Imm, 0, 0, 0, 0),
			jump,
			exit,
			enc(ebpf.OpMov64Imm, 0, 0, 0, 1),
			exit)
	}
	neg := program(enc(ebpf.OpMov64Imm, 1, 0, 0, -1), enc(ebpf.OpMov64Imm, 2, 0, 0, 1))
	wide := program(lddw(1, 0x1_0000_0001), enc(ebpf.OpMov64Imm, 2, 0, 0, 1))

	tests := []struct {
		name  string
		insns []ebpf.Instruction
		taken bool
	}{
		{"jgt unsigned", branch(neg, enc(ebpf.OpJgtReg, 1, 2, 1, 0)), true},
		{"jsgt signed", branch(neg, enc(ebpf.OpJsgtReg, 1, 2, 1, 0)), false},
		{"jslt imm", branch(neg, enc(ebpf.OpJsltImm, 1, 0, 1, 0)), true},
		{"jeq imm sign extended", branch(neg, enc(ebpf.OpJeqImm, 1, 0, 1, -1)), true},
		{"jset", branch(neg, enc(ebpf.OpJsetImm, 2, 0, 1, 3)), true},
		{"jne", branch(neg, enc(ebpf.OpJneReg, 2, 2, 1, 0)), false},
		{"jle", branch(neg, enc(ebpf.OpJleImm, 2, 0, 1, 1)), true},
		{"jeq32 low half", branch(wide, enc(ebpf.OpJeq32Reg, 1, 2, 1, 0)), true},
		{"jeq64 full", branch(wide, enc(ebpf.OpJeqReg, 1, 2, 1, 0)), false},
		{"jsge32", branch(neg, enc(ebpf.OpJsge32Imm, 1, 0, 1, 0)), false},
		{"jlt32", branch(wide, enc(ebpf.OpJlt32Imm, 1, 0, 1, 2)), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := interpret(t, ebpf.DefaultConfig(), tt.insns...)
			require.NoError(t, err)
			want := uint64(0)
			if tt.taken {
				want = 1
			}
			assert.Equal(t, want, got)
		})
	}
}

func TestInterpreterLoop(t *testing.T) {
	// Sum 1..10.
	got, err := interpret(t, ebpf.DefaultConfig(),
		enc(ebpf.OpMov64Imm, 0, 0, 0, 0),
		enc(ebpf.OpMov64Imm, 1, 0, 0, 10),
		enc(ebpf.OpAdd64Reg, 0, 1, 0, 0),
		enc(ebpf.OpSub64Imm, 1, 0, 0, 1),
		enc(ebpf.OpJneImm, 1, 0, -3, 0),
		exit,
	)
	require.NoError(t, err)
	assert.Equal(t, uint64(55), got)
}

func TestInterpreterDivideByZero(t *testing.T) {
	_, err := interpret(t, ebpf.DefaultConfig(),
		enc(ebpf.OpMov64Imm, 0, 0, 0, 1),
		enc(ebpf.OpMov64Imm, 1, 0, 0, 0),
		enc(ebpf.OpDiv64Reg, 0, 1, 0, 0),
		exit,
	)
	requireFault(t, err, ebpf.DivideByZero, 2)
	assert.ErrorIs(t, err, ebpf.ErrDivideByZero)

	// The 32-bit forms only look at the low half of the divisor.
	_, err = interpret(t, ebpf.DefaultConfig(), program(
		lddw(1, 1<<32),
		enc(ebpf.OpMod32Reg, 0, 1, 0, 0),
		exit,
	)...)
	requireFault(t, err, ebpf.DivideByZero, 2)
}

func TestInterpreterMemory(t *testing.T) {
	prog := verify(t, ebpf.DefaultConfig(), nil,
		enc(ebpf.OpLdxw, 2, 1, 0, 0),     // input word
		enc(ebpf.OpStxw, 10, 2, -8, 0),   // to the stack
		enc(ebpf.OpStb, 10, 0, -8, 0x7f), // patch the low byte
		enc(ebpf.OpLdxdw, 0, 10, -8, 0),  // read it back
		enc(ebpf.OpStxdw, 10, 0, -16, 0), // second slot
		enc(ebpf.OpLdxh, 3, 10, -15, 0),  // unaligned half
		enc(ebpf.OpLsh64Imm, 3, 0, 0, 32),
		enc(ebpf.OpOr64Reg, 0, 3, 0, 0),
		exit,
	)
	c := newContext(t, prog, []byte{1, 2, 3, 4})
	got, err := c.Run()
	require.NoError(t, err)
	assert.Equal(t, uint64(0x0302_0403027f), got)
}

func TestInterpreterHeap(t *testing.T) {
	got, err := interpret(t, ebpf.DefaultConfig(), program(
		lddw(1, memory.HeapStart+ebpf.DefaultHeapSize-8),
		enc(ebpf.OpStdw, 1, 0, 0, -2),
		enc(ebpf.OpLdxdw, 0, 1, 0, 0),
		exit,
	)...)
	require.NoError(t, err)
	assert.Equal(t, uint64(math.MaxUint64-1), got)

	_, err = interpret(t, ebpf.DefaultConfig(), program(
		lddw(1, memory.HeapStart+ebpf.DefaultHeapSize-4),
		enc(ebpf.OpStdw, 1, 0, 0, 1),
		exit,
	)...)
	f := requireFault(t, err, ebpf.InvalidMemoryAccess, 2)
	var access *memory.AccessError
	require.ErrorAs(t, f, &access)
	assert.Equal(t, memory.Store, access.Kind)
	assert.Equal(t, uint64(8), access.Len)
}

func TestInterpreterMemoryFaults(t *testing.T) {
	tests := []struct {
		name  string
		cfg   func(*ebpf.Config)
		insns []ebpf.Instruction
		addr  uint64
		kind  memory.AccessKind
	}{
		{"null", nil, program(
			enc(ebpf.OpMov64Imm, 1, 0, 0, 0),
			enc(ebpf.OpLdxb, 0, 1, 0, 0),
			exit), 0, memory.Load},
		{"store to program", nil, program(
			lddw(1, memory.ProgramStart),
			enc(ebpf.OpStb, 1, 0, 0, 0),
			exit), memory.ProgramStart, memory.Store},
		{"store to input", nil, program(
			enc(ebpf.OpStb, 1, 0, 0, 0),
			exit), memory.InputStart, memory.Store},
		{"stack gap", nil, program(
			enc(ebpf.OpLdxb, 0, 10, 0, 0),
			exit), memory.StackStart + ebpf.DefaultStackFrameSize, memory.Load},
		{"below stack", nil, program(
			enc(ebpf.OpMov64Reg, 1, 10, 0, 0),
			enc(ebpf.OpSub64Imm, 1, 0, 0, ebpf.DefaultStackFrameSize+1),
			enc(ebpf.OpLdxb, 0, 1, 0, 0),
			exit), memory.StackStart - 1, memory.Load},
		{"unaligned", func(c *ebpf.Config) { c.AllowUnaligned = false }, program(
			enc(ebpf.OpMov64Reg, 1, 10, 0, 0),
			enc(ebpf.OpSub64Imm, 1, 0, 0, 6),
			enc(ebpf.OpLdxw, 0, 1, 0, 0),
			exit), memory.StackStart + ebpf.DefaultStackFrameSize - 6, memory.Load},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := ebpf.DefaultConfig()
			if tt.cfg != nil {
				tt.cfg(&cfg)
			}
			prog := verify(t, cfg, nil, tt.insns...)
			_, err := newContext(t, prog, []byte{1, 2, 3, 4}).Run()
			f := requireFault(t, err, ebpf.InvalidMemoryAccess, len(tt.insns)-2)
			var access *memory.AccessError
			require.ErrorAs(t, f, &access)
			assert.Equal(t, tt.addr, access.Addr)
			assert.Equal(t, tt.kind, access.Kind)
			assert.ErrorIs(t, err, ebpf.ErrInvalidMemoryAccess)
		})
	}
}

func TestWritableInput(t *testing.T) {
	cfg := ebpf.DefaultConfig()
	cfg.WritableInput = true
	prog := verify(t, cfg, nil,
		enc(ebpf.OpStb, 1, 0, 1, 9),
		enc(ebpf.OpMov64Imm, 0, 0, 0, 0),
		exit,
	)
	input := []byte{1, 2, 3}
	_, err := newContext(t, prog, input).Run()
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 9, 3}, input)
}

// callFib computes fib(n) recursively with internal calls.
func callFib(n int32) []ebpf.Instruction {
	return []ebpf.Instruction{
		enc(ebpf.OpMov64Imm, 1, 0, 0, n),              // 0
		enc(ebpf.OpCall, 0, ebpf.CallInternal, 0, 1),  // 1: fib at 3
		exit,                                          // 2
		enc(ebpf.OpMov64Reg, 0, 1, 0, 0),              // 3: fib
		enc(ebpf.OpJltImm, 1, 0, 9, 2),                // 4: to 14
		enc(ebpf.OpMov64Reg, 6, 1, 0, 0),              // 5
		enc(ebpf.OpSub64Imm, 1, 0, 0, 1),              // 6
		enc(ebpf.OpCall, 0, ebpf.CallInternal, 0, -5), // 7: fib(n-1)
		enc(ebpf.OpStxdw, 10, 0, -8, 0),               // 8
		enc(ebpf.OpMov64Reg, 1, 6, 0, 0),              // 9
		enc(ebpf.OpSub64Imm, 1, 0, 0, 2),              // 10
		enc(ebpf.OpCall, 0, ebpf.CallInternal, 0, -9), // 11: fib(n-2)
		enc(ebpf.OpLdxdw, 1, 10, -8, 0),               // 12
		enc(ebpf.OpAdd64Reg, 0, 1, 0, 0),              // 13
		exit,                                          // 14
	}
}

func TestInterpreterCalls(t *testing.T) {
	prog := verify(t, ebpf.DefaultConfig(), []int{3}, callFib(10)...)
	got, err := newContext(t, prog, nil).Run()
	require.NoError(t, err)
	assert.Equal(t, uint64(55), got)
}

func TestInterpreterCallPreservesRegisters(t *testing.T) {
	prog := verify(t, ebpf.DefaultConfig(), []int{5},
		enc(ebpf.OpMov64Imm, 6, 0, 0, 100),           // 0
		enc(ebpf.OpMov64Reg, 7, 10, 0, 0),            // 1
		enc(ebpf.OpCall, 0, ebpf.CallInternal, 0, 2), // 2: callee at 5
		enc(ebpf.OpSub64Reg, 7, 10, 0, 0),            // 3: r7 - r10 == 0
		exit,                                         // 4
		enc(ebpf.OpMov64Imm, 6, 0, 0, 1),             // 5
		enc(ebpf.OpMov64Reg, 0, 10, 0, 0),            // 6
		exit,                                         // 7
	)
	c := newContext(t, prog, nil)
	got, err := c.Run()
	require.NoError(t, err)

	cfg := ebpf.DefaultConfig()
	assert.Equal(t, memory.StackStart+cfg.StackFrameSize+cfg.FrameStride(), got)
	regs := c.Registers()
	assert.Equal(t, uint64(100), regs[6])
	assert.Zero(t, regs[7])
	assert.Equal(t, memory.StackStart+cfg.StackFrameSize, regs[10])
}

func TestInterpreterCallDepth(t *testing.T) {
	cfg := ebpf.DefaultConfig()
	cfg.MaxCallDepth = 5
	prog := verify(t, cfg, nil,
		enc(ebpf.OpAdd64Imm, 6, 0, 0, 1),
		enc(ebpf.OpCall, 0, ebpf.CallInternal, 0, -2),
		exit,
	)
	c := newContext(t, prog, nil)
	_, err := c.Run()
	requireFault(t, err, ebpf.CallDepthExceeded, 1)
	assert.Equal(t, 5, c.Depth())
	assert.Equal(t, uint64(5), c.Registers()[6])
}

func TestInterpreterSyscalls(t *testing.T) {
	t.Run("result in r0", func(t *testing.T) {
		got, err := interpret(t, ebpf.DefaultConfig(),
			enc(ebpf.OpMov64Imm, 0, 0, 0, 3),
			enc(ebpf.OpCall, 0, ebpf.CallSyscall, 0, sysAnswer),
			exit,
		)
		require.NoError(t, err)
		assert.Equal(t, uint64(42), got)
	})

	t.Run("reads guest memory", func(t *testing.T) {
		prog := verify(t, ebpf.DefaultConfig(), nil,
			enc(ebpf.OpAdd64Imm, 1, 0, 0, 2),
			enc(ebpf.OpCall, 0, ebpf.CallSyscall, 0, sysPeek),
			exit,
		)
		got, err := newContext(t, prog, []byte{5, 6, 7}).Run()
		require.NoError(t, err)
		assert.Equal(t, uint64(7), got)
	})

	t.Run("error", func(t *testing.T) {
		_, err := interpret(t, ebpf.DefaultConfig(),
			enc(ebpf.OpCall, 0, ebpf.CallSyscall, 0, sysFail),
			exit,
		)
		requireFault(t, err, ebpf.SyscallError, 0)
		assert.ErrorIs(t, err, errBoom)
	})

	t.Run("exhausts budget", func(t *testing.T) {
		cfg := ebpf.DefaultConfig()
		cfg.ComputeBudget = 100
		_, err := interpret(t, cfg,
			enc(ebpf.OpMov64Imm, 1, 0, 0, 1000),
			enc(ebpf.OpCall, 0, ebpf.CallSyscall, 0, sysBurn),
			exit,
		)
		requireFault(t, err, ebpf.ExceededMaxInstructions, 1)
	})

	t.Run("missing at runtime", func(t *testing.T) {
		prog := verify(t, ebpf.DefaultConfig(), nil,
			enc(ebpf.OpCall, 0, ebpf.CallSyscall, 0, sysAnswer),
			exit,
		)
		c, err := New(prog, Options{})
		require.NoError(t, err)
		_, err = c.Run()
		requireFault(t, err, ebpf.UnsupportedInstruction, 0)
	})
}

func TestBudgetExactness(t *testing.T) {
	insns := []ebpf.Instruction{
		enc(ebpf.OpMov64Imm, 0, 0, 0, 1), // 0
		enc(ebpf.OpMul64Imm, 0, 0, 0, 3), // 1
		enc(ebpf.OpDiv64Imm, 0, 0, 0, 2), // 2
		exit,                             // 3
	}
	weighted := ebpf.WeightedCosts()
	full := ebpf.CostALU + ebpf.CostMul + ebpf.CostDiv + ebpf.CostExit

	tests := []struct {
		name     string
		budget   uint64
		faultPC  int // -1 for success
		executed uint64
		left     uint64
	}{
		{"exact", full, -1, 4, 0},
		{"spare", full + 3, -1, 4, 3},
		{"short by one", full - 1, 3, 3, ebpf.CostExit - 1},
		{"stops before div", ebpf.CostALU + ebpf.CostMul + ebpf.CostDiv - 1, 2, 2, ebpf.CostDiv - 1},
		{"zero", 0, 0, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := ebpf.DefaultConfig()
			cfg.Costs = weighted
			cfg.ComputeBudget = tt.budget
			c := newContext(t, verify(t, cfg, nil, insns...), nil)
			_, err := c.Run()
			if tt.faultPC < 0 {
				require.NoError(t, err)
			} else {
				requireFault(t, err, ebpf.ExceededMaxInstructions, tt.faultPC)
			}
			assert.Equal(t, tt.executed, c.Executed())
			assert.Equal(t, tt.left, c.Remaining())
			assert.Equal(t, tt.budget-tt.left, c.Consumed())
		})
	}
}

func TestStep(t *testing.T) {
	prog := verify(t, ebpf.DefaultConfig(), nil,
		enc(ebpf.OpMov64Imm, 0, 0, 0, 7),
		enc(ebpf.OpAdd64Imm, 0, 0, 0, 5),
		exit,
	)
	c := newContext(t, prog, nil)

	for i := 0; i < 2; i++ {
		halted, err := c.Step()
		require.NoError(t, err)
		assert.False(t, halted)
		assert.Equal(t, i+1, c.PC())
	}
	assert.ErrorIs(t, c.BindInput(nil), ErrInputBound)

	halted, err := c.Step()
	require.NoError(t, err)
	assert.True(t, halted)
	assert.Equal(t, uint64(12), c.Registers()[0])
	assert.Equal(t, uint64(3), c.Executed())

	_, err = c.Step()
	assert.ErrorIs(t, err, ErrContextSpent)
}

func TestContextRunsOnce(t *testing.T) {
	prog := verify(t, ebpf.DefaultConfig(), nil, enc(ebpf.OpMov64Imm, 0, 0, 0, 1), exit)
	c := newContext(t, prog, nil)
	_, err := c.Run()
	require.NoError(t, err)
	_, err = c.Run()
	assert.ErrorIs(t, err, ErrContextSpent)

	// A faulted context is spent as well.
	prog = verify(t, ebpf.DefaultConfig(), nil,
		enc(ebpf.OpMov64Imm, 1, 0, 0, 0),
		enc(ebpf.OpLdxb, 0, 1, 0, 0),
		exit,
	)
	c = newContext(t, prog, nil)
	_, err = c.Run()
	require.Error(t, err)
	_, err = c.Run()
	assert.ErrorIs(t, err, ErrContextSpent)
}

func TestNewOptions(t *testing.T) {
	prog := verify(t, ebpf.DefaultConfig(), nil, exit)

	_, err := New(nil, Options{})
	assert.ErrorIs(t, err, ErrNoProgram)

	bad := ebpf.DefaultConfig()
	bad.StackFrameSize = 1000
	_, err = New(prog, Options{Config: &bad})
	assert.ErrorIs(t, err, ebpf.ErrInvalidConfig)

	small := ebpf.DefaultConfig()
	small.ComputeBudget = 10
	c, err := New(prog, Options{Config: &small})
	require.NoError(t, err)
	assert.Equal(t, uint64(10), c.Remaining())
	assert.Equal(t, EngineInterpreter, c.Engine())

	regs := c.Registers()
	assert.Equal(t, memory.InputStart, regs[1])
	assert.Equal(t, memory.StackStart+small.StackFrameSize, regs[10])
}

func TestNewRejectsOverrideOfVerifiedFields(t *testing.T) {
	prog := verify(t, ebpf.DefaultConfig(), nil,
		enc(ebpf.OpMov64Imm, 0, 0, 0, 6),
		enc(ebpf.OpMul64Imm, 0, 0, 0, 7),
		exit,
	)

	noMul := ebpf.DefaultOpcodes()
	require.NoError(t, noMul.DisableGroup("mul"))
	tests := []struct {
		name   string
		change func(*ebpf.Config)
	}{
		{"opcodes", func(c *ebpf.Config) { c.Opcodes = noMul }},
		{"frame size", func(c *ebpf.Config) { c.StackFrameSize = 512 }},
		{"call depth", func(c *ebpf.Config) { c.MaxCallDepth = 8 }},
		{"alignment", func(c *ebpf.Config) { c.AllowUnaligned = false }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := ebpf.DefaultConfig()
			tt.change(&cfg)
			_, err := New(prog, Options{Config: &cfg})
			assert.ErrorIs(t, err, ErrConfigMismatch)
		})
	}

	// The full default set is the same as an unset one.
	same := ebpf.DefaultConfig()
	same.Opcodes = ebpf.DefaultOpcodes()
	same.ComputeBudget = 100
	c, err := New(prog, Options{Config: &same})
	require.NoError(t, err)
	got, err := c.Run()
	require.NoError(t, err)
	assert.Equal(t, uint64(42), got)
}

func TestStack(t *testing.T) {
	s := NewStack(3, 0x2000)
	var regs [11]uint64
	regs[6], regs[9], regs[10] = 6, 9, 0x1000

	require.True(t, s.Push(&regs, 4))
	assert.Equal(t, uint64(0x3000), regs[10])
	regs[6] = 60
	require.True(t, s.Push(&regs, 8))
	assert.False(t, s.Push(&regs, 12))
	assert.Equal(t, 3, s.Depth())
	require.Len(t, s.Frames(), 2)

	ret, ok := s.Pop(&regs)
	require.True(t, ok)
	assert.Equal(t, 8, ret)
	assert.Equal(t, uint64(60), regs[6])
	assert.Equal(t, uint64(0x3000), regs[10])

	ret, ok = s.Pop(&regs)
	require.True(t, ok)
	assert.Equal(t, 4, ret)
	assert.Equal(t, uint64(6), regs[6])
	assert.Equal(t, uint64(9), regs[9])
	assert.Equal(t, uint64(0x1000), regs[10])

	_, ok = s.Pop(&regs)
	assert.False(t, ok)
	assert.Equal(t, 1, s.Depth())
}
